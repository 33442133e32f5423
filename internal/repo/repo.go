package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"boardroom/internal/domain"
	"boardroom/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) Repo {
	return Repo{DB: db, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// CreateProject stores a new project for idea.
func (r Repo) CreateProject(ctx context.Context, id, idea string) (domain.Project, error) {
	idea = strings.TrimSpace(idea)
	if idea == "" {
		return domain.Project{}, errors.New("idea is required")
	}
	p := domain.Project{ID: id, Idea: idea, CreatedAt: r.now(), Runs: []domain.Run{}}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,idea,created_at) VALUES (?,?,?)`,
		p.ID, p.Idea, formatTime(p.CreatedAt)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "", events.Payload{"idea": p.Idea}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ListProjects returns every project, newest first, each with its runs.
func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,idea,created_at FROM projects ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var created string
		if err := rows.Scan(&p.ID, &p.Idea, &created); err != nil {
			rows.Close()
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("project %s created_at: %w", p.ID, err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	runs, err := r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	byProject := make(map[string][]domain.Run)
	for _, run := range runs {
		byProject[run.ProjectID] = append(byProject[run.ProjectID], run)
	}
	for i := range res {
		res[i].Runs = byProject[res[i].ID]
		if res[i].Runs == nil {
			res[i].Runs = []domain.Run{}
		}
	}
	return res, nil
}

// GetProject returns the project with its runs in creation order.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,idea,created_at FROM projects WHERE id=?`, id).Scan(&p.ID, &p.Idea, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, fmt.Errorf("project %s created_at: %w", id, err)
	}
	p.Runs, err = r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id=? ORDER BY rowid ASC`, id)
	if err != nil {
		return p, err
	}
	if p.Runs == nil {
		p.Runs = []domain.Run{}
	}
	return p, nil
}

// CreateRun records an idle run for the project and returns it. The project must exist.
func (r Repo) CreateRun(ctx context.Context, id, projectID string, participants []domain.Role) (domain.Run, error) {
	run := domain.Run{
		ID:           id,
		ProjectID:    projectID,
		Status:       domain.RunIdle,
		Participants: append([]domain.Role(nil), participants...),
		Messages:     []domain.Message{},
		StartedAt:    r.now(),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id=?`, projectID).Scan(&exists); err != nil {
		return domain.Run{}, err
	}
	if exists == 0 {
		return domain.Run{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err := insertRun(ctx, tx, run, r.now()); err != nil {
		return domain.Run{}, err
	}
	roles := make([]string, len(participants))
	for i, p := range participants {
		roles[i] = string(p)
	}
	if err := r.Events.Append(ctx, tx, events.RunCreated, projectID, id, events.Payload{"participants": roles}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// PersistRun upserts a run snapshot keyed by id. Replaying the same snapshot is a
// no-op, a stored terminal run is never overwritten, and every status change is
// recorded as an event.
func (r Repo) PersistRun(ctx context.Context, run domain.Run) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id=?`, run.ID).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertRun(ctx, tx, run, r.now()); err != nil {
			return err
		}
	case err != nil:
		return err
	case domain.RunStatus(prev).Terminal():
		return nil
	default:
		if err := updateRun(ctx, tx, run, r.now()); err != nil {
			return err
		}
	}
	if prev != string(run.Status) {
		payload := events.Payload{"messages": len(run.Messages), "artifacts": run.Artifacts.Len()}
		if run.FinishedAt != nil {
			payload["finished_at"] = formatTime(*run.FinishedAt)
		}
		if err := r.Events.Append(ctx, tx, events.ForStatus(string(run.Status)), run.ProjectID, run.ID, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRun returns the stored snapshot of a run.
func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	runs, err := r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	if err != nil {
		return domain.Run{}, err
	}
	if len(runs) == 0 {
		return domain.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return runs[0], nil
}

const runColumns = `id,project_id,status,participants_json,messages_json,artifacts_json,started_at,finished_at`

type runRow struct {
	participants, messages, artifacts string
	started, finished                 any
}

func encodeRun(run domain.Run) (runRow, error) {
	var row runRow
	participants := run.Participants
	if participants == nil {
		participants = []domain.Role{}
	}
	messages := run.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	p, err := json.Marshal(participants)
	if err != nil {
		return row, fmt.Errorf("marshal participants: %w", err)
	}
	m, err := json.Marshal(messages)
	if err != nil {
		return row, fmt.Errorf("marshal messages: %w", err)
	}
	a, err := json.Marshal(run.Artifacts)
	if err != nil {
		return row, fmt.Errorf("marshal artifacts: %w", err)
	}
	row.participants, row.messages, row.artifacts = string(p), string(m), string(a)
	row.started = formatTime(run.StartedAt)
	if run.FinishedAt != nil {
		row.finished = formatTime(*run.FinishedAt)
	}
	return row, nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run domain.Run, now time.Time) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(id,project_id,status,participants_json,messages_json,artifacts_json,started_at,finished_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, string(run.Status), row.participants, row.messages, row.artifacts, row.started, row.finished, formatTime(now))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func updateRun(ctx context.Context, tx *sql.Tx, run domain.Run, now time.Time) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE runs SET status=?,participants_json=?,messages_json=?,artifacts_json=?,started_at=?,finished_at=?,updated_at=? WHERE id=?`,
		string(run.Status), row.participants, row.messages, row.artifacts, row.started, row.finished, formatTime(now), run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (r Repo) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var run domain.Run
		var status, participants, messages, artifacts, started string
		var finished sql.NullString
		if err := rows.Scan(&run.ID, &run.ProjectID, &status, &participants, &messages, &artifacts, &started, &finished); err != nil {
			return nil, err
		}
		run.Status = domain.RunStatus(status)
		if err := json.Unmarshal([]byte(participants), &run.Participants); err != nil {
			return nil, fmt.Errorf("run %s participants: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(messages), &run.Messages); err != nil {
			return nil, fmt.Errorf("run %s messages: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(artifacts), &run.Artifacts); err != nil {
			return nil, fmt.Errorf("run %s artifacts: %w", run.ID, err)
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("run %s started_at: %w", run.ID, err)
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, fmt.Errorf("run %s finished_at: %w", run.ID, err)
			}
			run.FinishedAt = &t
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,COALESCE(project_id,''),COALESCE(run_id,''),COALESCE(payload_json,'')`

// EventFilter narrows ListEvents. Without a cursor the most recent Limit matches are
// returned; with After, the oldest Limit matches past the cursor.
type EventFilter struct {
	ProjectID string
	RunID     string
	Type      string
	After     int64
	Limit     int
}

// ListEvents returns matching events in ascending id order. With After unset it returns
// the newest Limit events; with After set, the oldest Limit events past the cursor.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
	}
	where := strings.Join(clauses, " AND ")
	var query string
	if f.After > 0 {
		query = fmt.Sprintf(`SELECT `+eventColumns+` FROM events WHERE %s ORDER BY id ASC LIMIT ?`, where)
	} else {
		query = fmt.Sprintf(`SELECT `+eventColumns+` FROM (SELECT * FROM events WHERE %s ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, where)
	}
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with an id greater than after, oldest first.
// A zero cursor starts at the beginning of the log.
func (r Repo) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, after, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.RunID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListUnfinishedRuns returns stored runs that never reached a terminal status.
func (r Repo) ListUnfinishedRuns(ctx context.Context) ([]domain.Run, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status IN ('idle','running') ORDER BY rowid ASC`)
}

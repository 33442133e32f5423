package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"boardroom/internal/db"
	"boardroom/internal/domain"
	"boardroom/internal/events"
	"boardroom/internal/migrate"
	"boardroom/internal/repo"
)

type testEnv struct {
	Repo repo.Repo
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := repo.New(conn)
	r.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return testEnv{Repo: r, Ctx: ctx}
}

func TestProjectsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Repo.CreateProject(env.Ctx, "proj_a", "first idea"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Repo.CreateProject(env.Ctx, "proj_b", "second idea"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Repo.CreateProject(env.Ctx, "proj_c", "   "); err == nil {
		t.Fatalf("blank idea should be rejected")
	}
	list, err := env.Repo.ListProjects(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "proj_b" || list[1].ID != "proj_a" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[0].Runs == nil {
		t.Fatalf("runs should be an empty list")
	}
	if _, err := env.Repo.GetProject(env.Ctx, "proj_missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunPersistRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Repo.CreateProject(env.Ctx, "proj_1", "X"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := env.Repo.CreateRun(env.Ctx, "run_1", "proj_missing", []domain.Role{domain.RolePM}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown project, got %v", err)
	}
	run, err := env.Repo.CreateRun(env.Ctx, "run_1", "proj_1", []domain.Role{domain.RolePM, domain.RoleEngineer})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	ts := time.Date(2024, 3, 4, 5, 6, 7, 123456789, time.UTC)
	run.Status = domain.RunRunning
	run.StartedAt = ts
	run.Messages = append(run.Messages, domain.Message{ID: "msg_1", Timestamp: ts, Source: "PM", Kind: domain.KindThought, Content: "Thinking about the PRD..."})
	if _, err := run.Artifacts.Upsert(domain.ArtifactPRD, "# PRD", ts, func() string { return "art_1" }); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := env.Repo.PersistRun(env.Ctx, run); err != nil {
			t.Fatalf("persist %d: %v", i, err)
		}
	}
	finished := ts.Add(1500 * time.Millisecond)
	run.Status = domain.RunSucceeded
	run.FinishedAt = &finished
	if err := env.Repo.PersistRun(env.Ctx, run); err != nil {
		t.Fatalf("persist terminal: %v", err)
	}

	got, err := env.Repo.GetRun(env.Ctx, "run_1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !got.StartedAt.Equal(ts) || got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("timestamps did not round-trip: %v %v", got.StartedAt, got.FinishedAt)
	}
	if !got.Messages[0].Timestamp.Equal(ts) {
		t.Fatalf("message timestamp lost precision: %v", got.Messages[0].Timestamp)
	}
	prd, ok := got.Artifacts.Get(domain.ArtifactPRD)
	if !ok || prd.ID != "art_1" || !prd.UpdatedAt.Equal(ts) {
		t.Fatalf("artifact did not round-trip: %+v", prd)
	}
	if len(got.Participants) != 2 || got.Participants[1] != domain.RoleEngineer {
		t.Fatalf("participants lost: %v", got.Participants)
	}

	// a stale replay after the terminal state must not regress the stored run
	stale := run.Clone()
	stale.Status = domain.RunRunning
	stale.FinishedAt = nil
	if err := env.Repo.PersistRun(env.Ctx, stale); err != nil {
		t.Fatalf("persist stale: %v", err)
	}
	got, _ = env.Repo.GetRun(env.Ctx, "run_1")
	if got.Status != domain.RunSucceeded {
		t.Fatalf("terminal run overwritten: %s", got.Status)
	}

	p, err := env.Repo.GetProject(env.Ctx, "proj_1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if latest, ok := p.LatestRun(); !ok || latest.ID != "run_1" || !p.CanRun() {
		t.Fatalf("unexpected latest run %+v", p.Runs)
	}

	evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{RunID: "run_1"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{events.RunCreated, events.RunRunning, events.RunSucceeded}
	if len(types) != len(want) {
		t.Fatalf("events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events %v, want %v", types, want)
		}
	}
}

func TestListEventsKeepsLatest(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"proj_1", "proj_2", "proj_3"} {
		if _, err := env.Repo.CreateProject(env.Ctx, id, "idea "+id); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(evts) != 2 || evts[0].ProjectID != "proj_2" || evts[1].ProjectID != "proj_3" {
		t.Fatalf("unexpected tail: %+v", evts)
	}
	after, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{After: evts[0].ID})
	if err != nil || len(after) != 1 || after[0].ProjectID != "proj_3" {
		t.Fatalf("unexpected events after cursor: %+v %v", after, err)
	}
}

func TestEventsAfterStartsAtBeginning(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"proj_1", "proj_2", "proj_3"} {
		if _, err := env.Repo.CreateProject(env.Ctx, id, "idea "+id); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	first, err := env.Repo.EventsAfter(env.Ctx, 0, 2)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(first) != 2 || first[0].ProjectID != "proj_1" || first[1].ProjectID != "proj_2" {
		t.Fatalf("unexpected first page: %+v", first)
	}
	rest, err := env.Repo.EventsAfter(env.Ctx, first[1].ID, 2)
	if err != nil || len(rest) != 1 || rest[0].ProjectID != "proj_3" {
		t.Fatalf("unexpected second page: %+v %v", rest, err)
	}
}

package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"boardroom/internal/domain"
)

func TestRunTransitions(t *testing.T) {
	allowed := [][2]domain.RunStatus{
		{domain.RunIdle, domain.RunRunning},
		{domain.RunRunning, domain.RunSucceeded},
		{domain.RunRunning, domain.RunFailed},
		{domain.RunRunning, domain.RunRunning},
	}
	for _, tr := range allowed {
		if err := domain.EnsureRunTransition(tr[0], tr[1]); err != nil {
			t.Fatalf("%s -> %s: %v", tr[0], tr[1], err)
		}
	}
	denied := [][2]domain.RunStatus{
		{domain.RunIdle, domain.RunSucceeded},
		{domain.RunIdle, domain.RunFailed},
		{domain.RunRunning, domain.RunIdle},
		{domain.RunSucceeded, domain.RunRunning},
		{domain.RunFailed, domain.RunFailed},
	}
	for _, tr := range denied {
		if err := domain.EnsureRunTransition(tr[0], tr[1]); err == nil {
			t.Fatalf("expected %s -> %s to be rejected", tr[0], tr[1])
		}
	}
}

func TestArtifactUpsertKeepsID(t *testing.T) {
	var set domain.ArtifactSet
	n := 0
	newID := func() string { n++; return "art_" + string(rune('0'+n)) }
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := set.Upsert(domain.ArtifactPRD, "v1", t0, newID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := set.Upsert(domain.ArtifactPRD, "v2", t0.Add(time.Minute), newID)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("id changed on refresh: %s -> %s", first.ID, second.ID)
	}
	got, ok := set.Get(domain.ArtifactPRD)
	if !ok || got.Content != "v2" || !got.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected artifact %+v", got)
	}
	if set.Len() != 1 {
		t.Fatalf("expected one artifact, got %d", set.Len())
	}
	if _, err := set.Upsert("Roadmap", "x", t0, newID); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestCloneIsolatesSnapshots(t *testing.T) {
	var set domain.ArtifactSet
	_, _ = set.Upsert(domain.ArtifactPRD, "v1", time.Now(), func() string { return "a" })
	run := domain.Run{
		ID:        "run_1",
		Messages:  []domain.Message{{ID: "m1", Metadata: map[string]any{"k": "v"}}},
		Artifacts: set,
	}
	c := run.Clone()
	c.Messages[0].Metadata["k"] = "changed"
	_, _ = c.Artifacts.Upsert(domain.ArtifactPRD, "v2", time.Now(), nil)
	if run.Messages[0].Metadata["k"] != "v" {
		t.Fatalf("metadata leaked into original")
	}
	if a, _ := run.Artifacts.Get(domain.ArtifactPRD); a.Content != "v1" {
		t.Fatalf("artifact leaked into original: %s", a.Content)
	}
}

func TestRunJSONRoundTripKeepsTimestamps(t *testing.T) {
	started := time.Date(2024, 3, 9, 14, 5, 7, 123456789, time.UTC)
	finished := started.Add(90 * time.Second)
	var set domain.ArtifactSet
	_, _ = set.Upsert(domain.ArtifactDemoCode, "print(1)", finished, func() string { return "art_1" })
	in := domain.Run{
		ID:         "run_1",
		ProjectID:  "proj_1",
		Status:     domain.RunSucceeded,
		Messages:   []domain.Message{{ID: "m1", Timestamp: started, Source: domain.SourceSystem, Kind: domain.KindSystem, Content: "hi"}},
		Artifacts:  set,
		StartedAt:  started,
		FinishedAt: &finished,
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out domain.Run
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !out.StartedAt.Equal(started) || out.FinishedAt == nil || !out.FinishedAt.Equal(finished) {
		t.Fatalf("run timestamps drifted: %v %v", out.StartedAt, out.FinishedAt)
	}
	if !out.Messages[0].Timestamp.Equal(started) {
		t.Fatalf("message timestamp drifted")
	}
	a, ok := out.Artifacts.Get(domain.ArtifactDemoCode)
	if !ok || !a.UpdatedAt.Equal(finished) || a.ID != "art_1" {
		t.Fatalf("artifact did not round-trip: %+v", a)
	}
}

func TestProjectCanRun(t *testing.T) {
	p := domain.Project{ID: "p"}
	if !p.CanRun() {
		t.Fatalf("empty project should be runnable")
	}
	p.Runs = append(p.Runs, domain.Run{Status: domain.RunRunning})
	if p.CanRun() {
		t.Fatalf("running latest run should block")
	}
	p.Runs = append(p.Runs, domain.Run{Status: domain.RunFailed})
	if !p.CanRun() {
		t.Fatalf("terminal latest run should allow")
	}
}

func TestDisplayFor(t *testing.T) {
	if d := domain.DisplayFor(domain.SourceSystem); d.Avatar != "⚙️" {
		t.Fatalf("system display: %+v", d)
	}
	if d := domain.DisplayFor("PM"); d.Name != "Pat M." {
		t.Fatalf("pm display: %+v", d)
	}
	if d := domain.DisplayFor("Intern"); d.Avatar != "👤" || d.Name != "Intern" {
		t.Fatalf("fallback display: %+v", d)
	}
	if r, err := domain.ParseRole("engineer"); err != nil || r != domain.RoleEngineer {
		t.Fatalf("parse role: %v %v", r, err)
	}
}

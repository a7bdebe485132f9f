package engine

import (
	"testing"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
	"github.com/funnelpipe/funnelpipe/internal/store"
)

func TestRetentionSweepPrunesOldTerminalRunsOnly(t *testing.T) {
	st := store.NewInMemoryStore()

	oldCompleted := models.Run{
		ID:         "run_old_done",
		Keyword:    "a",
		Recipient:  "+1",
		Steps:      []models.Step{{Message: "x"}},
		Status:     models.RunStatusCompleted,
		NextFireAt: time.Now().UTC(),
	}
	staleActive := models.Run{
		ID:         "run_old_active",
		Keyword:    "b",
		Recipient:  "+2",
		Steps:      []models.Step{{Message: "x"}},
		Status:     models.RunStatusActive,
		NextFireAt: time.Now().UTC(),
	}
	for _, r := range []models.Run{oldCompleted, staleActive} {
		if err := st.CreateRun(r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}
	if err := st.AppendEvent(models.Event{ID: "e1", Message: "old", Time: time.Now().UTC()}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	ret := NewRetention(st, st, WithRetentionMaxAge(time.Hour))

	// Everything above was just written, so a sweep "now" keeps it all.
	if err := ret.Sweep(time.Now().UTC()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, err := st.GetRun("run_old_done"); err != nil {
		t.Errorf("recent terminal run must survive the sweep: %v", err)
	}

	// A sweep from the far future prunes the terminal run and the event but
	// never an active run.
	if err := ret.Sweep(time.Now().UTC().Add(48 * time.Hour)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, err := st.GetRun("run_old_done"); err == nil {
		t.Error("expected old terminal run to be pruned")
	}
	if _, err := st.GetRun("run_old_active"); err != nil {
		t.Errorf("active run must never be pruned: %v", err)
	}
	events, err := st.ListEvents(0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected events pruned, got %d", len(events))
	}
}

func TestRetentionStartRejectsBadCronSpec(t *testing.T) {
	st := store.NewInMemoryStore()
	ret := NewRetention(st, st)
	if err := ret.Start("not a cron spec"); err == nil {
		t.Error("expected error for invalid cron spec")
	}
	ret.Stop()
}

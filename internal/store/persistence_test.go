package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "funnelpipe_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func TestSQLiteFunnelUpsertAndDelete(t *testing.T) {
	s, _ := newTestSQLiteStore(t)

	def := models.FunnelDefinition{
		Keyword: "welcome",
		Steps: []models.Step{
			{Message: "hi", DelaySeconds: 0},
			{Message: "bye", DelaySeconds: 30},
		},
	}
	if err := s.SaveFunnel(def); err != nil {
		t.Fatalf("SaveFunnel failed: %v", err)
	}

	got, err := s.GetFunnel("welcome")
	if err != nil {
		t.Fatalf("GetFunnel failed: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[0].Message != "hi" || got.Steps[1].DelaySeconds != 30 {
		t.Errorf("funnel steps not persisted correctly: %+v", got.Steps)
	}

	def.Steps = []models.Step{{Message: "replaced", DelaySeconds: 5}}
	if err := s.SaveFunnel(def); err != nil {
		t.Fatalf("SaveFunnel (upsert) failed: %v", err)
	}
	got, err = s.GetFunnel("welcome")
	if err != nil {
		t.Fatalf("GetFunnel after upsert failed: %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].Message != "replaced" {
		t.Errorf("upsert did not replace steps: %+v", got.Steps)
	}

	funnels, err := s.ListFunnels()
	if err != nil {
		t.Fatalf("ListFunnels failed: %v", err)
	}
	if funnels["welcome"] != 1 {
		t.Errorf("expected step count 1, got %d", funnels["welcome"])
	}

	if err := s.DeleteFunnel("welcome"); err != nil {
		t.Fatalf("DeleteFunnel failed: %v", err)
	}
	if _, err := s.GetFunnel("welcome"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteFunnel("welcome"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound on missing delete, got %v", err)
	}
}

func TestSQLiteRunVersioning(t *testing.T) {
	s, _ := newTestSQLiteStore(t)

	run := models.Run{
		ID:         "run_sqlite_1",
		Keyword:    "k",
		Recipient:  "+15551234567",
		Steps:      []models.Step{{Message: "a"}, {Message: "b", DelaySeconds: 60}},
		Status:     models.RunStatusActive,
		NextFireAt: time.Now().UTC(),
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.CreateRun(run); !errors.Is(err, models.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}

	first, err := s.GetRun("run_sqlite_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1 on create, got %d", first.Version)
	}
	second := *first

	first.CurrentStep = 1
	first.NextFireAt = time.Now().UTC().Add(time.Minute)
	if err := s.UpdateRun(*first); err != nil {
		t.Fatalf("first UpdateRun failed: %v", err)
	}

	second.Status = models.RunStatusCancelled
	if err := s.UpdateRun(second); !errors.Is(err, models.ErrStaleVersion) {
		t.Errorf("expected ErrStaleVersion for losing writer, got %v", err)
	}

	stored, err := s.GetRun("run_sqlite_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Version != 2 || stored.CurrentStep != 1 || stored.Status != models.RunStatusActive {
		t.Errorf("winning write not applied correctly: %+v", stored)
	}

	if err := s.UpdateRun(models.Run{ID: "run_missing", Version: 1}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}
}

func TestSQLiteListDueRuns(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	now := time.Now().UTC()

	runs := []models.Run{
		{ID: "due_late", Status: models.RunStatusActive, NextFireAt: now.Add(-time.Minute), Steps: []models.Step{{Message: "m"}}},
		{ID: "due_early", Status: models.RunStatusActive, NextFireAt: now.Add(-time.Hour), Steps: []models.Step{{Message: "m"}}},
		{ID: "not_due", Status: models.RunStatusActive, NextFireAt: now.Add(time.Hour), Steps: []models.Step{{Message: "m"}}},
		{ID: "cancelled", Status: models.RunStatusCancelled, NextFireAt: now.Add(-time.Hour), Steps: []models.Step{{Message: "m"}}},
	}
	for _, r := range runs {
		if err := s.CreateRun(r); err != nil {
			t.Fatalf("CreateRun(%s) failed: %v", r.ID, err)
		}
	}

	due, err := s.ListDueRuns(now, 10)
	if err != nil {
		t.Fatalf("ListDueRuns failed: %v", err)
	}
	if len(due) != 2 || due[0].ID != "due_early" || due[1].ID != "due_late" {
		t.Errorf("unexpected due runs: %+v", due)
	}

	active, err := s.ListActiveRuns()
	if err != nil {
		t.Fatalf("ListActiveRuns failed: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("expected 3 active runs, got %d", len(active))
	}
}

func TestSQLiteRunsSurviveReopen(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "funnelpipe_reopen_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	dbPath := filepath.Join(tempDir, "test.db")

	s1, err := NewSQLiteStore(WithDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	run := models.Run{
		ID:          "run_durable",
		Keyword:     "persist",
		Recipient:   "+15550001111",
		Steps:       []models.Step{{Message: "a"}, {Message: "b", DelaySeconds: 300}},
		CurrentStep: 1,
		Status:      models.RunStatusActive,
		NextFireAt:  time.Now().UTC().Add(5 * time.Minute),
	}
	if err := s1.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	s1.Close()

	// Simulated restart: a fresh store on the same file sees the run.
	s2, err := NewSQLiteStore(WithDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	stored, err := s2.GetRun("run_durable")
	if err != nil {
		t.Fatalf("GetRun after reopen failed: %v", err)
	}
	if stored.CurrentStep != 1 || stored.Status != models.RunStatusActive || len(stored.Steps) != 2 {
		t.Errorf("run state lost across reopen: %+v", stored)
	}
}

func TestSQLiteEventsAndRetention(t *testing.T) {
	s, _ := newTestSQLiteStore(t)
	now := time.Now().UTC()

	old := models.Event{ID: "e_old", Level: models.EventLevelInfo, Message: "old", Time: now.Add(-48 * time.Hour)}
	recent := models.Event{ID: "e_new", Level: models.EventLevelError, Message: "new", Time: now}
	for _, e := range []models.Event{old, recent} {
		if err := s.AppendEvent(e); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := s.ListEvents(10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].ID != "e_old" || events[1].ID != "e_new" {
		t.Errorf("events not listed oldest first: %+v", events)
	}

	deleted, err := s.DeleteEventsBefore(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteEventsBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 event deleted, got %d", deleted)
	}

	// Terminal run retention mirrors event retention.
	doneRun := models.Run{
		ID:         "run_done",
		Status:     models.RunStatusCompleted,
		NextFireAt: now,
		Steps:      []models.Step{{Message: "m"}},
	}
	if err := s.CreateRun(doneRun); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	removed, err := s.DeleteTerminalRunsBefore(now.Add(24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalRunsBefore failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 run removed, got %d", removed)
	}
}

func TestPostgresStoreSmoke(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		t.Skip("DATABASE_URL not set")
	}
	pg, err := NewPostgresStore(WithDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()

	def := models.FunnelDefinition{
		Keyword: "pg_smoke",
		Steps:   []models.Step{{Message: "hi"}},
	}
	if err := pg.SaveFunnel(def); err != nil {
		t.Fatalf("SaveFunnel failed: %v", err)
	}
	defer pg.DeleteFunnel("pg_smoke")

	got, err := pg.GetFunnel("pg_smoke")
	if err != nil || len(got.Steps) != 1 {
		t.Fatalf("GetFunnel failed: %v, %+v", err, got)
	}
}

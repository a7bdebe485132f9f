package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/delivery"
	"github.com/funnelpipe/funnelpipe/internal/models"
	"github.com/funnelpipe/funnelpipe/internal/store"
)

// fakeSink records sends and replies with scripted errors, in order. Once the
// script is exhausted every send succeeds.
type fakeSink struct {
	mu     sync.Mutex
	script []error
	sent   []sentMessage
}

type sentMessage struct {
	recipient string
	body      string
}

func (f *fakeSink) Send(ctx context.Context, recipient string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	if err != nil {
		return err
	}
	f.sent = append(f.sent, sentMessage{recipient: recipient, body: body})
	return nil
}

func (f *fakeSink) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// memEventSink collects events in memory.
type memEventSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *memEventSink) Append(e models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func newTestScheduler(t *testing.T, sink delivery.Sink, opts ...SchedulerOption) (*Scheduler, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	base := []SchedulerOption{WithBackoffBase(time.Millisecond)}
	sched := NewScheduler(st, st, sink, &memEventSink{}, append(base, opts...)...)
	return sched, st
}

// farFuture makes every scheduled run due regardless of its step delays.
func farFuture() time.Time {
	return time.Now().UTC().Add(24 * time.Hour)
}

func TestActivatePersistsRunBeforeReturning(t *testing.T) {
	sink := &fakeSink{}
	sched, st := newTestScheduler(t, sink)

	def := models.FunnelDefinition{
		Keyword: "welcome",
		Steps: []models.Step{
			{Message: "hello", DelaySeconds: 0},
			{Message: "day two", DelaySeconds: 60},
		},
	}
	run, err := sched.Activate(&def, "+15551234567")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	stored, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if stored.Status != models.RunStatusActive {
		t.Errorf("expected active run, got %q", stored.Status)
	}
	if stored.CurrentStep != 0 {
		t.Errorf("expected current step 0, got %d", stored.CurrentStep)
	}
	if len(stored.Steps) != 2 {
		t.Errorf("expected 2 snapshotted steps, got %d", len(stored.Steps))
	}
	if stored.Version != 1 {
		t.Errorf("expected version 1 on create, got %d", stored.Version)
	}
	if len(sink.sentMessages()) != 0 {
		t.Error("Activate must not deliver anything itself")
	}
}

func TestSweepDeliversStepsInOrder(t *testing.T) {
	sink := &fakeSink{}
	sched, st := newTestScheduler(t, sink)

	def := models.FunnelDefinition{
		Keyword: "onboard",
		Steps: []models.Step{
			{Message: "step one", DelaySeconds: 0},
			{Message: "step two", DelaySeconds: 10},
			{Message: "step three", DelaySeconds: 10},
		},
	}
	run, err := sched.Activate(&def, "+15550001111")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		sched.Sweep(ctx, farFuture())
	}

	sent := sink.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(sent))
	}
	for i, want := range []string{"step one", "step two", "step three"} {
		if sent[i].body != want {
			t.Errorf("delivery %d: expected %q, got %q", i, want, sent[i].body)
		}
	}

	stored, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != models.RunStatusCompleted {
		t.Errorf("expected completed run, got %q", stored.Status)
	}
	if stored.CurrentStep != 3 {
		t.Errorf("expected current step 3, got %d", stored.CurrentStep)
	}
}

func TestStepNotDueIsNotDelivered(t *testing.T) {
	sink := &fakeSink{}
	sched, _ := newTestScheduler(t, sink)

	def := models.FunnelDefinition{
		Keyword: "later",
		Steps:   []models.Step{{Message: "not yet", DelaySeconds: 3600}},
	}
	if _, err := sched.Activate(&def, "+15550002222"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	sched.Sweep(context.Background(), time.Now().UTC())
	if len(sink.sentMessages()) != 0 {
		t.Error("step with a future fire time must not be delivered")
	}
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	transient := errors.New("connection reset")
	sink := &fakeSink{script: []error{transient, transient, transient}}
	sched, st := newTestScheduler(t, sink, WithMaxRetries(3))

	def := models.FunnelDefinition{
		Keyword: "flaky",
		Steps: []models.Step{
			{Message: "eventually", DelaySeconds: 0},
			{Message: "second", DelaySeconds: 60},
		},
	}
	run, err := sched.Activate(&def, "+15550003333")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	ctx := context.Background()
	// Three failing attempts, the fourth succeeds, the fifth sweep delivers
	// step 2.
	for i := 0; i < 5; i++ {
		sched.Sweep(ctx, farFuture())
	}

	sent := sink.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected both steps delivered, got %d", len(sent))
	}
	if sent[0].body != "eventually" {
		t.Errorf("expected exactly one delivery of step 1, got %q first", sent[0].body)
	}
	stored, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != models.RunStatusCompleted {
		t.Errorf("expected completed run after retry success, got %q (last error %q)", stored.Status, stored.LastError)
	}
	if stored.Attempt != 0 {
		t.Errorf("expected attempt counter reset after success, got %d", stored.Attempt)
	}
}

func TestRetriesExhaustedFailRun(t *testing.T) {
	transient := errors.New("timeout")
	sink := &fakeSink{script: []error{transient, transient}}
	sched, st := newTestScheduler(t, sink, WithMaxRetries(1))

	def := models.FunnelDefinition{
		Keyword: "doomed",
		Steps: []models.Step{
			{Message: "first", DelaySeconds: 0},
			{Message: "never sent", DelaySeconds: 0},
		},
	}
	run, err := sched.Activate(&def, "+15550004444")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	ctx := context.Background()
	sched.Sweep(ctx, farFuture()) // attempt 1, retry scheduled
	sched.Sweep(ctx, farFuture()) // attempt 2 exceeds maxRetries=1

	stored, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != models.RunStatusFailed {
		t.Fatalf("expected failed run, got %q", stored.Status)
	}
	if stored.LastError == "" {
		t.Error("expected last error recorded on failed run")
	}
	if stored.CurrentStep != 0 {
		t.Errorf("failed run must keep its step pointer, got %d", stored.CurrentStep)
	}

	// A failed run is never picked up again.
	sched.Sweep(ctx, farFuture())
	if len(sink.sentMessages()) != 0 {
		t.Error("failed run must not deliver further steps")
	}
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	sink := &fakeSink{script: []error{delivery.Permanentf("invalid recipient")}}
	sched, st := newTestScheduler(t, sink, WithMaxRetries(5))

	def := models.FunnelDefinition{
		Keyword: "badnumber",
		Steps: []models.Step{
			{Message: "hello", DelaySeconds: 0},
			{Message: "never attempted", DelaySeconds: 0},
		},
	}
	run, err := sched.Activate(&def, "not-a-number")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	ctx := context.Background()
	sched.Sweep(ctx, farFuture())
	sched.Sweep(ctx, farFuture())

	stored, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != models.RunStatusFailed {
		t.Errorf("expected failed run on permanent error, got %q", stored.Status)
	}
	if stored.CurrentStep != 0 {
		t.Errorf("failed run must keep its step pointer at 0, got %d", stored.CurrentStep)
	}
	if stored.Attempt != 0 {
		t.Errorf("permanent failure must not consume retry attempts, got %d", stored.Attempt)
	}
	if len(sink.sentMessages()) != 0 {
		t.Error("step 2 must never be attempted after a permanent failure")
	}
}

func TestRunKeepsSnapshotWhenFunnelEdited(t *testing.T) {
	sink := &fakeSink{}
	sched, st := newTestScheduler(t, sink)

	def := models.FunnelDefinition{
		Keyword: "promo",
		Steps: []models.Step{
			{Message: "original one", DelaySeconds: 0},
			{Message: "original two", DelaySeconds: 10},
		},
	}
	if err := st.SaveFunnel(def); err != nil {
		t.Fatalf("SaveFunnel failed: %v", err)
	}
	if _, err := sched.Activate(&def, "+15550005555"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	ctx := context.Background()
	sched.Sweep(ctx, farFuture())

	// Replace the definition mid-run, then delete it entirely.
	edited := models.FunnelDefinition{
		Keyword: "promo",
		Steps:   []models.Step{{Message: "edited", DelaySeconds: 0}},
	}
	if err := st.SaveFunnel(edited); err != nil {
		t.Fatalf("SaveFunnel (edit) failed: %v", err)
	}
	if err := st.DeleteFunnel("promo"); err != nil {
		t.Fatalf("DeleteFunnel failed: %v", err)
	}

	sched.Sweep(ctx, farFuture())

	sent := sink.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(sent))
	}
	if sent[1].body != "original two" {
		t.Errorf("run must deliver its snapshot, got %q", sent[1].body)
	}
}

func TestCancelStopsFurtherSteps(t *testing.T) {
	sink := &fakeSink{}
	sched, st := newTestScheduler(t, sink)

	def := models.FunnelDefinition{
		Keyword: "cancelme",
		Steps: []models.Step{
			{Message: "one", DelaySeconds: 0},
			{Message: "two", DelaySeconds: 10},
		},
	}
	run, err := sched.Activate(&def, "+15550006666")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	ctx := context.Background()
	sched.Sweep(ctx, farFuture())

	if err := sched.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	sched.Sweep(ctx, farFuture())
	if got := len(sink.sentMessages()); got != 1 {
		t.Errorf("expected 1 delivery before cancel, got %d", got)
	}

	stored, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != models.RunStatusCancelled {
		t.Errorf("expected cancelled run, got %q", stored.Status)
	}

	// Cancelling a terminal run is rejected.
	if err := sched.Cancel(run.ID); !errors.Is(err, models.ErrRunNotActive) {
		t.Errorf("expected ErrRunNotActive on double cancel, got %v", err)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	sink := &fakeSink{}
	sched, _ := newTestScheduler(t, sink)
	if err := sched.Cancel("run_missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecoverSweepsOverdueRuns(t *testing.T) {
	sink := &fakeSink{}
	st := store.NewInMemoryStore()

	// A run left behind by a previous process, overdue by an hour.
	overdue := models.Run{
		ID:         "run_recovered",
		Keyword:    "resume",
		Recipient:  "+15550007777",
		Steps:      []models.Step{{Message: "picked up", DelaySeconds: 0}},
		NextFireAt: time.Now().UTC().Add(-time.Hour),
		Status:     models.RunStatusActive,
	}
	if err := st.CreateRun(overdue); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	sched := NewScheduler(st, st, sink, &memEventSink{}, WithBackoffBase(time.Millisecond))
	if err := sched.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if got := len(sink.sentMessages()); got != 1 {
		t.Fatalf("expected overdue step delivered on recovery, got %d deliveries", got)
	}
	stored, err := st.GetRun("run_recovered")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != models.RunStatusCompleted {
		t.Errorf("expected completed run after recovery, got %q", stored.Status)
	}
}

func TestDuplicateTriggerStartsIndependentRun(t *testing.T) {
	sink := &fakeSink{}
	sched, st := newTestScheduler(t, sink)

	def := models.FunnelDefinition{
		Keyword: "again",
		Steps: []models.Step{
			{Message: "one", DelaySeconds: 0},
			{Message: "two", DelaySeconds: 10},
		},
	}
	first, err := sched.Activate(&def, "+15550008888")
	if err != nil {
		t.Fatalf("first Activate failed: %v", err)
	}
	second, err := sched.Activate(&def, "+15550008888")
	if err != nil {
		t.Fatalf("second Activate failed: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected independent runs with distinct IDs")
	}

	active, err := st.ListActiveRuns()
	if err != nil {
		t.Fatalf("ListActiveRuns failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active runs for the same recipient, got %d", len(active))
	}
}

func TestTemplateReferenceResolvedAtDispatch(t *testing.T) {
	sink := &fakeSink{}
	sched, st := newTestScheduler(t, sink)

	if err := st.SaveTemplate(models.Template{Name: "greeting", Body: "hello from template"}); err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}

	def := models.FunnelDefinition{
		Keyword: "templated",
		Steps:   []models.Step{{Message: "template:greeting", DelaySeconds: 0}},
	}
	if _, err := sched.Activate(&def, "+15550009999"); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	sched.Sweep(context.Background(), farFuture())

	sent := sink.sentMessages()
	if len(sent) != 1 || sent[0].body != "hello from template" {
		t.Fatalf("expected template body delivered, got %+v", sent)
	}
}

func TestMissingTemplateFailsRunPermanently(t *testing.T) {
	sink := &fakeSink{}
	sched, st := newTestScheduler(t, sink, WithMaxRetries(5))

	def := models.FunnelDefinition{
		Keyword: "broken",
		Steps:   []models.Step{{Message: "template:nonexistent", DelaySeconds: 0}},
	}
	run, err := sched.Activate(&def, "+15550010000")
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	sched.Sweep(context.Background(), farFuture())

	stored, err := st.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != models.RunStatusFailed {
		t.Errorf("expected failed run on missing template, got %q", stored.Status)
	}
	if len(sink.sentMessages()) != 0 {
		t.Error("nothing must be delivered when the template is missing")
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/delivery"
	"github.com/funnelpipe/funnelpipe/internal/models"
	"github.com/funnelpipe/funnelpipe/internal/store"
	"github.com/funnelpipe/funnelpipe/internal/util"
)

// Scheduler configuration defaults.
const (
	// DefaultPollInterval is how often the scheduler sweeps the run store for due runs.
	DefaultPollInterval = 5 * time.Second
	// DefaultClaimLimit bounds how many due runs one sweep dispatches.
	DefaultClaimLimit = 50
	// DefaultMaxRetries is how many times a transient delivery failure is retried
	// before the run fails.
	DefaultMaxRetries = 3
	// DefaultBackoffBase is the first retry delay; it doubles per attempt.
	DefaultBackoffBase = 30 * time.Second
	// DefaultMaxBackoff caps the retry delay.
	DefaultMaxBackoff = 10 * time.Minute
	// DefaultSendTimeout bounds a single delivery attempt.
	DefaultSendTimeout = 30 * time.Second
	// TemplateRefPrefix marks a step message that references a stored template
	// instead of carrying a literal body.
	TemplateRefPrefix = "template:"
	// cancelRetries bounds re-reads when a cancellation races an advancement.
	cancelRetries = 3
)

// SchedulerOpts holds configuration options for the Scheduler.
type SchedulerOpts struct {
	PollInterval time.Duration
	ClaimLimit   int
	MaxRetries   int
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	SendTimeout  time.Duration
}

// SchedulerOption defines a configuration option for the Scheduler.
type SchedulerOption func(*SchedulerOpts)

// WithPollInterval sets how often the scheduler sweeps for due runs.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(o *SchedulerOpts) { o.PollInterval = d }
}

// WithClaimLimit sets how many due runs one sweep may dispatch.
func WithClaimLimit(n int) SchedulerOption {
	return func(o *SchedulerOpts) { o.ClaimLimit = n }
}

// WithMaxRetries sets how many transient failures are retried per step.
func WithMaxRetries(n int) SchedulerOption {
	return func(o *SchedulerOpts) { o.MaxRetries = n }
}

// WithBackoffBase sets the first retry delay (doubles per attempt).
func WithBackoffBase(d time.Duration) SchedulerOption {
	return func(o *SchedulerOpts) { o.BackoffBase = d }
}

// WithSendTimeout bounds a single delivery attempt.
func WithSendTimeout(d time.Duration) SchedulerOption {
	return func(o *SchedulerOpts) { o.SendTimeout = d }
}

// Scheduler owns run lifecycles: it activates runs from trigger matches,
// poll-sweeps the run store for due steps, dispatches deliveries, and
// advances or fails runs accordingly.
//
// Runs progress independently: each due run is dispatched as its own unit of
// work, so one recipient's slow delivery never delays another's step. There
// are no long-lived per-run timers; due-ness lives in the run store's
// next_fire_at index, which is what makes crash recovery a plain sweep.
//
// Concurrent advancement of the same run is prevented twice over: an
// in-process inflight set stops one scheduler from double-dispatching, and
// optimistic versioning on the run store resolves races between scheduler
// instances (exactly one update wins; the loser re-reads and no-ops).
type Scheduler struct {
	runs      store.RunRepo
	templates store.TemplateRepo
	sink      delivery.Sink
	events    EventSink

	pollInterval time.Duration
	claimLimit   int
	maxRetries   int
	backoffBase  time.Duration
	maxBackoff   time.Duration
	sendTimeout  time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewScheduler creates a Scheduler with the given collaborators.
func NewScheduler(runs store.RunRepo, templates store.TemplateRepo, sink delivery.Sink, events EventSink, opts ...SchedulerOption) *Scheduler {
	cfg := SchedulerOpts{
		PollInterval: DefaultPollInterval,
		ClaimLimit:   DefaultClaimLimit,
		MaxRetries:   DefaultMaxRetries,
		BackoffBase:  DefaultBackoffBase,
		MaxBackoff:   DefaultMaxBackoff,
		SendTimeout:  DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = DefaultClaimLimit
	}
	return &Scheduler{
		runs:         runs,
		templates:    templates,
		sink:         sink,
		events:       events,
		pollInterval: cfg.PollInterval,
		claimLimit:   cfg.ClaimLimit,
		maxRetries:   cfg.MaxRetries,
		backoffBase:  cfg.BackoffBase,
		maxBackoff:   cfg.MaxBackoff,
		sendTimeout:  cfg.SendTimeout,
		inflight:     make(map[string]struct{}),
	}
}

// Activate creates a run for a (funnel, recipient) activation. The funnel's
// steps are snapshotted into the run, so later edits or deletion of the
// definition never affect it. The run is persisted before this returns:
// durability before scheduling.
//
// A recipient re-triggering a keyword mid-run starts a second independent
// run. Funnels are recipient-scoped but not single-instance; dropping
// operator-visible activations silently would be worse. Callers wanting
// ignore-duplicate semantics can check ListActiveRuns first.
func (s *Scheduler) Activate(def *models.FunnelDefinition, recipient string) (*models.Run, error) {
	if len(def.Steps) == 0 {
		return nil, models.ErrNoSteps
	}
	now := time.Now().UTC()
	run := models.Run{
		ID:          util.GenerateRunID(),
		Keyword:     def.Keyword,
		Recipient:   recipient,
		Steps:       append([]models.Step(nil), def.Steps...),
		CurrentStep: 0,
		NextFireAt:  now.Add(time.Duration(def.Steps[0].DelaySeconds) * time.Second),
		Status:      models.RunStatusActive,
	}
	if err := s.runs.CreateRun(run); err != nil {
		slog.Error("Scheduler.Activate: failed to persist run", "error", err, "keyword", def.Keyword, "recipient", recipient)
		return nil, fmt.Errorf("failed to create run for %q: %w", def.Keyword, err)
	}
	run.Version = 1
	s.events.Append(models.Event{
		Message:   fmt.Sprintf("funnel %q activated, %d steps scheduled", def.Keyword, len(run.Steps)),
		RunID:     run.ID,
		Recipient: recipient,
	})
	slog.Info("Scheduler.Activate: run created", "runID", run.ID, "keyword", def.Keyword, "recipient", recipient, "steps", len(run.Steps))
	return &run, nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler.Run: starting run scheduler", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler.Run: stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Recover is called once at startup. With due-ness persisted in the run
// store there are no timers to rebuild; recovery is loading the active runs
// for visibility and sweeping immediately so overdue steps fire without
// waiting for the first tick.
func (s *Scheduler) Recover(ctx context.Context) error {
	active, err := s.runs.ListActiveRuns()
	if err != nil {
		return fmt.Errorf("failed to load active runs for recovery: %w", err)
	}
	if len(active) > 0 {
		slog.Info("Scheduler.Recover: resuming active runs", "count", len(active))
	}
	s.Sweep(ctx, time.Now().UTC())
	return nil
}

// Sweep dispatches every run due at or before now, each as an independent
// unit of work, and waits for the batch to finish. Runs already being
// dispatched by a previous sweep are skipped.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	due, err := s.runs.ListDueRuns(now, s.claimLimit)
	if err != nil {
		slog.Error("Scheduler.Sweep: failed to list due runs", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, run := range due {
		if !s.acquire(run.ID) {
			slog.Debug("Scheduler.Sweep: run already in flight, skipping", "runID", run.ID)
			continue
		}
		wg.Add(1)
		go func(r models.Run) {
			defer wg.Done()
			defer s.release(r.ID)
			s.dispatch(ctx, r)
		}(run)
	}
	wg.Wait()
}

// Cancel transitions an active run to cancelled. A run mid-delivery still
// completes that one in-flight attempt, but the cancellation wins the
// version race or is retried here, so no further step is scheduled.
func (s *Scheduler) Cancel(runID string) error {
	for i := 0; i < cancelRetries; i++ {
		run, err := s.runs.GetRun(runID)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return models.ErrRunNotActive
		}
		run.Status = models.RunStatusCancelled
		err = s.runs.UpdateRun(*run)
		if errors.Is(err, models.ErrStaleVersion) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to cancel run %s: %w", runID, err)
		}
		s.events.Append(models.Event{
			Message:   fmt.Sprintf("run cancelled at step %d/%d", run.CurrentStep, len(run.Steps)),
			RunID:     run.ID,
			Recipient: run.Recipient,
		})
		slog.Info("Scheduler.Cancel: run cancelled", "runID", runID)
		return nil
	}
	return models.ErrStaleVersion
}

func (s *Scheduler) acquire(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[runID]; busy {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

func (s *Scheduler) release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, runID)
}

// dispatch delivers the current step of one due run and persists the outcome.
func (s *Scheduler) dispatch(ctx context.Context, run models.Run) {
	if run.Status != models.RunStatusActive || run.CurrentStep >= len(run.Steps) {
		return
	}

	step := run.Steps[run.CurrentStep]
	body, err := s.resolveBody(step.Message)
	if err != nil {
		s.failRun(run, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	err = s.sink.Send(sendCtx, run.Recipient, body)
	cancel()

	now := time.Now().UTC()
	switch {
	case err == nil:
		s.advance(run, now)
	case delivery.IsPermanent(err):
		s.failRun(run, err)
	default:
		s.retryOrFail(run, err, now)
	}
}

// resolveBody expands a template reference to its stored body. A missing
// template is a permanent failure: retrying cannot fix it.
func (s *Scheduler) resolveBody(message string) (string, error) {
	if !strings.HasPrefix(message, TemplateRefPrefix) {
		return message, nil
	}
	name := strings.TrimPrefix(message, TemplateRefPrefix)
	tmpl, err := s.templates.GetTemplate(name)
	if errors.Is(err, models.ErrNotFound) {
		return "", delivery.Permanentf("template %q not found", name)
	}
	if err != nil {
		return "", fmt.Errorf("template lookup for %q failed: %w", name, err)
	}
	return tmpl.Body, nil
}

// advance moves a delivered run to its next step, or completes it.
func (s *Scheduler) advance(run models.Run, now time.Time) {
	delivered := run.CurrentStep
	run.CurrentStep++
	run.Attempt = 0
	run.LastError = ""
	if run.CurrentStep == len(run.Steps) {
		run.Status = models.RunStatusCompleted
	} else {
		run.NextFireAt = now.Add(time.Duration(run.Steps[run.CurrentStep].DelaySeconds) * time.Second)
	}

	if !s.persist(run) {
		return
	}

	s.events.Append(models.Event{
		Message:   fmt.Sprintf("step %d/%d delivered", delivered+1, len(run.Steps)),
		RunID:     run.ID,
		Recipient: run.Recipient,
	})
	if run.Status == models.RunStatusCompleted {
		s.events.Append(models.Event{
			Message:   fmt.Sprintf("funnel %q completed", run.Keyword),
			RunID:     run.ID,
			Recipient: run.Recipient,
		})
		slog.Info("Scheduler: run completed", "runID", run.ID, "keyword", run.Keyword)
	}
}

// retryOrFail reschedules a transiently-failed step with exponential backoff,
// or fails the run once retries are exhausted.
func (s *Scheduler) retryOrFail(run models.Run, sendErr error, now time.Time) {
	run.Attempt++
	run.LastError = sendErr.Error()
	if run.Attempt > s.maxRetries {
		run.Status = models.RunStatusFailed
		if !s.persist(run) {
			return
		}
		s.events.Append(models.Event{
			Level:     models.EventLevelError,
			Message:   fmt.Sprintf("run failed at step %d/%d: retries exhausted: %v", run.CurrentStep+1, len(run.Steps), sendErr),
			RunID:     run.ID,
			Recipient: run.Recipient,
		})
		slog.Error("Scheduler: run failed, retries exhausted", "runID", run.ID, "step", run.CurrentStep, "error", sendErr)
		return
	}

	backoff := s.backoffBase << (run.Attempt - 1)
	if backoff > s.maxBackoff {
		backoff = s.maxBackoff
	}
	run.NextFireAt = now.Add(backoff)
	if !s.persist(run) {
		return
	}
	s.events.Append(models.Event{
		Level:     models.EventLevelWarn,
		Message:   fmt.Sprintf("step %d/%d delivery failed (attempt %d), retrying in %s: %v", run.CurrentStep+1, len(run.Steps), run.Attempt, backoff, sendErr),
		RunID:     run.ID,
		Recipient: run.Recipient,
	})
	slog.Warn("Scheduler: transient delivery failure, retry scheduled", "runID", run.ID, "attempt", run.Attempt, "backoff", backoff, "error", sendErr)
}

// failRun transitions a run to failed without touching its step pointer.
func (s *Scheduler) failRun(run models.Run, sendErr error) {
	run.Status = models.RunStatusFailed
	run.LastError = sendErr.Error()
	if !s.persist(run) {
		return
	}
	s.events.Append(models.Event{
		Level:     models.EventLevelError,
		Message:   fmt.Sprintf("run failed at step %d/%d: %v", run.CurrentStep+1, len(run.Steps), sendErr),
		RunID:     run.ID,
		Recipient: run.Recipient,
	})
	slog.Error("Scheduler: run failed permanently", "runID", run.ID, "step", run.CurrentStep, "error", sendErr)
}

// persist commits a run transition. A stale version means another update won
// the race (a concurrent cancellation or a second scheduler instance); the
// local transition is discarded and the stored state stands.
func (s *Scheduler) persist(run models.Run) bool {
	err := s.runs.UpdateRun(run)
	if err == nil {
		return true
	}
	if errors.Is(err, models.ErrStaleVersion) {
		slog.Warn("Scheduler: run advanced elsewhere, discarding local transition", "runID", run.ID)
		return false
	}
	slog.Error("Scheduler: failed to persist run transition", "error", err, "runID", run.ID)
	return false
}

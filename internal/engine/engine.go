package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/funnelpipe/funnelpipe/internal/models"
)

// Engine ties the inbound event source to trigger matching and run
// activation. It is the top of the funnel pipeline: inbound text arrives,
// the matcher finds a funnel, the scheduler starts a run.
type Engine struct {
	matcher   *Matcher
	scheduler *Scheduler
	events    EventSink
}

// NewEngine creates an Engine from its collaborators.
func NewEngine(matcher *Matcher, scheduler *Scheduler, events EventSink) *Engine {
	return &Engine{matcher: matcher, scheduler: scheduler, events: events}
}

// Run consumes inbound messages until the channel closes or the context is
// cancelled. Each message is handled inline; inbound volume is human-paced
// and handling is a store lookup plus one insert.
func (e *Engine) Run(ctx context.Context, inbound <-chan models.InboundMessage) {
	slog.Info("Engine.Run: starting inbound message loop")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine.Run: stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				slog.Info("Engine.Run: inbound channel closed")
				return
			}
			if err := e.HandleInbound(msg); err != nil {
				slog.Error("Engine.Run: inbound handling failed", "error", err, "from", msg.From)
			}
		}
	}
}

// HandleInbound matches one inbound message against the stored funnels and
// activates a run on a match. Non-matching messages are recorded in the
// event log and otherwise ignored; they are not an error.
func (e *Engine) HandleInbound(msg models.InboundMessage) error {
	def, err := e.matcher.Match(msg.Body)
	if errors.Is(err, models.ErrNoMatch) {
		slog.Debug("Engine.HandleInbound: no funnel matched", "from", msg.From)
		e.events.Append(models.Event{
			Message:   fmt.Sprintf("inbound message from %s matched no funnel", msg.From),
			Recipient: msg.From,
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("trigger match failed: %w", err)
	}

	if _, err := e.scheduler.Activate(def, msg.From); err != nil {
		return fmt.Errorf("activation of %q for %s failed: %w", def.Keyword, msg.From, err)
	}
	return nil
}

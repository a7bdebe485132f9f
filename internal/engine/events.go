package engine

import (
	"log/slog"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
	"github.com/funnelpipe/funnelpipe/internal/store"
	"github.com/google/uuid"
)

// EventSink records engine activity: activations, delivery attempts,
// successes, failures, cancellations. Implementations must be append-only
// and safe for concurrent use.
type EventSink interface {
	Append(e models.Event)
}

// StoreEventSink persists events through an EventRepo, assigning IDs and
// timestamps. Persistence failures are logged, never propagated: the event
// log is an observability surface and must not stall run advancement.
type StoreEventSink struct {
	repo store.EventRepo
}

// Compile-time check that StoreEventSink implements EventSink.
var _ EventSink = (*StoreEventSink)(nil)

// NewStoreEventSink creates an EventSink backed by the given repository.
func NewStoreEventSink(repo store.EventRepo) *StoreEventSink {
	return &StoreEventSink{repo: repo}
}

func (s *StoreEventSink) Append(e models.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = models.EventLevelInfo
	}
	if err := s.repo.AppendEvent(e); err != nil {
		slog.Error("StoreEventSink.Append: failed to persist event", "error", err, "message", e.Message)
	}
}

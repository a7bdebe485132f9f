// Package store provides storage backends for FunnelPipe.
//
// It defines the repository contracts for funnel definitions, runs, message
// templates, and the append-only event log, with SQLite and PostgreSQL
// implementations plus an in-memory store for tests.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/funnelpipe/funnelpipe/internal/models"
)

// FunnelRepo is the durable mapping from trigger keyword to funnel definition.
type FunnelRepo interface {
	// SaveFunnel upserts a definition: any existing definition for the same
	// keyword is replaced atomically. In-flight runs are unaffected because
	// they hold their own steps snapshot.
	SaveFunnel(f models.FunnelDefinition) error

	// GetFunnel returns the definition for a normalized keyword, or
	// models.ErrNotFound.
	GetFunnel(keyword string) (*models.FunnelDefinition, error)

	// DeleteFunnel removes a definition, or returns models.ErrNotFound.
	DeleteFunnel(keyword string) error

	// ListFunnels returns keyword -> step count for every stored funnel.
	ListFunnels() (map[string]int, error)
}

// RunRepo is the durable record of run progress, used for the poll-sweep
// scheduler and for crash recovery.
type RunRepo interface {
	// CreateRun inserts a new run, or returns models.ErrDuplicateID.
	CreateRun(r models.Run) error

	// UpdateRun persists a run read at r.Version and bumps the stored version.
	// Returns models.ErrStaleVersion if the stored run diverged since that
	// read, or models.ErrNotFound if the run does not exist.
	UpdateRun(r models.Run) error

	// GetRun retrieves a single run by ID, or returns models.ErrNotFound.
	GetRun(id string) (*models.Run, error)

	// ListDueRuns returns up to limit active runs with next_fire_at <= now,
	// soonest first.
	ListDueRuns(now time.Time, limit int) ([]models.Run, error)

	// ListActiveRuns returns every run still in the active state (startup
	// recovery).
	ListActiveRuns() ([]models.Run, error)

	// ListRuns returns up to limit runs, newest first.
	ListRuns(limit int) ([]models.Run, error)

	// DeleteTerminalRunsBefore removes completed/cancelled/failed runs last
	// updated before cutoff, returning the number removed.
	DeleteTerminalRunsBefore(cutoff time.Time) (int, error)
}

// EventRepo is the append-only event log.
type EventRepo interface {
	// AppendEvent records one event.
	AppendEvent(e models.Event) error

	// ListEvents returns up to limit events, oldest first.
	ListEvents(limit int) ([]models.Event, error)

	// DeleteEventsBefore removes events older than cutoff, returning the
	// number removed.
	DeleteEventsBefore(cutoff time.Time) (int, error)
}

// TemplateRepo stores named reusable message bodies.
type TemplateRepo interface {
	// SaveTemplate upserts a template.
	SaveTemplate(t models.Template) error

	// GetTemplate returns a template by name, or models.ErrNotFound.
	GetTemplate(name string) (*models.Template, error)

	// ListTemplates returns the stored template names, sorted.
	ListTemplates() ([]string, error)

	// DeleteTemplate removes a template, or returns models.ErrNotFound.
	DeleteTemplate(name string) error
}

// Store aggregates every repository contract backed by one database.
type Store interface {
	FunnelRepo
	RunRepo
	EventRepo
	TemplateRepo
	Close() error
}

// InMemoryStore is a mutex-guarded implementation of Store for tests and
// ephemeral deployments.
type InMemoryStore struct {
	mu        sync.Mutex
	funnels   map[string]models.FunnelDefinition
	runs      map[string]models.Run
	events    []models.Event
	templates map[string]models.Template
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		funnels:   make(map[string]models.FunnelDefinition),
		runs:      make(map[string]models.Run),
		templates: make(map[string]models.Template),
	}
}

func (s *InMemoryStore) SaveFunnel(f models.FunnelDefinition) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.funnels[f.Keyword]; ok {
		f.CreatedAt = existing.CreatedAt
	} else {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	f.Steps = append([]models.Step(nil), f.Steps...)
	s.funnels[f.Keyword] = f
	return nil
}

func (s *InMemoryStore) GetFunnel(keyword string) (*models.FunnelDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.funnels[keyword]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := f
	cp.Steps = append([]models.Step(nil), f.Steps...)
	return &cp, nil
}

func (s *InMemoryStore) DeleteFunnel(keyword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.funnels[keyword]; !ok {
		return models.ErrNotFound
	}
	delete(s.funnels, keyword)
	return nil
}

func (s *InMemoryStore) ListFunnels() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.funnels))
	for kw, f := range s.funnels {
		out[kw] = len(f.Steps)
	}
	return out, nil
}

func (s *InMemoryStore) CreateRun(r models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return models.ErrDuplicateID
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Version = 1
	r.Steps = append([]models.Step(nil), r.Steps...)
	s.runs[r.ID] = r
	return nil
}

func (s *InMemoryStore) UpdateRun(r models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[r.ID]
	if !ok {
		return models.ErrNotFound
	}
	if stored.Version != r.Version {
		return models.ErrStaleVersion
	}
	r.Version++
	r.CreatedAt = stored.CreatedAt
	r.UpdatedAt = time.Now()
	r.Steps = append([]models.Step(nil), r.Steps...)
	s.runs[r.ID] = r
	return nil
}

func (s *InMemoryStore) GetRun(id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := r
	cp.Steps = append([]models.Step(nil), r.Steps...)
	return &cp, nil
}

func (s *InMemoryStore) ListDueRuns(now time.Time, limit int) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Run
	for _, r := range s.runs {
		if r.Status == models.RunStatusActive && !r.NextFireAt.After(now) {
			cp := r
			cp.Steps = append([]models.Step(nil), r.Steps...)
			due = append(due, cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(due[j].NextFireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) ListActiveRuns() ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []models.Run
	for _, r := range s.runs {
		if r.Status == models.RunStatusActive {
			cp := r
			cp.Steps = append([]models.Step(nil), r.Steps...)
			active = append(active, cp)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].NextFireAt.Before(active[j].NextFireAt) })
	return active, nil
}

func (s *InMemoryStore) ListRuns(limit int) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]models.Run, 0, len(s.runs))
	for _, r := range s.runs {
		cp := r
		cp.Steps = append([]models.Step(nil), r.Steps...)
		runs = append(runs, cp)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *InMemoryStore) DeleteTerminalRunsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if r.Status.IsTerminal() && r.UpdatedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AppendEvent(e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *InMemoryStore) ListEvents(limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := append([]models.Event(nil), s.events...)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (s *InMemoryStore) DeleteEventsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	n := 0
	for _, e := range s.events {
		if e.Time.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func (s *InMemoryStore) SaveTemplate(t models.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return models.ErrEmptyTemplateName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.templates[t.Name]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.templates[t.Name] = t
	return nil
}

func (s *InMemoryStore) GetTemplate(name string) (*models.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[name]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (s *InMemoryStore) ListTemplates() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *InMemoryStore) DeleteTemplate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[name]; !ok {
		return models.ErrNotFound
	}
	delete(s.templates, name)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

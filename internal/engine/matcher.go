// Package engine implements the funnel execution engine: trigger matching,
// run scheduling, and delivery dispatch.
package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/funnelpipe/funnelpipe/internal/models"
	"github.com/funnelpipe/funnelpipe/internal/store"
)

// Matcher looks up funnels by normalized trigger keyword.
//
// Matching is exact: inbound text is trimmed and lowercased, then compared
// against stored keywords. No substring or fuzzy matching, so triggering
// stays predictable and explainable.
type Matcher struct {
	funnels store.FunnelRepo
}

// NewMatcher creates a Matcher over the given funnel repository.
func NewMatcher(funnels store.FunnelRepo) *Matcher {
	return &Matcher{funnels: funnels}
}

// Match returns the funnel whose keyword equals the normalized inbound text,
// or models.ErrNoMatch. At most one funnel matches per inbound event since
// keywords are unique in the store.
func (m *Matcher) Match(inboundText string) (*models.FunnelDefinition, error) {
	keyword := models.NormalizeKeyword(inboundText)
	if keyword == "" {
		return nil, models.ErrNoMatch
	}
	def, err := m.funnels.GetFunnel(keyword)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrNoMatch
	}
	if err != nil {
		slog.Error("Matcher.Match: funnel lookup failed", "error", err, "keyword", keyword)
		return nil, fmt.Errorf("funnel lookup for %q failed: %w", keyword, err)
	}
	return def, nil
}

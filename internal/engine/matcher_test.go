package engine

import (
	"errors"
	"testing"

	"github.com/funnelpipe/funnelpipe/internal/models"
	"github.com/funnelpipe/funnelpipe/internal/store"
)

func newMatcherWithFunnel(t *testing.T, keyword string) *Matcher {
	t.Helper()
	st := store.NewInMemoryStore()
	def := models.FunnelDefinition{
		Keyword: keyword,
		Steps:   []models.Step{{Message: "hi", DelaySeconds: 0}},
	}
	if err := st.SaveFunnel(def); err != nil {
		t.Fatalf("SaveFunnel failed: %v", err)
	}
	return NewMatcher(st)
}

func TestMatchNormalizesInboundText(t *testing.T) {
	m := newMatcherWithFunnel(t, "start")

	for _, text := range []string{"start", "START", "  Start  ", "\tstart\n"} {
		def, err := m.Match(text)
		if err != nil {
			t.Errorf("Match(%q) failed: %v", text, err)
			continue
		}
		if def.Keyword != "start" {
			t.Errorf("Match(%q) returned keyword %q", text, def.Keyword)
		}
	}
}

func TestMatchIsExactNotSubstring(t *testing.T) {
	m := newMatcherWithFunnel(t, "start")

	for _, text := range []string{"start now", "restart", "please start", ""} {
		if _, err := m.Match(text); !errors.Is(err, models.ErrNoMatch) {
			t.Errorf("Match(%q): expected ErrNoMatch, got %v", text, err)
		}
	}
}

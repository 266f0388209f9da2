// Package strategies holds the signal-generating strategy implementations
// and their registry.
package strategies

import (
	"sort"
	"sync"

	"github.com/redmargin/quantgate/internal/apperr"
	"github.com/redmargin/quantgate/internal/modules/factors"
)

// Candidate is one proposed trade.
type Candidate struct {
	Symbol            string  `json:"symbol"`
	Action            string  `json:"action"`
	Confidence        float64 `json:"confidence"`
	Reason            string  `json:"reason"`
	SuggestedPosition float64 `json:"suggested_position"`
}

// Context carries per-run inputs the strategy may consult.
type Context struct {
	Symbol    string
	TradeDate string
	Params    map[string]interface{}
	HeldQty   float64
}

// Strategy turns a feature frame into zero or more candidates. The frame is
// sorted ascending by trade date; the last row is the decision bar.
type Strategy interface {
	Name() string
	Generate(features []factors.FeatureRow, ctx Context) []Candidate
}

// Registry maps strategy names to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates a registry pre-loaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(NewMomentum())
	r.Register(NewEventDriven())
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get returns a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, apperr.NotFound("strategy %q is not registered", name)
	}
	return s, nil
}

// Names lists registered strategies sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// paramFloat reads a numeric parameter with a default.
func paramFloat(params map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return fallback
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package strategy

import (
	"fmt"

	"github.com/riverrun/wpool/internal/werr"
)

// validateWeights rejects any non-positive configured weight, per the
// Open Question 1 resolution: a zero (or negative) weight is a
// construction-time error, not a silent fallback to the default.
func validateWeights(weights map[string]int) error {
	for id, w := range weights {
		if w <= 0 {
			return werr.New(werr.KindTask, werr.CodeInvalidParams,
				fmt.Sprintf("weight for handler %q must be positive, got %d", id, w)).
				WithOp("NewWeightedRoundRobin").WithContext("handler_id", id).WithContext("weight", w)
		}
	}
	return nil
}

// WeightedRoundRobin cycles through handlers according to per-handler
// integer weights, emitting its picks in runs (a weight-3 handler is
// chosen three times before the cursor advances). A newly-seen handler
// id is initialised with its configured weight, or defaultWeight if
// unconfigured, before its first selection.
type WeightedRoundRobin struct {
	weights       map[string]int
	defaultWeight int
	pos           int
	remaining     int
}

func NewWeightedRoundRobin(weights map[string]int) (*WeightedRoundRobin, error) {
	if err := validateWeights(weights); err != nil {
		return nil, err
	}
	w := make(map[string]int, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &WeightedRoundRobin{weights: w, defaultWeight: 1, pos: -1}, nil
}

func (s *WeightedRoundRobin) weightOf(id string) int {
	if w, ok := s.weights[id]; ok && w > 0 {
		return w
	}
	return s.defaultWeight
}

func (s *WeightedRoundRobin) Name() string { return "weighted-round-robin" }

func (s *WeightedRoundRobin) Choose(handlers []Handler, hint Hint) int {
	if idx, ok := applyAffinity(handlers, hint); ok {
		return idx
	}
	n := len(handlers)
	if n == 0 {
		return -1
	}
	for tries := 0; tries < n; tries++ {
		if s.remaining <= 0 {
			s.pos = (s.pos + 1) % n
			s.remaining = s.weightOf(handlers[s.pos].HandlerID())
		}
		if handlers[s.pos].Available() {
			s.remaining--
			return s.pos
		}
		s.remaining = 0
		s.pos = (s.pos + 1) % n
	}
	return -1
}

// InterleavedWeightedRoundRobin distributes the same weighted
// proportions as WeightedRoundRobin but spreads selections out instead
// of emitting runs, using the classic smooth-weighted-round-robin
// algorithm: each eligible handler accrues its weight every round, and
// the handler with the highest accrued value is chosen and debited by
// the round's total weight.
type InterleavedWeightedRoundRobin struct {
	weights       map[string]int
	defaultWeight int
	current       map[string]int
}

func NewInterleavedWeightedRoundRobin(weights map[string]int) (*InterleavedWeightedRoundRobin, error) {
	if err := validateWeights(weights); err != nil {
		return nil, err
	}
	w := make(map[string]int, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &InterleavedWeightedRoundRobin{weights: w, defaultWeight: 1, current: make(map[string]int)}, nil
}

func (s *InterleavedWeightedRoundRobin) weightOf(id string) int {
	if w, ok := s.weights[id]; ok && w > 0 {
		return w
	}
	return s.defaultWeight
}

func (s *InterleavedWeightedRoundRobin) Name() string { return "interleaved-weighted-round-robin" }

func (s *InterleavedWeightedRoundRobin) Choose(handlers []Handler, hint Hint) int {
	if idx, ok := applyAffinity(handlers, hint); ok {
		return idx
	}
	if len(handlers) == 0 {
		return -1
	}
	total := 0
	best := -1
	bestWeight := -1
	for i, h := range handlers {
		if !h.Available() {
			continue
		}
		id := h.HandlerID()
		if _, seen := s.current[id]; !seen {
			s.current[id] = 0
		}
		w := s.weightOf(id)
		total += w
		s.current[id] += w
		if s.current[id] > bestWeight {
			bestWeight = s.current[id]
			best = i
		}
	}
	if best == -1 {
		return -1
	}
	s.current[handlers[best].HandlerID()] -= total
	return best
}

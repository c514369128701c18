package strategy

// RoundRobin cycles through non-busy handlers by index; if every
// handler is busy it still advances and returns the next index, since
// the caller (Pool dispatch) queues the task rather than blocking.
type RoundRobin struct {
	last int
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{last: -1} }

func (s *RoundRobin) Name() string { return "round-robin" }

func (s *RoundRobin) Choose(handlers []Handler, hint Hint) int {
	if idx, ok := applyAffinity(handlers, hint); ok {
		return idx
	}
	n := len(handlers)
	if n == 0 {
		return -1
	}
	for i := 1; i <= n; i++ {
		idx := (s.last + i) % n
		if handlers[idx].Available() && handlers[idx].ActiveCount() == 0 {
			s.last = idx
			return idx
		}
	}
	s.last = (s.last + 1) % n
	return s.last
}

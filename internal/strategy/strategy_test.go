package strategy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	id        string
	active    int
	completed uint64
	busyNs    uint64
	available bool
}

func (h *fakeHandler) HandlerID() string      { return h.id }
func (h *fakeHandler) ActiveCount() int       { return h.active }
func (h *fakeHandler) TasksCompleted() uint64 { return h.completed }
func (h *fakeHandler) BusyNs() uint64         { return h.busyNs }
func (h *fakeHandler) Available() bool        { return h.available }

func idleHandlers(n int) []Handler {
	out := make([]Handler, n)
	for i := range out {
		out[i] = &fakeHandler{id: string(rune('a' + i)), available: true}
	}
	return out
}

func TestRoundRobinCyclesAndWrapsOnAllBusy(t *testing.T) {
	s := NewRoundRobin()
	handlers := idleHandlers(3)
	require.Equal(t, 0, s.Choose(handlers, Hint{}))
	require.Equal(t, 1, s.Choose(handlers, Hint{}))
	require.Equal(t, 2, s.Choose(handlers, Hint{}))
	require.Equal(t, 0, s.Choose(handlers, Hint{}))

	for _, h := range handlers {
		h.(*fakeHandler).active = 1
	}
	idx := s.Choose(handlers, Hint{})
	require.GreaterOrEqual(t, idx, 0)
	require.Less(t, idx, 3)
}

func TestRoundRobinAffinity(t *testing.T) {
	s := NewRoundRobin()
	handlers := idleHandlers(3)
	require.Equal(t, 2, s.Choose(handlers, Hint{AffinityIndex: 2, HasAffinity: true}))
}

func TestLeastBusyPicksSmallestActiveCount(t *testing.T) {
	s := NewLeastBusy()
	handlers := []Handler{
		&fakeHandler{id: "a", active: 3, available: true},
		&fakeHandler{id: "b", active: 1, available: true},
		&fakeHandler{id: "c", active: 2, available: true},
	}
	require.Equal(t, 1, s.Choose(handlers, Hint{}))
}

func TestLeastUsedPicksFewestCompleted(t *testing.T) {
	s := NewLeastUsed()
	handlers := []Handler{
		&fakeHandler{id: "a", completed: 10, available: true},
		&fakeHandler{id: "b", completed: 2, available: true},
	}
	require.Equal(t, 1, s.Choose(handlers, Hint{}))
}

func TestFairSharePicksLowestProjectedBusy(t *testing.T) {
	s := NewFairShare()
	handlers := []Handler{
		&fakeHandler{id: "a", busyNs: 1000, active: 0, available: true},
		&fakeHandler{id: "b", busyNs: 100, active: 5, available: true},
	}
	// a: 1000*1=1000, b: 100*6=600 -> b wins
	require.Equal(t, 1, s.Choose(handlers, Hint{}))
}

func TestWeightedRoundRobinEmitsRuns(t *testing.T) {
	s, err := NewWeightedRoundRobin(map[string]int{"a": 3, "b": 1})
	require.NoError(t, err)
	handlers := []Handler{
		&fakeHandler{id: "a", available: true},
		&fakeHandler{id: "b", available: true},
	}
	var picks []int
	for i := 0; i < 8; i++ {
		picks = append(picks, s.Choose(handlers, Hint{}))
	}
	require.Equal(t, []int{0, 0, 0, 1, 0, 0, 0, 1}, picks)
}

func TestInterleavedWeightedRoundRobinConvergesToRatio(t *testing.T) {
	s, err := NewInterleavedWeightedRoundRobin(map[string]int{"a": 3, "b": 1})
	require.NoError(t, err)
	handlers := []Handler{
		&fakeHandler{id: "a", available: true},
		&fakeHandler{id: "b", available: true},
	}
	counts := map[int]int{}
	for i := 0; i < 80; i++ {
		counts[s.Choose(handlers, Hint{})]++
	}
	require.InDelta(t, 60, counts[0], 5)
	require.InDelta(t, 20, counts[1], 5)

	// interleaved: unlike WRR, "a" should not win 3 times consecutively.
	s2, err := NewInterleavedWeightedRoundRobin(map[string]int{"a": 3, "b": 1})
	require.NoError(t, err)
	var picks []int
	for i := 0; i < 4; i++ {
		picks = append(picks, s2.Choose(handlers, Hint{}))
	}
	run := 1
	maxRun := 1
	for i := 1; i < len(picks); i++ {
		if picks[i] == picks[i-1] {
			run++
		} else {
			run = 1
		}
		if run > maxRun {
			maxRun = run
		}
	}
	require.Less(t, maxRun, 3)
}

func TestWeightedRoundRobinRejectsZeroWeight(t *testing.T) {
	_, err := NewWeightedRoundRobin(map[string]int{"a": 3, "b": 0})
	require.Error(t, err)

	_, err = NewInterleavedWeightedRoundRobin(map[string]int{"a": -1})
	require.Error(t, err)
}

func TestUnavailableHandlersAreSkipped(t *testing.T) {
	s := NewLeastBusy()
	handlers := []Handler{
		&fakeHandler{id: "a", active: 0, available: false},
		&fakeHandler{id: "b", active: 5, available: true},
	}
	require.Equal(t, 1, s.Choose(handlers, Hint{}))
}

func TestLeastBusyReturnsNegativeOneWhenNoneAvailable(t *testing.T) {
	s := NewLeastBusy()
	handlers := []Handler{&fakeHandler{id: "a", available: false}}
	require.Equal(t, -1, s.Choose(handlers, Hint{}))
}

package wpool

import "time"

// TaskState is a Task's position in its lifecycle.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskDispatched
	TaskAwaitingReply
	TaskCleaningUp
	TaskDone
	TaskCancelled
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskDispatched:
		return "dispatched"
	case TaskAwaitingReply:
		return "awaiting-reply"
	case TaskCleaningUp:
		return "cleaning-up"
	case TaskDone:
		return "done"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one unit of work admitted to the Pool.
// Exactly one Pool ever holds a given Task; it is owned by the Pool
// while queued and co-owned by the Pool and its assigned Handler
// after dispatch, until it reaches a terminal state.
type Task struct {
	ID          uint64
	Method      string
	Params      []byte
	Priority    int
	SubmittedAt time.Time
	Timeout     time.Duration
	Metadata    map[string]any
	OnEvent     func(payload []byte)
	Affinity    int
	HasAffinity bool

	state      TaskState
	handlerRef string
	startedAt  time.Time
}

// QueueID and QueuePriority satisfy internal/taskqueue.Item, letting a
// Task be pushed directly onto any C4 queue variant.
func (t *Task) QueueID() uint64    { return t.ID }
func (t *Task) QueuePriority() int { return t.Priority }

func (t *Task) State() TaskState   { return t.state }
func (t *Task) HandlerRef() string { return t.handlerRef }

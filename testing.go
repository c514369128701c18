package wpool

import (
	"context"
	"sync"
	"time"

	"github.com/riverrun/wpool/internal/frame"
	"github.com/riverrun/wpool/internal/handler"
	"github.com/riverrun/wpool/internal/werr"
)

// MockHandlerFunc computes the worker-side response for one method
// invocation, standing in for a real worker process or thread.
type MockHandlerFunc func(method string, params []byte) ([]byte, error)

// MockTransport is an in-process stand-in for handler.Transport: it
// implements the full interface, tracks every call for test
// assertions, and lets a test script a worker's behavior without
// spawning a real process or thread.
type MockTransport struct {
	mu sync.Mutex

	handle MockHandlerFunc
	delay  time.Duration

	messages chan []byte
	errors   chan error
	killed   bool

	sendCalls  int
	killCalls  int
	sentFrames [][]byte

	abort map[uint32]chan struct{} // message_id -> closed on Cleanup, read by runTask
}

// NewMockTransport creates a ready mock worker backed by handle. It
// immediately queues the "ready" signal a real worker sends once its
// runtime has booted, so the handler leaves cold/warming right away.
func NewMockTransport(handle MockHandlerFunc) *MockTransport {
	t := &MockTransport{
		handle:   handle,
		messages: make(chan []byte, 64),
		errors:   make(chan error, 4),
		abort:    make(map[uint32]chan struct{}),
	}
	t.messages <- []byte("ready")
	return t
}

// WithDelay sets an artificial per-task latency, for exercising
// timeout and cancellation paths deterministically in tests.
func (t *MockTransport) WithDelay(d time.Duration) *MockTransport {
	t.mu.Lock()
	t.delay = d
	t.mu.Unlock()
	return t
}

func (t *MockTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		return werr.New(werr.KindChannel, werr.CodeChannelClosed, "transport killed").WithOp("MockTransport.Send")
	}
	t.sendCalls++
	t.sentFrames = append(t.sentFrames, append([]byte(nil), data...))
	t.mu.Unlock()

	f, err := frame.Decode(data)
	if err != nil {
		return werr.Wrap("MockTransport.Send", err)
	}

	switch f.MsgType {
	case frame.TaskRequest:
		abort := make(chan struct{})
		t.mu.Lock()
		t.abort[f.MessageID] = abort
		t.mu.Unlock()
		go t.runTask(f, abort)
	case frame.Cleanup:
		t.mu.Lock()
		if ab, ok := t.abort[f.MessageID]; ok {
			close(ab)
			delete(t.abort, f.MessageID)
		}
		t.mu.Unlock()
		t.deliver(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.CleanupResponse, MessageID: f.MessageID}}))
	case frame.HeartbeatReq:
		payload := frame.EncodeHeartbeatResponse(frame.HeartbeatResponsePayload{Status: 1})
		t.deliver(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.HeartbeatRes, MessageID: f.MessageID}, Payload: payload}))
	case frame.Terminate:
		// A real worker exits on this frame and its pipes close; the
		// exit surfaces on the Errors stream.
		go t.Crash(nil)
	}
	return nil
}

func (t *MockTransport) runTask(req frame.Frame, abort chan struct{}) {
	t.mu.Lock()
	delay := t.delay
	handle := t.handle
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-abort:
			return
		}
	}

	payload, err := frame.DecodeTaskRequest(req.Payload)
	if err != nil {
		t.deliverError(req.MessageID, err)
		return
	}

	select {
	case <-abort:
		return
	default:
	}

	var value []byte
	if handle != nil {
		value, err = handle(payload.Method, payload.Params)
	}

	select {
	case <-abort:
		return
	default:
	}

	t.mu.Lock()
	delete(t.abort, req.MessageID)
	t.mu.Unlock()

	if err != nil {
		t.deliverError(req.MessageID, err)
		return
	}
	t.deliver(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.TaskResponse, MessageID: req.MessageID}, Payload: value}))
}

func (t *MockTransport) deliverError(messageID uint32, err error) {
	payload := frame.EncodeError(frame.ErrorPayload{Msg: err.Error()})
	t.deliver(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.TaskError, MessageID: messageID}, Payload: payload}))
}

func (t *MockTransport) deliver(data []byte) {
	t.mu.Lock()
	killed := t.killed
	t.mu.Unlock()
	if killed {
		return
	}
	select {
	case t.messages <- data:
	default:
	}
}

// EmitEvent lets a test push a worker-originated Event frame (for
// exercising Task.OnEvent) without going through Send.
func (t *MockTransport) EmitEvent(messageID uint32, payload []byte) {
	t.deliver(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.Event, MessageID: messageID}, Payload: payload}))
}

// Crash simulates the worker dying unexpectedly: it marks the transport
// killed and delivers cause on the Errors stream. Neither the Errors nor
// the Messages stream is closed.
func (t *MockTransport) Crash(cause error) {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		return
	}
	t.killed = true
	t.mu.Unlock()
	t.errors <- cause
}

func (t *MockTransport) Messages() <-chan []byte { return t.messages }
func (t *MockTransport) Errors() <-chan error    { return t.errors }

func (t *MockTransport) Kill() error {
	t.mu.Lock()
	already := t.killed
	t.killCalls++
	t.killed = true
	t.mu.Unlock()
	if !already {
		// A killed process's pipes close; surface that as an exit.
		select {
		case t.errors <- werr.New(werr.KindWorker, werr.CodeWorkerTerminated, "transport killed").WithOp("MockTransport.Kill"):
		default:
		}
	}
	return nil
}

// SendCalls, KillCalls, and SentFrames expose call tracking for
// assertions.
func (t *MockTransport) SendCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendCalls
}

func (t *MockTransport) KillCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killCalls
}

func (t *MockTransport) SentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sentFrames))
	copy(out, t.sentFrames)
	return out
}

// IsKilled reports whether Kill or Crash has been called.
func (t *MockTransport) IsKilled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

var _ handler.Transport = (*MockTransport)(nil)

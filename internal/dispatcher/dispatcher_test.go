package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/riverrun/wpool/internal/frame"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) last() frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	fr, _ := frame.Decode(f.sent[len(f.sent)-1])
	return fr
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitForSend(t *testing.T, tr *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %d", n, tr.count())
}

func taskRequestFrame(id uint32, method string, params []byte) []byte {
	payload := frame.EncodeTaskRequest(frame.TaskRequestPayload{Method: method, Params: params})
	return frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.TaskRequest, MessageID: id}, Payload: payload})
}

func TestStartSendsReady(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr)
	require.NoError(t, d.Start(context.Background()))
	require.Equal(t, []byte("ready"), tr.sent[0])
}

func TestRegisteredMethodRespondsWithTaskResponse(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr)
	d.Register("compute.sum", func(ctx *Context, params []byte) ([]byte, error) {
		return []byte("7"), nil
	})

	d.HandleMessage(taskRequestFrame(1, "compute.sum", []byte("3,4")))
	waitForSend(t, tr, 1)

	fr := tr.last()
	require.Equal(t, frame.TaskResponse, fr.MsgType)
	require.Equal(t, []byte("7"), fr.Payload)
}

func TestUnknownMethodRepliesMethodNotFound(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr)
	d.HandleMessage(taskRequestFrame(1, "nope", nil))
	waitForSend(t, tr, 1)

	fr := tr.last()
	require.Equal(t, frame.TaskError, fr.MsgType)
	ep, err := frame.DecodeError(fr.Payload)
	require.NoError(t, err)
	require.Contains(t, ep.Msg, "method not found")
}

func TestMethodsBuiltinListsRegisteredNames(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr)
	d.Register("a", func(ctx *Context, params []byte) ([]byte, error) { return nil, nil })
	d.Register("b", func(ctx *Context, params []byte) ([]byte, error) { return nil, nil })

	d.HandleMessage(taskRequestFrame(1, "methods", nil))
	waitForSend(t, tr, 1)

	fr := tr.last()
	require.Equal(t, frame.TaskResponse, fr.MsgType)
	var names []string
	require.NoError(t, json.Unmarshal(fr.Payload, &names))
	require.Subset(t, names, []string{"a", "b", "methods", "run"})
}

func TestRunBuiltinDispatchesByMethodName(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr)
	d.Register("double", func(ctx *Context, params []byte) ([]byte, error) {
		return append([]byte("doubled:"), params...), nil
	})

	runArgs, _ := json.Marshal(map[string]any{"method": "double", "args": json.RawMessage(`"x"`)})
	d.HandleMessage(taskRequestFrame(1, "run", runArgs))
	waitForSend(t, tr, 1)

	fr := tr.last()
	require.Equal(t, frame.TaskResponse, fr.MsgType)
	require.Equal(t, "doubled:\"x\"", string(fr.Payload))
}

func TestEmitSendsEventFrameWithSameRequestID(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr)
	done := make(chan struct{})
	d.Register("progress", func(ctx *Context, params []byte) ([]byte, error) {
		ctx.Emit([]byte("50%"))
		close(done)
		return []byte("done"), nil
	})

	d.HandleMessage(taskRequestFrame(9, "progress", nil))
	<-done
	waitForSend(t, tr, 2)

	events := 0
	for i := 0; i < tr.count(); i++ {
		tr.mu.Lock()
		fr, _ := frame.Decode(tr.sent[i])
		tr.mu.Unlock()
		if fr.MsgType == frame.Event {
			events++
			require.Equal(t, uint32(9), fr.MessageID)
			require.Equal(t, []byte("50%"), fr.Payload)
		}
	}
	require.Equal(t, 1, events)
}

func TestAbortListenerRunsOnCleanupAndRepliesCleanupResponse(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, WithAbortListenerTimeout(200*time.Millisecond))
	ran := make(chan struct{})
	d.Register("longtask", func(ctx *Context, params []byte) ([]byte, error) {
		ctx.OnAbort(func(abortCtx context.Context) error {
			close(ran)
			return nil
		})
		return []byte("ok"), nil
	})

	d.HandleMessage(taskRequestFrame(5, "longtask", nil))
	waitForSend(t, tr, 1) // TaskResponse for the (already finished) task

	d.HandleMessage(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.Cleanup, MessageID: 5}}))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("abort listener never ran")
	}

	waitForSend(t, tr, 2)
	var foundCleanupResponse bool
	for i := 0; i < tr.count(); i++ {
		tr.mu.Lock()
		fr, _ := frame.Decode(tr.sent[i])
		tr.mu.Unlock()
		if fr.MsgType == frame.CleanupResponse {
			foundCleanupResponse = true
		}
	}
	require.True(t, foundCleanupResponse)
}

func TestHeartbeatRepliesWithHeartbeatRes(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr)
	d.HandleMessage(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.HeartbeatReq}}))
	waitForSend(t, tr, 1)

	fr := tr.last()
	require.Equal(t, frame.HeartbeatRes, fr.MsgType)
	resp, err := frame.DecodeHeartbeatResponse(fr.Payload)
	require.NoError(t, err)
	require.Equal(t, uint8(1), resp.Status)
}

func TestTerminateCallsExitFunc(t *testing.T) {
	tr := &fakeTransport{}
	called := make(chan struct{})
	d := New(tr, WithExitFunc(func() { close(called) }))
	d.HandleMessage(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.Terminate}}))
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected exitFn to be called on Terminate")
	}
}

package frame

import (
	"encoding/binary"
	"testing"

	"github.com/riverrun/wpool/internal/constants"
	"github.com/riverrun/wpool/internal/werr"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{"task request", Frame{
			Header:  Header{MsgType: TaskRequest, MessageID: 42, Sequence: 7, Priority: 3},
			Payload: EncodeTaskRequest(TaskRequestPayload{Method: "add", Params: []byte(`{"a":1}`)}),
		}},
		{"empty payload", Frame{
			Header: Header{MsgType: Terminate},
		}},
		{"flags carried", Frame{
			Header:  Header{MsgType: Event, MessageID: 9, Flags: FlagHasTransfer | FlagCompressed},
			Payload: []byte("progress"),
		}},
		{"heartbeat response", Frame{
			Header:  Header{MsgType: HeartbeatRes, MessageID: 1},
			Payload: EncodeHeartbeatResponse(HeartbeatResponsePayload{Status: 1, TaskCount: 2, MemUsage: 1 << 20, UptimeMs: 5000}),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(Encode(tc.frame))
			require.NoError(t, err)
			require.Equal(t, tc.frame.MsgType, got.MsgType)
			require.Equal(t, tc.frame.Flags, got.Flags)
			require.Equal(t, tc.frame.MessageID, got.MessageID)
			require.Equal(t, tc.frame.Sequence, got.Sequence)
			require.Equal(t, tc.frame.Priority, got.Priority)
			require.Equal(t, uint32(len(tc.frame.Payload)), got.PayloadLength)
			require.Equal(t, tc.frame.Payload, got.Payload)
		})
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, constants.FrameHeaderBytes-1))
	require.Error(t, err)
	require.True(t, werr.IsCode(err, werr.CodeInvalidFrame))
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := Encode(Frame{Header: Header{MsgType: TaskRequest}})
	binary.LittleEndian.PutUint16(buf[0:], 0xdead)
	_, err := Decode(buf)
	require.Error(t, err)
	require.True(t, werr.IsCode(err, werr.CodeInvalidFrame))
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	buf := Encode(Frame{Header: Header{MsgType: TaskRequest}})
	buf[offVersion] = constants.FrameVersion + 1
	_, err := Decode(buf)
	require.Error(t, err)
	require.True(t, werr.IsCode(err, werr.CodeVersionMismatch))
}

func TestDecodeRejectsUnknownMsgType(t *testing.T) {
	buf := Encode(Frame{Header: Header{MsgType: TaskRequest}})
	buf[offMsgType] = 200
	_, err := Decode(buf)
	require.Error(t, err)
	require.True(t, werr.IsCode(err, werr.CodeUnknownMessageType))
}

func TestDecodeRejectsOverlongPayloadLength(t *testing.T) {
	buf := Encode(Frame{Header: Header{MsgType: TaskRequest}, Payload: []byte("abc")})
	binary.LittleEndian.PutUint32(buf[offPayLen:], 1000)
	_, err := Decode(buf)
	require.Error(t, err)
	require.True(t, werr.IsCode(err, werr.CodeInvalidFrame))
}

func TestTaskRequestPayloadRoundTrip(t *testing.T) {
	in := TaskRequestPayload{Method: "compute", Params: []byte{0x00, 0xff, 0x10}}
	out, err := DecodeTaskRequest(EncodeTaskRequest(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestTaskRequestPayloadTruncated(t *testing.T) {
	_, err := DecodeTaskRequest([]byte{0x05})
	require.Error(t, err)

	// method_len claims more bytes than the payload holds
	buf := EncodeTaskRequest(TaskRequestPayload{Method: "abc"})
	binary.LittleEndian.PutUint16(buf[0:2], 100)
	_, err = DecodeTaskRequest(buf)
	require.Error(t, err)
	require.True(t, werr.IsCode(err, werr.CodeInvalidFrame))
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	in := ErrorPayload{Code: 7, Msg: "boom", Stack: "worker.go:42"}
	out, err := DecodeError(EncodeError(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestErrorPayloadTruncatedStack(t *testing.T) {
	buf := EncodeError(ErrorPayload{Msg: "boom", Stack: "trace"})
	_, err := DecodeError(buf[:len(buf)-2])
	require.Error(t, err)
	require.True(t, werr.IsCode(err, werr.CodeInvalidFrame))
}

func TestHeartbeatResponseRoundTrip(t *testing.T) {
	in := HeartbeatResponsePayload{Status: 1, TaskCount: 3, MemUsage: 1 << 30, UptimeMs: 123456}
	out, err := DecodeHeartbeatResponse(EncodeHeartbeatResponse(in))
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodeHeartbeatResponse(make([]byte, 10))
	require.Error(t, err)
}

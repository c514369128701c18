package frame

import (
	"encoding/binary"

	"github.com/riverrun/wpool/internal/werr"
)

// TaskRequestPayload is the payload carried by a TaskRequest frame:
// [method_len:u16][method_bytes][params_bytes].
type TaskRequestPayload struct {
	Method string
	Params []byte
}

func EncodeTaskRequest(p TaskRequestPayload) []byte {
	buf := make([]byte, 2+len(p.Method)+len(p.Params))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Method)))
	n := copy(buf[2:], p.Method)
	copy(buf[2+n:], p.Params)
	return buf
}

func DecodeTaskRequest(data []byte) (TaskRequestPayload, error) {
	if len(data) < 2 {
		return TaskRequestPayload{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "task request payload too short")
	}
	methodLen := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+methodLen {
		return TaskRequestPayload{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "task request method truncated")
	}
	method := string(data[2 : 2+methodLen])
	params := append([]byte(nil), data[2+methodLen:]...)
	return TaskRequestPayload{Method: method, Params: params}, nil
}

// ErrorPayload is the payload carried by a TaskError frame:
// [error_code:u32][msg_len:u16][msg][stack_len:u16][stack].
type ErrorPayload struct {
	Code  uint32
	Msg   string
	Stack string
}

func EncodeError(p ErrorPayload) []byte {
	buf := make([]byte, 4+2+len(p.Msg)+2+len(p.Stack))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], p.Code)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(p.Msg)))
	off += 2
	off += copy(buf[off:], p.Msg)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(p.Stack)))
	off += 2
	copy(buf[off:], p.Stack)
	return buf
}

func DecodeError(data []byte) (ErrorPayload, error) {
	if len(data) < 4+2 {
		return ErrorPayload{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "error payload too short")
	}
	off := 0
	code := binary.LittleEndian.Uint32(data[off:])
	off += 4
	msgLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+msgLen+2 {
		return ErrorPayload{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "error payload message truncated")
	}
	msg := string(data[off : off+msgLen])
	off += msgLen
	stackLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+stackLen {
		return ErrorPayload{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "error payload stack truncated")
	}
	stack := string(data[off : off+stackLen])
	return ErrorPayload{Code: code, Msg: msg, Stack: stack}, nil
}

// HeartbeatResponsePayload is [status:u8][task_count:u32][mem_usage:u64][uptime_ms:u64].
type HeartbeatResponsePayload struct {
	Status    uint8
	TaskCount uint32
	MemUsage  uint64
	UptimeMs  uint64
}

func EncodeHeartbeatResponse(p HeartbeatResponsePayload) []byte {
	buf := make([]byte, 1+4+8+8)
	buf[0] = p.Status
	binary.LittleEndian.PutUint32(buf[1:], p.TaskCount)
	binary.LittleEndian.PutUint64(buf[5:], p.MemUsage)
	binary.LittleEndian.PutUint64(buf[13:], p.UptimeMs)
	return buf
}

func DecodeHeartbeatResponse(data []byte) (HeartbeatResponsePayload, error) {
	if len(data) < 1+4+8+8 {
		return HeartbeatResponsePayload{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "heartbeat response payload too short")
	}
	return HeartbeatResponsePayload{
		Status:    data[0],
		TaskCount: binary.LittleEndian.Uint32(data[1:]),
		MemUsage:  binary.LittleEndian.Uint64(data[5:]),
		UptimeMs:  binary.LittleEndian.Uint64(data[13:]),
	}, nil
}

// Package frame implements the binary framing codec (C2): a fixed
// 20-byte header plus a type-specific payload, written and read in
// little-endian, field at a time with encoding/binary: no reflection,
// no unsafe, every field at an explicit offset.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/riverrun/wpool/internal/constants"
	"github.com/riverrun/wpool/internal/werr"
)

// MsgType identifies the kind of frame payload.
type MsgType uint8

const (
	TaskRequest      MsgType = 1
	TaskResponse     MsgType = 2
	TaskError        MsgType = 3
	HeartbeatReq     MsgType = 5
	HeartbeatRes     MsgType = 6
	Batch            MsgType = 10
	Cleanup          MsgType = 11
	Terminate        MsgType = 12
	Event            MsgType = 13
	CleanupResponse  MsgType = 14
)

func (t MsgType) known() bool {
	switch t {
	case TaskRequest, TaskResponse, TaskError, HeartbeatReq, HeartbeatRes,
		Batch, Cleanup, Terminate, Event, CleanupResponse:
		return true
	default:
		return false
	}
}

func (t MsgType) String() string {
	switch t {
	case TaskRequest:
		return "TaskRequest"
	case TaskResponse:
		return "TaskResponse"
	case TaskError:
		return "TaskError"
	case HeartbeatReq:
		return "HeartbeatReq"
	case HeartbeatRes:
		return "HeartbeatRes"
	case Batch:
		return "Batch"
	case Cleanup:
		return "Cleanup"
	case Terminate:
		return "Terminate"
	case Event:
		return "Event"
	case CleanupResponse:
		return "CleanupResponse"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Flags is a bitset carried in the frame header.
type Flags uint8

const (
	FlagHasTransfer Flags = 1 << 0
	FlagCompressed  Flags = 1 << 1
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is the fixed 20-byte frame header.
type Header struct {
	MsgType       MsgType
	Flags         Flags
	MessageID     uint32
	PayloadLength uint32
	Sequence      uint32
	Priority      uint8
}

// Frame is a decoded header plus its raw payload bytes. Payload
// interpretation is msg_type-specific; see the Task*/Error/Heartbeat*
// encode/decode helpers below.
type Frame struct {
	Header
	Payload []byte
}

// headerLayout: magic(2) version(1) msg_type(1) flags(1) priority(1)
// message_id(4) payload_length(4) sequence(4) reserved(2) = 20 bytes.
const (
	offMagic    = 0
	offVersion  = 2
	offMsgType  = 3
	offFlags    = 4
	offPriority = 5
	offMsgID    = 6
	offPayLen   = 10
	offSeq      = 14
	offReserved = 18
)

// Encode writes the frame header and payload into a single buffer.
func Encode(f Frame) []byte {
	buf := make([]byte, constants.FrameHeaderBytes+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[offMagic:], constants.FrameMagic)
	buf[offVersion] = constants.FrameVersion
	buf[offMsgType] = byte(f.MsgType)
	buf[offFlags] = byte(f.Flags)
	buf[offPriority] = f.Priority
	binary.LittleEndian.PutUint32(buf[offMsgID:], f.MessageID)
	binary.LittleEndian.PutUint32(buf[offPayLen:], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint32(buf[offSeq:], f.Sequence)
	binary.LittleEndian.PutUint16(buf[offReserved:], 0)
	copy(buf[constants.FrameHeaderBytes:], f.Payload)
	return buf
}

// Decode parses a frame out of buf. It fails with a Protocol-kind
// InvalidFrame error when buf is shorter than a header, the magic
// mismatches, or the declared payload length exceeds the supplied
// buffer; with VersionMismatch when the version differs; and with
// UnknownMessageType when msg_type is outside the known set.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < constants.FrameHeaderBytes {
		return Frame{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "frame shorter than header").
			WithContext("len", len(buf))
	}

	magic := binary.LittleEndian.Uint16(buf[offMagic:])
	if magic != constants.FrameMagic {
		return Frame{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "bad magic").
			WithContext("magic", magic)
	}

	version := buf[offVersion]
	if version != constants.FrameVersion {
		return Frame{}, werr.New(werr.KindProtocol, werr.CodeVersionMismatch, "unsupported frame version").
			WithContext("version", version)
	}

	msgType := MsgType(buf[offMsgType])
	if !msgType.known() {
		return Frame{}, werr.New(werr.KindProtocol, werr.CodeUnknownMessageType, "unknown msg_type").
			WithContext("msg_type", uint8(msgType))
	}

	payloadLen := binary.LittleEndian.Uint32(buf[offPayLen:])
	if int(payloadLen) > len(buf)-constants.FrameHeaderBytes {
		return Frame{}, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "declared payload length exceeds buffer").
			WithContext("payload_length", payloadLen)
	}

	f := Frame{
		Header: Header{
			MsgType:       msgType,
			Flags:         Flags(buf[offFlags]),
			MessageID:     binary.LittleEndian.Uint32(buf[offMsgID:]),
			PayloadLength: payloadLen,
			Sequence:      binary.LittleEndian.Uint32(buf[offSeq:]),
			Priority:      buf[offPriority],
		},
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, buf[constants.FrameHeaderBytes:constants.FrameHeaderBytes+int(payloadLen)])
	}
	return f, nil
}

// Package shmchannel implements a lock-free slotted MPMC transport:
// fixed-size slots guarded by the Empty->Writing->Ready->
// Reading protocol from internal/ringslot, with chunking for
// oversized payloads and stall detection for stuck slots.
//
// The default constructor backs the slot array with a heap-allocated
// slice rather than an mmap region: nothing in this module's scope
// spawns a second OS process that would need a cross-process shared
// mapping (the external Transport, C1, is explicitly out of scope).
// The atomic/CAS discipline is identical to what a real mmap-backed
// region would require.
package shmchannel

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverrun/wpool/internal/bufpool"
	"github.com/riverrun/wpool/internal/constants"
	"github.com/riverrun/wpool/internal/logging"
	"github.com/riverrun/wpool/internal/ringslot"
	"github.com/riverrun/wpool/internal/werr"
)

// Flags holds the channel-wide state bits kept in the header.
type Flags uint32

const (
	FlagInitialized Flags = 1 << 0
	FlagClosed      Flags = 1 << 1
	FlagError       Flags = 1 << 2
	FlagOverflow    Flags = 1 << 3
)

// slot envelope kinds, distinct from the higher-level frame.MsgType:
// the channel only needs to know whether a slot carries a whole
// message or one leg of a chunked one.
const (
	kindData uint8 = iota
	kindChunkStart
	kindChunkData
	kindChunkEnd
)

type slot struct {
	status    uint32 // ringslot.Status word
	data      []byte // envelope (kind:1 + length:4) + payload
	writtenAt atomic.Int64
}

type reassembly struct {
	totalChunks int
	totalSize   int
	chunks      map[uint32][]byte
}

// Channel is one lock-free slotted MPMC transport instance.
type Channel struct {
	version   uint32
	flags     atomic.Uint32
	sendIndex uint32 // monotone, masked (mod slotCount) on use; wrap is benign modular arithmetic
	recvIndex uint32
	slotSize  uint32
	slotCount uint32
	slots     []slot

	mu         sync.Mutex
	reassembly map[uint32]*reassembly
	nextMsgID  atomic.Uint32

	stallThreshold time.Duration
	logger         *logging.Logger
}

// Option configures a Channel at construction.
type Option func(*Channel)

// WithStallThreshold overrides constants.DefaultStallThreshold.
func WithStallThreshold(d time.Duration) Option {
	return func(c *Channel) { c.stallThreshold = d }
}

// WithLogger attaches a logger, defaulting to logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// New creates a Channel with slotCount slots of slotSize bytes each.
// slotSize must exceed constants.SlotEnvelopeBytes so at least one
// payload byte fits per slot.
func New(slotSize, slotCount uint32, opts ...Option) (*Channel, error) {
	if slotCount == 0 {
		return nil, werr.New(werr.KindResource, werr.CodeLimitExceeded, "slot_count must be > 0")
	}
	if slotSize <= constants.SlotEnvelopeBytes {
		return nil, werr.New(werr.KindResource, werr.CodeLimitExceeded, "slot_size too small for envelope")
	}
	c := &Channel{
		version:        2,
		slotSize:       slotSize,
		slotCount:      slotCount,
		slots:          make([]slot, slotCount),
		reassembly:     make(map[uint32]*reassembly),
		stallThreshold: constants.DefaultStallThreshold,
		logger:         logging.Default(),
	}
	for i := range c.slots {
		c.slots[i].data = make([]byte, slotSize-constants.SlotHeaderBytes)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.flags.Store(uint32(FlagInitialized))
	return c, nil
}

// Flags returns the current flag bits.
func (c *Channel) Flags() Flags { return Flags(c.flags.Load()) }

func (c *Channel) hasFlag(f Flags) bool { return Flags(c.flags.Load())&f != 0 }

func (c *Channel) setFlag(f Flags) {
	for {
		cur := c.flags.Load()
		next := cur | uint32(f)
		if c.flags.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Close marks the channel closed; subsequent sends fail with
// ChannelClosed.
func (c *Channel) Close() { c.setFlag(FlagClosed) }

// maxPayload is the largest payload a single slot can carry before
// chunking is required.
func (c *Channel) maxPayload() int { return int(c.slotSize) - constants.SlotEnvelopeBytes }

// Send writes data to the channel, chunking it transparently if it
// exceeds one slot's capacity.
func (c *Channel) Send(data []byte) error {
	if c.hasFlag(FlagClosed) {
		return werr.New(werr.KindChannel, werr.CodeChannelClosed, "channel closed")
	}
	max := c.maxPayload()
	if len(data) <= max {
		return c.sendSlot(kindData, data)
	}
	return c.sendChunked(data, max)
}

func (c *Channel) sendSlot(kind uint8, payload []byte) error {
	idx := atomic.AddUint32(&c.sendIndex, 1) - 1
	slotIdx := idx % c.slotCount
	s := &c.slots[slotIdx]

	if ringslot.Load(&s.status) != ringslot.Empty {
		atomic.AddUint32(&c.sendIndex, ^uint32(0)) // rollback: fetch-sub 1
		return werr.New(werr.KindChannel, werr.CodeBufferFull, "no empty slot available").
			WithContext("slot_index", slotIdx)
	}
	if !ringslot.TryBeginWrite(&s.status) {
		atomic.AddUint32(&c.sendIndex, ^uint32(0))
		return werr.New(werr.KindChannel, werr.CodeSlotContention, "lost CAS race for slot").
			WithContext("slot_index", slotIdx)
	}

	s.data[0] = kind
	binary.LittleEndian.PutUint32(s.data[1:5], uint32(len(payload)))
	copy(s.data[5:], payload)
	s.writtenAt.Store(time.Now().UnixNano())
	ringslot.FinishWrite(&s.status)
	return nil
}

func (c *Channel) sendChunked(data []byte, maxPayload int) error {
	chunkCap := maxPayload - 8 // message_id(4) + chunk_index(4)
	if chunkCap <= 0 {
		return werr.New(werr.KindResource, werr.CodeBufferOverflow, "slot too small to chunk payload")
	}
	msgID := c.nextMsgID.Add(1)
	totalSize := len(data)
	totalChunks := (totalSize + chunkCap - 1) / chunkCap

	start := make([]byte, 12)
	binary.LittleEndian.PutUint32(start[0:4], msgID)
	binary.LittleEndian.PutUint32(start[4:8], uint32(totalChunks))
	binary.LittleEndian.PutUint32(start[8:12], uint32(totalSize))
	if err := c.sendSlot(kindChunkStart, start); err != nil {
		return err
	}

	for i := 0; i < totalChunks; i++ {
		lo := i * chunkCap
		hi := lo + chunkCap
		if hi > totalSize {
			hi = totalSize
		}
		chunk := make([]byte, 8+(hi-lo))
		binary.LittleEndian.PutUint32(chunk[0:4], msgID)
		binary.LittleEndian.PutUint32(chunk[4:8], uint32(i))
		copy(chunk[8:], data[lo:hi])
		if err := c.sendSlot(kindChunkData, chunk); err != nil {
			return err
		}
	}

	end := make([]byte, 4)
	binary.LittleEndian.PutUint32(end, msgID)
	return c.sendSlot(kindChunkEnd, end)
}

type pollResult int

const (
	pollNone pollResult = iota
	pollContinue
	pollData
)

// pollOne advances recv_index by at most one slot, returning pollData
// with the reassembled message when one is complete, pollContinue
// when a control slot (chunk start/data/end) was consumed but no
// message is ready yet, or pollNone when the next slot isn't Ready.
func (c *Channel) pollOne() ([]byte, pollResult, error) {
	idx := atomic.LoadUint32(&c.recvIndex)
	slotIdx := idx % c.slotCount
	s := &c.slots[slotIdx]

	if ringslot.Load(&s.status) != ringslot.Ready {
		return nil, pollNone, nil
	}
	if !ringslot.TryBeginRead(&s.status) {
		return nil, pollNone, nil
	}

	kind := s.data[0]
	length := binary.LittleEndian.Uint32(s.data[1:5])
	payload := append([]byte(nil), s.data[5:5+length]...)
	ringslot.FinishRead(&s.status)
	atomic.AddUint32(&c.recvIndex, 1)

	switch kind {
	case kindData:
		return payload, pollData, nil
	case kindChunkStart:
		if len(payload) < 12 {
			return nil, pollContinue, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "chunk start payload too short")
		}
		msgID := binary.LittleEndian.Uint32(payload[0:4])
		totalChunks := binary.LittleEndian.Uint32(payload[4:8])
		totalSize := binary.LittleEndian.Uint32(payload[8:12])
		c.mu.Lock()
		c.reassembly[msgID] = &reassembly{
			totalChunks: int(totalChunks),
			totalSize:   int(totalSize),
			chunks:      make(map[uint32][]byte, totalChunks),
		}
		c.mu.Unlock()
		return nil, pollContinue, nil
	case kindChunkData:
		if len(payload) < 8 {
			return nil, pollContinue, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "chunk data payload too short")
		}
		msgID := binary.LittleEndian.Uint32(payload[0:4])
		chunkIdx := binary.LittleEndian.Uint32(payload[4:8])
		c.mu.Lock()
		if r, ok := c.reassembly[msgID]; ok {
			buf := bufpool.Get(len(payload) - 8)
			copy(buf, payload[8:])
			r.chunks[chunkIdx] = buf
		}
		c.mu.Unlock()
		return nil, pollContinue, nil
	case kindChunkEnd:
		if len(payload) < 4 {
			return nil, pollContinue, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "chunk end payload too short")
		}
		msgID := binary.LittleEndian.Uint32(payload[0:4])
		c.mu.Lock()
		r := c.reassembly[msgID]
		delete(c.reassembly, msgID)
		c.mu.Unlock()
		if r == nil {
			return nil, pollContinue, werr.New(werr.KindProtocol, werr.CodeMissingField, "chunk end with no matching start").
				WithContext("message_id", msgID)
		}
		out := make([]byte, 0, r.totalSize)
		for i := 0; i < r.totalChunks; i++ {
			chunk := r.chunks[uint32(i)]
			out = append(out, chunk...)
			bufpool.Put(chunk)
		}
		return out, pollData, nil
	default:
		return nil, pollContinue, werr.New(werr.KindProtocol, werr.CodeUnknownMessageType, "unknown slot envelope kind")
	}
}

// Receive returns the next complete message without blocking. ok is
// false when no message is currently available.
func (c *Channel) Receive() (data []byte, ok bool, err error) {
	for {
		data, res, err := c.pollOne()
		switch {
		case err != nil:
			return nil, false, err
		case res == pollData:
			return data, true, nil
		case res == pollNone:
			return nil, false, nil
		default: // pollContinue: a control slot was consumed, keep draining
		}
	}
}

// ReceiveBlocking waits up to timeout (0 = forever) for a message,
// parking on the slot word via ringslot.Wait between non-blocking
// poll attempts so it doesn't spin.
func (c *Channel) ReceiveBlocking(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		data, ok, err := c.Receive()
		if err != nil {
			return nil, err
		}
		if ok {
			return data, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, werr.New(werr.KindChannel, werr.CodeReceiveFailed, "receive timed out")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		idx := atomic.LoadUint32(&c.recvIndex)
		s := &c.slots[idx%c.slotCount]
		wait := 50 * time.Millisecond
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		cur := ringslot.Load(&s.status)
		if cur != ringslot.Ready {
			_ = ringslot.Wait(&s.status, cur, wait)
		}
	}
}

// CheckStall scans for slots that have been stuck in Writing/Reading
// for longer than the configured stall threshold and, if any are
// found, marks the channel Error. Returns
// true if the channel is (now, or already) in the Error state.
func (c *Channel) CheckStall() bool {
	if c.hasFlag(FlagError) {
		return true
	}
	now := time.Now().UnixNano()
	for i := range c.slots {
		s := &c.slots[i]
		st := ringslot.Load(&s.status)
		if st == ringslot.Empty || st == ringslot.Ready {
			continue
		}
		if now-s.writtenAt.Load() > c.stallThreshold.Nanoseconds() {
			c.setFlag(FlagError)
			c.logger.Warn("shared channel slot stalled", "slot_index", i, "status", st.String())
			return true
		}
	}
	return false
}

// SlotCount and SlotSize expose the channel's static geometry, used
// by tests that exercise boundary behaviour directly.
func (c *Channel) SlotCount() uint32 { return c.slotCount }
func (c *Channel) SlotSize() uint32  { return c.slotSize }

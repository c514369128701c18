//go:build linux

package ringslot

import (
	"time"

	"golang.org/x/sys/unix"
)

// Wait blocks while *word still equals expected, up to timeout (0
// means block indefinitely), using the futex word-wait syscall.
func Wait(word *uint32, expected Status, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	err := unix.Futex(word, unix.FUTEX_WAIT, uint32(expected), ts, nil, 0)
	switch err {
	case nil, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return err
	}
}

// Wake wakes one goroutine blocked in Wait on word.
func Wake(word *uint32) {
	_ = unix.Futex(word, unix.FUTEX_WAKE, 1, nil, nil, 0)
}

//go:build linux

package notify

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// eventfdLine wakes the receiver through an eventfd counter. Pending
// vectors travel in an atomic word; the counter only carries "look now".
type eventfdLine struct {
	fd      int
	pending atomic.Uint64
	closed  atomic.Bool
	once    sync.Once
}

// NewEventfdLine returns a line backed by a non-blocking eventfd.
func NewEventfdLine() (Line, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("notify: eventfd: %w", err)
	}
	return &eventfdLine{fd: fd}, nil
}

func (l *eventfdLine) Ring(v Vector) error {
	if v >= NumVectors {
		return errVector(v)
	}
	if l.closed.Load() {
		return ErrClosed
	}
	l.pending.Or(1 << v)
	return l.signal()
}

func (l *eventfdLine) signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(l.fd, buf[:])
		switch err {
		case nil, unix.EAGAIN: // EAGAIN: counter saturated, receiver will look anyway
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("notify: eventfd write: %w", err)
		}
	}
}

func (l *eventfdLine) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.fd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

func (l *eventfdLine) Wait(ctx context.Context) (uint64, error) {
	pfd := []unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}} //nolint:gosec // fd from eventfd(2)
	for {
		if l.closed.Load() {
			return 0, ErrClosed
		}
		if p := l.pending.Swap(0); p != 0 {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := unix.Poll(pfd, pollSlice)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("notify: poll: %w", err)
		}
		if n > 0 {
			l.drain()
		}
	}
}

func (l *eventfdLine) Close() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		_ = l.signal() //nolint:errcheck
		err = unix.Close(l.fd)
	})
	return err
}

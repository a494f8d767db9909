//go:build unix

package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fifoLine carries vectors between processes as single bytes on a named
// pipe. The receiver opens it read-write so the pipe never reports EOF
// when senders come and go.
type fifoLine struct {
	f    *os.File
	path string
}

// ListenFifo creates (if needed) and opens the named pipe at path as the
// receiving end.
func ListenFifo(path string) (Line, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("notify: mkfifo %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("notify: open %s: %w", path, err)
	}
	return &fifoLine{f: f, path: path}, nil
}

func (l *fifoLine) Ring(v Vector) error {
	return writeVector(l.f, v)
}

func (l *fifoLine) Wait(ctx context.Context) (uint64, error) {
	var buf [NumVectors]byte
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		_ = l.f.SetReadDeadline(time.Now().Add(pollSlice * time.Millisecond)) //nolint:errcheck
		n, err := l.f.Read(buf[:])
		var pending uint64
		for _, b := range buf[:n] {
			if b < NumVectors {
				pending |= 1 << b
			}
		}
		if pending != 0 {
			return pending, nil
		}
		switch {
		case err == nil, errors.Is(err, os.ErrDeadlineExceeded):
			continue
		case errors.Is(err, os.ErrClosed):
			return 0, ErrClosed
		default:
			return 0, fmt.Errorf("notify: read %s: %w", l.path, err)
		}
	}
}

func (l *fifoLine) Close() error {
	err := l.f.Close()
	_ = os.Remove(l.path)
	return err
}

// DialFifo opens the named pipe at path for ringing. The receiver must
// have called ListenFifo first.
func DialFifo(path string) (*FifoBell, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("notify: dial %s: %w", path, err)
	}
	return &FifoBell{f: f}, nil
}

// FifoBell is the sending end of a named pipe.
type FifoBell struct {
	f *os.File
}

// Fire writes v to the pipe.
func (b *FifoBell) Fire(v Vector) error { return writeVector(b.f, v) }

// Close releases the pipe.
func (b *FifoBell) Close() error { return b.f.Close() }

func writeVector(f *os.File, v Vector) error {
	if v >= NumVectors {
		return errVector(v)
	}
	if _, err := f.Write([]byte{byte(v)}); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("notify: ring: %w", err)
	}
	return nil
}

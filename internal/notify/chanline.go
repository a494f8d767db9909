package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// chanLine is an in-process line: an atomic pending word plus a one-slot
// channel that wakes the receiver. Rings that land while the receiver is
// busy coalesce into one wakeup.
type chanLine struct {
	pending atomic.Uint64
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewChanLine returns an in-process line.
func NewChanLine() Line {
	return &chanLine{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (l *chanLine) Ring(v Vector) error {
	if v >= NumVectors {
		return errVector(v)
	}
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.pending.Or(1 << v)
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

func (l *chanLine) Wait(ctx context.Context) (uint64, error) {
	for {
		if p := l.pending.Swap(0); p != 0 {
			return p, nil
		}
		select {
		case <-l.signal:
		case <-l.done:
			return 0, ErrClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (l *chanLine) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

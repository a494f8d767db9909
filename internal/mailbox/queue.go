package mailbox

import (
	"errors"
	"runtime"
	"sync/atomic"
	"unsafe"

	"shmcall/internal/fault"
	"shmcall/internal/wire"
)

var (
	// ErrFull is returned by WriteFreeItem when the queue has no free slot.
	ErrFull = &fault.Error{Kind: fault.ResourceExhausted, Op: "mailbox.write_free_item"}
	// ErrClosed is returned by WriteFreeItem once the consumer closed the
	// queue.
	ErrClosed = &fault.Error{Kind: fault.Unavailable, Op: "mailbox.write_free_item", Err: errors.New("queue closed")}
	// ErrEmpty is returned by GetFirstItem when nothing is queued.
	ErrEmpty = errors.New("mailbox: queue empty")
)

// spinsBeforeYield is how many failed CAS attempts a writer makes before it
// starts yielding its thread.
const spinsBeforeYield = 64

// ItemsQueue is a bounded FIFO of records laid out in shared memory.
// Every access runs under a spin lock held in the queue header, so any
// number of writers and readers in any context may use it.
type ItemsQueue struct {
	lock     *atomic.Uint32
	head     *atomic.Uint32
	count    *atomic.Uint32
	closed   *atomic.Uint32
	slots    []byte
	capacity uint32
}

func word(buf []byte, off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&buf[off]))
}

func newItemsQueue(buf []byte, capacity uint32) *ItemsQueue {
	return &ItemsQueue{
		lock:     word(buf, qOffLock),
		head:     word(buf, qOffHead),
		count:    word(buf, qOffCount),
		closed:   word(buf, qOffClosed),
		slots:    buf[qHeader : qHeader+int(capacity)*wire.RecordSize],
		capacity: capacity,
	}
}

func (q *ItemsQueue) acquire() {
	for spins := 0; !q.lock.CompareAndSwap(0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
		}
	}
}

func (q *ItemsQueue) release() { q.lock.Store(0) }

func (q *ItemsQueue) slot(i uint32) []byte {
	off := int(i) * wire.RecordSize
	return q.slots[off : off+wire.RecordSize]
}

// cursor reads head and count. The peer can write them, so values outside
// the capacity are reported instead of indexed.
func (q *ItemsQueue) cursor() (head, count uint32, err error) {
	head, count = q.head.Load(), q.count.Load()
	if head >= q.capacity || count > q.capacity {
		return 0, 0, fault.New(fault.ProtocolViolation, "mailbox.queue",
			"head %d count %d outside capacity %d", head, count, q.capacity)
	}
	return head, count, nil
}

// WriteFreeItem appends rec. A full queue returns ErrFull and a closed one
// ErrClosed; either way the queue is left as it was.
func (q *ItemsQueue) WriteFreeItem(rec wire.Record) error {
	q.acquire()
	defer q.release()
	if q.closed.Load() != 0 {
		return ErrClosed
	}
	h, n, err := q.cursor()
	if err != nil {
		return err
	}
	if n >= q.capacity {
		return ErrFull
	}
	rec.Encode(q.slot((h + n) % q.capacity))
	q.count.Store(n + 1)
	return nil
}

// GetFirstItem removes and returns the oldest record, or ErrEmpty.
func (q *ItemsQueue) GetFirstItem() (wire.Record, error) {
	q.acquire()
	defer q.release()
	h, n, err := q.cursor()
	if err != nil {
		return wire.Record{}, err
	}
	if n == 0 {
		return wire.Record{}, ErrEmpty
	}
	rec := wire.Decode(q.slot(h))
	q.head.Store((h + 1) % q.capacity)
	q.count.Store(n - 1)
	return rec, nil
}

// Close makes every later WriteFreeItem fail with ErrClosed. Records
// already queued stay readable.
func (q *ItemsQueue) Close() {
	q.acquire()
	defer q.release()
	q.closed.Store(1)
}

// Closed reports whether Close was called on any view of the queue.
func (q *ItemsQueue) Closed() bool { return q.closed.Load() != 0 }

// Len returns the number of queued records.
func (q *ItemsQueue) Len() int {
	q.acquire()
	defer q.release()
	return int(q.count.Load())
}

// Cap returns the queue capacity.
func (q *ItemsQueue) Cap() int { return int(q.capacity) }

// Owed is a notify-owed flag: set while the consumer has been rung and has
// not yet drained its queue. Producers ring only when they win Claim.
type Owed struct {
	v *atomic.Uint32
}

// Claim sets the flag and reports whether this caller set it.
func (o Owed) Claim() bool { return o.v.CompareAndSwap(0, 1) }

// Release clears the flag. Consumers re-check their queue afterwards.
func (o Owed) Release() { o.v.Store(0) }

// Take clears the flag and reports whether it was set. The side waiting
// on the flag uses Claim; the side that can satisfy it uses Take.
func (o Owed) Take() bool { return o.v.CompareAndSwap(1, 0) }

// Owed reports whether the flag is set.
func (o Owed) Owed() bool { return o.v.Load() != 0 }

// Package shm provides address-stable, zero-initialized memory blocks that
// two execution contexts can share, and the lease handle a peer uses to
// reach a block it does not own.
//
// Three backings exist: Go heap memory (tests, single process), anonymous
// mmap (page aligned, single process) and a file mapped MAP_SHARED
// (cross-process). In-process blocks are found by token; file blocks are
// mapped again by path.
package shm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"fortio.org/safecast"

	"shmcall/internal/fault"
)

// Granule is the sharing granularity. Region sizes are rounded up to it.
const Granule = 4096

// RoundUp rounds n up to a multiple of Granule.
func RoundUp(n int) int {
	return (n + Granule - 1) &^ (Granule - 1)
}

// Kind is the backing of a region.
type Kind uint8

const (
	KindHeap Kind = iota + 1
	KindAnonymous
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	case KindAnonymous:
		return "anonymous"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

var (
	// ErrLeased is returned by Close while attachments are still live.
	ErrLeased = errors.New("shm: region has live attachments")
	// ErrRevoked is returned by Attach for a lease whose region is gone.
	ErrRevoked = errors.New("shm: lease revoked")
	// ErrClosed is returned by operations on a closed region.
	ErrClosed = errors.New("shm: region closed")
)

// Region is a shared block. Only the owner may Close it.
type Region struct {
	kind  Kind
	buf   []byte
	path  string
	token uint64
	gen   uint32
	owner bool

	release func() error

	mu     sync.Mutex
	refs   int
	closed bool
}

var (
	tokenSeq atomic.Uint64
	genSeq   atomic.Uint32
	registry = struct {
		sync.Mutex
		m map[uint64]*Region
	}{m: make(map[uint64]*Region)}
)

// NewHeap allocates a region in Go memory. The block is 8-byte aligned,
// which is what the atomic words inside a mailbox need.
func NewHeap(size int) (*Region, error) {
	size, err := checkSize(size)
	if err != nil {
		return nil, err
	}
	words := make([]uint64, size/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	r := &Region{kind: KindHeap, buf: buf, owner: true, release: func() error { return nil }}
	r.register()
	return r, nil
}

func checkSize(size int) (int, error) {
	if size <= 0 {
		return 0, fault.New(fault.ResourceExhausted, "shm.alloc", "size must be positive, got %d", size)
	}
	return RoundUp(size), nil
}

func (r *Region) register() {
	r.token = tokenSeq.Add(1)
	r.gen = genSeq.Add(1)
	registry.Lock()
	registry.m[r.token] = r
	registry.Unlock()
}

// Bytes returns the block. The slice stays valid until Close.
func (r *Region) Bytes() []byte { return r.buf }

// Size returns the block size in bytes.
func (r *Region) Size() int { return len(r.buf) }

// Kind returns the backing.
func (r *Region) Kind() Kind { return r.kind }

// Path returns the backing file, or "" for in-process regions.
func (r *Region) Path() string { return r.path }

// Lease returns the handle a peer passes to Attach.
func (r *Region) Lease() Lease {
	size, _ := safecast.Conv[uint32](len(r.buf)) //nolint:errcheck // sizes are bounded by checkSize callers
	return Lease{
		Kind:       r.kind,
		Path:       r.path,
		Size:       size,
		Token:      r.token,
		Generation: r.gen,
	}
}

// Close releases the block. It fails with ErrLeased while any attachment
// is live; callers detach peers first.
func (r *Region) Close() error {
	if !r.owner {
		return fmt.Errorf("shm: close of non-owned region (use Attachment.Detach)")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if r.refs > 0 {
		return fmt.Errorf("%w (%d)", ErrLeased, r.refs)
	}
	r.closed = true
	if r.token != 0 {
		registry.Lock()
		delete(registry.m, r.token)
		registry.Unlock()
	}
	err := r.release()
	r.buf = nil
	return err
}

// Attachment is a peer's view of a region.
type Attachment struct {
	region *Region
	once   sync.Once
	detach func() error
	err    error
}

// Region returns the attached region.
func (a *Attachment) Region() *Region { return a.region }

// Detach drops the attachment. It is idempotent.
func (a *Attachment) Detach() error {
	a.once.Do(func() { a.err = a.detach() })
	return a.err
}

// Attach resolves a lease. In-process leases must name a live region of the
// same generation; file leases map the file again.
func Attach(l Lease) (*Attachment, error) {
	if l.Kind == KindFile {
		return attachFile(l)
	}
	registry.Lock()
	r, ok := registry.m[l.Token]
	registry.Unlock()
	if !ok || r.gen != l.Generation {
		return nil, ErrRevoked
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRevoked
	}
	r.refs++
	return &Attachment{region: r, detach: func() error {
		r.mu.Lock()
		r.refs--
		r.mu.Unlock()
		return nil
	}}, nil
}

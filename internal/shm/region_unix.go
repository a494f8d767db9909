//go:build unix

package shm

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"shmcall/internal/fault"
)

// NewAnonymous maps a private, page-aligned, zeroed block.
func NewAnonymous(size int) (*Region, error) {
	size, err := checkSize(size)
	if err != nil {
		return nil, err
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fault.Wrap(fault.ResourceExhausted, "shm.mmap", err)
	}
	r := &Region{kind: KindAnonymous, buf: buf, owner: true, release: func() error { return unix.Munmap(buf) }}
	r.register()
	return r, nil
}

// CreateFile creates (or truncates) path, sizes it and maps it shared. The
// owner holds an exclusive lock on path+".lock" until Close, so a second
// owner for the same file fails fast.
func CreateFile(path string, size int) (*Region, error) {
	size, err := checkSize(size)
	if err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("shm: lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("shm: %s is owned by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("shm: size %s: %w", path, err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = lock.Unlock()
		return nil, fault.Wrap(fault.ResourceExhausted, "shm.mmap", err)
	}

	r := &Region{kind: KindFile, buf: buf, path: path, owner: true}
	r.release = func() error {
		err := unix.Munmap(buf)
		_ = os.Remove(path)
		if uerr := lock.Unlock(); err == nil {
			err = uerr
		}
		_ = os.Remove(lock.Path())
		return err
	}
	r.gen = genSeq.Add(1)
	return r, nil
}

func attachFile(l Lease) (*Attachment, error) {
	f, err := os.OpenFile(l.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", l.Path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < int64(l.Size) {
		return nil, fault.New(fault.ProtocolViolation, "shm.attach", "%s is %d bytes, lease says %d", l.Path, st.Size(), l.Size)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(l.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fault.Wrap(fault.ResourceExhausted, "shm.mmap", err)
	}
	r := &Region{kind: KindFile, buf: buf, path: l.Path, gen: l.Generation}
	return &Attachment{region: r, detach: func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = true
		r.buf = nil
		return unix.Munmap(buf)
	}}, nil
}

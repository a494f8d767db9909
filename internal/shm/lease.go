package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Lease is the opaque handle a peer uses to reach a region. It carries no
// address; Attach resolves it to a mapping in the caller's process.
type Lease struct {
	Kind       Kind   `msgpack:"kind"`
	Path       string `msgpack:"path,omitempty"`
	Size       uint32 `msgpack:"size"`
	Token      uint64 `msgpack:"token,omitempty"`
	Generation uint32 `msgpack:"gen"`
}

// Marshal encodes the lease.
func (l Lease) Marshal() ([]byte, error) {
	return msgpack.Marshal(&l)
}

// UnmarshalLease decodes a lease.
func UnmarshalLease(data []byte) (Lease, error) {
	var l Lease
	if err := msgpack.Unmarshal(data, &l); err != nil {
		return Lease{}, fmt.Errorf("shm: decode lease: %w", err)
	}
	return l, nil
}

// WriteLease stores the lease at path, replacing it atomically.
func WriteLease(path string, l Lease) error {
	data, err := l.Marshal()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lease-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadLease loads a lease written by WriteLease.
func ReadLease(path string) (Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lease{}, err
	}
	return UnmarshalLease(data)
}

package shm

import (
	"path/filepath"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundUp(t *testing.T) {
	assert.Equal(t, 4096, RoundUp(1))
	assert.Equal(t, 4096, RoundUp(4096))
	assert.Equal(t, 8192, RoundUp(4097))
}

func TestHeapRegionZeroedAndAligned(t *testing.T) {
	r, err := NewHeap(100)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, Granule, r.Size())
	assert.Zero(t, uintptr(unsafe.Pointer(&r.Bytes()[0]))%8, "region must be 8-byte aligned")
	for _, b := range r.Bytes() {
		require.Zero(t, b)
	}
}

func TestAttachSharesMemory(t *testing.T) {
	r, err := NewHeap(Granule)
	require.NoError(t, err)

	a, err := Attach(r.Lease())
	require.NoError(t, err)

	r.Bytes()[10] = 0x5a
	assert.Equal(t, byte(0x5a), a.Region().Bytes()[10])

	assert.ErrorIs(t, r.Close(), ErrLeased, "owner must not close under a live attachment")
	require.NoError(t, a.Detach())
	require.NoError(t, a.Detach(), "detach is idempotent")
	require.NoError(t, r.Close())

	_, err = Attach(r.Lease())
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestLeaseRoundTripThroughFile(t *testing.T) {
	r, err := NewHeap(Granule)
	require.NoError(t, err)
	defer r.Close()

	path := filepath.Join(t.TempDir(), "region.lease")
	require.NoError(t, WriteLease(path, r.Lease()))

	got, err := ReadLease(path)
	require.NoError(t, err)
	assert.Equal(t, r.Lease(), got)
}

func TestStaleGenerationRejected(t *testing.T) {
	r, err := NewHeap(Granule)
	require.NoError(t, err)
	defer r.Close()

	l := r.Lease()
	l.Generation++
	_, err = Attach(l)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestFileRegionCrossMapping(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file mapping needs unix")
	}
	path := filepath.Join(t.TempDir(), "mailbox.shm")
	owner, err := CreateFile(path, 2*Granule)
	require.NoError(t, err)

	_, err = CreateFile(path, Granule)
	require.Error(t, err, "second owner must be refused")

	peer, err := Attach(owner.Lease())
	require.NoError(t, err)

	owner.Bytes()[Granule+1] = 7
	assert.Equal(t, byte(7), peer.Region().Bytes()[Granule+1])

	require.NoError(t, peer.Detach())
	require.NoError(t, owner.Close())
}

func TestAnonymousRegion(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("anonymous mapping needs unix")
	}
	r, err := NewAnonymous(10)
	require.NoError(t, err)
	assert.Zero(t, uintptr(unsafe.Pointer(&r.Bytes()[0]))%Granule, "mmap blocks are page aligned")
	assert.Equal(t, KindAnonymous, r.Lease().Kind)
	require.NoError(t, r.Close())
}

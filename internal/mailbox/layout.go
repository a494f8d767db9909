package mailbox

import (
	"fortio.org/safecast"

	"shmcall/internal/shm"
	"shmcall/internal/wire"
)

// Region layout. All multi-byte fields are little-endian; the atomic words
// are 4-byte aligned and the region itself is at least 8-byte aligned.
const (
	magic         = "SHMCALL\x01"
	layoutVersion = 2

	offMagic        = 0
	offVersion      = 8
	offCapacity     = 12
	offRecordSize   = 16
	offPayloadWords = 20
	offRequestOwed  = 24
	offResponseOwed = 28
	offChecksum     = 32 // CRC-16 of bytes [0, offRequestOwed)
	offSpaceWanted  = 36
	headerSize      = 64

	// queue header: spin lock, head index, item count, closed flag
	qOffLock   = 0
	qOffHead   = 4
	qOffCount  = 8
	qOffClosed = 12
	qHeader    = 64
	cacheLine  = 64

	maxCapacity = 1 << 20
)

// DefaultCapacity is the per-queue capacity used when none is configured.
const DefaultCapacity = 64

// Layout describes where each part of a mailbox lives in its region.
type Layout struct {
	Capacity       int `json:"capacity"`
	RecordSize     int `json:"record_size"`
	QueueBytes     int `json:"queue_bytes"`
	RequestOffset  int `json:"request_offset"`
	ResponseOffset int `json:"response_offset"`
	Used           int `json:"used"`
	RegionSize     int `json:"region_size"`
}

// LayoutFor computes the layout of a mailbox whose queues each hold
// capacity records.
func LayoutFor(capacity int) (Layout, error) {
	if _, err := safecast.Conv[uint32](capacity); err != nil || capacity <= 0 || capacity > maxCapacity {
		return Layout{}, errCapacity(capacity)
	}
	q := roundTo(qHeader+capacity*wire.RecordSize, cacheLine)
	l := Layout{
		Capacity:       capacity,
		RecordSize:     wire.RecordSize,
		QueueBytes:     q,
		RequestOffset:  headerSize,
		ResponseOffset: headerSize + q,
		Used:           headerSize + 2*q,
	}
	l.RegionSize = shm.RoundUp(l.Used)
	return l, nil
}

func roundTo(n, m int) int {
	return (n + m - 1) / m * m
}

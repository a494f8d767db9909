// Package mailbox implements call-and-wait messaging between two execution
// contexts over a shared region.
//
// A Mailbox holds a request queue, a response queue and one notify-owed
// flag per direction, plus a flag the callee raises while it waits for room
// in the response queue. The caller side runs a Client (one CallOp per
// call) and a ReplyPump; the callee side runs a Server. Both sides only
// ring the peer's doorbell when they flip the matching flag from clear to
// set, so a burst of messages costs one doorbell.
package mailbox

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"fortio.org/safecast"
	"github.com/sigurn/crc16"

	"shmcall/internal/fault"
	"shmcall/internal/wire"
)

var headerTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

func headerChecksum(buf []byte) uint32 {
	return uint32(crc16.Checksum(buf[:offRequestOwed], headerTable))
}

// Block is memory a mailbox can live in. *shm.Region satisfies it.
type Block interface {
	Bytes() []byte
}

// Mailbox is a view over a shared region. Views in different contexts (or
// processes) over the same region see the same queues.
type Mailbox struct {
	buf       []byte
	layout    Layout
	requests  *ItemsQueue
	responses *ItemsQueue
	reqOwed   Owed
	resOwed   Owed
	space     Owed
}

// Create initializes a mailbox in b. The owner calls it once, before the
// peer opens the region.
func Create(b Block, capacity int) (*Mailbox, error) {
	l, err := LayoutFor(capacity)
	if err != nil {
		return nil, err
	}
	buf := b.Bytes()
	if err := checkBlock(buf, l); err != nil {
		return nil, err
	}
	clear(buf[:l.Used])
	copy(buf[offMagic:], magic)
	cp, _ := safecast.Conv[uint32](capacity) //nolint:errcheck // validated by LayoutFor
	binary.LittleEndian.PutUint32(buf[offVersion:], layoutVersion)
	binary.LittleEndian.PutUint32(buf[offCapacity:], cp)
	binary.LittleEndian.PutUint32(buf[offRecordSize:], wire.RecordSize)
	binary.LittleEndian.PutUint32(buf[offPayloadWords:], wire.PayloadWords)
	binary.LittleEndian.PutUint32(buf[offChecksum:], headerChecksum(buf))
	return view(buf, l), nil
}

// Open attaches to a mailbox created by the peer and validates its header.
func Open(b Block) (*Mailbox, error) {
	buf := b.Bytes()
	if len(buf) < headerSize {
		return nil, fault.New(fault.ProtocolViolation, "mailbox.open", "region too small (%d bytes)", len(buf))
	}
	if !bytes.Equal(buf[offMagic:offMagic+len(magic)], []byte(magic)) {
		return nil, fault.New(fault.ProtocolViolation, "mailbox.open", "bad magic % x", buf[offMagic:offMagic+len(magic)])
	}
	if sum, want := binary.LittleEndian.Uint32(buf[offChecksum:]), headerChecksum(buf); sum != want {
		return nil, fault.New(fault.ProtocolViolation, "mailbox.open", "header checksum %#04x, computed %#04x", sum, want)
	}
	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != layoutVersion {
		return nil, fault.New(fault.ProtocolViolation, "mailbox.open", "layout version %d, want %d", v, layoutVersion)
	}
	if rs := binary.LittleEndian.Uint32(buf[offRecordSize:]); rs != wire.RecordSize {
		return nil, fault.New(fault.ProtocolViolation, "mailbox.open", "record size %d, want %d", rs, wire.RecordSize)
	}
	if pw := binary.LittleEndian.Uint32(buf[offPayloadWords:]); pw != wire.PayloadWords {
		return nil, fault.New(fault.ProtocolViolation, "mailbox.open", "payload words %d, want %d", pw, wire.PayloadWords)
	}
	l, err := LayoutFor(int(binary.LittleEndian.Uint32(buf[offCapacity:])))
	if err != nil {
		return nil, fault.Wrap(fault.ProtocolViolation, "mailbox.open", err)
	}
	if err := checkBlock(buf, l); err != nil {
		return nil, fault.Wrap(fault.ProtocolViolation, "mailbox.open", err)
	}
	return view(buf, l), nil
}

func checkBlock(buf []byte, l Layout) error {
	if len(buf) < l.Used {
		return fault.New(fault.CapacityExceeded, "mailbox.layout", "region holds %d bytes, layout needs %d", len(buf), l.Used)
	}
	if uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		return fault.New(fault.Fatal, "mailbox.layout", "region is not 8-byte aligned")
	}
	return nil
}

func view(buf []byte, l Layout) *Mailbox {
	cp := uint32(l.Capacity) //nolint:gosec // bounded by LayoutFor
	return &Mailbox{
		buf:       buf,
		layout:    l,
		requests:  newItemsQueue(buf[l.RequestOffset:l.RequestOffset+l.QueueBytes], cp),
		responses: newItemsQueue(buf[l.ResponseOffset:l.ResponseOffset+l.QueueBytes], cp),
		reqOwed:   Owed{word(buf, offRequestOwed)},
		resOwed:   Owed{word(buf, offResponseOwed)},
		space:     Owed{word(buf, offSpaceWanted)},
	}
}

// Requests is the caller-to-callee queue.
func (m *Mailbox) Requests() *ItemsQueue { return m.requests }

// Responses is the callee-to-caller queue.
func (m *Mailbox) Responses() *ItemsQueue { return m.responses }

// RequestOwed is set while the callee owes a drain of Requests.
func (m *Mailbox) RequestOwed() Owed { return m.reqOwed }

// ResponseOwed is set while the caller owes a drain of Responses.
func (m *Mailbox) ResponseOwed() Owed { return m.resOwed }

// SpaceWanted is set while the callee holds a reply that did not fit in
// Responses. The caller side takes it after freeing a slot and rings the
// callee.
func (m *Mailbox) SpaceWanted() Owed { return m.space }

// Layout returns the region layout.
func (m *Mailbox) Layout() Layout { return m.layout }

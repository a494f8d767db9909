package bench

import (
	"io"

	"shmcall/internal/mailbox"
	"shmcall/internal/wire"
)

// MaxMatrix is the largest matrix side accepted by TagMatrix.
const MaxMatrix = 16

// NewMux returns the demo op catalog. PutChar and PutString write to
// console.
func NewMux(console io.Writer) *mailbox.Mux {
	if console == nil {
		console = io.Discard
	}
	m := &mailbox.Mux{}
	m.Handle(wire.TagEcho, func(req *wire.Record) (wire.Status, []uint16) {
		return wire.StatusOK, req.Payload[:wire.ReplyWords]
	})
	m.Handle(wire.TagAdd, func(req *wire.Record) (wire.Status, []uint16) {
		var sum uint16
		for _, w := range req.Payload {
			sum += w
		}
		return wire.StatusOK, []uint16{sum}
	})
	m.Handle(wire.TagPutChar, func(req *wire.Record) (wire.Status, []uint16) {
		if req.Payload[0] > 0xff {
			return wire.StatusMalformed, nil
		}
		if _, err := console.Write([]byte{byte(req.Payload[0])}); err != nil {
			return wire.StatusFailed, nil
		}
		return wire.StatusOK, nil
	})
	m.Handle(wire.TagPutString, func(req *wire.Record) (wire.Status, []uint16) {
		n := int(req.Payload[0])
		if n > wire.ReplyWords {
			return wire.StatusMalformed, nil
		}
		buf := make([]byte, n)
		for i := range buf {
			w := req.Payload[1+i]
			if w > 0xff {
				return wire.StatusMalformed, nil
			}
			buf[i] = byte(w)
		}
		written, err := console.Write(buf)
		if err != nil {
			return wire.StatusFailed, []uint16{uint16(written)}
		}
		return wire.StatusOK, []uint16{uint16(written)}
	})
	m.Handle(wire.TagMatrix, func(req *wire.Record) (wire.Status, []uint16) {
		n := int(req.Payload[0])
		if n < 1 || n > MaxMatrix {
			return wire.StatusMalformed, nil
		}
		return wire.StatusOK, []uint16{MatrixChecksum(n, req.Payload[1])}
	})
	return m
}

// MatrixChecksum multiplies two n×n matrices derived from seed and returns
// the sum of the product's cells, truncated to 16 bits.
func MatrixChecksum(n int, seed uint16) uint16 {
	var a, b [MaxMatrix][MaxMatrix]uint32
	s := uint32(seed)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a[i][j] = (s + uint32(i*n+j)) & 0xff
			b[i][j] = (s*3 + uint32(i+j*n)) & 0xff
		}
	}
	var sum uint32
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var c uint32
			for k := 0; k < n; k++ {
				c += a[i][k] * b[k][j]
			}
			sum += c
		}
	}
	return uint16(sum)
}

// request builds the payload of call seq for tag and the check applied to
// its reply.
func request(tag wire.Tag, seq, work int) (wire.Payload, func(wire.Record) bool) {
	s := uint16(seq)
	switch tag {
	case wire.TagAdd:
		return wire.Payload{s, 1, 2}, func(r wire.Record) bool { return r.Result()[0] == s+3 }
	case wire.TagPutChar:
		return wire.Payload{'.'}, func(r wire.Record) bool { return r.Status() == wire.StatusOK }
	case wire.TagPutString:
		const text = "shmcall"
		p := wire.Payload{uint16(len(text))}
		for i := 0; i < len(text); i++ {
			p[1+i] = uint16(text[i])
		}
		return p, func(r wire.Record) bool { return r.Result()[0] == uint16(len(text)) }
	case wire.TagMatrix:
		want := MatrixChecksum(work, s)
		return wire.Payload{uint16(work), s}, func(r wire.Record) bool { return r.Result()[0] == want }
	default:
		return wire.Payload{s, ^s}, func(r wire.Record) bool {
			res := r.Result()
			return res[0] == s && res[1] == ^s
		}
	}
}

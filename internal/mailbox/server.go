package mailbox

import (
	"errors"
	"fmt"

	"shmcall/internal/fault"
	"shmcall/internal/notify"
	"shmcall/internal/sched"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

// HandlerFunc serves one request. It returns the reply status and up to
// wire.ReplyWords result words.
type HandlerFunc func(req *wire.Record) (wire.Status, []uint16)

// Mux routes requests by tag.
type Mux struct {
	handlers [wire.NumTags]HandlerFunc
}

// Handle registers h for tag. Registering TagUnknown panics.
func (m *Mux) Handle(tag wire.Tag, h HandlerFunc) {
	if wire.DecodeTag(uint32(tag)) == wire.TagUnknown {
		panic(fmt.Sprintf("mailbox: cannot register handler for tag %d", tag))
	}
	m.handlers[tag] = h
}

// Dispatch serves req and builds its reply. Unknown or unrouted tags get a
// StatusUnknownOp reply so the caller is still woken.
func (m *Mux) Dispatch(req wire.Record) wire.Record {
	tag := req.Op()
	if tag == wire.TagUnknown || m.handlers[tag] == nil {
		return req.Reply(wire.StatusUnknownOp)
	}
	st, res := m.handlers[tag](&req)
	return req.Reply(st, res...)
}

// ServerConfig wires a server to its peer.
type ServerConfig struct {
	Doorbell notify.Doorbell // rings the caller
	Vector   notify.Vector   // caller's vector for this mailbox
	Limit    uint64          // stop after serving this many requests; 0 runs forever
	Tracer   trace.Tracer
}

// ServerStats counts server activity.
type ServerStats struct {
	Served    uint64 `json:"served"`
	Unknown   uint64 `json:"unknown"`
	Refused   uint64 `json:"refused"` // answered Unavailable after the server closed
	Doorbells uint64 `json:"doorbells"`
	Stalls    uint64 `json:"stalls"` // parks on a full response queue
}

// Server is the callee-side service loop: drain requests, dispatch, write
// replies, ring the caller.
type Server struct {
	mb      *Mailbox
	mux     *Mux
	bell    notify.Doorbell
	vector  notify.Vector
	limit   uint64
	tracer  trace.Tracer
	pending *wire.Record
	stopped bool
	closed  bool
	err     error
	stats   ServerStats
}

// NewServer returns a callee-side endpoint of mb.
func NewServer(mb *Mailbox, mux *Mux, cfg ServerConfig) *Server {
	return &Server{
		mb:     mb,
		mux:    mux,
		bell:   cfg.Doorbell,
		vector: cfg.Vector,
		limit:  cfg.Limit,
		tracer: trace.OrNop(cfg.Tracer),
	}
}

// Stats returns the counters.
func (s *Server) Stats() ServerStats { return s.stats }

// Stop makes the server close at its next turn. Requests already queued
// are answered with StatusUnavailable and later ones are refused at the
// queue.
func (s *Server) Stop() { s.stopped = true }

// Err returns the error that stopped the server, if a queue was found
// corrupt.
func (s *Server) Err() error { return s.err }

func (s *Server) close() {
	s.closed = true
	s.mb.Requests().Close()
	if s.tracer.Level().ShouldEmit(trace.ScopeMessage) {
		trace.Point(s.tracer, trace.ScopeMessage, "server:closed", fmt.Sprintf("served=%d", s.stats.Served))
	}
}

func (s *Server) fail(err error) sched.Poll {
	s.err = err
	trace.Error(s.tracer, trace.ScopeMessage, "request", err)
	return sched.Done
}

// Poll implements sched.Computation.
func (s *Server) Poll(cx *sched.Context) sched.Poll {
	for {
		if s.pending != nil {
			ok, err := s.flush()
			if err != nil {
				return s.fail(err)
			}
			if !ok {
				return sched.Pending
			}
		}
		if !s.closed && (s.stopped || (s.limit > 0 && s.stats.Served >= s.limit)) {
			s.close()
		}
		req, err := s.mb.Requests().GetFirstItem()
		if errors.Is(err, ErrEmpty) {
			if s.closed {
				return sched.Done
			}
			s.mb.RequestOwed().Release()
			if s.mb.Requests().Len() > 0 {
				continue
			}
			return sched.Pending
		}
		if err != nil {
			return s.fail(err)
		}
		var rep wire.Record
		switch {
		case s.closed:
			s.stats.Refused++
			rep = req.Reply(wire.StatusUnavailable)
		case req.Op() == wire.TagUnknown:
			s.stats.Unknown++
			trace.Error(s.tracer, trace.ScopeMessage, "request",
				fault.New(fault.ProtocolViolation, "mailbox.serve", "origin %d sent unknown tag %d", req.Origin, req.Tag))
			fallthrough
		default:
			s.stats.Served++
			rep = s.mux.Dispatch(req)
		}
		s.pending = &rep
	}
}

// flush writes the pending reply. On a full response queue it raises
// SpaceWanted and parks; the reply pump rings once it frees a slot.
func (s *Server) flush() (bool, error) {
	q := s.mb.Responses()
	err := q.WriteFreeItem(*s.pending)
	if errors.Is(err, ErrFull) {
		s.mb.SpaceWanted().Claim()
		// the pump may have freed a slot before the flag went up
		if err = q.WriteFreeItem(*s.pending); err == nil {
			s.mb.SpaceWanted().Release()
		}
	}
	if errors.Is(err, ErrFull) {
		s.stats.Stalls++
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.pending = nil
	s.ring()
	return true, nil
}

func (s *Server) ring() {
	if !s.mb.ResponseOwed().Claim() {
		return
	}
	s.stats.Doorbells++
	if err := s.bell.Fire(s.vector); err != nil {
		s.mb.ResponseOwed().Release()
		trace.Error(s.tracer, trace.ScopeMessage, "doorbell:response", err)
	}
}

package bench

import (
	"io"
	"path/filepath"
	"time"

	"shmcall/internal/config"
	"shmcall/internal/mailbox"
	"shmcall/internal/notify"
	"shmcall/internal/trace"
	"shmcall/internal/wire"
)

// SessionVector is the vector of the single loop each process registers
// for a session: the server loop on the serving side, the reply pump on
// the calling side.
const SessionVector notify.Vector = 0

// Session names the files two processes rendezvous on.
type Session struct {
	Region     string // mapped mailbox block
	Lease      string // msgpack lease, written once the server is ready
	ServerBell string // named pipe the server listens on
	ClientBell string // named pipe the caller listens on
}

// SessionIn returns the session files under dir.
func SessionIn(dir string) Session {
	return Session{
		Region:     filepath.Join(dir, "mailbox.shm"),
		Lease:      filepath.Join(dir, "mailbox.lease"),
		ServerBell: filepath.Join(dir, "server.bell"),
		ClientBell: filepath.Join(dir, "client.bell"),
	}
}

// ServeOptions configures the serving process.
type ServeOptions struct {
	Dir     string
	Config  config.Config
	Tracer  trace.Tracer
	Console io.Writer
	Limit   uint64 // stop after this many replies; 0 serves until ctx ends
	Ready   func() // called once the lease is published
}

// CallOptions configures a calling process.
type CallOptions struct {
	Dir     string
	Config  config.Config
	Tracer  trace.Tracer
	Tag     wire.Tag
	Payload wire.Payload
	Script  []Request     // when set, replaces Tag and Payload, one call per entry
	Repeat  int           // calls in total, at least 1; passes over Script when set
	Callers int           // coroutines sharing the calls, at least 1
	Wait    time.Duration // how long to wait for the lease
}

// CallResult is the outcome of Call.
type CallResult struct {
	Replies []wire.Record // in call order
	Errors  []error       // per call, nil on success
	Client  mailbox.ClientStats
	Stale   uint64
}

// Failed returns the number of calls that ended with an error.
func (r *CallResult) Failed() int {
	n := 0
	for _, err := range r.Errors {
		if err != nil {
			n++
		}
	}
	return n
}

//go:build !unix

package bench

import (
	"context"
	"errors"

	"shmcall/internal/mailbox"
)

var errNoSessions = errors.New("bench: cross-process sessions need a unix platform")

// Serve is unavailable without named pipes and shared file mappings.
func Serve(context.Context, ServeOptions) (mailbox.ServerStats, error) {
	return mailbox.ServerStats{}, errNoSessions
}

// Call is unavailable without named pipes and shared file mappings.
func Call(context.Context, CallOptions) (CallResult, error) {
	return CallResult{}, errNoSessions
}

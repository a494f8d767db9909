//go:build !linux

package notify

import "errors"

// NewEventfdLine needs linux; NewChanLine is the portable in-process line.
func NewEventfdLine() (Line, error) {
	return nil, errors.New("notify: eventfd needs linux")
}

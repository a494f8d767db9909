//go:build !unix

package shm

import "errors"

var errUnsupported = errors.New("shm: mapped regions need a unix platform")

// NewAnonymous is unavailable; NewHeap serves single-process use.
func NewAnonymous(int) (*Region, error) { return nil, errUnsupported }

// CreateFile is unavailable on this platform.
func CreateFile(string, int) (*Region, error) { return nil, errUnsupported }

func attachFile(Lease) (*Attachment, error) { return nil, errUnsupported }

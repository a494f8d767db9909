package wire

import (
	"fmt"
	"strings"
)

// Tag is an operation tag. Values at or above TagUnknown never reach a
// handler: DecodeTag folds them into TagUnknown.
type Tag uint32

const (
	TagEcho      Tag = iota // result = request payload
	TagAdd                  // result[0] = sum of payload words (mod 2^16)
	TagPutChar              // append payload[0] as a byte to the server console
	TagPutString            // append payload[1:1+payload[0]] as bytes
	TagMatrix               // multiply two n×n matrices, n = payload[0]; result[0] = checksum
	TagUnknown
)

// NumTags is the number of defined tags.
const NumTags = int(TagUnknown)

var tagNames = [...]string{
	TagEcho:      "echo",
	TagAdd:       "add",
	TagPutChar:   "putchar",
	TagPutString: "putstring",
	TagMatrix:    "matrix",
	TagUnknown:   "unknown",
}

// DecodeTag classifies a raw tag word.
func DecodeTag(raw uint32) Tag {
	if raw >= uint32(TagUnknown) {
		return TagUnknown
	}
	return Tag(raw)
}

func (t Tag) String() string {
	return tagNames[DecodeTag(uint32(t))]
}

// ParseTag resolves a tag by name or number.
func ParseTag(s string) (Tag, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i := 0; i < NumTags; i++ {
		if tagNames[i] == s {
			return Tag(i), nil
		}
	}
	var n uint32
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		return Tag(n), nil
	}
	return TagUnknown, fmt.Errorf("unknown tag %q", s)
}

// Status is the reply status carried in payload word 0.
type Status uint16

const (
	StatusOK        Status = iota
	StatusFailed           // the operation ran and failed
	StatusUnknownOp        // the tag is not in the catalog
	StatusMalformed        // the payload is invalid for the tag
	StatusUnavailable      // the callee stopped before serving the request
)

var statusNames = [...]string{
	StatusOK:          "ok",
	StatusFailed:      "failed",
	StatusUnknownOp:   "unknown op",
	StatusMalformed:   "malformed",
	StatusUnavailable: "unavailable",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint16(s))
}

package bench

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"shmcall/internal/wire"
)

// Request is one scripted call.
type Request struct {
	Tag     wire.Tag
	Payload wire.Payload
}

// BuildPayload parses up to eight 16-bit words, or encodes text as a
// length word followed by one byte per word, the way putstring reads it.
func BuildPayload(words []string, text string) (wire.Payload, error) {
	var p wire.Payload
	if text != "" {
		if len(words) > 0 {
			return p, fmt.Errorf("text and payload words are exclusive")
		}
		if len(text) > wire.ReplyWords {
			return p, fmt.Errorf("text holds at most %d bytes", wire.ReplyWords)
		}
		p[0] = uint16(len(text))
		for i := 0; i < len(text); i++ {
			p[1+i] = uint16(text[i])
		}
		return p, nil
	}
	if len(words) > wire.PayloadWords {
		return p, fmt.Errorf("%d payload words, at most %d", len(words), wire.PayloadWords)
	}
	for i, w := range words {
		v, err := strconv.ParseUint(w, 0, 16)
		if err != nil {
			return p, fmt.Errorf("payload word %d: %w", i, err)
		}
		p[i] = uint16(v)
	}
	return p, nil
}

// ParseScript reads one request per line: a tag followed by payload words,
// or by a single text=... field. Fields are split with shell quoting rules
// and # starts a comment.
//
//	add 2 3
//	putstring text="hi there"
func ParseScript(r io.Reader) ([]Request, error) {
	var reqs []Request
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		fields, err := shlex.Split(sc.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if len(fields) == 0 {
			continue
		}
		tag, err := wire.ParseTag(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		words, text := fields[1:], ""
		if len(words) == 1 && strings.HasPrefix(words[0], "text=") {
			words, text = nil, strings.TrimPrefix(words[0], "text=")
		}
		p, err := BuildPayload(words, text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		reqs = append(reqs, Request{Tag: tag, Payload: p})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

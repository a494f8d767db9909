package bench

import (
	"strings"
	"testing"

	"shmcall/internal/wire"
)

func TestBuildPayload(t *testing.T) {
	p, err := BuildPayload([]string{"1", "0x10", "65535"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if p != (wire.Payload{1, 16, 65535}) {
		t.Fatalf("payload = %v", p)
	}
	p, err = BuildPayload(nil, "hi")
	if err != nil || p != (wire.Payload{2, 'h', 'i'}) {
		t.Fatalf("text payload = %v, %v", p, err)
	}
	for _, tc := range []struct {
		words []string
		text  string
	}{
		{[]string{"65536"}, ""},
		{[]string{"x"}, ""},
		{[]string{"1"}, "a"},
		{nil, "too long!"},
		{strings.Fields("1 2 3 4 5 6 7 8 9"), ""},
	} {
		if _, err := BuildPayload(tc.words, tc.text); err == nil {
			t.Errorf("BuildPayload(%v, %q) accepted", tc.words, tc.text)
		}
	}
}

func TestParseScript(t *testing.T) {
	src := `# warm-up
add 2 3
putstring text="a b"

matrix 4 0x7
`
	reqs, err := ParseScript(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	want := []Request{
		{Tag: wire.TagAdd, Payload: wire.Payload{2, 3}},
		{Tag: wire.TagPutString, Payload: wire.Payload{3, 'a', ' ', 'b'}},
		{Tag: wire.TagMatrix, Payload: wire.Payload{4, 7}},
	}
	if len(reqs) != len(want) {
		t.Fatalf("got %d requests, want %d", len(reqs), len(want))
	}
	for i := range want {
		if reqs[i] != want[i] {
			t.Errorf("request %d = %+v, want %+v", i, reqs[i], want[i])
		}
	}
}

func TestParseScriptErrors(t *testing.T) {
	for _, src := range []string{
		"frobnicate 1\n",
		"add 70000\n",
		"putstring \"unterminated\n",
	} {
		if _, err := ParseScript(strings.NewReader(src)); err == nil || !strings.Contains(err.Error(), "line 1") {
			t.Errorf("ParseScript(%q) = %v", src, err)
		}
	}
}

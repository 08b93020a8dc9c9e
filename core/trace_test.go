package core

import (
	"bytes"
	"testing"
)

func TestTraceRoundTrip(t *testing.T) {
	payload := []byte("application data")
	tr := ForwardTrace{}
	tr = tr.extended("g.first")
	tr = tr.extended("g.second")

	parsed, rest := parseTrace(tr.encode(payload))
	if !bytes.Equal(rest, payload) {
		t.Fatalf("payload mangled: %q", rest)
	}
	if parsed.Hops != 2 || len(parsed.Visited) != 2 {
		t.Fatalf("trace=%+v", parsed)
	}
	if !parsed.contains("g.first") || !parsed.contains("g.second") {
		t.Fatalf("visited=%v", parsed.Visited)
	}
	if parsed.contains("g.third") {
		t.Fatal("phantom visit")
	}
}

func TestParseTraceAbsent(t *testing.T) {
	data := []byte("no trace here")
	tr, rest := parseTrace(data)
	if tr.Hops != 0 || len(tr.Visited) != 0 {
		t.Fatalf("trace=%+v", tr)
	}
	if !bytes.Equal(rest, data) {
		t.Fatalf("rest=%q", rest)
	}
}

func TestParseTraceCorruptFallsBack(t *testing.T) {
	// Magic present but the block is cut off; the whole data survives as
	// payload rather than erroring the packet.
	data := []byte{'i', 'l', 't', 3, 0x02, 0x01, 'g'}
	tr, rest := parseTrace(data)
	if len(tr.Visited) != 0 {
		t.Fatalf("trace=%+v", tr)
	}
	if !bytes.Equal(rest, data) {
		t.Fatalf("rest=%q", rest)
	}
}

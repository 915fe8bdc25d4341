package netload

import (
	"strings"
	"testing"
)

func TestEvalChunkReturnsValue(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	reply := string(s.evalChunk("test", []byte("return 41 + 1")))
	if reply != "ok:42" {
		t.Fatalf("want %q, got %q", "ok:42", reply)
	}
}

func TestEvalChunkNoReturnValue(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	reply := string(s.evalChunk("test", []byte("local x = 1")))
	if reply != "ok" {
		t.Fatalf("want %q, got %q", "ok", reply)
	}
}

func TestEvalChunkSyntaxError(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	reply := string(s.evalChunk("test", []byte("local x = ")))
	if !strings.HasPrefix(reply, "ERRSYNTAX:") {
		t.Fatalf("want an ERRSYNTAX-prefixed reply, got %q", reply)
	}
}

func TestEvalChunkRuntimeError(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	reply := string(s.evalChunk("test", []byte("local x = nil + 1")))
	if !strings.HasPrefix(reply, "ERRRUN:") {
		t.Fatalf("want an ERRRUN-prefixed reply, got %q", reply)
	}
	if !strings.Contains(reply, "attempt to add") {
		t.Fatalf("reply %q missing 'attempt to add'", reply)
	}
}

func TestEvalChunkMultipleReturnValues(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	reply := string(s.evalChunk("test", []byte("return 1, 2, 3")))
	if reply != "ok:1,2,3" {
		t.Fatalf("want %q, got %q", "ok:1,2,3", reply)
	}
}

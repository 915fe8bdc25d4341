package protocache

import (
	"testing"

	"luaj/internal/bytecode"
	"luaj/internal/value"
)

func buildSampleFn() *value.Fn {
	fn := value.NewFn("", "chunk", 1)
	kIdx, _ := fn.EmitK(value.Num(7))
	fn.Emit(bytecode.AD(bytecode.KNUM, 0, kIdx), 1)
	fn.Emit(bytecode.AD(bytecode.RET1, 0, 0), 1)
	fn.Seal(1, 1)
	return fn
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	fn := buildSampleFn()
	blob := encodeFn(fn)
	got, err := decodeFn(blob)
	if err != nil {
		t.Fatalf("decodeFn: %v", err)
	}
	if got.ChunkName != fn.ChunkName || got.NumParams != fn.NumParams || got.MaxStack != fn.MaxStack {
		t.Fatalf("round-tripped prototype header mismatch: %+v vs %+v", got, fn)
	}
	if len(got.Code()) != len(fn.Code()) {
		t.Fatalf("code length mismatch: %d vs %d", len(got.Code()), len(fn.Code()))
	}
	for i := range fn.Code() {
		if got.Code()[i] != fn.Code()[i] {
			t.Fatalf("instruction %d mismatch: %v vs %v", i, got.Code()[i], fn.Code()[i])
		}
	}
	if len(got.Consts()) != 1 || value.AsNum(got.Consts()[0]) != 7 {
		t.Fatalf("constant pool mismatch: %v", got.Consts())
	}
}

func TestEncodeDecodeNestedFn(t *testing.T) {
	inner := buildSampleFn()
	outer := value.NewFn("", "chunk", 1)
	kIdx, _ := outer.EmitK(value.FnVal(inner))
	outer.Emit(bytecode.AD(bytecode.KFN, 0, kIdx), 1)
	outer.Emit(bytecode.Op0(bytecode.RET0), 1)
	outer.Seal(1, 1)

	blob := encodeFn(outer)
	got, err := decodeFn(blob)
	if err != nil {
		t.Fatalf("decodeFn: %v", err)
	}
	if len(got.Consts()) != 1 || !value.IsFn(got.Consts()[0]) {
		t.Fatalf("expected one nested function constant, got %v", got.Consts())
	}
	nested := value.AsFn(got.Consts()[0])
	if len(nested.Code()) != len(inner.Code()) {
		t.Fatalf("nested code length mismatch: %d vs %d", len(nested.Code()), len(inner.Code()))
	}
}

func TestHashSourceIsDeterministic(t *testing.T) {
	a := HashSource([]byte("return 1"))
	b := HashSource([]byte("return 1"))
	c := HashSource([]byte("return 2"))
	if a != b {
		t.Fatal("identical source hashed to different keys")
	}
	if a == c {
		t.Fatal("different source hashed to the same key")
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open("mongodb:localhost"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}

func TestOpenSQLiteRoundTrip(t *testing.T) {
	cache, err := Open("sqlite:file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	fn := buildSampleFn()
	src := []byte("return 7")
	if err := cache.Put(src, fn); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := cache.Get(src)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if len(got.Code()) != len(fn.Code()) {
		t.Fatalf("round-tripped code length mismatch: %d vs %d", len(got.Code()), len(fn.Code()))
	}

	if _, ok, err := cache.Get([]byte("return 8")); err != nil || ok {
		t.Fatalf("expected a clean miss for unrelated source, got ok=%v err=%v", ok, err)
	}
}

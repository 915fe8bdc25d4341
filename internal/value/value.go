// Package value implements the NaN-boxed Value representation and the
// heap-allocated object types (strings, function prototypes) that a Value
// can point to.
//
// Encoding, following original_source/src/value.h: a Value is a 64-bit
// quiet NaN (bit pattern 0x7ff8...) that additionally sets the sign bit to
// mark "this is a Lua object, not a float". Within that space, bits 49:48
// distinguish a heap pointer (00) from a primitive (01); the low bits of a
// primitive give nil/true/false.
package value

import (
	"math"
	"sync"
)

// Value is an opaque 64-bit NaN-boxed Lua value.
type Value uint64

const (
	quietNaN = 0x7ff8000000000000

	tagObj  = quietNaN | (1 << 63)
	objMask = tagObj | (0b11 << 48)
	tagPtr  = tagObj | (0b00 << 48)
	tagPrim = tagObj | (0b01 << 48)

	primTrue  = 0b00
	primNil   = 0b01
	primFalse = 0b11

	// Nil, Vtrue and Vfalse are the three primitive values.
	Nil    Value = tagPrim | primNil
	Vtrue  Value = tagPrim | primTrue
	Vfalse Value = tagPrim | primFalse

	falseMask = tagPrim | 0b01

	ptrMask = 0x0000ffffffffffff
)

// PrimTag identifies which primitive a KPRIM/EQVP/NEQVP instruction refers
// to; it is the value baked into the instruction's D operand.
type PrimTag uint16

const (
	TagNil PrimTag = iota
	TagTrue
	TagFalse
)

// Prim constructs the primitive value for tag.
func Prim(tag PrimTag) Value {
	switch tag {
	case TagTrue:
		return Vtrue
	case TagFalse:
		return Vfalse
	default:
		return Nil
	}
}

// Tag returns the PrimTag of a primitive value; only valid when IsPrim(v).
func (v Value) Tag() PrimTag {
	switch v {
	case Vtrue:
		return TagTrue
	case Vfalse:
		return TagFalse
	default:
		return TagNil
	}
}

func IsNum(v Value) bool   { return v&tagObj != tagObj }
func IsNaN(v Value) bool   { return v == quietNaN }
func IsPtr(v Value) bool   { return v&objMask == tagPtr }
func IsPrim(v Value) bool  { return v&objMask == tagPrim }
func IsNil(v Value) bool   { return v == Nil }
func IsFalse(v Value) bool { return v == Vfalse }
func IsTrue(v Value) bool  { return v == Vtrue }

// ComparesTrue is the Lua truth predicate: everything but nil and false is
// truthy, including 0 and the empty string.
func ComparesTrue(v Value) bool { return v&falseMask != falseMask }

// Num boxes a float64.
func Num(f float64) Value {
	return Value(math.Float64bits(f))
}

// AsNum unboxes a number value. Only valid when IsNum(v).
func AsNum(v Value) float64 {
	return math.Float64frombits(uint64(v))
}

// objCache pins every boxed object so Go's GC never collects one while a
// Value still carries only its slice index in the low 48 bits: the Value
// itself is just bits, invisible to the collector, so reachability has to
// come from somewhere else. Real pointer addresses can't be round-tripped
// through an integer safely under a moving collector, so the pointer
// payload here is an index rather than an address (unlike the teacher's
// globalObjectCache, which boxes unsafe.Pointer directly). Entries are
// never reclaimed; a real implementation would tie this to the owning
// state's GC instead of the process lifetime.
//
// internal/netload runs one goroutine per accepted connection, each with
// its own *state.State, so Ptr/AsObj can be called concurrently across
// States; objCacheMu guards the shared slice against torn appends and
// against a reader observing a reallocation mid-grow.
var (
	objCacheMu sync.RWMutex
	objCache   []Object
)

// Ptr boxes a heap object, returning a Value that refers to it.
func Ptr(o Object) Value {
	objCacheMu.Lock()
	defer objCacheMu.Unlock()
	idx := uint64(len(objCache))
	if idx&^ptrMask != 0 {
		panic("value: object table overflowed 48-bit index space")
	}
	objCache = append(objCache, o)
	return Value(tagPtr | idx)
}

// AsObj unboxes the heap object a pointer value refers to. Only valid when
// IsPtr(v).
func AsObj(v Value) Object {
	objCacheMu.RLock()
	defer objCacheMu.RUnlock()
	return objCache[uint64(v)&ptrMask]
}

// ObjType identifies the concrete type behind an Object.
type ObjType uint8

const (
	ObjStr ObjType = iota
	ObjFn
)

// Object is the common interface every heap-allocated Lua value satisfies.
type Object interface {
	objType() ObjType
}

// IsObj reports whether v points to a heap object of the given type.
func IsObj(v Value, t ObjType) bool {
	return IsPtr(v) && AsObj(v).objType() == t
}

func IsStr(v Value) bool { return IsObj(v, ObjStr) }
func IsFn(v Value) bool  { return IsObj(v, ObjFn) }

func AsStr(v Value) *Str { return AsObj(v).(*Str) }
func AsFn(v Value) *Fn   { return AsObj(v).(*Fn) }

// Str is an immutable byte string. Equality is length-then-bytes; strings
// are not interned, so EQVS always does a byte comparison rather than a
// pointer check, matching original_source/src/value.h's str_eq.
type Str struct {
	s string
}

func NewStr(s string) *Str { return &Str{s: s} }

func (s *Str) objType() ObjType { return ObjStr }
func (s *Str) String() string   { return s.s }
func (s *Str) Len() int         { return len(s.s) }

func StrEq(a, b *Str) bool {
	return a.s == b.s
}

// StrVal boxes a Go string as a Lua string value.
func StrVal(s string) Value { return Ptr(NewStr(s)) }

package objstore

import "math"

// Kind enumerates the field value types a persisted object may carry.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindLink:
		return "link"
	default:
		return "invalid"
	}
}

// Value is a tagged field value. The zero Value is invalid.
type Value struct {
	kind Kind
	str  string
	num  uint64 // int64 bits, float64 bits, or 0/1 for bool
	blob []byte
	link *Object
}

// String makes a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int makes an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: uint64(n)} }

// Float makes a floating-point value.
func Float(f float64) Value { return Value{kind: KindFloat, num: math.Float64bits(f)} }

// Bool makes a boolean value.
func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Bytes makes a binary value. The slice is not copied.
func Bytes(p []byte) Value { return Value{kind: KindBytes, blob: p} }

// Link makes a value referencing another persisted object. The target is
// added transitively when the owning object is added.
func Link(o *Object) Value { return Value{kind: KindLink, link: o} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload of a KindString value.
func (v Value) Str() string { return v.str }

// Int returns the integer payload of a KindInt value.
func (v Value) Int() int64 { return int64(v.num) }

// Float returns the floating-point payload of a KindFloat value.
func (v Value) Float() float64 { return math.Float64frombits(v.num) }

// Bool returns the boolean payload of a KindBool value.
func (v Value) Bool() bool { return v.num != 0 }

// Bytes returns the binary payload of a KindBytes value.
func (v Value) Bytes() []byte { return v.blob }

// Link returns the target of a KindLink value. Targets decoded from disk
// are stubs carrying only table and row identity; fetch the full object
// with Get.
func (v Value) Link() *Object { return v.link }

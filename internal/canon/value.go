package canon

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the value kinds allowed in canonical JSON.
// Only Null, String, Int, Bool, Array, and Object implement it.
type Value interface {
	canonValue()
}

// Null is an explicit JSON null. Optional record fields that are unset
// fingerprint as null, distinct from the empty string.
type Null struct{}

func (Null) canonValue() {}

// String is a JSON string.
type String string

func (String) canonValue() {}

// Int is a JSON integer. Always int64.
type Int int64

func (Int) canonValue() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) canonValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) canonValue() {}

// Object maps string keys to values. Iterate with SortedKeys for
// deterministic order.
type Object map[string]Value

func (Object) canonValue() {}

// Strings builds an Array of String values.
func Strings(ss []string) Array {
	arr := make(Array, len(ss))
	for i, s := range ss {
		arr[i] = String(s)
	}
	return arr
}

// OptionalString returns Null for the empty string and String otherwise.
func OptionalString(s string) Value {
	if s == "" {
		return Null{}
	}
	return String(s)
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// sort.Strings orders by UTF-8 bytes, which differs above U+FFFF.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

package model

import (
	"strconv"

	"github.com/pkg/errors"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "array", "object"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a JSON-like tagged union. The zero Value is null.
//
// Arrays and objects are held by pointer: copying a Value copies the
// reference, so mutating a nested container is visible to every holder.
// Trees must not contain cycles.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	a    *Array
	o    *Object
}

// Null is the null Value.
var Null = Value{}

func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func ArrayValue(a *Array) Value { return Value{kind: KindArray, a: nonNilArray(a)} }
func ObjectValue(o *Object) Value { return Value{kind: KindObject, o: nonNilObject(o)} }
func ArrayOf(items ...Value) Value { return ArrayValue(NewArray(items...)) }

func nonNilArray(a *Array) *Array {
	if a == nil {
		return NewArray()
	}
	return a
}

func nonNilObject(o *Object) *Object {
	if o == nil {
		return NewObject()
	}
	return o
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsObject() bool { return v.kind == KindObject }
func (v Value) IsArray() bool { return v.kind == KindArray }

func mismatch(want Kind, got Kind) error {
	return errors.Wrapf(ErrTypeMismatch, "expected %s, got %s", want, got)
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, mismatch(KindBool, v.kind)
	}
	return v.b, nil
}

func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, mismatch(KindInt, v.kind)
	}
	return v.i, nil
}

func (v Value) AsFloat() (float64, error) {
	if v.kind != KindFloat {
		return 0, mismatch(KindFloat, v.kind)
	}
	return v.f, nil
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", mismatch(KindString, v.kind)
	}
	return v.s, nil
}

func (v Value) AsArray() (*Array, error) {
	if v.kind != KindArray {
		return nil, mismatch(KindArray, v.kind)
	}
	return v.a, nil
}

func (v Value) AsObject() (*Object, error) {
	if v.kind != KindObject {
		return nil, mismatch(KindObject, v.kind)
	}
	return v.o, nil
}

// Clone returns a deep copy. Scalars are returned as is.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		return ArrayValue(v.a.Clone())
	case KindObject:
		return ObjectValue(v.o.Clone())
	}
	return v
}

// Interface converts the tree into plain Go values: nil, bool, int64,
// float64, string, []interface{} and map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, 0, v.a.Len())
		for _, item := range v.a.items {
			out = append(out, item.Interface())
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, v.o.Len())
		v.o.Range(func(k string, item Value) bool {
			out[k] = item.Interface()
			return true
		})
		return out
	}
	return nil
}

// String renders the value as JSON text.
func (v Value) String() string {
	data, err := Serialize(v)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(data)
}

// From converts a Go value into a Value. Maps are ordered by key since Go
// map iteration has no order of its own.
func From(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null, nil
	case Value:
		return t, nil
	case *Object:
		return ObjectValue(t), nil
	case *Array:
		return ArrayValue(t), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint32:
		return IntValue(int64(t)), nil
	case float32:
		return FloatValue(float64(t)), nil
	case float64:
		return FloatValue(t), nil
	case string:
		return StringValue(t), nil
	case []byte:
		return StringValue(string(t)), nil
	case []string:
		a := NewArray()
		for _, s := range t {
			a.Append(StringValue(s))
		}
		return ArrayValue(a), nil
	case []interface{}:
		a := NewArray()
		for _, item := range t {
			iv, err := From(item)
			if err != nil {
				return Null, err
			}
			a.Append(iv)
		}
		return ArrayValue(a), nil
	case map[string]interface{}:
		o, err := ObjectFromMap(t)
		if err != nil {
			return Null, err
		}
		return ObjectValue(o), nil
	}
	return Null, errors.Wrapf(ErrTypeMismatch, "unsupported Go type %T", x)
}

// MustFrom is From for literals known to be convertible.
func MustFrom(x interface{}) Value {
	v, err := From(x)
	if err != nil {
		panic(err)
	}
	return v
}

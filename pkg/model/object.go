package model

import (
	"sort"

	"github.com/pkg/errors"
)

// Object is a string-keyed map that remembers insertion order. Order is
// part of the wire contract: bulk responses are aligned with the order in
// which documents and their fields were written.
type Object struct {
	keys []string
	vals map[string]Value
}

func NewObject() *Object {
	return &Object{vals: make(map[string]Value)}
}

// ObjectOf builds an object from alternating key/value pairs.
func ObjectOf(kv ...interface{}) (*Object, error) {
	if len(kv)%2 != 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "odd number of key/value arguments")
	}
	o := NewObject()
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			return nil, errors.Wrapf(ErrTypeMismatch, "key at %d is %T", i, kv[i])
		}
		v, err := From(kv[i+1])
		if err != nil {
			return nil, errors.Wrapf(err, "value for %q", k)
		}
		o.Set(k, v)
	}
	return o, nil
}

// ObjectFromMap converts a Go map; keys are inserted in sorted order.
func ObjectFromMap(m map[string]interface{}) (*Object, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	o := NewObject()
	for _, k := range keys {
		v, err := From(m[k])
		if err != nil {
			return nil, errors.Wrapf(err, "value for %q", k)
		}
		o.Set(k, v)
	}
	return o, nil
}

func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return Null, false
	}
	v, ok := o.vals[key]
	return v, ok
}

func (o *Object) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Set replaces the value of an existing key in place or appends a new key.
func (o *Object) Set(key string, v Value) {
	if o.vals == nil {
		o.vals = make(map[string]Value)
	}
	if _, ok := o.vals[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.vals[key] = v
}

func (o *Object) Delete(key string) {
	if _, ok := o.vals[key]; !ok {
		return
	}
	delete(o.vals, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns a copy of the keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Range calls fn for each entry in insertion order until fn returns false.
func (o *Object) Range(fn func(key string, v Value) bool) {
	if o == nil {
		return
	}
	for _, k := range o.keys {
		if !fn(k, o.vals[k]) {
			return
		}
	}
}

func (o *Object) Clone() *Object {
	c := &Object{
		keys: make([]string, len(o.keys)),
		vals: make(map[string]Value, len(o.vals)),
	}
	copy(c.keys, o.keys)
	for k, v := range o.vals {
		c.vals[k] = v.Clone()
	}
	return c
}

func (o *Object) lookup(key string) (Value, error) {
	v, ok := o.Get(key)
	if !ok {
		return Null, errors.Wrapf(ErrNotFound, "field %q", key)
	}
	return v, nil
}

func (o *Object) GetString(key string) (string, error) {
	v, err := o.lookup(key)
	if err != nil {
		return "", err
	}
	s, err := v.AsString()
	return s, errors.Wrapf(err, "field %q", key)
}

func (o *Object) GetBool(key string) (bool, error) {
	v, err := o.lookup(key)
	if err != nil {
		return false, err
	}
	b, err := v.AsBool()
	return b, errors.Wrapf(err, "field %q", key)
}

func (o *Object) GetInt(key string) (int64, error) {
	v, err := o.lookup(key)
	if err != nil {
		return 0, err
	}
	i, err := v.AsInt()
	return i, errors.Wrapf(err, "field %q", key)
}

func (o *Object) GetFloat(key string) (float64, error) {
	v, err := o.lookup(key)
	if err != nil {
		return 0, err
	}
	f, err := v.AsFloat()
	return f, errors.Wrapf(err, "field %q", key)
}

func (o *Object) GetObject(key string) (*Object, error) {
	v, err := o.lookup(key)
	if err != nil {
		return nil, err
	}
	obj, err := v.AsObject()
	return obj, errors.Wrapf(err, "field %q", key)
}

func (o *Object) GetArray(key string) (*Array, error) {
	v, err := o.lookup(key)
	if err != nil {
		return nil, err
	}
	a, err := v.AsArray()
	return a, errors.Wrapf(err, "field %q", key)
}

// Array is an ordered sequence of values.
type Array struct {
	items []Value
}

func NewArray(items ...Value) *Array {
	a := &Array{items: make([]Value, 0, len(items))}
	a.items = append(a.items, items...)
	return a
}

func (a *Array) Len() int {
	if a == nil {
		return 0
	}
	return len(a.items)
}

func (a *Array) At(i int) Value {
	return a.items[i]
}

func (a *Array) Append(v ...Value) {
	a.items = append(a.items, v...)
}

// Items returns the backing slice; callers must not append to it.
func (a *Array) Items() []Value {
	if a == nil {
		return nil
	}
	return a.items
}

func (a *Array) Clone() *Array {
	c := &Array{items: make([]Value, len(a.items))}
	for i, v := range a.items {
		c.items[i] = v.Clone()
	}
	return c
}

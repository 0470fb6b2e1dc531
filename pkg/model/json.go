package model

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Serialize renders v as compact JSON. Object fields keep insertion order.
func Serialize(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse decodes one JSON document, keeping object field order and the
// distinction between integer and floating point literals.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := readValue(dec)
	if err != nil {
		return Null, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Null, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// ParseObject decodes data and requires an object at the top level.
func ParseObject(data []byte) (*Object, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return v.AsObject()
}

func (v Value) MarshalJSON() ([]byte, error) {
	return Serialize(v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (o *Object) MarshalJSON() ([]byte, error) {
	return Serialize(ObjectValue(o))
}

func (o *Object) UnmarshalJSON(data []byte) error {
	parsed, err := ParseObject(data)
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

func (a *Array) MarshalJSON() ([]byte, error) {
	return Serialize(ArrayValue(a))
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return errors.Errorf("unsupported float value %v", v.f)
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			// keep the float kind across a round trip
			s += ".0"
		}
		buf.WriteString(s)
	case KindString:
		writeString(buf, v.s)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.a.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.o.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, v.o.vals[k]); err != nil {
				return errors.Wrapf(err, "field %q", k)
			}
		}
		buf.WriteByte('}')
	default:
		return errors.Errorf("unknown value kind %d", v.kind)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	// json.Marshal of a string never fails
	data, _ := json.Marshal(s)
	buf.Write(data)
}

func readValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null, errors.Wrap(err, "decode json")
	}
	switch t := tok.(type) {
	case nil:
		return Null, nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		return numberValue(t)
	case json.Delim:
		switch t {
		case '[':
			a := NewArray()
			for dec.More() {
				item, err := readValue(dec)
				if err != nil {
					return Null, err
				}
				a.Append(item)
			}
			if _, err := dec.Token(); err != nil {
				return Null, errors.Wrap(err, "decode json")
			}
			return ArrayValue(a), nil
		case '{':
			o := NewObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Null, errors.Wrap(err, "decode json")
				}
				key, ok := kt.(string)
				if !ok {
					return Null, errors.Errorf("object key is %T", kt)
				}
				item, err := readValue(dec)
				if err != nil {
					return Null, err
				}
				o.Set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Null, errors.Wrap(err, "decode json")
			}
			return ObjectValue(o), nil
		}
	}
	return Null, errors.Errorf("unexpected json token %v", tok)
}

func numberValue(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return IntValue(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Null, errors.Wrapf(err, "number %s", s)
	}
	return FloatValue(f), nil
}

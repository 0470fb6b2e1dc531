package model

import (
	"strings"

	"github.com/pkg/errors"
)

// Reserved document fields.
//
//	"_id" / "_rev" carry identity and revision on documents sent to the store.
//	"id" / "rev" carry the same on store responses (bulk results, view rows).
const (
	FieldID          = "_id"
	FieldRev         = "_rev"
	FieldAttachments = "_attachments"
	fieldBareID      = "id"
	fieldBareRev     = "rev"
)

// AttachmentPrefix marks a field whose value is written as an attachment
// instead of being part of the JSON body.
const AttachmentPrefix = "file://"

func (o *Object) metaString(primary, fallback string) (string, error) {
	key := primary
	v, ok := o.Get(primary)
	if !ok {
		key = fallback
		if v, ok = o.Get(fallback); !ok {
			return "", nil
		}
	}
	s, err := v.AsString()
	if err != nil {
		return "", errors.Wrapf(err, "field %q", key)
	}
	return s, nil
}

// DocID returns "_id", else "id", else "".
func (o *Object) DocID() (string, error) {
	return o.metaString(FieldID, fieldBareID)
}

// Rev returns "_rev", else "rev", else "".
func (o *Object) Rev() (string, error) {
	return o.metaString(FieldRev, fieldBareRev)
}

func (o *Object) HasDocID() bool { return o.Has(FieldID) }

func (o *Object) HasRev() bool { return o.Has(FieldRev) }

// SetDocID stamps "_id" and, when rev is not empty, "_rev". It refuses to
// touch an object that carries a bare "id" field.
func (o *Object) SetDocID(id, rev string) error {
	if id == "" {
		return errors.Wrap(ErrInvalidArgument, "empty document id")
	}
	if o.Has(fieldBareID) {
		return errors.Wrap(ErrReservedField, `object has a bare "id" field, use "_id"`)
	}
	if rev != "" && o.Has(fieldBareRev) {
		return errors.Wrap(ErrReservedField, `object has a bare "rev" field, use "_rev"`)
	}
	o.Set(FieldID, StringValue(id))
	if rev != "" {
		o.Set(FieldRev, StringValue(rev))
	}
	return nil
}

// SetRev stamps "_rev".
func (o *Object) SetRev(rev string) error {
	if rev == "" {
		return errors.Wrap(ErrInvalidArgument, "empty revision")
	}
	if o.Has(fieldBareRev) {
		return errors.Wrap(ErrReservedField, `object has a bare "rev" field, use "_rev"`)
	}
	o.Set(FieldRev, StringValue(rev))
	return nil
}

// unwrapMarker accepts an object or a one-element array holding an object.
func unwrapMarker(v Value) (*Object, error) {
	if v.kind == KindArray && v.a.Len() == 1 {
		v = v.a.At(0)
	}
	return v.AsObject()
}

// HasError reports whether v is an error marker: an object with an
// "error" field, or a one-element array wrapping such an object.
func HasError(v Value) bool {
	o, err := unwrapMarker(v)
	if err != nil {
		return false
	}
	return o.Has("error")
}

// ErrorMessage renders "error: reason" for a marker, or "" if v is not one.
func ErrorMessage(v Value) string {
	if !HasError(v) {
		return ""
	}
	o, _ := unwrapMarker(v)
	ev, _ := o.Get("error")
	msg, err := ev.AsString()
	if err != nil {
		msg = ev.String()
	}
	if reason, err := o.GetString("reason"); err == nil && reason != "" {
		msg += ": " + reason
	}
	return msg
}

// OK reports the "ok" flag of a store response.
func OK(v Value) bool {
	o, err := unwrapMarker(v)
	if err != nil {
		return false
	}
	ok, err := o.GetBool("ok")
	return err == nil && ok
}

// FileField is an attachment-marked field stripped from a document.
type FileField struct {
	Name string
	Data string
}

// IsAttachmentField reports whether key carries the attachment prefix.
func IsAttachmentField(key string) bool {
	return strings.HasPrefix(key, AttachmentPrefix) && len(key) > len(AttachmentPrefix)
}

// SplitAttachments returns a shallow copy of o without attachment-marked
// fields, plus those fields in document order. A marked field whose value
// is not a string is a type mismatch.
func SplitAttachments(o *Object) (*Object, []FileField, error) {
	body := NewObject()
	var files []FileField
	var err error
	o.Range(func(k string, v Value) bool {
		if !IsAttachmentField(k) {
			body.Set(k, v)
			return true
		}
		var data string
		if data, err = v.AsString(); err != nil {
			err = errors.Wrapf(err, "attachment field %q", k)
			return false
		}
		files = append(files, FileField{Name: strings.TrimPrefix(k, AttachmentPrefix), Data: data})
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	return body, files, nil
}

package model

import (
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocID_DualKeyConvention(t *testing.T) {
	o, _ := ObjectOf("_id", "a", "id", "b")
	id, err := o.DocID()
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	resp, _ := ObjectOf("id", "srv", "rev", "1-x")
	id, _ = resp.DocID()
	rev, _ := resp.Rev()
	assert.Equal(t, "srv", id)
	assert.Equal(t, "1-x", rev)

	empty := NewObject()
	id, err = empty.DocID()
	assert.NoError(t, err)
	assert.Equal(t, "", id)

	bad, _ := ObjectOf("_id", 12)
	_, err = bad.DocID()
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestSetDocID_RejectsBareID(t *testing.T) {
	o, _ := ObjectOf("id", "legacy", "value", 1)

	err := o.SetDocID("doc-1", "")
	assert.True(t, errors.Is(err, ErrReservedField))
	assert.False(t, o.Has(FieldID), "object untouched on rejection")

	err = NewObject().SetDocID("", "")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestSetRev_RejectsBareRev(t *testing.T) {
	o, _ := ObjectOf("rev", "old")
	err := o.SetRev("2-abc")
	assert.True(t, errors.Is(err, ErrReservedField))
	assert.False(t, o.HasRev())

	err = NewObject().SetRev("")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	o2, _ := ObjectOf("rev", "old")
	err = o2.SetDocID("x", "1-a")
	assert.True(t, errors.Is(err, ErrReservedField))
}

func TestSetDocID_StampsBoth(t *testing.T) {
	o, _ := ObjectOf("value", "v1")
	require.NoError(t, o.SetDocID("doc-no-id", "1-abc"))
	assert.Equal(t, []string{"value", "_id", "_rev"}, o.Keys())
	assert.True(t, o.HasDocID())
	assert.True(t, o.HasRev())
}

func TestHasError_UniformOverWrapper(t *testing.T) {
	marker := MustFrom(map[string]interface{}{"error": "conflict", "reason": "Document update conflict."})
	wrapped := ArrayOf(marker)

	assert.True(t, HasError(marker))
	assert.True(t, HasError(wrapped))
	assert.Equal(t, "conflict: Document update conflict.", ErrorMessage(marker))
	assert.Equal(t, ErrorMessage(marker), ErrorMessage(wrapped))

	ok := MustFrom(map[string]interface{}{"ok": true, "id": "a", "rev": "1-x"})
	assert.False(t, HasError(ok))
	assert.Equal(t, "", ErrorMessage(ok))
	assert.True(t, OK(ok))
	assert.False(t, OK(marker))

	assert.False(t, HasError(ArrayOf(marker, marker)))
	assert.False(t, HasError(StringValue("error")))

	noReason := MustFrom(map[string]interface{}{"error": "not_found"})
	assert.Equal(t, "not_found", ErrorMessage(noReason))
}

func TestRemoteError_Is(t *testing.T) {
	marker := MustFrom(map[string]interface{}{"error": "not_found", "reason": "missing"})
	err := error(NewRemoteError("get doc", marker))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "get doc: not_found: missing", err.Error())

	wrapped := errors.Wrap(NewRemoteError("", MustFrom(map[string]interface{}{"error": "conflict"})), "bulk")
	assert.True(t, errors.Is(wrapped, ErrConflict))

	var re *RemoteError
	require.True(t, errors.As(wrapped, &re))
	assert.Equal(t, "conflict", re.Code)
}

func TestSplitAttachments(t *testing.T) {
	o, _ := ObjectOf("_id", "d", "title", "t", "file://notes.txt", "hello", "file://", "not a file")
	body, files, err := SplitAttachments(o)
	require.NoError(t, err)

	assert.Equal(t, []string{"_id", "title", "file://"}, body.Keys())
	assert.Equal(t, []FileField{{Name: "notes.txt", Data: "hello"}}, files)
	assert.True(t, o.Has("file://notes.txt"), "original untouched")

	bad, _ := ObjectOf("file://x", 1)
	_, _, err = SplitAttachments(bad)
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestPool_HoldsReferences(t *testing.T) {
	a := NewObject()
	p := NewPool(a)
	p.Add(NewObject())

	require.Equal(t, 2, p.Len())
	p.At(0).Set("_id", StringValue("x"))
	assert.True(t, a.Has("_id"))

	p.Reset()
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 0, (*Pool)(nil).Len())
}

func TestEncodeKey(t *testing.T) {
	assert.Equal(t, `"abc"`, EncodeKey("abc"))
	assert.Equal(t, `42`, EncodeKey("42"))
	assert.Equal(t, `-1.5`, EncodeKey("-1.5"))
	assert.Equal(t, `["a",1]`, EncodeKey(`["a",1]`))
	assert.Equal(t, `"quoted"`, EncodeKey(`"quoted"`))
	assert.Equal(t, `"say \"hi\""`, EncodeKey(`say "hi"`))
}

func TestRangeQuery_RoundTrip(t *testing.T) {
	q := RangeQuery{Key: "k", Limit: 5, IncludeDocs: true}
	v := q.Values()
	assert.Equal(t, `"k"`, v.Get("key"))
	assert.Equal(t, "5", v.Get("limit"))
	assert.Equal(t, "true", v.Get("include_docs"))

	back, err := ParseRangeQuery(v)
	require.NoError(t, err)
	assert.Equal(t, `"k"`, back.Key)
	assert.Equal(t, 5, back.Limit)
	assert.True(t, back.IncludeDocs)

	_, err = ParseRangeQuery(url.Values{"limit": {"-1"}})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = ParseRangeQuery(url.Values{"key": {"not json"}})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

package couch

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

func TestQueue_DrawsIDsAndFlushesAtLimit(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db", WithAccumulatorSize(3), WithUUIDBatch(2))
	ctx := context.Background()

	tr.On("Do", ctx, mock.MatchedBy(func(r *Request) bool {
		return r.Path == "/_uuids" && r.Query.Get("count") == "2"
	})).Return(jsonValue(`{"uuids":["u1","u2"]}`), nil).Once()
	tr.On("Do", ctx, mock.MatchedBy(func(r *Request) bool {
		return r.Path == "/_uuids"
	})).Return(jsonValue(`{"uuids":["u3","u4"]}`), nil).Once()
	tr.On("Do", ctx, bulkBody(`"_id":"u1"`, `"_id":"mine"`, `"_id":"u2"`)).Return(
		jsonValue(`[{"ok":true,"id":"u1","rev":"1-a"},{"ok":true,"id":"mine","rev":"1-b"},{"ok":true,"id":"u2","rev":"1-c"}]`), nil).Once()

	first := doc("n", 1)
	id, err := db.Queue(ctx, first, nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
	got, _ := first.DocID()
	assert.Equal(t, "u1", got, "id stamped on the caller's document")

	id, err = db.Queue(ctx, doc("_id", "mine"), nil)
	require.NoError(t, err)
	assert.Equal(t, "mine", id, "existing _id kept")
	assert.Equal(t, 2, db.Pending())

	_, err = db.Queue(ctx, doc("n", 3), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, db.Pending(), "flushed at limit")
	rev, _ := first.Rev()
	assert.Equal(t, "1-a", rev)

	id, err = db.Queue(ctx, doc("n", 4), nil)
	require.NoError(t, err)
	assert.Equal(t, "u3", id)
	assert.Equal(t, 1, db.Pending())
	tr.AssertExpectations(t)
}

func TestFlush_KeepsQueueOnTransportFailure(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	_, err := db.Queue(ctx, doc("_id", "a"), nil)
	require.NoError(t, err)

	tr.On("Do", ctx, bulkBody()).Return(model.Null, errors.Wrap(model.ErrTransport, "down")).Once()
	_, err = db.Flush(ctx, nil)
	assert.True(t, errors.Is(err, model.ErrTransport))
	assert.Equal(t, 1, db.Pending())

	tr.On("Do", ctx, bulkBody()).Return(jsonValue(`[{"ok":true,"id":"a","rev":"1-a"}]`), nil).Once()
	results, err := db.Flush(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 0, db.Pending())

	results, err = db.Flush(ctx, nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestFlush_AttachmentFailureEmptiesQueue(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	a := doc("_id", "a", "file://x.txt", "hello")
	b := doc("_id", "b")
	_, err := db.Queue(ctx, a, nil)
	require.NoError(t, err)
	_, err = db.Queue(ctx, b, nil)
	require.NoError(t, err)

	tr.On("Do", ctx, bulkBody(`{"docs":[{"_id":"a"},{"_id":"b"}]}`)).Return(
		jsonValue(`[{"ok":true,"id":"a","rev":"1-a"},{"ok":true,"id":"b","rev":"1-b"}]`), nil).Once()
	tr.On("Do", ctx, isReq("PUT", "/db/a/x.txt")).Return(model.Null, errors.Wrap(model.ErrTransport, "reset")).Once()

	results, err := db.Flush(ctx, nil)
	assert.True(t, errors.Is(err, model.ErrTransport), "got %v", err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, db.Pending(), "stored documents leave the queue")

	rev, _ := a.Rev()
	assert.Equal(t, "1-a", rev)
	rev, _ = b.Rev()
	assert.Equal(t, "1-b", rev)

	results, err = db.Flush(ctx, nil)
	assert.NoError(t, err)
	assert.Nil(t, results, "nothing resubmitted")
	tr.AssertExpectations(t)
}

func TestCreateBulk_AttachmentFailureKeepsResults(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	pool := model.NewPool(
		doc("_id", "a", "file://x.txt", "1", "file://y.txt", "2"),
		doc("_id", "b", "file://z.txt", "3"),
	)
	tr.On("Do", ctx, bulkBody()).Return(
		jsonValue(`[{"ok":true,"id":"a","rev":"1-a"},{"ok":true,"id":"b","rev":"1-b"}]`), nil).Once()
	tr.On("Do", ctx, isReq("PUT", "/db/a/x.txt")).Return(model.Null, errors.Wrap(model.ErrTransport, "reset")).Once()
	tr.On("Do", ctx, isReq("PUT", "/db/b/z.txt")).Return(jsonValue(`{"ok":true,"id":"b","rev":"2-b"}`), nil).Once()

	results, err := db.CreateBulk(ctx, pool, nil)
	var ae *AttachmentError
	require.True(t, errors.As(err, &ae))
	require.Len(t, ae.Failures, 1)
	assert.Equal(t, 0, ae.Failures[0].Index)
	assert.Equal(t, "1-a", results[0].Rev, "revision of the last successful write")
	assert.Equal(t, "2-b", results[1].Rev, "other documents still get their attachments")
	tr.AssertNotCalled(t, "Do", ctx, isReq("PUT", "/db/a/y.txt"))
	tr.AssertExpectations(t)
}

func TestCreateBulk_WritesAttachmentsAfterSuccess(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	withFile := doc("_id", "a", "title", "t", "file://notes.txt", "hello")
	rejected := doc("_id", "b", "file://other.txt", "nope")

	tr.On("Do", ctx, bulkBody(`{"docs":[{"_id":"a","title":"t"},{"_id":"b"}]}`)).Return(
		jsonValue(`[{"ok":true,"id":"a","rev":"1-a"},{"id":"b","error":"conflict"}]`), nil).Once()
	tr.On("Do", ctx, mock.MatchedBy(func(r *Request) bool {
		return r.Method == "PUT" && r.Path == "/db/a/notes.txt" &&
			r.Query.Get("rev") == "1-a" && string(r.Body) == "hello" &&
			r.Header.Get("Content-Type") == contentType("notes.txt")
	})).Return(jsonValue(`{"ok":true,"id":"a","rev":"2-a"}`), nil).Once()

	results, err := db.CreateBulk(ctx, model.NewPool(withFile, rejected), nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "2-a", results[0].Rev)
	assert.False(t, results[1].OK())
	tr.AssertExpectations(t)
}

func TestCreateBulk_MisalignedResponse(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, bulkBody()).Return(jsonValue(`[]`), nil).Once()
	_, err := db.CreateBulk(ctx, model.NewPool(doc("_id", "a")), nil)
	assert.True(t, errors.Is(err, model.ErrInconsistent))

	tr.On("Do", ctx, bulkBody()).Return(jsonValue(`{"error":"bad_request","reason":"bad body"}`), nil).Once()
	_, err = db.CreateBulk(ctx, model.NewPool(doc("_id", "a")), nil)
	var re *model.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "bad_request", re.Code)
}

func TestCreateBulk_SingleDocumentConflictIsPerDocument(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, bulkBody()).Return(jsonValue(`[{"id":"a","error":"conflict"}]`), nil).Once()
	results, err := db.CreateBulk(ctx, model.NewPool(doc("_id", "a")), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err(), model.ErrConflict))
}

func TestListDocuments(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, isReq("GET", "/db/_all_docs")).Return(jsonValue(
		`{"total_rows":2,"offset":0,"rows":[{"id":"a","key":"a","value":{"rev":"1-a"}},{"id":"b","key":"b","value":{"rev":"2-b"}}]}`), nil).Once()
	refs, err := db.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DocRef{{ID: "a", Rev: "1-a"}, {ID: "b", Rev: "2-b"}}, refs)

	tr.On("Do", ctx, isReq("GET", "/db/_all_docs")).Return(jsonValue(
		`{"rows":[{"id":"a","key":"a","value":{"rev":7}}]}`), nil).Once()
	_, err = db.ListDocuments(ctx)
	assert.True(t, errors.Is(err, model.ErrTypeMismatch), "got %v", err)
}

func TestRevisions(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	revsInfo := func(r *Request) bool { return r.Path == "/db/a" && r.Query.Get("revs_info") == "true" }
	tr.On("Do", ctx, mock.MatchedBy(revsInfo)).Return(jsonValue(
		`{"_id":"a","_rev":"2-b","_revs_info":[{"rev":"2-b","status":"available"},{"rev":"1-a","status":"missing"}]}`), nil).Once()
	revs, err := db.Revisions(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []RevisionInfo{{Rev: "2-b", Status: "available"}, {Rev: "1-a", Status: "missing"}}, revs)

	tr.On("Do", ctx, mock.MatchedBy(revsInfo)).Return(jsonValue(
		`{"_id":"a","_rev":"2-b","_revs_info":[{"rev":"2-b"}]}`), nil).Once()
	_, err = db.Revisions(ctx, "a")
	assert.True(t, errors.Is(err, model.ErrNotFound), "got %v", err)
}

func TestGetDocument_DocumentWithErrorField(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, isReq("GET", "/db/log-1")).Return(
		jsonValue(`{"_id":"log-1","_rev":"1-a","error":"disk full"}`), nil).Once()
	d, err := db.GetDocument(ctx, "log-1", "")
	require.NoError(t, err)
	s, _ := d.GetString("error")
	assert.Equal(t, "disk full", s)
}

func TestHasDocument(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, isReq("GET", "/db/a")).Return(jsonValue(`{"_id":"a","_rev":"1-a"}`), nil).Once()
	tr.On("Do", ctx, isReq("GET", "/db/b")).Return(jsonValue(`{"error":"not_found","reason":"missing"}`), nil).Once()
	tr.On("Do", ctx, isReq("GET", "/db/c")).Return(model.Null, errors.Wrap(model.ErrTransport, "refused")).Once()

	ok, err := db.HasDocument(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.HasDocument(ctx, "b")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, err = db.HasDocument(ctx, "c")
	assert.True(t, errors.Is(err, model.ErrTransport))
}

func TestDeleteDocument_LooksUpRevision(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, isReq("GET", "/db/a")).Return(jsonValue(`{"_id":"a","_rev":"3-c"}`), nil).Once()
	tr.On("Do", ctx, mock.MatchedBy(func(r *Request) bool {
		return r.Method == "DELETE" && r.Path == "/db/a" && r.Query.Get("rev") == "3-c"
	})).Return(jsonValue(`{"ok":true,"id":"a","rev":"4-d"}`), nil).Once()

	ref, err := db.DeleteDocument(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, DocRef{ID: "a", Rev: "4-d"}, ref)
}

func TestCopyDocument_DestinationHeader(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, mock.MatchedBy(func(r *Request) bool {
		return r.Method == "COPY" && r.Path == "/db/src" && r.Header.Get("Destination") == "dst?rev=1-x"
	})).Return(jsonValue(`{"ok":true,"id":"dst","rev":"2-y"}`), nil).Once()

	ref, err := db.CopyDocument(ctx, "src", "", "dst", "1-x")
	require.NoError(t, err)
	assert.Equal(t, "2-y", ref.Rev)
}

func TestPaths_EscapeIDs(t *testing.T) {
	db := newDatabase(nil, "my/db")
	assert.Equal(t, "/my%2Fdb/a%2Fb", db.path(docPath("a/b")))
	assert.Equal(t, "/my%2Fdb/_design/x%20y", db.path(docPath("_design/x y")))
	assert.Equal(t, "_design/my/db", db.DesignName())
}

func TestLoad_RecordsOutcome(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, mock.MatchedBy(func(r *Request) bool {
		return r.Path == "/db/_design/db/_view/by_type" && r.Query.Get("key") == `"post"` && r.Query.Get("include_docs") == "true"
	})).Return(jsonValue(`{"total_rows":3,"offset":0,"rows":[
		{"id":"p1","key":"post","value":null,"doc":{"_id":"p1","type":"post"}},
		{"id":"p2","key":"post","value":null,"doc":{"_id":"p2","type":"post"}}]}`), nil).Once()
	tr.On("Do", ctx, isReq("GET", "/db/_design/db/_view/missing")).Return(
		jsonValue(`{"error":"not_found","reason":"missing_named_view"}`), nil).Once()

	v := &View{Name: "by_type", Key: "post", IncludeDocs: true}
	assert.True(t, db.Load(ctx, v))
	assert.True(t, v.OK)
	assert.NoError(t, v.Err)
	assert.Equal(t, int64(3), v.TotalRows)
	require.Len(t, v.Rows, 2)
	assert.Equal(t, "p1", v.Rows[0].ID)
	assert.Len(t, v.Docs(), 2)

	missing := &View{Name: "missing"}
	assert.False(t, db.Load(ctx, missing))
	assert.False(t, missing.OK)
	assert.True(t, errors.Is(missing.Err, model.ErrNotFound))
	assert.Empty(t, missing.Rows)
}

func TestListAttachments(t *testing.T) {
	tr := new(MockTransport)
	db := newDatabase(tr, "db")
	ctx := context.Background()

	tr.On("Do", ctx, isReq("GET", "/db/a")).Return(jsonValue(`{"_id":"a","_rev":"2-a","_attachments":{
		"z.txt":{"content_type":"text/plain","length":2,"digest":"md5-x","stub":true},
		"a.json":{"content_type":"application/json","length":5,"stub":true}}}`), nil).Once()

	list, err := db.ListAttachments(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.json", list[0].Name)
	assert.Equal(t, int64(2), list[1].Length)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, defaultContentType, contentType("README"))
	assert.Contains(t, contentType("x.json"), "application/json")
}

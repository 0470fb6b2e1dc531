package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syrokomskyi/couchfine/internal/server/events"
	"github.com/syrokomskyi/couchfine/internal/server/storage"
	"github.com/syrokomskyi/couchfine/pkg/model"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.ChangeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev *events.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newTestServer(t *testing.T, opts Options) (*Server, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	s, err := NewServer(storage.NewMemoryBackend(), pub, opts)
	require.NoError(t, err)
	return s, pub
}

func call(t *testing.T, s *Server, method, target, body string, header ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestServer_Welcome(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	w, out := call(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Welcome", out["couchdb"])
	assert.Equal(t, DefaultVersion, out["version"])
}

func TestServer_Databases(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	w, out := call(t, s, http.MethodPut, "/books", "")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, out["ok"])

	w, out = call(t, s, http.MethodPut, "/books", "")
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "file_exists", out["error"])

	w, _ = call(t, s, http.MethodPut, "/Bad", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = call(t, s, http.MethodPut, "/a%2Fb", "")
	assert.Equal(t, http.StatusCreated, w.Code)

	w, _ = call(t, s, http.MethodGet, "/_all_dbs", "")
	assert.JSONEq(t, `["a/b","books"]`, w.Body.String())

	w, out = call(t, s, http.MethodGet, "/books", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "books", out["db_name"])
	assert.EqualValues(t, 0, out["doc_count"])

	w, _ = call(t, s, http.MethodDelete, "/books", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, out = call(t, s, http.MethodGet, "/books", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", out["error"])
}

func TestServer_UUIDs(t *testing.T) {
	for _, alg := range []string{UUIDRandom, UUIDSequential} {
		t.Run(alg, func(t *testing.T) {
			s, _ := newTestServer(t, Options{UUIDAlgorithm: alg})
			w, out := call(t, s, http.MethodGet, "/_uuids?count=3", "")
			require.Equal(t, http.StatusOK, w.Code)
			ids := out["uuids"].([]interface{})
			require.Len(t, ids, 3)
			seen := map[string]bool{}
			for _, id := range ids {
				assert.Len(t, id.(string), 32)
				seen[id.(string)] = true
			}
			assert.Len(t, seen, 3)
		})
	}

	s, _ := newTestServer(t, Options{})
	w, _ := call(t, s, http.MethodGet, "/_uuids?count=1001", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := NewServer(storage.NewMemoryBackend(), nil, Options{UUIDAlgorithm: "utc_random"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestServer_DocumentLifecycle(t *testing.T) {
	s, pub := newTestServer(t, Options{})
	call(t, s, http.MethodPut, "/db", "")

	w, out := call(t, s, http.MethodPut, "/db/alice", `{"name":"Alice"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	rev1 := out["rev"].(string)
	assert.True(t, strings.HasPrefix(rev1, "1-"))

	w, out = call(t, s, http.MethodPut, "/db/alice", `{"name":"Alice B"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", out["error"])

	w, out = call(t, s, http.MethodPut, "/db/alice", `{"_rev":"`+rev1+`","name":"Alice B"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	rev2 := out["rev"].(string)
	assert.True(t, strings.HasPrefix(rev2, "2-"))

	w, out = call(t, s, http.MethodGet, "/db/alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", out["_id"])
	assert.Equal(t, rev2, out["_rev"])
	assert.Equal(t, "Alice B", out["name"])

	w, out = call(t, s, http.MethodGet, "/db/alice?revs_info=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := out["_revs_info"].([]interface{})
	require.Len(t, info, 2)
	assert.Equal(t, rev2, info[0].(map[string]interface{})["rev"])
	assert.Equal(t, "available", info[0].(map[string]interface{})["status"])
	assert.Equal(t, rev1, info[1].(map[string]interface{})["rev"])

	w, _ = call(t, s, http.MethodGet, "/db/alice?rev="+rev1, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, out = call(t, s, http.MethodDelete, "/db/alice?rev="+rev2, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(out["rev"].(string), "3-"))

	w, out = call(t, s, http.MethodGet, "/db/alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "deleted", out["reason"])

	w, out = call(t, s, http.MethodGet, "/db/bob", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "missing", out["reason"])

	// recreating over a tombstone continues the chain
	w, out = call(t, s, http.MethodPut, "/db/alice", `{"name":"again"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, strings.HasPrefix(out["rev"].(string), "4-"))

	require.Len(t, pub.events, 4)
	assert.True(t, pub.events[2].Deleted)
	assert.Equal(t, "db", pub.events[0].DB)
}

func TestServer_PostDocument(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	call(t, s, http.MethodPut, "/db", "")

	w, out := call(t, s, http.MethodPost, "/db", `{"v":1}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, out["id"].(string), 32)

	w, out = call(t, s, http.MethodPost, "/db", `{"_id":"fixed","v":1}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "fixed", out["id"])

	w, _ = call(t, s, http.MethodPost, "/db", `{"_id":"_local","v":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = call(t, s, http.MethodPost, "/db", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = call(t, s, http.MethodPost, "/missing", `{"v":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_BulkDocs(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	call(t, s, http.MethodPut, "/db", "")
	call(t, s, http.MethodPut, "/db/b", `{"v":0}`)

	w, _ := call(t, s, http.MethodPost, "/db/_bulk_docs", `{"docs":[{"_id":"a","v":1},{"_id":"b","v":2},{"v":3},7]}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 4)
	assert.Equal(t, "a", results[0]["id"])
	assert.Equal(t, true, results[0]["ok"])
	assert.Equal(t, "b", results[1]["id"])
	assert.Equal(t, "conflict", results[1]["error"])
	assert.Len(t, results[2]["id"].(string), 32)
	assert.NotEmpty(t, results[2]["rev"])
	assert.Equal(t, "bad_request", results[3]["error"])

	w, _ = call(t, s, http.MethodPost, "/nodb/_bulk_docs", `{"docs":[]}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = call(t, s, http.MethodPost, "/db/_bulk_docs", `{"rows":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_AllDocs(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	call(t, s, http.MethodPut, "/db", "")
	for _, id := range []string{"c", "a", "b"} {
		call(t, s, http.MethodPut, "/db/"+id, `{"v":"`+id+`"}`)
	}
	call(t, s, http.MethodPut, "/db/_design/db", `{"language":"javascript"}`)

	w, out := call(t, s, http.MethodGet, "/db/_all_docs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, out["total_rows"])
	rows := out["rows"].([]interface{})
	require.Len(t, rows, 4)
	assert.Equal(t, "_design/db", rows[0].(map[string]interface{})["id"])
	assert.Equal(t, "a", rows[1].(map[string]interface{})["key"])

	w, out = call(t, s, http.MethodGet, "/db/_all_docs?startkey=%22_design%2F%22&endkey=%22_design0%22&include_docs=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows = out["rows"].([]interface{})
	require.Len(t, rows, 1)
	doc := rows[0].(map[string]interface{})["doc"].(map[string]interface{})
	assert.Equal(t, "javascript", doc["language"])

	w, out = call(t, s, http.MethodGet, "/db/_all_docs?descending=true&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows = out["rows"].([]interface{})
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0].(map[string]interface{})["id"])
	assert.Equal(t, "b", rows[1].(map[string]interface{})["id"])

	w, out = call(t, s, http.MethodGet, "/db/_all_docs?key=%22b%22", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, out["offset"])
	assert.Len(t, out["rows"], 1)
}

func TestServer_Attachments(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	call(t, s, http.MethodPut, "/db", "")

	w, out := call(t, s, http.MethodPut, "/db/doc/notes.txt", "hello", "Content-Type", "text/plain")
	require.Equal(t, http.StatusCreated, w.Code)
	rev1 := out["rev"].(string)

	w, _ = call(t, s, http.MethodPut, "/db/doc/a%2Fb.bin", "xyz", "Content-Type", "application/octet-stream")
	assert.Equal(t, http.StatusConflict, w.Code, "write without the current revision")

	w, out = call(t, s, http.MethodPut, "/db/doc/a%2Fb.bin?rev="+rev1, "xyz", "Content-Type", "application/octet-stream")
	require.Equal(t, http.StatusCreated, w.Code)
	rev2 := out["rev"].(string)

	w, _ = call(t, s, http.MethodGet, "/db/doc/notes.txt", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))

	w, out = call(t, s, http.MethodGet, "/db/doc", "")
	require.Equal(t, http.StatusOK, w.Code)
	stubs := out["_attachments"].(map[string]interface{})
	assert.Len(t, stubs, 2)
	assert.EqualValues(t, 3, stubs["a/b.bin"].(map[string]interface{})["length"])

	// an update carrying stubs keeps the attachments
	w, out = call(t, s, http.MethodPut, "/db/doc", `{"_rev":"`+rev2+`","title":"t","_attachments":{"notes.txt":{"stub":true}}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	rev3 := out["rev"].(string)
	w, _ = call(t, s, http.MethodGet, "/db/doc/a%2Fb.bin", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, out = call(t, s, http.MethodDelete, "/db/doc/notes.txt?rev="+rev3, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(out["rev"].(string), "4-"))

	w, out = call(t, s, http.MethodGet, "/db/doc/notes.txt", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Document is missing attachment", out["reason"])
}

func TestServer_Copy(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	call(t, s, http.MethodPut, "/db", "")
	call(t, s, http.MethodPut, "/db/src", `{"v":1}`)
	_, out := call(t, s, http.MethodPut, "/db/dst", `{"v":0}`)
	dstRev := out["rev"].(string)

	w, _ := call(t, s, "COPY", "/db/src", "", "Destination", "dst")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, out = call(t, s, "COPY", "/db/src", "", "Destination", "dst?rev="+dstRev)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "dst", out["id"])

	_, out = call(t, s, http.MethodGet, "/db/dst", "")
	assert.EqualValues(t, 1, out["v"])

	w, _ = call(t, s, "COPY", "/db/src", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Views(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	call(t, s, http.MethodPut, "/db", "")
	call(t, s, http.MethodPut, "/db/_design/db", `{"views":{
		"by_name":{"map":"function(doc) { emit(doc.name, doc.age); }"},
		"adults":{"map":"function(d) { if (d.age >= 18) emit(d.name, null); }"},
		"by_type":{"map":"function(doc) { if (doc.type == 'person') { emit([doc.type, doc.name], 1); } }","reduce":"_count"}
	}}`)
	call(t, s, http.MethodPut, "/db/p1", `{"type":"person","name":"zoe","age":30}`)
	call(t, s, http.MethodPut, "/db/p2", `{"type":"person","name":"adam","age":12}`)
	call(t, s, http.MethodPut, "/db/x", `{"type":"thing"}`)

	w, out := call(t, s, http.MethodGet, "/db/_design/db/_view/by_name", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows := out["rows"].([]interface{})
	require.Len(t, rows, 2, "documents without the key field are not emitted")
	assert.Equal(t, "adam", rows[0].(map[string]interface{})["key"])
	assert.EqualValues(t, 12, rows[0].(map[string]interface{})["value"])

	w, out = call(t, s, http.MethodGet, "/db/_design/db/_view/by_name?key=%22zoe%22&include_docs=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows = out["rows"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].(map[string]interface{})["doc"].(map[string]interface{})["_id"])

	w, _ = call(t, s, http.MethodGet, "/db/_design/db/_view/adults", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w, out = call(t, s, http.MethodGet, "/db/_design/db/_view/by_type", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows = out["rows"].([]interface{})
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, rows[0].(map[string]interface{})["value"])

	w, out = call(t, s, http.MethodGet, "/db/_design/db/_view/by_type?reduce=false", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["rows"], 2)

	w, out = call(t, s, http.MethodGet, "/db/_design/db/_view/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "missing_named_view", out["reason"])

	w, _ = call(t, s, http.MethodGet, "/db/_design/other/_view/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_JWT(t *testing.T) {
	s, _ := newTestServer(t, Options{JWTSecret: "s3cret"})

	w, _ := call(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, out := call(t, s, http.MethodGet, "/_all_dbs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", out["error"])

	sign := func(secret string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "tester",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		})
		raw, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return raw
	}
	w, _ = call(t, s, http.MethodGet, "/_all_dbs", "", "Authorization", "Bearer "+sign("wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = call(t, s, http.MethodGet, "/_all_dbs", "", "Authorization", "Bearer "+sign("s3cret"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	call(t, s, http.MethodPut, "/db", "")
	call(t, s, http.MethodPut, "/db/a", `{}`)

	w, _ := call(t, s, http.MethodGet, "/_metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `couchfine_server_document_writes_total{kind="create"} 1`)
	assert.Contains(t, w.Body.String(), `couchfine_server_requests_total{code="201",route="document"} 1`)
}

func TestCompileMap(t *testing.T) {
	doc, err := model.ParseObject([]byte(`{"_id":"d","type":"a","meta":{"n":3},"tags":["x"]}`))
	require.NoError(t, err)

	tests := []struct {
		src   string
		key   string
		value string
		skip  bool
	}{
		{src: `function(doc){emit(doc._id, null)}`, key: `"d"`, value: `null`},
		{src: `function (doc) { emit(doc.meta.n, doc.tags); }`, key: `3`, value: `["x"]`},
		{src: `function(doc) { emit([doc.type, 'k'], 1); }`, key: `["a","k"]`, value: `1`},
		{src: `function(doc) { emit(doc.missing, 1); }`, skip: true},
		{src: `function(doc) { if (doc.type === "a") emit(doc.type, doc.missing); }`, key: `"a"`, value: `null`},
		{src: `function(doc) { if (doc.type != 'a') { emit(doc.type, 1); } }`, skip: true},
		{src: `function(doc) { if (doc.meta) emit(null, doc); }`, key: `null`, value: `{"_id":"d","type":"a","meta":{"n":3},"tags":["x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			fn, err := compileMap(tt.src)
			require.NoError(t, err)
			key, value, ok := fn.emit(doc)
			if tt.skip {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.key, key.String())
			assert.JSONEq(t, tt.value, value.String())
		})
	}

	for _, src := range []string{
		`function(doc) { for (var i in doc) emit(i, 1); }`,
		`function(doc) { emit(doc.a); }`,
		`doc => emit(doc.a, 1)`,
		`function(doc) { emit(doc.a + 1, 1); }`,
	} {
		_, err := compileMap(src)
		assert.ErrorIs(t, err, errUnsupportedMap, src)
	}
}

func TestCollate(t *testing.T) {
	ordered := []string{`null`, `false`, `true`, `-1`, `2`, `2.5`, `"A"`, `"a"`, `"b"`, `[]`, `["a"]`, `["a",1]`, `{}`, `{"a":1}`}
	for i := 0; i+1 < len(ordered); i++ {
		a, err := model.Parse([]byte(ordered[i]))
		require.NoError(t, err)
		b, err := model.Parse([]byte(ordered[i+1]))
		require.NoError(t, err)
		assert.Less(t, collate(a, b), 0, "%s < %s", ordered[i], ordered[i+1])
		assert.Greater(t, collate(b, a), 0)
		assert.Equal(t, 0, collate(a, a))
	}
}

package couch

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

const (
	DefaultAccumulatorSize   = 1000
	DefaultUUIDBatch         = 100
	DefaultMaxConflictRounds = 16
	DefaultFetchConcurrency  = 4

	designPrefix = "_design/"
)

// DocRef identifies one revision of a document.
type DocRef struct {
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// Result is one entry of a bulk write response, aligned by position with
// the submitted documents.
type Result struct {
	ID     string
	Rev    string
	Error  string
	Reason string
}

func (r Result) OK() bool { return r.Error == "" }

// Err returns the per-document failure as a *model.RemoteError, or nil.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &model.RemoteError{Op: "write " + r.ID, Code: r.Error, Reason: r.Reason}
}

func parseResult(v model.Value) (Result, error) {
	o, err := v.AsObject()
	if err != nil {
		return Result{}, errors.Wrap(err, "bulk result entry")
	}
	var r Result
	if r.ID, err = o.DocID(); err != nil {
		return Result{}, err
	}
	if r.Rev, err = o.Rev(); err != nil {
		return Result{}, err
	}
	if model.HasError(v) {
		re := model.NewRemoteError("", v)
		r.Error, r.Reason = re.Code, re.Reason
	}
	return r, nil
}

type DatabaseOption func(*Database)

// WithAccumulatorSize sets how many queued documents trigger an automatic flush.
func WithAccumulatorSize(n int) DatabaseOption {
	return func(db *Database) {
		if n > 0 {
			db.accSize = n
		}
	}
}

// WithUUIDBatch sets how many identifiers are fetched per _uuids call.
func WithUUIDBatch(n int) DatabaseOption {
	return func(db *Database) {
		if n > 0 {
			db.uuidBatch = n
		}
	}
}

func WithMaxConflictRounds(n int) DatabaseOption {
	return func(db *Database) {
		if n > 0 {
			db.maxRounds = n
		}
	}
}

func WithFetchConcurrency(n int) DatabaseOption {
	return func(db *Database) {
		if n > 0 {
			db.fetchConcurrency = n
		}
	}
}

func WithLogger(l *log.Entry) DatabaseOption {
	return func(db *Database) { db.log = l }
}

func WithMetrics(m *Metrics) DatabaseOption {
	return func(db *Database) { db.metrics = m }
}

// Database is a handle on one named database. It is safe for concurrent
// use; Queue and Flush serialize on an internal lock.
type Database struct {
	name string
	tr   Transport
	log  *log.Entry

	metrics          *Metrics
	accSize          int
	uuidBatch        int
	maxRounds        int
	fetchConcurrency int

	mu    sync.Mutex
	acc   *model.Pool
	uuids []string
}

func newDatabase(tr Transport, name string, opts ...DatabaseOption) *Database {
	db := &Database{
		name:             name,
		tr:               tr,
		log:              log.WithField("db", name),
		accSize:          DefaultAccumulatorSize,
		uuidBatch:        DefaultUUIDBatch,
		maxRounds:        DefaultMaxConflictRounds,
		fetchConcurrency: DefaultFetchConcurrency,
		acc:              model.NewPool(),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

func (db *Database) Name() string { return db.name }

// DesignName is the default design document of this database.
func (db *Database) DesignName() string { return designPrefix + db.name }

func (db *Database) path(parts ...string) string {
	return "/" + strings.Join(append([]string{url.PathEscape(db.name)}, parts...), "/")
}

// docPath escapes a document id for use as a path segment; the slash after
// "_design" stays literal.
func docPath(id string) string {
	if strings.HasPrefix(id, designPrefix) {
		return designPrefix + url.PathEscape(strings.TrimPrefix(id, designPrefix))
	}
	return url.PathEscape(id)
}

func (db *Database) do(ctx context.Context, req *Request) (model.Value, error) {
	return db.tr.Do(ctx, req)
}

// object runs req and expects an object response without an error marker.
func (db *Database) object(ctx context.Context, op string, req *Request) (*model.Object, error) {
	v, err := db.do(ctx, req)
	if err != nil {
		return nil, err
	}
	o, err := v.AsObject()
	if err != nil {
		if model.HasError(v) {
			return nil, model.NewRemoteError(op, v)
		}
		return nil, errors.Wrap(err, op)
	}
	// stored documents may carry their own "error" field
	if model.HasError(v) && !o.HasDocID() {
		return nil, model.NewRemoteError(op, v)
	}
	return o, nil
}

func refFrom(o *model.Object) (DocRef, error) {
	id, err := o.DocID()
	if err != nil {
		return DocRef{}, err
	}
	rev, err := o.Rev()
	if err != nil {
		return DocRef{}, err
	}
	return DocRef{ID: id, Rev: rev}, nil
}

// Info returns the database metadata object.
func (db *Database) Info(ctx context.Context) (*model.Object, error) {
	return db.object(ctx, "database info", &Request{Method: http.MethodGet, Path: db.path()})
}

// CountDocs returns doc_count from the database metadata.
func (db *Database) CountDocs(ctx context.Context) (int64, error) {
	info, err := db.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.GetInt("doc_count")
}

// CountDesign returns the number of design documents.
func (db *Database) CountDesign(ctx context.Context) (int, error) {
	res, err := db.AllDocs(ctx, designRange(false))
	if err != nil {
		return 0, err
	}
	return len(res.Rows), nil
}

func designRange(includeDocs bool) model.RangeQuery {
	return model.RangeQuery{StartKey: designPrefix, EndKey: "_design0", IncludeDocs: includeDocs}
}

// ListDocuments returns the id and current revision of every document.
func (db *Database) ListDocuments(ctx context.Context) ([]DocRef, error) {
	res, err := db.AllDocs(ctx, model.RangeQuery{})
	if err != nil {
		return nil, err
	}
	refs := make([]DocRef, 0, len(res.Rows))
	for _, row := range res.Rows {
		ref := DocRef{ID: row.ID}
		if v, err := row.Value.AsObject(); err == nil {
			if ref.Rev, err = v.GetString("rev"); err != nil {
				return nil, errors.Wrapf(err, "row %q", row.ID)
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// CreateDocument writes body as a new document. With an empty id the store
// assigns one, unless body carries "_id". Attachment-marked fields are
// stripped from the body and written afterwards; the returned revision is
// the one after the last attachment.
func (db *Database) CreateDocument(ctx context.Context, body *model.Object, id string) (DocRef, error) {
	return db.createDocument(ctx, body, id, model.Serialize)
}

func (db *Database) createDocument(ctx context.Context, body *model.Object, id string, serialize SerializeFunc) (DocRef, error) {
	if body == nil {
		return DocRef{}, errors.Wrap(model.ErrInvalidArgument, "nil document")
	}
	prepared, files, err := model.SplitAttachments(body)
	if err != nil {
		return DocRef{}, err
	}
	data, err := serialize(model.ObjectValue(prepared))
	if err != nil {
		return DocRef{}, errors.Wrap(err, "serialize document")
	}

	req := &Request{Method: http.MethodPost, Path: db.path(), Body: data}
	if id != "" {
		req.Method = http.MethodPut
		req.Path = db.path(docPath(id))
	}
	resp, err := db.object(ctx, "create document "+id, req)
	if err != nil {
		return DocRef{}, err
	}
	ref, err := refFrom(resp)
	if err != nil {
		return DocRef{}, err
	}

	for _, f := range files {
		rev, err := db.PutAttachment(ctx, ref.ID, ref.Rev, f.Name, contentType(f.Name), []byte(f.Data))
		if err != nil {
			return ref, &AttachmentError{Failures: []AttachmentFailure{{ID: ref.ID, Name: f.Name, Err: err}}}
		}
		ref.Rev = rev
	}
	return ref, nil
}

// GetDocument fetches a document, at rev when it is not empty.
func (db *Database) GetDocument(ctx context.Context, id, rev string) (*model.Object, error) {
	if id == "" {
		return nil, errors.Wrap(model.ErrInvalidArgument, "empty document id")
	}
	req := &Request{Method: http.MethodGet, Path: db.path(docPath(id))}
	if rev != "" {
		req.Query = url.Values{"rev": {rev}}
	}
	return db.object(ctx, "get document "+id, req)
}

// HasDocument reports whether id exists. Failures other than not_found are
// returned.
func (db *Database) HasDocument(ctx context.Context, id string) (bool, error) {
	_, err := db.GetDocument(ctx, id, "")
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DeleteDocument deletes id at rev. With an empty rev the current revision
// is looked up first.
func (db *Database) DeleteDocument(ctx context.Context, id, rev string) (DocRef, error) {
	if rev == "" {
		doc, err := db.GetDocument(ctx, id, "")
		if err != nil {
			return DocRef{}, err
		}
		if rev, err = doc.Rev(); err != nil {
			return DocRef{}, err
		}
	}
	resp, err := db.object(ctx, "delete document "+id, &Request{
		Method: http.MethodDelete,
		Path:   db.path(docPath(id)),
		Query:  url.Values{"rev": {rev}},
	})
	if err != nil {
		return DocRef{}, err
	}
	return refFrom(resp)
}

// CopyDocument copies id (at rev when given) to target. targetRev is
// required when target already exists.
func (db *Database) CopyDocument(ctx context.Context, id, rev, target, targetRev string) (DocRef, error) {
	if id == "" || target == "" {
		return DocRef{}, errors.Wrap(model.ErrInvalidArgument, "copy needs source and target ids")
	}
	dest := target
	if targetRev != "" {
		dest += "?rev=" + url.QueryEscape(targetRev)
	}
	req := &Request{
		Method: "COPY",
		Path:   db.path(docPath(id)),
		Header: http.Header{"Destination": {dest}},
	}
	if rev != "" {
		req.Query = url.Values{"rev": {rev}}
	}
	resp, err := db.object(ctx, "copy document "+id, req)
	if err != nil {
		return DocRef{}, err
	}
	return refFrom(resp)
}

// RevisionInfo is one entry of a document's revision history.
type RevisionInfo struct {
	Rev    string
	Status string
}

// Revisions returns the known revisions of id, newest first.
func (db *Database) Revisions(ctx context.Context, id string) ([]RevisionInfo, error) {
	if id == "" {
		return nil, errors.Wrap(model.ErrInvalidArgument, "empty document id")
	}
	doc, err := db.object(ctx, "revisions "+id, &Request{
		Method: http.MethodGet,
		Path:   db.path(docPath(id)),
		Query:  url.Values{"revs_info": {"true"}},
	})
	if err != nil {
		return nil, err
	}
	arr, err := doc.GetArray("_revs_info")
	if err != nil {
		return nil, err
	}
	out := make([]RevisionInfo, 0, arr.Len())
	for _, item := range arr.Items() {
		o, err := item.AsObject()
		if err != nil {
			return nil, errors.Wrap(err, "revision entry")
		}
		var ri RevisionInfo
		if ri.Rev, err = o.GetString("rev"); err != nil {
			return nil, errors.Wrap(err, "revision entry")
		}
		if ri.Status, err = o.GetString("status"); err != nil {
			return nil, errors.Wrapf(err, "revision %s", ri.Rev)
		}
		out = append(out, ri)
	}
	return out, nil
}

func fetchUUIDs(ctx context.Context, tr Transport, n int) ([]string, error) {
	if n <= 0 {
		return nil, errors.Wrap(model.ErrInvalidArgument, "uuid count must be positive")
	}
	v, err := tr.Do(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/_uuids",
		Query:  url.Values{"count": {strconv.Itoa(n)}},
	})
	if err != nil {
		return nil, err
	}
	if model.HasError(v) {
		return nil, model.NewRemoteError("uuids", v)
	}
	o, err := v.AsObject()
	if err != nil {
		return nil, errors.Wrap(err, "uuids")
	}
	arr, err := o.GetArray("uuids")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, arr.Len())
	for _, item := range arr.Items() {
		s, err := item.AsString()
		if err != nil {
			return nil, errors.Wrap(err, "uuid entry")
		}
		ids = append(ids, s)
	}
	if len(ids) == 0 {
		return nil, errors.Wrap(model.ErrInconsistent, "store returned no uuids")
	}
	return ids, nil
}

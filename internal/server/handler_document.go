package server

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/internal/server/storage"
	"github.com/syrokomskyi/couchfine/pkg/model"
)

const maxBodySize = 64 << 20

// docID returns the document id addressed by the route.
func docID(r *http.Request) string {
	if ddoc := pathVar(r, "ddoc"); ddoc != "" {
		return designPrefix + ddoc
	}
	return pathVar(r, "docid")
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidArgument, err.Error())
	}
	return data, nil
}

func readObject(r *http.Request) (*model.Object, error) {
	data, err := readBody(r)
	if err != nil {
		return nil, err
	}
	o, err := model.ParseObject(data)
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidArgument, err.Error())
	}
	return o, nil
}

func writeMissing(w http.ResponseWriter, rec *storage.Record) {
	reason := "missing"
	if rec != nil && rec.Deleted {
		reason = "deleted"
	}
	writeError(w, http.StatusNotFound, "not_found", reason)
}

func (s *Server) handlePostDocument(w http.ResponseWriter, r *http.Request) {
	db := pathVar(r, "db")
	body, err := readObject(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	id := ""
	if body.Has(model.FieldID) {
		if id, err = body.GetString(model.FieldID); err != nil {
			s.fail(w, errors.Wrap(model.ErrInvalidArgument, err.Error()))
			return
		}
	}
	if id == "" {
		id = s.uuids()
	}
	rev, err := s.write(r, db, id, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, okRef(id, rev))
}

// write validates and commits body as the next revision of id.
func (s *Server) write(r *http.Request, db, id string, body *model.Object) (string, error) {
	if err := validateDocID(id); err != nil {
		return "", err
	}
	cur, err := s.current(r.Context(), db, id)
	if err != nil {
		return "", err
	}
	req, err := newWriteRequest(db, id, body, cur)
	if err != nil {
		return "", err
	}
	if req.rev == "" {
		req.rev = r.URL.Query().Get("rev")
	}
	return s.commit(r.Context(), req, cur)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getDocument(w, r)
	case http.MethodPut:
		s.putDocument(w, r)
	case http.MethodDelete:
		s.deleteDocument(w, r)
	case "COPY":
		s.copyDocument(w, r)
	}
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	db, id := pathVar(r, "db"), docID(r)
	rec, err := s.current(r.Context(), db, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rec == nil || rec.Deleted {
		writeMissing(w, rec)
		return
	}
	q := r.URL.Query()
	if rev := q.Get("rev"); rev != "" && rev != rec.Rev {
		// only the current revision is kept
		writeMissing(w, nil)
		return
	}
	doc, err := docObject(rec, q.Get("revs_info") == "true")
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("ETag", `"`+rec.Rev+`"`)
	writeJSON(w, http.StatusOK, model.ObjectValue(doc))
}

func (s *Server) putDocument(w http.ResponseWriter, r *http.Request) {
	db, id := pathVar(r, "db"), docID(r)
	body, err := readObject(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	rev, err := s.write(r, db, id, body)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("ETag", `"`+rev+`"`)
	writeJSON(w, http.StatusCreated, okRef(id, rev))
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	db, id := pathVar(r, "db"), docID(r)
	cur, err := s.current(r.Context(), db, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if cur == nil || cur.Deleted {
		writeMissing(w, cur)
		return
	}
	rev := r.URL.Query().Get("rev")
	if rev == "" {
		rev = strings.Trim(r.Header.Get("If-Match"), `"`)
	}
	if rev == "" {
		s.fail(w, errors.Wrapf(model.ErrConflict, "delete of %s without revision", id))
		return
	}
	next, err := s.commit(r.Context(), &writeRequest{db: db, id: id, rev: rev, body: model.NewObject(), deleted: true}, cur)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okRef(id, next))
}

// copyDocument handles COPY with a "Destination: target[?rev=x]" header.
func (s *Server) copyDocument(w http.ResponseWriter, r *http.Request) {
	db, id := pathVar(r, "db"), docID(r)
	target, targetRev, err := parseDestination(r.Header.Get("Destination"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := validateDocID(target); err != nil {
		s.fail(w, err)
		return
	}

	src, err := s.current(r.Context(), db, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if src == nil || src.Deleted {
		writeMissing(w, src)
		return
	}
	if rev := r.URL.Query().Get("rev"); rev != "" && rev != src.Rev {
		writeMissing(w, nil)
		return
	}
	body := model.NewObject()
	if len(src.Body) > 0 {
		if body, err = model.ParseObject(src.Body); err != nil {
			s.fail(w, err)
			return
		}
	}

	dst, err := s.current(r.Context(), db, target)
	if err != nil {
		s.fail(w, err)
		return
	}
	attachments := make(map[string]storage.Attachment, len(src.Attachments))
	for name, a := range src.Attachments {
		attachments[name] = a
	}
	rev, err := s.commit(r.Context(), &writeRequest{
		db:          db,
		id:          target,
		rev:         targetRev,
		body:        body,
		attachments: attachments,
	}, dst)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, okRef(target, rev))
}

func parseDestination(dest string) (string, string, error) {
	if dest == "" {
		return "", "", errors.Wrap(model.ErrInvalidArgument, "Destination header is mandatory for COPY")
	}
	raw, query, _ := strings.Cut(dest, "?")
	target, err := url.PathUnescape(raw)
	if err != nil {
		return "", "", errors.Wrap(model.ErrInvalidArgument, err.Error())
	}
	vals, err := url.ParseQuery(query)
	if err != nil {
		return "", "", errors.Wrap(model.ErrInvalidArgument, err.Error())
	}
	return target, vals.Get("rev"), nil
}

// handleBulkDocs writes each document independently; results keep the
// order of the request.
func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	db := pathVar(r, "db")
	if ok, err := s.backend.DatabaseExists(r.Context(), db); err != nil || !ok {
		if err == nil {
			err = errors.Wrapf(model.ErrNotFound, "database %s does not exist", db)
		}
		s.fail(w, err)
		return
	}
	req, err := readObject(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	docs, err := req.GetArray("docs")
	if err != nil {
		s.fail(w, errors.Wrap(model.ErrInvalidArgument, "request body must contain a docs array"))
		return
	}

	results := model.NewArray()
	for _, item := range docs.Items() {
		results.Append(model.ObjectValue(s.bulkWrite(r, db, item)))
	}
	writeJSON(w, http.StatusCreated, model.ArrayValue(results))
}

func (s *Server) bulkWrite(r *http.Request, db string, item model.Value) *model.Object {
	res := model.NewObject()
	body, err := item.AsObject()
	if err != nil {
		return bulkFailure(res, errors.Wrap(model.ErrInvalidArgument, "document must be a JSON object"))
	}
	id, _ := body.GetString(model.FieldID)
	if id == "" {
		id = s.uuids()
	}
	res.Set("id", model.StringValue(id))
	rev, err := s.write(r, db, id, body)
	if err != nil {
		return bulkFailure(res, err)
	}
	res.Set("ok", model.BoolValue(true))
	res.Set("rev", model.StringValue(rev))
	return res
}

func bulkFailure(res *model.Object, err error) *model.Object {
	_, code, reason := errorCode(err)
	res.Set("error", model.StringValue(code))
	res.Set("reason", model.StringValue(reason))
	return res
}

func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request) {
	db := pathVar(r, "db")
	q, err := model.ParseRangeQuery(r.URL.Query())
	if err != nil {
		s.fail(w, err)
		return
	}
	recs, err := s.backend.List(r.Context(), db)
	if err != nil {
		s.fail(w, err)
		return
	}
	rows := make([]row, 0, len(recs))
	for _, rec := range recs {
		value := model.NewObject()
		value.Set("rev", model.StringValue(rec.Rev))
		rows = append(rows, row{id: rec.DocID, key: model.StringValue(rec.DocID), value: model.ObjectValue(value), rec: rec})
	}
	res, err := renderRows(rows, q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ObjectValue(res))
}

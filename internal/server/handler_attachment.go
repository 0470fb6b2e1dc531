package server

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/internal/server/storage"
	"github.com/syrokomskyi/couchfine/pkg/model"
)

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	db, id, name := pathVar(r, "db"), docID(r), pathVar(r, "attachment")
	if err := validateAttachmentName(name); err != nil {
		s.fail(w, err)
		return
	}
	cur, err := s.current(r.Context(), db, id)
	if err != nil {
		s.fail(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if cur == nil || cur.Deleted {
			writeMissing(w, cur)
			return
		}
		a, ok := cur.Attachments[name]
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "Document is missing attachment")
			return
		}
		w.Header().Set("Content-Type", a.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
		w.Header().Set("ETag", `"`+a.Digest+`"`)
		w.WriteHeader(http.StatusOK)
		w.Write(a.Data)

	case http.MethodPut:
		data, err := readBody(r)
		if err != nil {
			s.fail(w, err)
			return
		}
		ctype := r.Header.Get("Content-Type")
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		req, err := s.attachmentWrite(db, id, r.URL.Query().Get("rev"), cur)
		if err != nil {
			s.fail(w, err)
			return
		}
		req.attachments[name] = storage.Attachment{ContentType: ctype, Data: data, Digest: storage.Digest(data)}
		rev, err := s.commit(r.Context(), req, cur)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, okRef(id, rev))

	case http.MethodDelete:
		if cur == nil || cur.Deleted {
			writeMissing(w, cur)
			return
		}
		rev := r.URL.Query().Get("rev")
		if rev == "" {
			s.fail(w, errors.Wrapf(model.ErrConflict, "attachment delete on %s without revision", id))
			return
		}
		if _, ok := cur.Attachments[name]; !ok {
			writeError(w, http.StatusNotFound, "not_found", "Document is missing attachment")
			return
		}
		req, err := s.attachmentWrite(db, id, rev, cur)
		if err != nil {
			s.fail(w, err)
			return
		}
		delete(req.attachments, name)
		next, err := s.commit(r.Context(), req, cur)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, okRef(id, next))
	}
}

// attachmentWrite prepares a write that keeps the body of cur and a copy of
// its attachments. A missing document starts empty.
func (s *Server) attachmentWrite(db, id, rev string, cur *storage.Record) (*writeRequest, error) {
	if err := validateDocID(id); err != nil {
		return nil, err
	}
	req := &writeRequest{db: db, id: id, rev: rev, body: model.NewObject(), attachments: map[string]storage.Attachment{}}
	if cur == nil || cur.Deleted {
		return req, nil
	}
	if len(cur.Body) > 0 {
		body, err := model.ParseObject(cur.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "stored body of %s", id)
		}
		req.body = body
	}
	for k, a := range cur.Attachments {
		req.attachments[k] = a
	}
	return req, nil
}

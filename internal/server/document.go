package server

import (
	"context"
	"encoding/base64"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/internal/server/events"
	"github.com/syrokomskyi/couchfine/internal/server/storage"
	"github.com/syrokomskyi/couchfine/pkg/model"
)

// metaFields are never stored in a record body.
var metaFields = []string{model.FieldID, model.FieldRev, model.FieldAttachments, "_deleted", "_revisions", "_revs_info"}

// docObject renders rec the way clients read it: _id, _rev, the body in
// stored order, then attachment stubs.
func docObject(rec *storage.Record, revsInfo bool) (*model.Object, error) {
	doc := model.NewObject()
	doc.Set(model.FieldID, model.StringValue(rec.DocID))
	doc.Set(model.FieldRev, model.StringValue(rec.Rev))
	if len(rec.Body) > 0 {
		body, err := model.ParseObject(rec.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "stored body of %s", rec.DocID)
		}
		body.Range(func(k string, v model.Value) bool {
			doc.Set(k, v)
			return true
		})
	}
	if len(rec.Attachments) > 0 {
		doc.Set(model.FieldAttachments, model.ObjectValue(attachmentStubs(rec)))
	}
	if revsInfo {
		info := model.NewArray()
		info.Append(model.ObjectValue(revEntry(rec.Rev, "available")))
		for _, r := range rec.History {
			info.Append(model.ObjectValue(revEntry(r, "missing")))
		}
		doc.Set("_revs_info", model.ArrayValue(info))
	}
	return doc, nil
}

func revEntry(rev, status string) *model.Object {
	o := model.NewObject()
	o.Set("rev", model.StringValue(rev))
	o.Set("status", model.StringValue(status))
	return o
}

func attachmentStubs(rec *storage.Record) *model.Object {
	names := make([]string, 0, len(rec.Attachments))
	for name := range rec.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)

	stubs := model.NewObject()
	for _, name := range names {
		a := rec.Attachments[name]
		stub := model.NewObject()
		stub.Set("content_type", model.StringValue(a.ContentType))
		stub.Set("digest", model.StringValue(a.Digest))
		stub.Set("length", model.IntValue(int64(len(a.Data))))
		stub.Set("stub", model.BoolValue(true))
		stubs.Set(name, model.ObjectValue(stub))
	}
	return stubs
}

// writeRequest is one document write as the handlers see it.
type writeRequest struct {
	db   string
	id   string
	rev  string
	body *model.Object
	// attachments replaces the record's attachments when not nil
	attachments map[string]storage.Attachment
	deleted     bool
}

// newWriteRequest reads _rev, _deleted and _attachments from body. Stubs
// keep the stored attachment; entries with base64 "data" replace it.
func newWriteRequest(db, id string, body *model.Object, current *storage.Record) (*writeRequest, error) {
	w := &writeRequest{db: db, id: id, body: body}
	var err error
	if body.Has(model.FieldRev) {
		if w.rev, err = body.GetString(model.FieldRev); err != nil {
			return nil, errors.Wrap(model.ErrInvalidArgument, err.Error())
		}
	}
	if body.Has("_deleted") {
		if w.deleted, err = body.GetBool("_deleted"); err != nil {
			return nil, errors.Wrap(model.ErrInvalidArgument, err.Error())
		}
	}
	if !body.Has(model.FieldAttachments) {
		w.attachments = map[string]storage.Attachment{}
		return w, nil
	}
	stubs, err := body.GetObject(model.FieldAttachments)
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidArgument, err.Error())
	}
	w.attachments = make(map[string]storage.Attachment, stubs.Len())
	stubs.Range(func(name string, v model.Value) bool {
		var entry *model.Object
		if entry, err = v.AsObject(); err != nil {
			err = errors.Wrapf(model.ErrInvalidArgument, "attachment %s: %v", name, err)
			return false
		}
		if stub, _ := entry.GetBool("stub"); stub {
			if current == nil || current.Deleted {
				err = errors.Wrapf(model.ErrInvalidArgument, "stub for missing attachment %s", name)
				return false
			}
			a, ok := current.Attachments[name]
			if !ok {
				err = errors.Wrapf(model.ErrInvalidArgument, "stub for missing attachment %s", name)
				return false
			}
			w.attachments[name] = a
			return true
		}
		encoded, gerr := entry.GetString("data")
		if gerr != nil {
			err = errors.Wrapf(model.ErrInvalidArgument, "attachment %s: %v", name, gerr)
			return false
		}
		data, derr := base64.StdEncoding.DecodeString(encoded)
		if derr != nil {
			err = errors.Wrapf(model.ErrInvalidArgument, "attachment %s: %v", name, derr)
			return false
		}
		ctype, _ := entry.GetString("content_type")
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.attachments[name] = storage.Attachment{ContentType: ctype, Data: data, Digest: storage.Digest(data)}
		return true
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// current returns the stored record of id or nil when there is none.
func (s *Server) current(ctx context.Context, db, id string) (*storage.Record, error) {
	rec, err := s.backend.Get(ctx, db, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			if ok, derr := s.backend.DatabaseExists(ctx, db); derr == nil && !ok {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// commit stores w as the next revision and publishes the change.
func (s *Server) commit(ctx context.Context, w *writeRequest, current *storage.Record) (string, error) {
	body := model.NewObject()
	if !w.deleted {
		w.body.Range(func(k string, v model.Value) bool {
			body.Set(k, v)
			return true
		})
		for _, f := range metaFields {
			body.Delete(f)
		}
	}
	content, err := model.Serialize(model.ObjectValue(body))
	if err != nil {
		return "", errors.Wrap(model.ErrInvalidArgument, err.Error())
	}

	rec := &storage.Record{
		DocID:       w.id,
		Body:        content,
		Deleted:     w.deleted,
		Attachments: w.attachments,
	}
	prev := ""
	if current != nil {
		prev = current.Rev
		rec.History = append([]string{current.Rev}, current.History...)
		if w.attachments == nil {
			rec.Attachments = current.Attachments
		}
	}
	if w.deleted {
		rec.Attachments = nil
	}
	rec.Rev = storage.NextRevision(prev, append(content, attachmentDigests(rec)...))

	if err := s.backend.Put(ctx, w.db, rec, w.rev); err != nil {
		return "", err
	}
	s.metrics.writes.WithLabelValues(writeKind(current, w.deleted)).Inc()

	if err := s.publisher.Publish(ctx, events.NewChangeEvent(w.db, w.id, rec.Rev, w.deleted)); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"db": w.db, "id": w.id}).Warn("change event dropped")
	}
	return rec.Rev, nil
}

func attachmentDigests(rec *storage.Record) []byte {
	names := make([]string, 0, len(rec.Attachments))
	for name := range rec.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []byte
	for _, name := range names {
		out = append(out, name...)
		out = append(out, rec.Attachments[name].Digest...)
	}
	return out
}

func writeKind(current *storage.Record, deleted bool) string {
	switch {
	case deleted:
		return "delete"
	case current == nil || current.Deleted:
		return "create"
	}
	return "update"
}

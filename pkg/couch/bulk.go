package couch

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

// SerializeFunc renders a request body. model.Serialize is the default.
type SerializeFunc func(v model.Value) ([]byte, error)

// CreateBulk writes all documents of pool in one _bulk_docs call. The
// results are aligned by position with pool. Attachment-marked fields are
// written after the bulk call for every document that succeeded, and the
// result revision advances accordingly. When an attachment write fails the
// results are still returned, together with an *AttachmentError.
func (db *Database) CreateBulk(ctx context.Context, pool *model.Pool, serialize SerializeFunc) ([]Result, error) {
	if pool.Len() == 0 {
		return nil, nil
	}
	if serialize == nil {
		serialize = model.Serialize
	}

	docs := model.NewArray()
	files := make([][]model.FileField, pool.Len())
	for i, doc := range pool.Docs() {
		if doc == nil {
			return nil, errors.Wrapf(model.ErrInvalidArgument, "nil document at position %d", i)
		}
		body, ff, err := model.SplitAttachments(doc)
		if err != nil {
			return nil, errors.Wrapf(err, "document at position %d", i)
		}
		docs.Append(model.ObjectValue(body))
		files[i] = ff
	}
	envelope := model.NewObject()
	envelope.Set("docs", model.ArrayValue(docs))
	data, err := serialize(model.ObjectValue(envelope))
	if err != nil {
		return nil, errors.Wrap(err, "serialize bulk request")
	}

	resp, err := db.do(ctx, &Request{Method: http.MethodPost, Path: db.path("_bulk_docs"), Body: data})
	if err != nil {
		return nil, err
	}
	// a request-level failure is an object; per-document failures sit in the array
	if resp.IsObject() && model.HasError(resp) {
		return nil, model.NewRemoteError("bulk write", resp)
	}
	arr, err := resp.AsArray()
	if err != nil {
		return nil, errors.Wrap(err, "bulk response")
	}
	if arr.Len() != pool.Len() {
		return nil, errors.Wrapf(model.ErrInconsistent, "bulk response has %d entries for %d documents", arr.Len(), pool.Len())
	}

	results := make([]Result, arr.Len())
	for i, item := range arr.Items() {
		if results[i], err = parseResult(item); err != nil {
			return nil, err
		}
	}
	db.metrics.observeBulk(results)

	var attachErr *AttachmentError
	for i, ff := range files {
		if len(ff) == 0 || !results[i].OK() {
			continue
		}
		for _, f := range ff {
			rev, err := db.PutAttachment(ctx, results[i].ID, results[i].Rev, f.Name, contentType(f.Name), []byte(f.Data))
			if err != nil {
				if attachErr == nil {
					attachErr = &AttachmentError{}
				}
				attachErr.Failures = append(attachErr.Failures, AttachmentFailure{Index: i, ID: results[i].ID, Name: f.Name, Err: err})
				break
			}
			results[i].Rev = rev
		}
	}
	if attachErr != nil {
		return results, attachErr
	}
	return results, nil
}

// bulkFailure separates an error that left nothing written from an
// attachment failure that follows stored documents.
func bulkFailure(results []Result, err error) (fatal error, attachErr error) {
	if err == nil {
		return nil, nil
	}
	var ae *AttachmentError
	if results != nil && errors.As(err, &ae) {
		return nil, err
	}
	return err, nil
}

// Queue adds doc to the accumulator and returns its identifier. A document
// without "_id" gets one drawn from the identifier pool, stamped on doc
// itself. Reaching the accumulator size flushes it; documents the store
// rejects during that flush come back as a *BulkError.
func (db *Database) Queue(ctx context.Context, doc *model.Object, serialize SerializeFunc) (string, error) {
	if doc == nil {
		return "", errors.Wrap(model.ErrInvalidArgument, "nil document")
	}
	if err := checkReserved(doc); err != nil {
		return "", err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	id, err := doc.DocID()
	if err != nil {
		return "", err
	}
	if id == "" {
		if id, err = db.nextUUID(ctx); err != nil {
			return "", err
		}
		if err := doc.SetDocID(id, ""); err != nil {
			return "", err
		}
	}
	db.acc.Add(doc)

	if db.acc.Len() >= db.accSize {
		results, err := db.flushLocked(ctx, serialize)
		if results == nil && err != nil {
			return id, err
		}
		var failures []Skipped
		for i, r := range results {
			if !r.OK() {
				failures = append(failures, Skipped{Index: i, Result: r})
			}
		}
		if len(failures) > 0 {
			if err != nil {
				db.log.WithError(err).Warn("attachments not written during flush")
			}
			return id, &BulkError{Failures: failures}
		}
		if err != nil {
			return id, err
		}
	}
	return id, nil
}

// Flush writes all queued documents in one bulk call and stamps the new
// revisions on the documents that were stored. The accumulator is emptied
// once the bulk call succeeds, even if attachment writes fail afterwards;
// per-document failures are in the results.
func (db *Database) Flush(ctx context.Context, serialize SerializeFunc) ([]Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flushLocked(ctx, serialize)
}

// Pending returns the number of queued documents.
func (db *Database) Pending() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.acc.Len()
}

func (db *Database) flushLocked(ctx context.Context, serialize SerializeFunc) ([]Result, error) {
	if db.acc.Len() == 0 {
		return nil, nil
	}
	results, err := db.CreateBulk(ctx, db.acc, serialize)
	fatal, attachErr := bulkFailure(results, err)
	if fatal != nil {
		return results, fatal
	}
	acc := db.acc
	db.acc = model.NewPool()
	for i, r := range results {
		if r.OK() {
			if err := acc.At(i).SetRev(r.Rev); err != nil {
				return results, err
			}
		}
	}
	db.log.WithFields(log.Fields{"docs": acc.Len()}).Debug("flushed accumulator")
	return results, attachErr
}

func (db *Database) nextUUID(ctx context.Context) (string, error) {
	if len(db.uuids) == 0 {
		ids, err := fetchUUIDs(ctx, db.tr, db.uuidBatch)
		if err != nil {
			return "", err
		}
		db.uuids = ids
	}
	id := db.uuids[0]
	db.uuids = db.uuids[1:]
	return id, nil
}

// checkReserved rejects documents that use bare "id"/"rev" fields, which
// would shadow the identifiers stamped after a write.
func checkReserved(doc *model.Object) error {
	for _, k := range []string{"id", "rev"} {
		if doc.Has(k) {
			return errors.Wrapf(model.ErrReservedField, "document has a bare %q field", k)
		}
	}
	return nil
}

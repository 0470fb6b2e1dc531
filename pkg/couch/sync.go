package couch

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

// Sync runs s against the database. Identifiers and revisions assigned by
// the store are stamped on the caller's documents.
func (db *Database) Sync(ctx context.Context, s *Save) (*Report, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	l := db.log.WithField("mode", s.String())
	l.Debug("sync started")

	var (
		report *Report
		err    error
	)
	switch {
	case s.policy == policyCreateOrUpdate:
		report, err = db.createOrUpdate(ctx, s, l)
	case s.doc != nil:
		report, err = db.createSingle(ctx, s, l)
	default:
		report, err = db.createPool(ctx, s, l)
	}
	if err != nil {
		l.WithError(err).Warn("sync failed")
		return report, err
	}
	l.WithFields(log.Fields{
		"written": len(report.Written),
		"skipped": len(report.Skipped),
		"rounds":  report.Rounds,
	}).Debug("sync finished")
	return report, nil
}

func (db *Database) createSingle(ctx context.Context, s *Save, l *log.Entry) (*Report, error) {
	report := &Report{}
	id, err := s.doc.DocID()
	if err != nil {
		return report, err
	}
	ref, err := db.createDocument(ctx, s.doc, id, s.serializer())
	var ae *AttachmentError
	if err != nil && errors.As(err, &ae) {
		if serr := s.doc.SetDocID(ref.ID, ref.Rev); serr != nil {
			return report, serr
		}
		report.Written = append(report.Written, ref)
		return report, err
	}
	if err != nil {
		if s.policy == policyCreateOrSkip && errors.Is(err, model.ErrConflict) {
			skipped := Result{ID: id, Error: "conflict"}
			var re *model.RemoteError
			if errors.As(err, &re) {
				skipped.Error, skipped.Reason = re.Code, re.Reason
			}
			l.WithField("id", id).Info("document exists, skipped")
			report.Skipped = append(report.Skipped, Skipped{Index: 0, Result: skipped})
			return report, nil
		}
		return report, err
	}
	if err := s.doc.SetDocID(ref.ID, ref.Rev); err != nil {
		return report, err
	}
	report.Written = append(report.Written, ref)
	return report, nil
}

func (db *Database) createPool(ctx context.Context, s *Save, l *log.Entry) (*Report, error) {
	report := &Report{Rounds: 1, BulkCalls: 1}
	results, err := db.CreateBulk(ctx, s.pool, s.serializer())
	fatal, attachErr := bulkFailure(results, err)
	if fatal != nil {
		return report, fatal
	}
	var failures []Skipped
	for i, r := range results {
		if !r.OK() {
			failures = append(failures, Skipped{Index: i, Result: r})
			continue
		}
		if err := s.pool.At(i).SetDocID(r.ID, r.Rev); err != nil {
			return report, err
		}
		report.Written = append(report.Written, DocRef{ID: r.ID, Rev: r.Rev})
	}
	if len(failures) == 0 {
		return report, attachErr
	}
	if s.policy == policyCreateOnly {
		if attachErr != nil {
			l.WithError(attachErr).Warn("attachments not written")
		}
		return report, &BulkError{Failures: failures}
	}
	for _, f := range failures {
		l.WithFields(log.Fields{"id": f.ID, "error": f.Error}).Info("document rejected, skipped")
	}
	report.Skipped = failures
	return report, attachErr
}

// createOrUpdate submits the pool, then resubmits every rejected document
// with the revision the store currently holds, until all are written or
// the round limit is hit.
func (db *Database) createOrUpdate(ctx context.Context, s *Save, l *log.Entry) (*Report, error) {
	report := &Report{}
	pending := s.documents()
	defer func() { db.metrics.observeRounds(report.Rounds) }()

	for {
		if report.Rounds >= db.maxRounds {
			return report, errors.Wrapf(model.ErrNotConverged, "%d documents still rejected after %d rounds", pending.Len(), report.Rounds)
		}
		submitted := make([]string, pending.Len())
		for i, doc := range pending.Docs() {
			submitted[i], _ = doc.Rev()
		}

		report.Rounds++
		report.BulkCalls++
		results, err := db.CreateBulk(ctx, pending, s.serializer())
		fatal, attachErr := bulkFailure(results, err)
		if fatal != nil {
			return report, fatal
		}

		var failed []int
		for i, r := range results {
			if !r.OK() {
				failed = append(failed, i)
				continue
			}
			if err := pending.At(i).SetDocID(r.ID, r.Rev); err != nil {
				return report, err
			}
			report.Written = append(report.Written, DocRef{ID: r.ID, Rev: r.Rev})
		}
		if attachErr != nil {
			return report, attachErr
		}
		if len(failed) == 0 {
			return report, nil
		}
		db.metrics.observeConflicts(len(failed))
		l.WithFields(log.Fields{"round": report.Rounds, "rejected": len(failed)}).Debug("resolving rejected documents")

		revs, err := db.currentRevisions(ctx, pending, failed, results)
		if err != nil {
			return report, err
		}

		next := model.NewPool()
		for k, i := range failed {
			doc := pending.At(i)
			if revs[k] == submitted[i] {
				// rejected at the current revision: not a stale write
				return report, errors.Wrapf(results[i].Err(), "document %s rejected at its current revision %s", results[i].ID, revs[k])
			}
			if err := doc.SetRev(revs[k]); err != nil {
				return report, err
			}
			next.Add(doc)
		}
		pending = next
	}
}

// currentRevisions fetches the stored revision of each rejected document,
// at most fetchConcurrency at a time. The result is aligned with failed.
func (db *Database) currentRevisions(ctx context.Context, pending *model.Pool, failed []int, results []Result) ([]string, error) {
	ids := make([]string, len(failed))
	for k, i := range failed {
		ids[k] = results[i].ID
		if ids[k] == "" {
			ids[k], _ = pending.At(i).DocID()
		}
		if ids[k] == "" {
			return nil, errors.Wrapf(model.ErrInconsistent, "document at position %d rejected with %s but has no id", i, results[i].Error)
		}
	}

	revs := make([]string, len(failed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(db.fetchConcurrency)
	for k, id := range ids {
		k, id := k, id
		g.Go(func() error {
			doc, err := db.GetDocument(gctx, id, "")
			if err != nil {
				if errors.Is(err, model.ErrTransport) {
					return err
				}
				return errors.Wrapf(model.ErrInconsistent, "document %s was rejected but cannot be read: %v", id, err)
			}
			rev, err := doc.Rev()
			if err != nil {
				return err
			}
			if rev == "" {
				return errors.Wrapf(model.ErrInconsistent, "document %s has no revision", id)
			}
			revs[k] = rev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return revs, nil
}

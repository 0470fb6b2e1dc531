package storage

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

// CalculateID returns the storage key of a document: 128-bit BLAKE3 of
// "<db>/<docid>".
func CalculateID(db, docID string) string {
	hash := blake3.Sum256([]byte(db + "/" + docID))
	return hex.EncodeToString(hash[:16])
}

// Generation returns the numeric prefix of rev, 0 for "".
func Generation(rev string) int {
	if rev == "" {
		return 0
	}
	n, err := strconv.Atoi(rev[:strings.IndexByte(rev+"-", '-')])
	if err != nil {
		return 0
	}
	return n
}

// NextRevision derives the revision following prev for content.
func NextRevision(prev string, content []byte) string {
	h := blake3.New()
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write(content)
	sum := h.Sum(nil)
	return strconv.Itoa(Generation(prev)+1) + "-" + hex.EncodeToString(sum[:16])
}

// Digest renders the attachment digest reported in stubs.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3-" + hex.EncodeToString(sum[:16])
}

// checkRevision enforces optimistic concurrency on a write.
func checkRevision(current *Record, expect string) error {
	switch {
	case current == nil:
		if expect != "" {
			return errors.Wrapf(model.ErrConflict, "revision %s of a missing document", expect)
		}
	case current.Deleted:
		if expect != "" && expect != current.Rev {
			return errors.Wrapf(model.ErrConflict, "revision %s, deleted at %s", expect, current.Rev)
		}
	case expect != current.Rev:
		return errors.Wrapf(model.ErrConflict, "revision %q, current %s", expect, current.Rev)
	}
	return nil
}

func errNoDatabase(db string) error {
	return errors.Wrapf(model.ErrNotFound, "database %s does not exist", db)
}

func errDatabaseExists(db string) error {
	return errors.Wrapf(model.ErrExists, "database %s already exists", db)
}

func errNoDocument(id string) error {
	return errors.Wrapf(model.ErrNotFound, "document %s", id)
}

func errConcurrentWrite(id string) error {
	return errors.Wrapf(model.ErrConflict, "document %s changed concurrently", id)
}

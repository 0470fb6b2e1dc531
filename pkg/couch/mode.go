package couch

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

type policy int

const (
	policyCreateOnly policy = iota + 1
	policyCreateOrSkip
	policyCreateOrUpdate
)

func (p policy) String() string {
	switch p {
	case policyCreateOnly:
		return "create-only"
	case policyCreateOrSkip:
		return "create-or-skip"
	case policyCreateOrUpdate:
		return "create-or-update"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Save describes one write: a single document or a pool, and what to do
// when a document already exists. Build it with one of the constructors
// and run it with Database.Sync.
type Save struct {
	policy    policy
	doc       *model.Object
	pool      *model.Pool
	serialize SerializeFunc
}

// CreateOnly writes doc as a new document; an existing id is an error.
func CreateOnly(doc *model.Object) *Save {
	return &Save{policy: policyCreateOnly, doc: doc}
}

// CreateOnlyPool writes every document of pool in one bulk call; any
// rejected document makes Sync return a *BulkError.
func CreateOnlyPool(pool *model.Pool) *Save {
	return &Save{policy: policyCreateOnly, pool: pool}
}

// CreateOrSkip writes doc unless its id is taken.
func CreateOrSkip(doc *model.Object) *Save {
	return &Save{policy: policyCreateOrSkip, doc: doc}
}

// CreateOrSkipPool writes pool in one bulk call and reports rejected
// documents in Report.Skipped.
func CreateOrSkipPool(pool *model.Pool) *Save {
	return &Save{policy: policyCreateOrSkip, pool: pool}
}

// CreateOrUpdate writes doc, replacing the stored version on conflict.
func CreateOrUpdate(doc *model.Object) *Save {
	return &Save{policy: policyCreateOrUpdate, doc: doc}
}

// CreateOrUpdatePool writes pool, resubmitting conflicting documents with
// their current revisions until every document is stored.
func CreateOrUpdatePool(pool *model.Pool) *Save {
	return &Save{policy: policyCreateOrUpdate, pool: pool}
}

// WithSerializer replaces the body serializer used by the write.
func (s *Save) WithSerializer(fn SerializeFunc) *Save {
	s.serialize = fn
	return s
}

func (s *Save) String() string {
	n := 1
	if s.pool != nil {
		n = s.pool.Len()
	}
	return fmt.Sprintf("%s(%d docs)", s.policy, n)
}

func (s *Save) documents() *model.Pool {
	if s.pool != nil {
		return s.pool
	}
	return model.NewPool(s.doc)
}

func (s *Save) serializer() SerializeFunc {
	if s.serialize != nil {
		return s.serialize
	}
	return model.Serialize
}

func (s *Save) validate() error {
	if s == nil {
		return errors.Wrap(model.ErrInvalidArgument, "nil save")
	}
	switch s.policy {
	case policyCreateOnly, policyCreateOrSkip, policyCreateOrUpdate:
	default:
		return errors.Wrapf(model.ErrInvalidArgument, "unknown write policy %s", s.policy)
	}
	if (s.doc == nil) == (s.pool == nil) {
		return errors.Wrap(model.ErrInvalidArgument, "save needs exactly one of document or pool")
	}
	for i, doc := range s.documents().Docs() {
		if doc == nil {
			return errors.Wrapf(model.ErrInvalidArgument, "nil document at position %d", i)
		}
		if err := checkReserved(doc); err != nil {
			return errors.Wrapf(err, "document at position %d", i)
		}
	}
	return nil
}

// Report summarizes a Sync.
type Report struct {
	// Written holds the final id and revision of every stored document in
	// the order they were confirmed.
	Written []DocRef
	// Skipped holds the documents a create-or-skip write left alone.
	Skipped []Skipped
	// Rounds is the number of bulk rounds a create-or-update write needed.
	Rounds    int
	BulkCalls int
}

// Skipped is a document rejected by the store, with its pool position.
type Skipped struct {
	Index int
	Result
}

// BulkError lists the documents a create-only pool write could not store.
type BulkError struct {
	Failures []Skipped
}

func (e *BulkError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("#%d %s: %s", f.Index, f.ID, f.Error))
	}
	return fmt.Sprintf("%d documents rejected: %s", len(e.Failures), strings.Join(parts, ", "))
}

// Is matches a sentinel when every failure maps onto it.
func (e *BulkError) Is(target error) bool {
	if len(e.Failures) == 0 {
		return false
	}
	for _, f := range e.Failures {
		if !errors.Is(f.Err(), target) {
			return false
		}
	}
	return true
}

// AttachmentError reports attachment writes that failed after their
// documents were stored. The documents keep the revision of their last
// successful write.
type AttachmentError struct {
	Failures []AttachmentFailure
}

// AttachmentFailure is one attachment the store did not accept.
type AttachmentFailure struct {
	Index int
	ID    string
	Name  string
	Err   error
}

func (e *AttachmentError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("#%d %s/%s: %v", f.Index, f.ID, f.Name, f.Err))
	}
	return fmt.Sprintf("%d attachments not written: %s", len(e.Failures), strings.Join(parts, ", "))
}

// Unwrap exposes the first failure's cause.
func (e *AttachmentError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[0].Err
}

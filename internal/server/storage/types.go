package storage

import (
	"context"
)

// Record is the current revision of one document.
type Record struct {
	// DocID is the document id as seen by clients
	DocID string

	// Rev is the current revision, "<generation>-<digest>"
	Rev string

	// Body is the JSON document without _id, _rev and _attachments
	Body []byte

	// Deleted marks a tombstone kept to continue the revision chain
	Deleted bool

	// Attachments keyed by name
	Attachments map[string]Attachment

	// History holds previous revisions, newest first
	History []string
}

type Attachment struct {
	ContentType string
	Data        []byte
	Digest      string
}

// Clone returns a copy that shares no slices or maps with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Body = append([]byte(nil), r.Body...)
	c.History = append([]string(nil), r.History...)
	if r.Attachments != nil {
		c.Attachments = make(map[string]Attachment, len(r.Attachments))
		for k, a := range r.Attachments {
			a.Data = append([]byte(nil), a.Data...)
			c.Attachments[k] = a
		}
	}
	return &c
}

// Backend stores databases and their documents.
type Backend interface {
	CreateDatabase(ctx context.Context, db string) error
	DeleteDatabase(ctx context.Context, db string) error
	DatabaseExists(ctx context.Context, db string) (bool, error)
	ListDatabases(ctx context.Context) ([]string, error)

	// Get returns the record of id, tombstones included.
	Get(ctx context.Context, db, id string) (*Record, error)

	// Put stores rec if the stored revision of rec.DocID is expectRev.
	// An empty expectRev matches a missing document or a tombstone.
	Put(ctx context.Context, db string, rec *Record, expectRev string) error

	// List returns live records ordered by id.
	List(ctx context.Context, db string) ([]*Record, error)

	Close(ctx context.Context) error
}

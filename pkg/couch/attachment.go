package couch

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sort"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

const defaultContentType = "text/plain"

// contentType guesses a MIME type from the attachment name.
func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return defaultContentType
}

// AttachmentInfo describes an attachment stub of a document.
type AttachmentInfo struct {
	Name        string
	ContentType string
	Length      int64
	Digest      string
}

// PutAttachment writes data as attachment name of document id at rev and
// returns the new document revision. An empty rev creates the document.
func (db *Database) PutAttachment(ctx context.Context, id, rev, name, ctype string, data []byte) (string, error) {
	if id == "" || name == "" {
		return "", errors.Wrap(model.ErrInvalidArgument, "attachment needs document id and name")
	}
	if ctype == "" {
		ctype = contentType(name)
	}
	req := &Request{
		Method: http.MethodPut,
		Path:   db.path(docPath(id), url.PathEscape(name)),
		Header: http.Header{"Content-Type": {ctype}},
		Body:   data,
	}
	if rev != "" {
		req.Query = url.Values{"rev": {rev}}
	}
	resp, err := db.object(ctx, "put attachment "+id+"/"+name, req)
	if err != nil {
		return "", err
	}
	return resp.Rev()
}

// GetAttachment returns the raw bytes of attachment name of document id.
func (db *Database) GetAttachment(ctx context.Context, id, name string) ([]byte, error) {
	if id == "" || name == "" {
		return nil, errors.Wrap(model.ErrInvalidArgument, "attachment needs document id and name")
	}
	return db.tr.DoRaw(ctx, &Request{
		Method: http.MethodGet,
		Path:   db.path(docPath(id), url.PathEscape(name)),
	})
}

// DeleteAttachment removes attachment name from document id at rev and
// returns the new document revision.
func (db *Database) DeleteAttachment(ctx context.Context, id, rev, name string) (string, error) {
	if id == "" || name == "" || rev == "" {
		return "", errors.Wrap(model.ErrInvalidArgument, "attachment delete needs id, rev and name")
	}
	resp, err := db.object(ctx, "delete attachment "+id+"/"+name, &Request{
		Method: http.MethodDelete,
		Path:   db.path(docPath(id), url.PathEscape(name)),
		Query:  url.Values{"rev": {rev}},
	})
	if err != nil {
		return "", err
	}
	return resp.Rev()
}

// ListAttachments returns the attachment stubs of document id sorted by name.
func (db *Database) ListAttachments(ctx context.Context, id string) ([]AttachmentInfo, error) {
	doc, err := db.GetDocument(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if !doc.Has(model.FieldAttachments) {
		return nil, nil
	}
	stubs, err := doc.GetObject(model.FieldAttachments)
	if err != nil {
		return nil, err
	}
	out := make([]AttachmentInfo, 0, stubs.Len())
	stubs.Range(func(name string, v model.Value) bool {
		info := AttachmentInfo{Name: name}
		if o, err := v.AsObject(); err == nil {
			info.ContentType, _ = o.GetString("content_type")
			info.Length, _ = o.GetInt("length")
			info.Digest, _ = o.GetString("digest")
		}
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

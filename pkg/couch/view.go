package couch

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

// Row is one row of a view or _all_docs result.
type Row struct {
	ID    string
	Key   model.Value
	Value model.Value
	Doc   *model.Object
}

// ViewResult is a parsed view response. Rows keep the store's order.
type ViewResult struct {
	TotalRows int64
	Offset    int64
	Rows      []Row
}

func parseViewResult(op string, o *model.Object) (*ViewResult, error) {
	res := &ViewResult{}
	var err error
	if o.Has("total_rows") {
		if res.TotalRows, err = o.GetInt("total_rows"); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}
	if o.Has("offset") {
		if res.Offset, err = o.GetInt("offset"); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}
	rows, err := o.GetArray("rows")
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	res.Rows = make([]Row, 0, rows.Len())
	for _, item := range rows.Items() {
		ro, err := item.AsObject()
		if err != nil {
			return nil, errors.Wrapf(err, "%s: row", op)
		}
		var row Row
		if ro.Has("id") {
			if row.ID, err = ro.GetString("id"); err != nil {
				return nil, errors.Wrapf(err, "%s: row", op)
			}
		}
		row.Key, _ = ro.Get("key")
		row.Value, _ = ro.Get("value")
		if dv, ok := ro.Get("doc"); ok && dv.IsObject() {
			row.Doc, _ = dv.AsObject()
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func designID(design string) string {
	if strings.HasPrefix(design, designPrefix) {
		return design
	}
	return designPrefix + design
}

// QueryView runs view of design document design. An empty design means
// DesignName().
func (db *Database) QueryView(ctx context.Context, design, view string, q model.RangeQuery) (*ViewResult, error) {
	if view == "" {
		return nil, errors.Wrap(model.ErrInvalidArgument, "empty view name")
	}
	if design == "" {
		design = db.DesignName()
	}
	op := "view " + design + "/" + view
	o, err := db.object(ctx, op, &Request{
		Method: http.MethodGet,
		Path:   db.path(docPath(designID(design)), "_view", url.PathEscape(view)),
		Query:  q.Values(),
	})
	if err != nil {
		return nil, err
	}
	return parseViewResult(op, o)
}

// AllDocs queries the built-in _all_docs index.
func (db *Database) AllDocs(ctx context.Context, q model.RangeQuery) (*ViewResult, error) {
	o, err := db.object(ctx, "all docs", &Request{
		Method: http.MethodGet,
		Path:   db.path("_all_docs"),
		Query:  q.Values(),
	})
	if err != nil {
		return nil, err
	}
	return parseViewResult("all docs", o)
}

// HasView reports whether view exists in design.
func (db *Database) HasView(ctx context.Context, design, view string) (bool, error) {
	_, err := db.QueryView(ctx, design, view, model.RangeQuery{Limit: 1})
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PutView stores a map (and optional reduce) function as view of design,
// creating the design document when needed.
func (db *Database) PutView(ctx context.Context, design, view, mapFn, reduceFn string) (DocRef, error) {
	if view == "" || mapFn == "" {
		return DocRef{}, errors.Wrap(model.ErrInvalidArgument, "view needs a name and a map function")
	}
	if design == "" {
		design = db.DesignName()
	}
	id := designID(design)

	doc, err := db.GetDocument(ctx, id, "")
	switch {
	case errors.Is(err, model.ErrNotFound):
		doc = model.NewObject()
		doc.Set(model.FieldID, model.StringValue(id))
		doc.Set("language", model.StringValue("javascript"))
	case err != nil:
		return DocRef{}, err
	}

	views := model.NewObject()
	if doc.Has("views") {
		if views, err = doc.GetObject("views"); err != nil {
			return DocRef{}, err
		}
	}
	fn := model.NewObject()
	fn.Set("map", model.StringValue(mapFn))
	if reduceFn != "" {
		fn.Set("reduce", model.StringValue(reduceFn))
	}
	views.Set(view, model.ObjectValue(fn))
	doc.Set("views", model.ObjectValue(views))

	return db.CreateDocument(ctx, doc, id)
}

// View reads rows from a view. Load fills Rows and TotalRows and sets OK,
// or records the failure in Err; it never returns an error itself.
type View struct {
	Design      string
	Name        string
	Key         string
	IncludeDocs bool
	Limit       int

	Rows      []Row
	TotalRows int64
	OK        bool
	Err       error
}

// Load runs v against the database and reports v.OK.
func (db *Database) Load(ctx context.Context, v *View) bool {
	v.Rows, v.TotalRows, v.OK, v.Err = nil, 0, false, nil
	res, err := db.QueryView(ctx, v.Design, v.Name, model.RangeQuery{
		Key:         v.Key,
		IncludeDocs: v.IncludeDocs,
		Limit:       v.Limit,
	})
	if err != nil {
		db.log.WithError(err).Debugf("view %s/%s failed", v.Design, v.Name)
		v.Err = err
		return false
	}
	v.Rows, v.TotalRows, v.OK = res.Rows, res.TotalRows, true
	return true
}

// Docs returns the documents of rows loaded with IncludeDocs.
func (v *View) Docs() []*model.Object {
	docs := make([]*model.Object, 0, len(v.Rows))
	for _, r := range v.Rows {
		if r.Doc != nil {
			docs = append(docs, r.Doc)
		}
	}
	return docs
}

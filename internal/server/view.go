package server

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

// Map functions are not executed by a JavaScript engine. The server
// understands the common single-emit shape
//
//	function(doc) { [if (<cond>)] emit(<expr>, <expr>); }
//
// where an expression is the document, a dotted field path, a literal or
// an array of those, and a condition is an expression or a comparison of
// two. Anything else answers 501 not_implemented.
var (
	mapFuncRe = regexp.MustCompile(`(?s)^\s*function\s*\(\s*([A-Za-z_$][\w$]*)\s*\)\s*\{(.*)\}\s*;?\s*$`)
	guardRe   = regexp.MustCompile(`(?s)^if\s*\((.+?)\)\s*(?:\{(.*)\}|(.*))$`)
	emitRe    = regexp.MustCompile(`(?s)^emit\s*\((.*)\)\s*;?$`)
	compareRe = regexp.MustCompile(`^(.+?)\s*(===|!==|==|!=)\s*(.+)$`)
	identRe   = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
)

var errUnsupportedMap = errors.New("unsupported map function")

// expr evaluates against a document; false means undefined.
type expr func(doc *model.Object) (model.Value, bool)

type mapFunc struct {
	guard func(doc *model.Object) bool
	key   expr
	value expr
}

func compileMap(src string) (*mapFunc, error) {
	m := mapFuncRe.FindStringSubmatch(src)
	if m == nil {
		return nil, errors.Wrap(errUnsupportedMap, "expected function(doc) { ... }")
	}
	param, body := m[1], strings.TrimSpace(m[2])

	fn := &mapFunc{guard: func(*model.Object) bool { return true }}
	if g := guardRe.FindStringSubmatch(body); g != nil {
		cond, err := compileCondition(param, g[1])
		if err != nil {
			return nil, err
		}
		fn.guard = cond
		body = strings.TrimSpace(g[2] + g[3])
	}

	e := emitRe.FindStringSubmatch(body)
	if e == nil {
		return nil, errors.Wrap(errUnsupportedMap, "expected a single emit")
	}
	args := splitArgs(e[1])
	if len(args) != 2 {
		return nil, errors.Wrapf(errUnsupportedMap, "emit takes 2 arguments, got %d", len(args))
	}
	var err error
	if fn.key, err = compileExpr(param, args[0]); err != nil {
		return nil, err
	}
	if fn.value, err = compileExpr(param, args[1]); err != nil {
		return nil, err
	}
	return fn, nil
}

// emit returns the key and value for doc; ok is false when the guard fails
// or the key is undefined.
func (fn *mapFunc) emit(doc *model.Object) (model.Value, model.Value, bool) {
	if !fn.guard(doc) {
		return model.Null, model.Null, false
	}
	key, ok := fn.key(doc)
	if !ok {
		return model.Null, model.Null, false
	}
	value, ok := fn.value(doc)
	if !ok {
		value = model.Null
	}
	return key, value, true
}

func compileCondition(param, src string) (func(*model.Object) bool, error) {
	src = strings.TrimSpace(src)
	if m := compareRe.FindStringSubmatch(src); m != nil {
		left, err := compileExpr(param, m[1])
		if err != nil {
			return nil, err
		}
		right, err := compileExpr(param, m[3])
		if err != nil {
			return nil, err
		}
		negate := strings.HasPrefix(m[2], "!")
		return func(doc *model.Object) bool {
			l, lok := left(doc)
			r, rok := right(doc)
			equal := lok == rok && (!lok || (kindRank(l) == kindRank(r) && collate(l, r) == 0))
			return equal != negate
		}, nil
	}
	e, err := compileExpr(param, src)
	if err != nil {
		return nil, err
	}
	return func(doc *model.Object) bool {
		v, ok := e(doc)
		return ok && truthy(v)
	}, nil
}

func truthy(v model.Value) bool {
	switch v.Kind() {
	case model.KindNull:
		return false
	case model.KindBool:
		b, _ := v.AsBool()
		return b
	case model.KindInt, model.KindFloat:
		return number(v) != 0
	case model.KindString:
		s, _ := v.AsString()
		return s != ""
	}
	return true
}

func compileExpr(param, src string) (expr, error) {
	src = strings.TrimSpace(src)
	switch {
	case src == param:
		return func(doc *model.Object) (model.Value, bool) { return model.ObjectValue(doc), true }, nil

	case strings.HasPrefix(src, param+"."):
		path := strings.Split(strings.TrimPrefix(src, param+"."), ".")
		for _, p := range path {
			if !identRe.MatchString(p) {
				return nil, errors.Wrapf(errUnsupportedMap, "field path %q", src)
			}
		}
		return func(doc *model.Object) (model.Value, bool) { return lookupPath(doc, path) }, nil

	case strings.HasPrefix(src, "[") && strings.HasSuffix(src, "]"):
		var items []expr
		for _, part := range splitArgs(src[1 : len(src)-1]) {
			e, err := compileExpr(param, part)
			if err != nil {
				return nil, err
			}
			items = append(items, e)
		}
		return func(doc *model.Object) (model.Value, bool) {
			arr := model.NewArray()
			for _, e := range items {
				v, ok := e(doc)
				if !ok {
					v = model.Null
				}
				arr.Append(v)
			}
			return model.ArrayValue(arr), true
		}, nil

	case len(src) >= 2 && src[0] == '\'' && src[len(src)-1] == '\'':
		lit := model.StringValue(src[1 : len(src)-1])
		return func(*model.Object) (model.Value, bool) { return lit, true }, nil
	}

	lit, err := model.Parse([]byte(src))
	if err != nil || lit.IsObject() {
		return nil, errors.Wrapf(errUnsupportedMap, "expression %q", src)
	}
	return func(*model.Object) (model.Value, bool) { return lit, true }, nil
}

func lookupPath(doc *model.Object, path []string) (model.Value, bool) {
	cur := doc
	for i, p := range path {
		v, ok := cur.Get(p)
		if !ok {
			return model.Null, false
		}
		if i == len(path)-1 {
			return v, true
		}
		if cur, ok = objectOf(v); !ok {
			return model.Null, false
		}
	}
	return model.Null, false
}

func objectOf(v model.Value) (*model.Object, bool) {
	o, err := v.AsObject()
	return o, err == nil
}

// splitArgs splits s on commas outside brackets and quotes.
func splitArgs(s string) []string {
	var (
		out   []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[' || c == '{' || c == '(':
			depth++
		case c == ']' || c == '}' || c == ')':
			depth--
		case c == ',' && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" || len(out) > 0 {
		out = append(out, tail)
	}
	return out
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	db, ddoc, name := pathVar(r, "db"), pathVar(r, "ddoc"), pathVar(r, "view")
	q, err := model.ParseRangeQuery(r.URL.Query())
	if err != nil {
		s.fail(w, err)
		return
	}
	design, err := s.current(r.Context(), db, designPrefix+ddoc)
	if err != nil {
		s.fail(w, err)
		return
	}
	if design == nil || design.Deleted {
		writeMissing(w, design)
		return
	}
	def, err := viewDefinition(design.Body, name)
	if err != nil {
		s.fail(w, err)
		return
	}
	if def == nil {
		writeError(w, http.StatusNotFound, "not_found", "missing_named_view")
		return
	}
	mapSrc, _ := def.GetString("map")
	fn, err := compileMap(mapSrc)
	if err != nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error())
		return
	}
	reduceSrc, _ := def.GetString("reduce")
	reduce := reduceSrc != "" && r.URL.Query().Get("reduce") != "false"
	if reduce && reduceSrc != "_count" && reduceSrc != "_sum" {
		writeError(w, http.StatusNotImplemented, "not_implemented", "only _count and _sum reduce functions are supported")
		return
	}

	recs, err := s.backend.List(r.Context(), db)
	if err != nil {
		s.fail(w, err)
		return
	}
	rows := make([]row, 0, len(recs))
	for _, rec := range recs {
		if strings.HasPrefix(rec.DocID, designPrefix) {
			continue
		}
		doc, err := docObject(rec, false)
		if err != nil {
			s.fail(w, err)
			return
		}
		key, value, ok := fn.emit(doc)
		if !ok {
			continue
		}
		rows = append(rows, row{id: rec.DocID, key: key, value: value, rec: rec})
	}
	sortRows(rows)

	if reduce {
		res, err := reduceRows(rows, q, reduceSrc, r.URL.Query().Get("group") == "true")
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, model.ObjectValue(res))
		return
	}
	res, err := renderRows(rows, q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ObjectValue(res))
}

// viewDefinition returns views.<name> of a design document body, or nil.
func viewDefinition(body []byte, name string) (*model.Object, error) {
	if len(body) == 0 {
		return nil, nil
	}
	doc, err := model.ParseObject(body)
	if err != nil {
		return nil, err
	}
	v, ok := doc.Get("views")
	if !ok {
		return nil, nil
	}
	views, ok := objectOf(v)
	if !ok {
		return nil, nil
	}
	def, ok := views.Get(name)
	if !ok {
		return nil, nil
	}
	o, ok := objectOf(def)
	if !ok {
		return nil, errors.Wrapf(model.ErrInvalidArgument, "view %s is not an object", name)
	}
	return o, nil
}

func reduceRows(rows []row, q model.RangeQuery, fn string, group bool) (*model.Object, error) {
	limit := q.Limit
	q.Limit = 0
	selected, _, err := selectRows(rows, q)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		key   model.Value
		count int64
		sum   float64
		ints  bool
	}
	var buckets []*bucket
	for _, r := range selected {
		var b *bucket
		if n := len(buckets); n > 0 && (!group || collate(buckets[n-1].key, r.key) == 0) {
			b = buckets[n-1]
		} else {
			b = &bucket{key: r.key, ints: true}
			if !group {
				b.key = model.Null
			}
			buckets = append(buckets, b)
		}
		b.count++
		if fn == "_sum" {
			switch r.value.Kind() {
			case model.KindInt:
			case model.KindFloat:
				b.ints = false
			default:
				return nil, errors.Wrapf(model.ErrInvalidArgument, "_sum over non-numeric value of %s", r.id)
			}
			b.sum += number(r.value)
		}
	}
	if !group && len(buckets) == 0 && fn == "_count" {
		buckets = append(buckets, &bucket{key: model.Null, ints: true})
	}
	if limit > 0 && len(buckets) > limit {
		buckets = buckets[:limit]
	}

	items := model.NewArray()
	for _, b := range buckets {
		o := model.NewObject()
		o.Set("key", b.key)
		switch {
		case fn == "_count":
			o.Set("value", model.IntValue(b.count))
		case b.ints:
			o.Set("value", model.IntValue(int64(b.sum)))
		default:
			o.Set("value", model.FloatValue(b.sum))
		}
		items.Append(model.ObjectValue(o))
	}
	res := model.NewObject()
	res.Set("rows", model.ArrayValue(items))
	return res, nil
}

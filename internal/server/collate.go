package server

import (
	"sort"
	"strings"

	"github.com/syrokomskyi/couchfine/internal/server/storage"
	"github.com/syrokomskyi/couchfine/pkg/model"
)

// row is one entry of _all_docs or of a view before rendering.
type row struct {
	id    string
	key   model.Value
	value model.Value
	rec   *storage.Record
}

// kindRank orders values across kinds: null, false, true, numbers, strings,
// arrays, objects.
func kindRank(v model.Value) int {
	switch v.Kind() {
	case model.KindNull:
		return 0
	case model.KindBool:
		if b, _ := v.AsBool(); b {
			return 2
		}
		return 1
	case model.KindInt, model.KindFloat:
		return 3
	case model.KindString:
		return 4
	case model.KindArray:
		return 5
	}
	return 6
}

// collate compares keys in view order. Strings compare by code point.
func collate(a, b model.Value) int {
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 3:
		fa, fb := number(a), number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 4:
		sa, _ := a.AsString()
		sb, _ := b.AsString()
		return strings.Compare(sa, sb)
	case 5:
		aa, _ := a.AsArray()
		ab, _ := b.AsArray()
		for i := 0; i < aa.Len() && i < ab.Len(); i++ {
			if c := collate(aa.At(i), ab.At(i)); c != 0 {
				return c
			}
		}
		return aa.Len() - ab.Len()
	case 6:
		oa, _ := a.AsObject()
		ob, _ := b.AsObject()
		ka, kb := oa.Keys(), ob.Keys()
		for i := 0; i < len(ka) && i < len(kb); i++ {
			if c := strings.Compare(ka[i], kb[i]); c != 0 {
				return c
			}
			va, _ := oa.Get(ka[i])
			vb, _ := ob.Get(kb[i])
			if c := collate(va, vb); c != 0 {
				return c
			}
		}
		return len(ka) - len(kb)
	}
	return 0
}

func number(v model.Value) float64 {
	if v.Kind() == model.KindInt {
		i, _ := v.AsInt()
		return float64(i)
	}
	f, _ := v.AsFloat()
	return f
}

func sortRows(rows []row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if c := collate(rows[i].key, rows[j].key); c != 0 {
			return c < 0
		}
		return rows[i].id < rows[j].id
	})
}

func parseKey(s string) (model.Value, bool, error) {
	if s == "" {
		return model.Null, false, nil
	}
	v, err := model.Parse([]byte(s))
	return v, true, err
}

// selectRows applies key, range, direction and limit of q to rows sorted
// ascending. offset counts the rows preceding the selection.
func selectRows(rows []row, q model.RangeQuery) ([]row, int, error) {
	key, hasKey, err := parseKey(q.Key)
	if err != nil {
		return nil, 0, err
	}
	start, hasStart, err := parseKey(q.StartKey)
	if err != nil {
		return nil, 0, err
	}
	end, hasEnd, err := parseKey(q.EndKey)
	if err != nil {
		return nil, 0, err
	}

	ordered := rows
	if q.Descending {
		ordered = make([]row, len(rows))
		for i, r := range rows {
			ordered[len(rows)-1-i] = r
		}
	}
	dir := 1
	if q.Descending {
		dir = -1
	}

	out := make([]row, 0)
	offset := -1
	for i, r := range ordered {
		if hasKey && collate(r.key, key) != 0 {
			continue
		}
		if hasStart && dir*collate(r.key, start) < 0 {
			continue
		}
		if hasEnd && dir*collate(r.key, end) > 0 {
			continue
		}
		if offset < 0 {
			offset = i
		}
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
		out = append(out, r)
	}
	if offset < 0 {
		offset = len(ordered)
	}
	return out, offset, nil
}

// renderRows builds the {total_rows, offset, rows} response.
func renderRows(rows []row, q model.RangeQuery) (*model.Object, error) {
	selected, offset, err := selectRows(rows, q)
	if err != nil {
		return nil, err
	}
	items := model.NewArray()
	for _, r := range selected {
		o := model.NewObject()
		o.Set("id", model.StringValue(r.id))
		o.Set("key", r.key)
		o.Set("value", r.value)
		if q.IncludeDocs && r.rec != nil {
			doc, err := docObject(r.rec, false)
			if err != nil {
				return nil, err
			}
			o.Set("doc", model.ObjectValue(doc))
		}
		items.Append(model.ObjectValue(o))
	}
	res := model.NewObject()
	res.Set("total_rows", model.IntValue(int64(len(rows))))
	res.Set("offset", model.IntValue(int64(offset)))
	res.Set("rows", model.ArrayValue(items))
	return res, nil
}

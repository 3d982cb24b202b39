package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// CompareOp is a comparison operator in a filter condition.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Cond compares one indexed field against a literal value.
type Cond struct {
	Field string
	Op    CompareOp
	Value string
}

// Filter is a conjunction of conditions over a bucket's indexed
// fields. An empty filter matches every document.
//
// Values compare as strings. Timestamp fields use a fixed-width
// encoding, so lexicographic order is chronological and range
// operators work on them.
type Filter []Cond

// Eq matches documents whose field equals value.
func Eq(field, value string) Cond { return Cond{Field: field, Op: OpEq, Value: value} }

// Ne matches documents whose field differs from value.
func Ne(field, value string) Cond { return Cond{Field: field, Op: OpNe, Value: value} }

// Lt matches documents whose field is less than value.
func Lt(field, value string) Cond { return Cond{Field: field, Op: OpLt, Value: value} }

// Le matches documents whose field is at most value.
func Le(field, value string) Cond { return Cond{Field: field, Op: OpLe, Value: value} }

// Gt matches documents whose field is greater than value.
func Gt(field, value string) Cond { return Cond{Field: field, Op: OpGt, Value: value} }

// Ge matches documents whose field is at least value.
func Ge(field, value string) Cond { return Cond{Field: field, Op: OpGe, Value: value} }

// Fields returns the set of field names the filter references.
func (f Filter) Fields() []string {
	fields := make([]string, 0, len(f))
	for _, c := range f {
		fields = append(fields, c.Field)
	}
	return fields
}

// Matches reports whether a decoded document satisfies every
// condition. Backends without native query support use this after
// decoding each candidate document. Missing fields compare as the
// empty string, matching the SQL backends.
func (f Filter) Matches(doc map[string]interface{}) bool {
	for _, c := range f {
		if !compareStrings(fieldString(doc[c.Field]), c.Op, c.Value) {
			return false
		}
	}
	return true
}

func fieldString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func compareStrings(a string, op CompareOp, b string) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	default:
		return false
	}
}

// localDoc is a decoded candidate row in a backend that scans.
type localDoc struct {
	key   string
	value []byte
	etag  string
	doc   map[string]interface{}
}

func decodeLocalDoc(key string, value []byte, etag string) (localDoc, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(value, &doc); err != nil {
		return localDoc{}, fmt.Errorf("store: document %q is not valid JSON: %w", key, err)
	}
	return localDoc{key: key, value: value, etag: etag, doc: doc}, nil
}

// applyFind filters, orders, and pages scanned documents. Results are
// tie-broken by key so paging is stable across calls.
func applyFind(docs []localDoc, filter Filter, opts FindOptions, queryLimit int) []Item {
	matched := docs[:0:0]
	for _, d := range docs {
		if filter.Matches(d.doc) {
			matched = append(matched, d)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		for _, k := range opts.Sort {
			a := fieldString(matched[i].doc[k.Field])
			b := fieldString(matched[j].doc[k.Field])
			if a == b {
				continue
			}
			if k.Desc {
				return a > b
			}
			return a < b
		}
		return matched[i].key < matched[j].key
	})

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []Item{}
	}

	limit := opts.Limit
	if limit <= 0 || limit > queryLimit {
		limit = queryLimit
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	items := make([]Item, 0, end-offset)
	for _, d := range matched[offset:end] {
		items = append(items, Item{Key: d.key, Value: d.value, Etag: d.etag})
	}
	return items
}

// validateFilterFields rejects conditions and sort keys on fields the
// bucket does not index, so behavior matches the SQL backends which
// can only query indexed fields efficiently.
func validateFilterFields(bucket Bucket, filter Filter, opts FindOptions) error {
	indexed := make(map[string]bool, len(bucket.Indexes))
	for _, f := range bucket.Indexes {
		indexed[f] = true
	}
	for _, c := range filter {
		if !indexed[c.Field] {
			return fmt.Errorf("store: field %q is not indexed in bucket %q", c.Field, bucket.Name)
		}
	}
	for _, k := range opts.Sort {
		if !indexed[k.Field] {
			return fmt.Errorf("store: field %q is not indexed in bucket %q", k.Field, bucket.Name)
		}
	}
	return nil
}

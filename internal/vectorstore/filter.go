package vectorstore

import (
	"encoding/json"
	"fmt"
)

// Op is the operator of a Filter node.
type Op string

const (
	OpAnd Op = "$and"
	OpOr  Op = "$or"
	OpEq  Op = "$eq"
	OpIn  Op = "$in"
)

// Filter is a metadata filter tree. Leaves (Eq, In) test one field; And and Or
// combine child filters.
type Filter struct {
	Op       Op
	Field    string
	Values   []string
	Children []*Filter
}

// Eq matches documents whose field equals value.
func Eq(field, value string) *Filter {
	return &Filter{Op: OpEq, Field: field, Values: []string{value}}
}

// In matches documents whose field is one of values.
func In(field string, values ...string) *Filter {
	return &Filter{Op: OpIn, Field: field, Values: append([]string(nil), values...)}
}

// And combines filters so that all must match. Nil children are dropped; a single
// remaining child is returned as is.
func And(filters ...*Filter) *Filter {
	return combine(OpAnd, filters)
}

// Or combines filters so that at least one must match. Nil children are dropped; a
// single remaining child is returned as is.
func Or(filters ...*Filter) *Filter {
	return combine(OpOr, filters)
}

func combine(op Op, filters []*Filter) *Filter {
	children := make([]*Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			children = append(children, f)
		}
	}
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	}
	return &Filter{Op: op, Children: children}
}

// FieldValues collects every value tested against field anywhere in the tree.
func (f *Filter) FieldValues(field string) []string {
	if f == nil {
		return nil
	}
	var out []string
	if f.Field == field {
		out = append(out, f.Values...)
	}
	for _, c := range f.Children {
		out = append(out, c.FieldValues(field)...)
	}
	return out
}

// MarshalJSON renders the filter in the $and/$or/$eq/$in query syntax, e.g.
// {"$and":[{"type":{"$in":["text"]}},{"$or":[{"library":{"$eq":"A"}}]}]}.
func (f *Filter) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	switch f.Op {
	case OpAnd, OpOr:
		return json.Marshal(map[Op][]*Filter{f.Op: f.Children})
	case OpEq:
		if len(f.Values) != 1 {
			return nil, fmt.Errorf("$eq on %q needs exactly one value", f.Field)
		}
		return json.Marshal(map[string]map[Op]string{f.Field: {OpEq: f.Values[0]}})
	case OpIn:
		return json.Marshal(map[string]map[Op][]string{f.Field: {OpIn: f.Values}})
	default:
		return nil, fmt.Errorf("unknown filter op %q", f.Op)
	}
}

// String is the JSON form, for logging.
func (f *Filter) String() string {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("<invalid filter: %v>", err)
	}
	return string(b)
}

package gateway

import (
	"fmt"
	"sort"
	"strings"
)

// Op is a filter predicate operator.
type Op string

const (
	Eq  Op = "eq"
	Neq Op = "neq"
	Gt  Op = "gt"
	Gte Op = "gte"
	Lt  Op = "lt"
	Lte Op = "lte"
	In  Op = "in"
)

// Filter restricts rows by one column.
type Filter struct {
	Column string
	Op     Op
	Value  any // []string for In
}

// EqFilter is shorthand for an equality filter.
func EqFilter(col string, v any) Filter {
	return Filter{Column: col, Op: Eq, Value: v}
}

// InFilter is shorthand for a membership filter.
func InFilter(col string, values []string) Filter {
	return Filter{Column: col, Op: In, Value: values}
}

// Matches evaluates the filter against a row locally. Values are compared
// by their string form, which is how the backends encode filter values.
func (f Filter) Matches(r Row) bool {
	got, ok := r.String(f.Column)
	if !ok {
		return false
	}
	switch f.Op {
	case Eq:
		return got == fmt.Sprint(f.Value)
	case Neq:
		return got != fmt.Sprint(f.Value)
	case In:
		for _, v := range InValues(f.Value) {
			if got == v {
				return true
			}
		}
		return false
	case Gt:
		return got > fmt.Sprint(f.Value)
	case Gte:
		return got >= fmt.Sprint(f.Value)
	case Lt:
		return got < fmt.Sprint(f.Value)
	case Lte:
		return got <= fmt.Sprint(f.Value)
	}
	return false
}

func (f Filter) String() string {
	if f.Op == In {
		vals := InValues(f.Value)
		return fmt.Sprintf("%s=in.(%s)", f.Column, strings.Join(vals, ","))
	}
	return fmt.Sprintf("%s=%s.%v", f.Column, f.Op, f.Value)
}

// Param splits the filter into a URL query parameter name and value.
func (f Filter) Param() (string, string) {
	if f.Op == In {
		return f.Column, "in.(" + strings.Join(InValues(f.Value), ",") + ")"
	}
	return f.Column, fmt.Sprintf("%s.%v", f.Op, f.Value)
}

// InValues normalizes the value of an In filter.
func InValues(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, x := range vs {
			out = append(out, fmt.Sprint(x))
		}
		return out
	case nil:
		return nil
	}
	return []string{fmt.Sprint(v)}
}

// Order sorts by one column.
type Order struct {
	Column string
	Desc   bool
}

// Query describes a fetch.
type Query struct {
	Table   string
	Filters []Filter
	Order   []Order
	Limit   int
}

// Key is the canonical identity of the query: equal queries produce equal
// keys regardless of filter declaration order.
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString(q.Table)
	filters := make([]string, 0, len(q.Filters))
	for _, f := range q.Filters {
		if f.Op == In {
			vals := append([]string(nil), InValues(f.Value)...)
			sort.Strings(vals)
			f.Value = vals
		}
		filters = append(filters, f.String())
	}
	sort.Strings(filters)
	for _, f := range filters {
		b.WriteString("?")
		b.WriteString(f)
	}
	for _, o := range q.Order {
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, "|order=%s.%s", o.Column, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "|limit=%d", q.Limit)
	}
	return b.String()
}

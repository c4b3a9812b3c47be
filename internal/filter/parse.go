package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
)

// Parse builds an expression from key/value pairs as they arrive from a
// query string or CLI flags. Repeated keys for id, type and status are
// OR'ed; all keys are AND'ed. Times are RFC 3339.
//
//	id, type, status, errors, errors_gte, errors_lte,
//	created_after, created_before, next_due_before, next_due_after,
//	last_done_before, last_done_after
func Parse(values map[string][]string) (Expr, error) {
	var exprs []Expr
	for key, vs := range values {
		if len(vs) == 0 {
			continue
		}
		e, err := parseKey(key, vs)
		if err != nil {
			return nil, err
		}
		if e != nil {
			exprs = append(exprs, e)
		}
	}
	if len(exprs) == 0 {
		return nil, nil
	}
	return And(exprs...), nil
}

func parseKey(key string, vs []string) (Expr, error) {
	switch key {
	case "id":
		return in(FieldID, vs), nil
	case "type":
		return in(FieldTypeName, vs), nil
	case "status":
		for _, v := range vs {
			if !domain.Status(v).Valid() {
				return nil, fmt.Errorf("invalid status %q", v)
			}
		}
		return in(FieldStatus, vs), nil
	case "errors", "errors_gte", "errors_lte":
		n, err := strconv.Atoi(vs[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "errors_gte":
			return Ge(FieldErrors, n), nil
		case "errors_lte":
			return Le(FieldErrors, n), nil
		}
		return Eq(FieldErrors, n), nil
	case "created_after", "created_before",
		"next_due_after", "next_due_before",
		"last_done_after", "last_done_before":
		t, err := time.Parse(time.RFC3339Nano, vs[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		field, after := timeKey(key)
		if after {
			return Gt(field, t), nil
		}
		return Lt(field, t), nil
	case "order", "skip", "limit":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown filter key %q", key)
}

func timeKey(key string) (Field, bool) {
	after := strings.HasSuffix(key, "_after")
	switch {
	case strings.HasPrefix(key, "created_"):
		return FieldCreatedAt, after
	case strings.HasPrefix(key, "next_due_"):
		return FieldNextDue, after
	}
	return FieldLastDone, after
}

func in(f Field, vs []string) Expr {
	if len(vs) == 1 {
		return Eq(f, vs[0])
	}
	args := make([]any, len(vs))
	for i, v := range vs {
		args[i] = v
	}
	return In(f, args...)
}

// ParseOrder parses a comma separated list of fields; a leading "-" sorts
// descending. "type" is accepted for type_name.
func ParseOrder(s string) ([]Order, error) {
	if s == "" {
		return nil, nil
	}
	var orders []Order
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		desc := strings.HasPrefix(part, "-")
		part = strings.TrimPrefix(part, "-")
		f := Field(part)
		if part == "type" {
			f = FieldTypeName
		}
		if !f.Valid() {
			return nil, fmt.Errorf("unknown order field %q", part)
		}
		orders = append(orders, Order{Field: f, Desc: desc})
	}
	return orders, nil
}

// ParseQuery combines Parse, ParseOrder and the skip/limit keys.
func ParseQuery(values map[string][]string) (Query, error) {
	where, err := Parse(values)
	if err != nil {
		return Query{}, err
	}
	q := Query{Where: where}
	if vs := values["order"]; len(vs) > 0 {
		if q.OrderBy, err = ParseOrder(vs[0]); err != nil {
			return Query{}, err
		}
	}
	if q.Skip, err = intValue(values, "skip"); err != nil {
		return Query{}, err
	}
	if q.Limit, err = intValue(values, "limit"); err != nil {
		return Query{}, err
	}
	return q, nil
}

func intValue(values map[string][]string, key string) (int, error) {
	vs := values[key]
	if len(vs) == 0 || vs[0] == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(vs[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, vs[0])
	}
	return n, nil
}

// Package filter expresses WHERE-style predicates, ordering and pagination
// over stored jobs. The same expression is evaluated in memory by Match and
// rendered to SQL by ToSQL, so every store backend answers a Query the same
// way.
//
// Comparisons follow SQL three-valued logic: comparing a NULL column yields
// unknown, Not(unknown) is unknown, and only true matches.
package filter

import (
	"fmt"
	"time"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
)

type Field string

const (
	FieldID        Field = "id"
	FieldTypeName  Field = "type_name"
	FieldCreatedAt Field = "created_at"
	FieldStatus    Field = "status"
	FieldErrors    Field = "errors"
	FieldNextDue   Field = "next_due"
	FieldLastDone  Field = "last_done"
)

func (f Field) Valid() bool {
	switch f {
	case FieldID, FieldTypeName, FieldCreatedAt, FieldStatus, FieldErrors, FieldNextDue, FieldLastDone:
		return true
	}
	return false
}

func (f Field) nullable() bool { return f == FieldNextDue || f == FieldLastDone }

type Op string

const (
	OpEq      Op = "="
	OpNe      Op = "<>"
	OpLt      Op = "<"
	OpLe      Op = "<="
	OpGt      Op = ">"
	OpGe      Op = ">="
	OpIsNull  Op = "IS NULL"
	OpNotNull Op = "IS NOT NULL"
	OpIn      Op = "IN"
)

// Expr is a predicate over a job. A nil Expr matches every job.
type Expr interface {
	eval(j domain.JobRecord) tri
	render(b *builder) error
}

type Comparison struct {
	Field Field
	Op    Op
	Value any
}

type and []Expr
type or []Expr
type not struct{ e Expr }

func Eq(f Field, v any) Expr { return Comparison{Field: f, Op: OpEq, Value: v} }
func Ne(f Field, v any) Expr { return Comparison{Field: f, Op: OpNe, Value: v} }
func Lt(f Field, v any) Expr { return Comparison{Field: f, Op: OpLt, Value: v} }
func Le(f Field, v any) Expr { return Comparison{Field: f, Op: OpLe, Value: v} }
func Gt(f Field, v any) Expr { return Comparison{Field: f, Op: OpGt, Value: v} }
func Ge(f Field, v any) Expr { return Comparison{Field: f, Op: OpGe, Value: v} }

func IsNull(f Field) Expr  { return Comparison{Field: f, Op: OpIsNull} }
func NotNull(f Field) Expr { return Comparison{Field: f, Op: OpNotNull} }

// In matches when the field equals any of vs. An empty list matches nothing.
func In(f Field, vs ...any) Expr { return Comparison{Field: f, Op: OpIn, Value: vs} }

// And combines exprs; nil entries are skipped and an empty And matches all.
func And(exprs ...Expr) Expr { return and(compact(exprs)) }

// Or combines exprs; nil entries are skipped and an empty Or matches nothing.
func Or(exprs ...Expr) Expr { return or(compact(exprs)) }

func Not(e Expr) Expr { return not{e: e} }

func compact(exprs []Expr) []Expr {
	out := make([]Expr, 0, len(exprs))
	for _, e := range exprs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Order sorts by one field. NULLs sort before any value in ascending
// order and after every value in descending order.
type Order struct {
	Field Field
	Desc  bool
}

func Asc(f Field) Order  { return Order{Field: f} }
func Desc(f Field) Order { return Order{Field: f, Desc: true} }

// Query selects jobs. Limit zero means no limit. Results are always
// ordered, falling back to created_at and then id.
type Query struct {
	Where   Expr
	OrderBy []Order
	Skip    int
	Limit   int
}

// Match reports whether j satisfies e.
func Match(e Expr, j domain.JobRecord) bool {
	if e == nil {
		return true
	}
	return e.eval(j) == triTrue
}

type tri int8

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

func (c Comparison) eval(j domain.JobRecord) tri {
	v, null := fieldValue(j, c.Field)
	switch c.Op {
	case OpIsNull:
		return boolTri(null)
	case OpNotNull:
		return boolTri(!null)
	}
	if null {
		return triUnknown
	}
	if c.Op == OpIn {
		vs, _ := c.Value.([]any)
		for _, x := range vs {
			if cmp, ok := compare(v, x); ok && cmp == 0 {
				return triTrue
			}
		}
		return triFalse
	}
	if c.Value == nil {
		return triUnknown
	}
	cmp, ok := compare(v, c.Value)
	if !ok {
		return triFalse
	}
	switch c.Op {
	case OpEq:
		return boolTri(cmp == 0)
	case OpNe:
		return boolTri(cmp != 0)
	case OpLt:
		return boolTri(cmp < 0)
	case OpLe:
		return boolTri(cmp <= 0)
	case OpGt:
		return boolTri(cmp > 0)
	case OpGe:
		return boolTri(cmp >= 0)
	}
	return triFalse
}

func (a and) eval(j domain.JobRecord) tri {
	res := triTrue
	for _, e := range a {
		switch e.eval(j) {
		case triFalse:
			return triFalse
		case triUnknown:
			res = triUnknown
		}
	}
	return res
}

func (o or) eval(j domain.JobRecord) tri {
	res := triFalse
	for _, e := range o {
		switch e.eval(j) {
		case triTrue:
			return triTrue
		case triUnknown:
			res = triUnknown
		}
	}
	return res
}

func (n not) eval(j domain.JobRecord) tri {
	if n.e == nil {
		return triFalse
	}
	switch n.e.eval(j) {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	}
	return triUnknown
}

func boolTri(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

// fieldValue returns the field's value and whether it is NULL.
func fieldValue(j domain.JobRecord, f Field) (any, bool) {
	switch f {
	case FieldID:
		return j.ID, false
	case FieldTypeName:
		return j.TypeName, false
	case FieldCreatedAt:
		return j.CreatedAt, false
	case FieldStatus:
		return string(j.Status), false
	case FieldErrors:
		return int64(j.Errors), false
	case FieldNextDue:
		if j.NextDue == nil {
			return nil, true
		}
		return *j.NextDue, false
	case FieldLastDone:
		if j.LastDone == nil {
			return nil, true
		}
		return *j.LastDone, false
	}
	return nil, true
}

// Normalize converts a filter value to string, int64 or time.Time.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case domain.Status:
		return string(x), nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case time.Time:
		return x, nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	}
	return nil, fmt.Errorf("unsupported filter value %T", v)
}

func compare(a, b any) (int, bool) {
	nb, err := Normalize(b)
	if err != nil || nb == nil {
		return 0, false
	}
	switch x := a.(type) {
	case string:
		y, ok := nb.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case int64:
		y, ok := nb.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case time.Time:
		y, ok := nb.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

package filter

import (
	"fmt"
	"strings"
)

// Encoder turns a normalized filter value into a driver argument for the
// column it is compared against.
type Encoder func(f Field, v any) any

type builder struct {
	sb   strings.Builder
	args []any
	enc  Encoder
}

// ToSQL renders e as a WHERE clause body with "?" placeholders. A nil
// expression renders as "1=1".
func ToSQL(e Expr, enc Encoder) (string, []any, error) {
	b := &builder{enc: enc}
	if e == nil {
		return "1=1", nil, nil
	}
	if err := e.render(b); err != nil {
		return "", nil, err
	}
	return b.sb.String(), b.args, nil
}

func (b *builder) arg(f Field, v any) error {
	n, err := Normalize(v)
	if err != nil {
		return fmt.Errorf("field %s: %w", f, err)
	}
	if b.enc != nil {
		n = b.enc(f, n)
	}
	b.sb.WriteByte('?')
	b.args = append(b.args, n)
	return nil
}

func (c Comparison) render(b *builder) error {
	if !c.Field.Valid() {
		return fmt.Errorf("unknown filter field %q", c.Field)
	}
	col := string(c.Field)
	switch c.Op {
	case OpIsNull, OpNotNull:
		b.sb.WriteString(col + " " + string(c.Op))
		return nil
	case OpIn:
		vs, _ := c.Value.([]any)
		if len(vs) == 0 {
			b.sb.WriteString("1=0")
			return nil
		}
		b.sb.WriteString(col + " IN (")
		for i, v := range vs {
			if i > 0 {
				b.sb.WriteString(", ")
			}
			if err := b.arg(c.Field, v); err != nil {
				return err
			}
		}
		b.sb.WriteByte(')')
		return nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		if c.Value == nil {
			// Comparing against NULL is never true.
			b.sb.WriteString("1=0")
			return nil
		}
		b.sb.WriteString(col + " " + string(c.Op) + " ")
		return b.arg(c.Field, c.Value)
	}
	return fmt.Errorf("unknown filter operator %q", c.Op)
}

func (a and) render(b *builder) error { return renderJoin(b, []Expr(a), " AND ", "1=1") }

func (o or) render(b *builder) error { return renderJoin(b, []Expr(o), " OR ", "1=0") }

func renderJoin(b *builder, exprs []Expr, sep, empty string) error {
	if len(exprs) == 0 {
		b.sb.WriteString(empty)
		return nil
	}
	b.sb.WriteByte('(')
	for i, e := range exprs {
		if i > 0 {
			b.sb.WriteString(sep)
		}
		if err := e.render(b); err != nil {
			return err
		}
	}
	b.sb.WriteByte(')')
	return nil
}

func (n not) render(b *builder) error {
	if n.e == nil {
		b.sb.WriteString("1=0")
		return nil
	}
	b.sb.WriteString("NOT (")
	if err := n.e.render(b); err != nil {
		return err
	}
	b.sb.WriteByte(')')
	return nil
}

// OrderSQL renders the ORDER BY body for orders, NULLs first when
// ascending, with created_at and id as tie breakers.
func OrderSQL(orders []Order) (string, error) {
	parts := make([]string, 0, len(orders)+2)
	for _, o := range withTieBreakers(orders) {
		if !o.Field.Valid() {
			return "", fmt.Errorf("unknown order field %q", o.Field)
		}
		col := string(o.Field)
		if o.Field.nullable() {
			if o.Desc {
				parts = append(parts, col+" IS NULL")
			} else {
				parts = append(parts, col+" IS NOT NULL")
			}
		}
		if o.Desc {
			parts = append(parts, col+" DESC")
		} else {
			parts = append(parts, col+" ASC")
		}
	}
	return strings.Join(parts, ", "), nil
}

func withTieBreakers(orders []Order) []Order {
	out := append([]Order(nil), orders...)
	seen := make(map[Field]bool, len(orders))
	for _, o := range orders {
		seen[o.Field] = true
	}
	for _, f := range []Field{FieldCreatedAt, FieldID} {
		if !seen[f] {
			out = append(out, Asc(f))
		}
	}
	return out
}

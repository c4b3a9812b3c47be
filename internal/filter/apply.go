package filter

import (
	"fmt"
	"slices"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
)

// Apply runs q against an in-memory slice: filter, sort, skip, limit.
func Apply(q Query, jobs []domain.JobRecord) []domain.JobRecord {
	out := make([]domain.JobRecord, 0, len(jobs))
	for _, j := range jobs {
		if Match(q.Where, j) {
			out = append(out, j)
		}
	}
	Sort(out, q.OrderBy)

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return out[:0]
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Sort orders jobs the same way OrderSQL does.
func Sort(jobs []domain.JobRecord, orders []Order) {
	orders = withTieBreakers(orders)
	slices.SortStableFunc(jobs, func(a, b domain.JobRecord) int {
		for _, o := range orders {
			c := compareField(a, b, o.Field)
			if o.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

func compareField(a, b domain.JobRecord, f Field) int {
	va, na := fieldValue(a, f)
	vb, nb := fieldValue(b, f)
	switch {
	case na && nb:
		return 0
	case na:
		return -1
	case nb:
		return 1
	}
	c, _ := compare(va, vb)
	return c
}

// Validate reports the errors ToSQL and OrderSQL would report for q, for
// backends that never render SQL.
func (q Query) Validate() error {
	if _, _, err := ToSQL(q.Where, nil); err != nil {
		return err
	}
	if _, err := OrderSQL(q.OrderBy); err != nil {
		return err
	}
	if q.Skip < 0 || q.Limit < 0 {
		return fmt.Errorf("skip and limit must not be negative")
	}
	return nil
}

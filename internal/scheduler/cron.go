package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
)

// MaxLookahead bounds the search for the next occurrence. Expressions that
// never fire inside this window (Feb 30 and friends) are rejected.
const MaxLookahead = 4 * 365 * 24 * time.Hour

// Exactly six fields: second minute hour day-of-month month day-of-week.
// Descriptors like "@every 5s" are not accepted.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

type CronSchedule struct {
	expr     string
	schedule cron.Schedule
}

// ParseCron parses a six-field cron expression.
func ParseCron(expr string) (*CronSchedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrInvalidExpression, expr, err)
	}
	return &CronSchedule{expr: expr, schedule: s}, nil
}

func (c *CronSchedule) String() string { return c.expr }

// Next returns the first instant strictly after t matching every field.
// Sub-second precision of t is dropped before the search.
func (c *CronSchedule) Next(t time.Time) (time.Time, error) {
	next := c.schedule.Next(t)
	if next.IsZero() || next.Sub(t) > MaxLookahead {
		return time.Time{}, fmt.Errorf("%w: %q has no occurrence within %s of %s",
			domain.ErrInvalidExpression, c.expr, MaxLookahead, t.Format(time.RFC3339))
	}
	return next, nil
}

// ValidateCronExpression checks that expr parses and fires at least once
// after now.
func ValidateCronExpression(expr string) error {
	_, err := NextRunTime(expr, time.Now())
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	c, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return c.Next(from)
}

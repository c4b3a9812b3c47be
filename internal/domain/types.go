package domain

import "time"

type Status string

const (
	StatusActive  Status = "active"
	StatusDone    Status = "done"
	StatusAborted Status = "aborted"
)

// Terminal reports whether a job in this status is finished for good.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusAborted
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDone, StatusAborted:
		return true
	}
	return false
}

// JobRecord is the persisted shape of a unit of work.
//
// A nil Args slice is distinct from an empty one and stores keep the
// difference. A nil NextDue means the job is due immediately.
type JobRecord struct {
	ID             string
	TypeName       string
	CreatedAt      time.Time
	Args           []string
	CronExpression string
	Status         Status
	Errors         int
	NextDue        *time.Time
	LastDone       *time.Time
}

func (j JobRecord) Recurring() bool { return j.CronExpression != "" }

// Due reports whether the job may be claimed at now.
func (j JobRecord) Due(now time.Time) bool {
	if j.Status != StatusActive {
		return false
	}
	return j.NextDue == nil || !j.NextDue.After(now)
}

// Transition is the post-execution state a runner writes back for a job.
type Transition struct {
	ID       string
	Status   Status
	Errors   int
	NextDue  *time.Time
	LastDone *time.Time
}

// Apply returns a copy of j with the transition's fields set.
func (t Transition) Apply(j JobRecord) JobRecord {
	j.Status = t.Status
	j.Errors = t.Errors
	j.NextDue = t.NextDue
	if t.LastDone != nil {
		j.LastDone = t.LastDone
	}
	return j
}

// Outcome is what a successful execution reports back. A zero Outcome
// means plain completion.
type Outcome struct {
	RescheduleAt *time.Time
}

func Completed() Outcome { return Outcome{} }

// CompletedWithReschedule asks for another execution at next, even for a
// job that would otherwise be finished.
func CompletedWithReschedule(next time.Time) Outcome {
	return Outcome{RescheduleAt: &next}
}

func (o Outcome) Rescheduled() bool { return o.RescheduleAt != nil }

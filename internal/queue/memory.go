package queue

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/filter"
)

var _ Repository = (*MemoryStore)(nil)

type memoryEntry struct {
	job          domain.JobRecord
	claimedUntil time.Time
}

// MemoryStore keeps jobs in process memory. It is safe for concurrent use
// but not durable: a new instance never sees jobs created through another.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryEntry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) EnqueueImmediate(_ context.Context, typeName string, args []string) (domain.JobRecord, error) {
	j, err := newJob(typeName, args, nil, "")
	if err != nil {
		return domain.JobRecord{}, err
	}
	return m.insert(j), nil
}

func (m *MemoryStore) Schedule(_ context.Context, typeName string, dueAt time.Time, args []string) (domain.JobRecord, error) {
	j, err := newJob(typeName, args, &dueAt, "")
	if err != nil {
		return domain.JobRecord{}, err
	}
	return m.insert(j), nil
}

func (m *MemoryStore) ScheduleCron(_ context.Context, typeName, expr string, args []string) (domain.JobRecord, error) {
	if expr == "" {
		return domain.JobRecord{}, fmt.Errorf("%w: empty expression", domain.ErrInvalidExpression)
	}
	j, err := newJob(typeName, args, nil, expr)
	if err != nil {
		return domain.JobRecord{}, err
	}
	return m.insert(j), nil
}

func (m *MemoryStore) insert(j domain.JobRecord) domain.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = &memoryEntry{job: copyJob(j)}
	return copyJob(j)
}

func (m *MemoryStore) ClaimDue(_ context.Context, max int, ttl time.Duration) ([]domain.JobRecord, error) {
	if max <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	candidates := make([]domain.JobRecord, 0)
	for _, e := range m.jobs {
		if !e.job.Due(now) || e.claimedUntil.After(now) {
			continue
		}
		candidates = append(candidates, e.job)
	}
	filter.Sort(candidates, claimOrder)
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	claimed := make([]domain.JobRecord, len(candidates))
	for i, j := range candidates {
		m.jobs[j.ID].claimedUntil = now.Add(ttl)
		claimed[i] = copyJob(j)
	}
	return claimed, nil
}

func (m *MemoryStore) RecordOutcome(_ context.Context, t domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, t.ID)
	}
	if e.job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrTerminal, t.ID, e.job.Status)
	}
	e.job = copyJob(t.Apply(e.job))
	e.claimedUntil = time.Time{}
	return nil
}

func (m *MemoryStore) Extend(_ context.Context, id string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if e.job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrTerminal, id, e.job.Status)
	}
	e.claimedUntil = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	e.claimedUntil = time.Time{}
	return nil
}

func (m *MemoryStore) ReleaseStaleClaims(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, e := range m.jobs {
		if !e.claimedUntil.IsZero() && !e.claimedUntil.After(now) {
			e.claimedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.jobs[id]
	if !ok {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return copyJob(e.job), nil
}

// Query evaluates q against a snapshot taken when iteration starts.
func (m *MemoryStore) Query(_ context.Context, q filter.Query) iter.Seq2[domain.JobRecord, error] {
	if err := q.Validate(); err != nil {
		return errSeq(err)
	}
	return func(yield func(domain.JobRecord, error) bool) {
		m.mu.RLock()
		snapshot := make([]domain.JobRecord, 0, len(m.jobs))
		for _, e := range m.jobs {
			snapshot = append(snapshot, copyJob(e.job))
		}
		m.mu.RUnlock()

		for _, j := range filter.Apply(q, snapshot) {
			if !yield(j, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) Delete(_ context.Context, where filter.Expr) (int, error) {
	if err := (filter.Query{Where: where}).Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.jobs {
		if filter.Match(where, e.job) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

func copyJob(j domain.JobRecord) domain.JobRecord {
	j.Args = cloneArgs(j.Args)
	if j.NextDue != nil {
		t := *j.NextDue
		j.NextDue = &t
	}
	if j.LastDone != nil {
		t := *j.LastDone
		j.LastDone = &t
	}
	return j
}

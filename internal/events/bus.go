// Package events fans job lifecycle notifications out to subscribers.
//
// A runner publishes an event only after the job's new state has been
// written to the store. Subscribers receive events on a channel; the
// order between subscribers is unspecified, but each job's own events
// arrive in the order they happened.
package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
)

type Kind string

const (
	// KindDone fires after every successful execution, including each
	// cycle of a recurring job.
	KindDone Kind = "done"
	// KindFailed fires after a failed attempt that will be retried.
	KindFailed Kind = "failed"
	// KindAborted fires once, when a job gives up for good.
	KindAborted Kind = "aborted"
)

type Event struct {
	Kind Kind
	Job  domain.JobRecord
	// Err is the execution error for failed and aborted events.
	Err error
	At  time.Time
}

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 64

type subscriber struct {
	ch    chan Event
	kinds []Kind
	ctx   context.Context
	once  sync.Once
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// Bus is safe for concurrent use. The zero value is not usable; call NewBus.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*subscriber]struct{}
	bufferSize int
}

type Option func(*Bus)

func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[*subscriber]struct{}),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers for events of the given kinds, or all kinds when
// none are given. The subscription ends and the channel is closed when
// ctx is done. A subscriber that stops reading without cancelling ctx
// stalls publishers once its buffer is full.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) <-chan Event {
	s := &subscriber{
		ch:    make(chan Event, b.bufferSize),
		kinds: kinds,
		ctx:   ctx,
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(s)
	}()
	return s.ch
}

func (b *Bus) remove(s *subscriber) {
	// Holding the write lock waits out any Publish still sending on s.ch.
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

// Publish hands evt to every interested subscriber, waiting for buffer
// space unless the subscriber's context ends first.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(evt.Kind) {
			continue
		}
		select {
		case s.ch <- evt:
		case <-s.ctx.Done():
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

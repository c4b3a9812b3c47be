package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/domain"
)

var ErrNoExecutor = errors.New("no executor registered")

// Executor runs one job. Returning an error marks the attempt as failed;
// the runner does not distinguish between kinds of errors.
type Executor interface {
	Execute(ctx context.Context, args []string) (domain.Outcome, error)
}

type ExecutorFunc func(ctx context.Context, args []string) (domain.Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, args []string) (domain.Outcome, error) {
	return f(ctx, args)
}

// Registry maps job type names to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds typeName to e, replacing any earlier binding.
func (r *Registry) Register(typeName string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[typeName] = e
}

func (r *Registry) RegisterFunc(typeName string, f func(ctx context.Context, args []string) (domain.Outcome, error)) {
	r.Register(typeName, ExecutorFunc(f))
}

func (r *Registry) Get(typeName string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typeName]
	return e, ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// invoke runs the executor for j, turning a panic into an error.
func (r *Registry) invoke(ctx context.Context, j domain.JobRecord) (out domain.Outcome, err error) {
	e, ok := r.Get(j.TypeName)
	if !ok {
		return domain.Outcome{}, fmt.Errorf("%w for type %q", ErrNoExecutor, j.TypeName)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return e.Execute(ctx, j.Args)
}

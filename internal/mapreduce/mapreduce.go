package mapreduce

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"TupleMR/internal/types"
)

// ErrUnknownFunction is returned when a task names a transform the worker
// has not registered.
var ErrUnknownFunction = errors.New("unknown function")

// Registry maps transform names to implementations. Functions cannot cross a
// process boundary, so remote workers resolve tasks through one of these.
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]types.Transform
}

func NewRegistry() *Registry {
	return &Registry{transforms: make(map[string]types.Transform)}
}

// Register stores t under name and returns it wrapped with that name, ready
// to be assigned to a job.
func (r *Registry) Register(name string, t types.Transform) types.Transform {
	named := types.Named(name, t)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = named
	return named
}

func (r *Registry) Lookup(name string) (types.Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transforms[name]
	return t, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transforms))
	for name := range r.transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve finds the transform for task: the in-process value when present,
// else the registered name.
func Resolve(task types.Task, reg *Registry) (types.Transform, error) {
	if fn := task.Transform(); fn != nil {
		return fn, nil
	}
	if task.Function == "" {
		return nil, fmt.Errorf("%w: task %d carries no function", ErrUnknownFunction, task.ID)
	}
	if reg != nil {
		if fn, ok := reg.Lookup(task.Function); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, task.Function)
}

// Execute runs task's transform over its data. A panic inside user code is
// returned as an error.
func Execute(task types.Task, reg *Registry) (result any, err error) {
	fn, err := Resolve(task, reg)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked: %v\n%s", task.ID, r, debug.Stack())
		}
	}()

	return fn.Apply(task.Data)
}

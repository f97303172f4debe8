package types

import "fmt"

// Transform is user logic run by a worker over a task's data.
type Transform interface {
	Apply(data []any) (any, error)
}

// TransformFunc adapts a plain function to Transform.
type TransformFunc func(data []any) (any, error)

func (f TransformFunc) Apply(data []any) (any, error) {
	return f(data)
}

type namedTransform struct {
	name string
	Transform
}

func (n namedTransform) Name() string { return n.name }

// Named attaches a registry name to t so it can be resolved by remote workers.
func Named(name string, t Transform) Transform {
	return namedTransform{name: name, Transform: t}
}

// NameOf returns the registry name of t, or "" when it has none.
func NameOf(t Transform) string {
	if n, ok := t.(interface{ Name() string }); ok {
		return n.Name()
	}
	return ""
}

// Task is one unit of map or reduce work. IDs are 1-based within a phase.
type Task struct {
	ID       int    `json:"id"`
	Data     []any  `json:"data"`
	Function string `json:"function,omitempty"`

	fn Transform
}

func NewTask(id int, data []any, fn Transform) Task {
	if data == nil {
		data = []any{}
	}
	return Task{
		ID:       id,
		Data:     data,
		Function: NameOf(fn),
		fn:       fn,
	}
}

// Transform returns the in-process transform, nil once the task has crossed
// a process boundary.
func (t Task) Transform() Transform {
	return t.fn
}

func (t Task) String() string {
	return fmt.Sprintf("task(id=%d function=%q items=%d)", t.ID, t.Function, len(t.Data))
}

// KeyValue is the intermediate record most map functions emit.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

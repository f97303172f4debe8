package tuplespace

import (
	"context"
	"fmt"

	"TupleMR/internal/types"
)

type Kind string

const (
	KindTask   Kind = "task"
	KindResult Kind = "result"
)

// Tuple is the unit stored in the space.
//
// Task publication is (task, owner, task); result publication is
// (result, owner, task_id, result). Err carries a worker-side failure in
// place of a result.
type Tuple struct {
	Kind   Kind        `json:"kind"`
	Owner  string      `json:"owner"`
	TaskID int         `json:"task_id,omitempty"`
	Task   *types.Task `json:"task,omitempty"`
	Result any         `json:"result,omitempty"`
	Err    string      `json:"error,omitempty"`
}

func TaskTuple(owner string, task types.Task) Tuple {
	return Tuple{Kind: KindTask, Owner: owner, TaskID: task.ID, Task: &task}
}

func ResultTuple(owner string, taskID int, result any) Tuple {
	return Tuple{Kind: KindResult, Owner: owner, TaskID: taskID, Result: result}
}

func ErrorTuple(owner string, taskID int, err error) Tuple {
	return Tuple{Kind: KindResult, Owner: owner, TaskID: taskID, Err: err.Error()}
}

func (t Tuple) String() string {
	return fmt.Sprintf("(%s, %s, %d)", t.Kind, t.Owner, t.TaskID)
}

// Pattern matches tuples field by field; zero-valued fields are wildcards.
type Pattern struct {
	Kind   Kind   `json:"kind,omitempty"`
	Owner  string `json:"owner,omitempty"`
	TaskID int    `json:"task_id,omitempty"`
}

func (p Pattern) Match(t Tuple) bool {
	if p.Kind != "" && p.Kind != t.Kind {
		return false
	}
	if p.Owner != "" && p.Owner != t.Owner {
		return false
	}
	if p.TaskID != 0 && p.TaskID != t.TaskID {
		return false
	}
	return true
}

func (p Pattern) String() string {
	field := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	id := "*"
	if p.TaskID != 0 {
		id = fmt.Sprint(p.TaskID)
	}
	return fmt.Sprintf("(%s, %s, %s)", field(string(p.Kind)), field(p.Owner), id)
}

// Queue is the shared task queue: a blocking, pattern-matched tuple store.
type Queue interface {
	// Write publishes t; it does not wait for a reader.
	Write(ctx context.Context, t Tuple) error
	// Take blocks until a tuple matching p exists, removes it atomically and
	// returns it. It returns ctx.Err() if ctx ends first.
	Take(ctx context.Context, p Pattern) (Tuple, error)
}

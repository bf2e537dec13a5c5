// Package dag runs fixed named task graphs. A Definition is validated once
// at construction: every dependency must name a task in the graph and the
// graph must be acyclic. The Runner executes a Definition as a fresh DagRun,
// dispatching tasks in dependency waves and containing task failures on
// their TaskRun rows.
package dag

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrCyclicDependency is returned when a task graph contains a cycle.
var ErrCyclicDependency = eris.New("cyclic dependency")

// TaskFunc is a task body. The returned map is persisted as the task's
// result; an error marks the task failed without aborting the run.
type TaskFunc func(ctx context.Context) (map[string]any, error)

// Task is one node in a graph.
type Task struct {
	Name      string
	DependsOn []string
	Fn        TaskFunc
}

// Definition is a validated, immutable task graph.
type Definition struct {
	name   string
	order  []string
	byName map[string]Task
}

// NewDefinition validates the graph and fixes a topological execution order.
func NewDefinition(name string, tasks []Task) (*Definition, error) {
	if name == "" {
		return nil, eris.New("dag: definition has no name")
	}
	byName := make(map[string]Task, len(tasks))
	for _, task := range tasks {
		if task.Name == "" {
			return nil, eris.Errorf("dag %s: task has no name", name)
		}
		if task.Fn == nil {
			return nil, eris.Errorf("dag %s: task %s has no function", name, task.Name)
		}
		if _, dup := byName[task.Name]; dup {
			return nil, eris.Errorf("dag %s: duplicate task %s", name, task.Name)
		}
		byName[task.Name] = task
	}
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, eris.Errorf("dag %s: task %s depends on unknown task %s", name, task.Name, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(tasks))
	order := make([]string, 0, len(tasks))

	var dfs func(taskName string) error
	dfs = func(taskName string) error {
		switch marks[taskName] {
		case visiting:
			return eris.Wrapf(ErrCyclicDependency, "dag %s: through task %s", name, taskName)
		case visited:
			return nil
		}
		marks[taskName] = visiting
		for _, dep := range byName[taskName].DependsOn {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		marks[taskName] = visited
		order = append(order, taskName)
		return nil
	}
	for _, task := range tasks {
		if err := dfs(task.Name); err != nil {
			return nil, err
		}
	}

	return &Definition{name: name, order: order, byName: byName}, nil
}

// Name returns the graph's name.
func (d *Definition) Name() string { return d.name }

// ExecutionOrder returns the task names in a valid topological order.
func (d *Definition) ExecutionOrder() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d *Definition) task(name string) Task { return d.byName[name] }

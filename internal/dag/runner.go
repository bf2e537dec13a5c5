package dag

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

// Runner executes definitions against the run store.
type Runner struct {
	store       store.Store
	audit       *audit.Recorder
	concurrency int
	now         func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds how many tasks run at once within a wave.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner with a default concurrency of 4.
func NewRunner(s store.Store, rec *audit.Recorder, opts ...Option) *Runner {
	r := &Runner{store: s, audit: rec, concurrency: 4, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the definition as a fresh DagRun. A task becomes eligible
// only when every dependency has reached a terminal status; a failed or
// skipped dependency skips the task and, transitively, its dependents.
// Sibling branches keep running. The run fails iff any task failed.
func (r *Runner) Run(ctx context.Context, def *Definition) (*model.DagRun, []model.TaskRun, error) {
	order := def.ExecutionOrder()
	run := &model.DagRun{
		DagName:   def.Name(),
		Status:    model.RunRunning,
		StartedAt: r.now(),
	}
	pending := make([]model.TaskRun, len(order))
	for i, name := range order {
		pending[i] = model.TaskRun{
			TaskName:  name,
			Status:    model.TaskPending,
			DependsOn: def.task(name).DependsOn,
		}
	}
	if err := r.store.CreateDagRun(ctx, run, pending); err != nil {
		return nil, nil, err
	}
	zap.L().Info("dag: run started",
		zap.String("dag", def.Name()),
		zap.String("run_id", run.ID),
		zap.Int("tasks", len(order)))

	statuses := make(map[string]model.TaskStatus, len(order))
	for _, name := range order {
		statuses[name] = model.TaskPending
	}

	remaining := len(order)
	for remaining > 0 {
		// Settle every task whose dependencies are all terminal but not all
		// succeeded. Skips cascade here wave by wave.
		skippedAny := false
		for _, name := range order {
			if statuses[name] != model.TaskPending {
				continue
			}
			terminal, clean := r.depState(def, name, statuses)
			if terminal && !clean {
				if err := r.markSkipped(ctx, run.ID, name); err != nil {
					return nil, nil, err
				}
				statuses[name] = model.TaskSkipped
				remaining--
				skippedAny = true
			}
		}

		var wave []string
		for _, name := range order {
			if statuses[name] != model.TaskPending {
				continue
			}
			if terminal, clean := r.depState(def, name, statuses); terminal && clean {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			if skippedAny {
				continue
			}
			break
		}

		outcomes := make([]model.TaskRun, len(wave))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for i, name := range wave {
			g.Go(func() error {
				outcome, err := r.runTask(gctx, run.ID, def, name)
				if err != nil {
					return err
				}
				outcomes[i] = outcome
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		for _, outcome := range outcomes {
			statuses[outcome.TaskName] = outcome.Status
			remaining--
		}
	}

	failed := 0
	for _, st := range statuses {
		if st == model.TaskFailed {
			failed++
		}
	}
	final := model.RunSucceeded
	errMsg := ""
	if failed > 0 {
		final = model.RunFailed
		errMsg = fmt.Sprintf("%d of %d tasks failed", failed, len(order))
	}
	if err := r.store.UpdateDagRunStatus(ctx, run.ID, final, errMsg); err != nil {
		return nil, nil, err
	}
	zap.L().Info("dag: run finished",
		zap.String("dag", def.Name()),
		zap.String("run_id", run.ID),
		zap.String("status", string(final)))

	return r.GetRun(ctx, run.ID)
}

// depState reports whether all of a task's dependencies are terminal, and
// whether all of them succeeded.
func (r *Runner) depState(def *Definition, name string, statuses map[string]model.TaskStatus) (terminal, clean bool) {
	terminal, clean = true, true
	for _, dep := range def.task(name).DependsOn {
		st := statuses[dep]
		if !st.Terminal() {
			terminal = false
		}
		if st != model.TaskSucceeded {
			clean = false
		}
	}
	return terminal, clean
}

// runTask executes one task body and persists its outcome. The returned
// error is infrastructure only; task failures come back as a failed TaskRun.
func (r *Runner) runTask(ctx context.Context, runID string, def *Definition, name string) (model.TaskRun, error) {
	startedAt := r.now()
	tr := model.TaskRun{
		RunID:     runID,
		TaskName:  name,
		Status:    model.TaskRunning,
		StartedAt: &startedAt,
	}
	if err := r.store.UpdateTaskRun(ctx, tr); err != nil {
		return model.TaskRun{}, err
	}

	result, taskErr := def.task(name).Fn(ctx)
	completedAt := r.now()
	tr.CompletedAt = &completedAt

	if taskErr != nil {
		tr.Status = model.TaskFailed
		tr.ErrorMessage = taskErr.Error()
		if err := r.store.UpdateTaskRun(ctx, tr); err != nil {
			return model.TaskRun{}, err
		}
		r.audit.Record(ctx, model.AuditRecord{
			Action:          "task_failed",
			Component:       "dag_runner",
			OutputReference: runID + ":" + name,
			Detail: map[string]any{
				"dag_name":  def.Name(),
				"task_name": name,
				"error":     taskErr.Error(),
			},
		})
		zap.L().Warn("dag: task failed",
			zap.String("dag", def.Name()),
			zap.String("task", name),
			zap.Error(taskErr))
		return tr, nil
	}

	tr.Status = model.TaskSucceeded
	tr.Result = result
	if err := r.store.UpdateTaskRun(ctx, tr); err != nil {
		return model.TaskRun{}, err
	}
	r.audit.Record(ctx, model.AuditRecord{
		Action:          "task_succeeded",
		Component:       "dag_runner",
		OutputReference: runID + ":" + name,
		Detail: map[string]any{
			"dag_name":  def.Name(),
			"task_name": name,
			"result":    result,
		},
	})
	return tr, nil
}

func (r *Runner) markSkipped(ctx context.Context, runID, name string) error {
	completedAt := r.now()
	return r.store.UpdateTaskRun(ctx, model.TaskRun{
		RunID:       runID,
		TaskName:    name,
		Status:      model.TaskSkipped,
		CompletedAt: &completedAt,
	})
}

// GetRun loads a run and its task rows, tasks sorted by name.
func (r *Runner) GetRun(ctx context.Context, runID string) (*model.DagRun, []model.TaskRun, error) {
	return r.store.GetDagRun(ctx, runID)
}

// ListRuns returns recent runs, newest first.
func (r *Runner) ListRuns(ctx context.Context, limit int) ([]model.DagRun, error) {
	return r.store.ListDagRuns(ctx, limit)
}

package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cgast/autonomy/internal/clock"
	"github.com/cgast/autonomy/pkg/bus"
	"github.com/cgast/autonomy/pkg/gate"
	"github.com/cgast/autonomy/pkg/hookctx"
)

// ErrTimeout marks a task handler that did not return within its
// deadline. The runner compares against this with errors.Is after
// wrapping, and retries on it alone.
var ErrTimeout = errors.New("cycle: task handler timed out")

// HookDispatcher is the subset of the plugin Manager the runner needs:
// priority-ordered dispatch of a named hook boundary.
type HookDispatcher interface {
	ExecuteHooks(hookName string, ctx hookctx.Context) (hookctx.Context, error)
}

// Runner executes the per-task envelope described by the cycle contract:
// approval check, hooks, timeout + retry, result capture, wrapped in
// beforeCycle/afterCycle hooks and lifecycle events.
type Runner struct {
	Clock       clock.Clock
	Bus         *bus.Bus
	Hooks       HookDispatcher
	Resolver    ActionResolver
	MaxHistory  int
	TaskTimeout time.Duration
	RetryDelay  time.Duration
	RetryLimit  int // total attempts, including the first; default 2
}

// RunOptions controls a single RunCycle call.
type RunOptions struct {
	Force bool
}

func (r *Runner) emit(name string, data any) {
	if r.Bus != nil {
		r.Bus.Emit(name, data)
	}
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock.Now()
	}
	return time.Now()
}

func (r *Runner) nowPtr() *time.Time {
	t := r.now()
	return &t
}

// Run executes kind's battery once. engineRunning reflects whether the
// caller's engine state is Running; when false and opts.Force is not set,
// Run returns (Report{}, false, nil) rather than running a skipped cycle.
func (r *Runner) Run(ctx context.Context, kind Kind, battery Battery, engineLevel gate.Level, engineRunning bool, opts RunOptions) (Report, bool, error) {
	if !engineRunning && !opts.Force {
		return Report{}, false, nil
	}

	report := Report{
		ID:        fmt.Sprintf("%s-%d", kind, r.now().UnixNano()),
		Kind:      kind,
		StartTime: r.now(),
		Status:    StatusRunning,
	}

	r.emit("autonomy:cycle:start", map[string]any{"id": report.ID, "kind": kind})

	hctx := hookctx.New()
	hctx.Extra["kind"] = string(kind)
	hctx, err := r.dispatch("beforeCycle", hctx)
	if err != nil {
		return r.finishCancelled(report, err)
	}
	if hctx.Cancelled {
		report.Status = StatusCancelled
		report.EndTime = r.nowPtr()
		r.emit("autonomy:cycle:skip", map[string]any{"id": report.ID, "kind": kind})
		return report, true, nil
	}

	for _, task := range battery {
		result := r.runTask(ctx, task, engineLevel)
		report.Tasks = append(report.Tasks, result)
		if result.Status == StatusError {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", task.ID, result.Error))
		}
	}

	if _, err := r.dispatch("afterCycle", hctx); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	report.EndTime = r.nowPtr()
	if len(report.Errors) > 0 {
		report.Status = StatusCompletedWithError
	} else {
		report.Status = StatusCompleted
	}

	r.emit("autonomy:cycle:end", map[string]any{"id": report.ID, "kind": kind, "status": report.Status})
	return report, true, nil
}

func (r *Runner) finishCancelled(report Report, err error) (Report, bool, error) {
	report.Status = StatusError
	report.EndTime = r.nowPtr()
	report.Errors = append(report.Errors, err.Error())
	r.emit("autonomy:cycle:error", map[string]any{"id": report.ID, "error": err.Error()})
	return report, true, err
}

func (r *Runner) dispatch(hookName string, ctx hookctx.Context) (hookctx.Context, error) {
	if r.Hooks == nil {
		return ctx, nil
	}
	return r.Hooks.ExecuteHooks(hookName, ctx)
}

func (r *Runner) runTask(ctx context.Context, task Task, engineLevel gate.Level) TaskResult {
	result := TaskResult{ID: task.ID, Name: task.Name, StartTime: r.now()}

	if !gate.Allows(task.HDMLevel, engineLevel) {
		result.Status = StatusSkipped
		result.Reason = "requires higher approval level"
		result.EndTime = r.now()
		r.emit("autonomy:approval:required", gate.RequiredNotice{
			Subject:       task.ID,
			RequiredLevel: task.HDMLevel,
			EngineLevel:   engineLevel,
		})
		return result
	}

	r.emit("autonomy:task:start", map[string]any{"id": task.ID, "name": task.Name})

	taskCtx := hookctx.New()
	taskCtx.Extra["taskId"] = task.ID
	if _, err := r.dispatch("beforeTask", taskCtx); err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		result.EndTime = r.now()
		r.emit("autonomy:task:error", map[string]any{"id": task.ID, "error": err.Error()})
		return result
	}

	output, err := r.execute(ctx, task)

	if _, hookErr := r.dispatch("afterTask", taskCtx); hookErr != nil && err == nil {
		err = hookErr
	}

	result.EndTime = r.now()
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		r.emit("autonomy:task:error", map[string]any{"id": task.ID, "error": err.Error()})
	} else {
		result.Status = StatusCompleted
		result.Output = output
	}
	r.emit("autonomy:task:end", map[string]any{"id": task.ID, "status": result.Status})
	return result
}

func (r *Runner) execute(ctx context.Context, task Task) (any, error) {
	handler, ok := r.resolve(task.Action)
	if !ok {
		return nil, fmt.Errorf("cycle: unknown action %q for task %q", task.Action, task.ID)
	}

	limit := r.RetryLimit
	if limit <= 0 {
		limit = 2
	}
	timeout := r.TaskTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	delay := r.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		out, err := r.callWithTimeout(ctx, handler, task, timeout)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTimeout) || attempt == limit {
			return nil, lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (r *Runner) callWithTimeout(ctx context.Context, handler Handler, task Task, timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := handler(callCtx, task)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("%w: %s", ErrTimeout, task.ID)
	}
}

func (r *Runner) resolve(action string) (Handler, bool) {
	if r.Resolver == nil {
		return nil, false
	}
	return r.Resolver.ResolveAction(action)
}

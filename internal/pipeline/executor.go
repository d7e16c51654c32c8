package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/orbiter/internal/models"
	"github.com/fentz26/orbiter/internal/template"
	"github.com/fentz26/orbiter/internal/tools"
)

// ToolCaller is the slice of the tools client the executor needs.
type ToolCaller interface {
	Resolve(address string) (*tools.Spec, error)
	Call(ctx context.Context, address string, inv tools.Invocation) (map[string]any, error)
}

// Run identifies one attempt for tool context hints.
type Run struct {
	TaskID  string
	RunID   string
	Attempt int
}

// Executor runs pipelines deterministically: steps in written order, no
// parallelism, fresh context per attempt.
type Executor struct {
	tools ToolCaller
	// CancelCheck is polled between steps; a non-nil return aborts the
	// attempt with that error. The worker wires the task's cancellation
	// flag and lease state in here.
	CancelCheck func(ctx context.Context) *Error
	// Owner gates tool calls on the owning agent's scopes when set.
	Owner *models.Agent
}

// NewExecutor creates an executor on a tool caller.
func NewExecutor(t ToolCaller) *Executor {
	return &Executor{tools: t}
}

// Execute runs the pipeline and returns the final context. The context map
// starts with now, params, steps, and, for event-triggered items, event.
// Any step failure aborts the attempt immediately.
func (e *Executor) Execute(ctx context.Context, payload *models.Payload, event json.RawMessage, run Run, startedAt time.Time) (map[string]any, error) {
	execCtx := map[string]any{
		"now":    startedAt.UTC().Format(time.RFC3339),
		"params": normalizeParams(payload.Params),
		"steps":  map[string]any{},
	}
	if event != nil {
		var ev any
		if err := json.Unmarshal(event, &ev); err != nil {
			return nil, &Error{Kind: KindTemplate, Err: fmt.Errorf("event payload is not valid JSON: %w", err)}
		}
		execCtx["event"] = ev
	}

	steps := execCtx["steps"].(map[string]any)

	for i := range payload.Pipeline {
		step := &payload.Pipeline[i]

		if err := e.checkCancel(ctx); err != nil {
			return nil, err
		}

		// A reused save_as would silently overwrite earlier output.
		if step.SaveAs != "" {
			if _, taken := steps[step.SaveAs]; taken {
				return nil, &Error{Kind: KindTemplate, Step: step.ID,
					Err: fmt.Errorf("save_as %q already bound", step.SaveAs)}
			}
		}

		if step.If != "" {
			cond, err := evalCondition(step.If, execCtx)
			if err != nil {
				return nil, &Error{Kind: KindTemplate, Step: step.ID, Err: err}
			}
			if !cond {
				continue
			}
		}

		out, err := e.runStep(ctx, step, execCtx, run)
		if err != nil {
			return nil, err
		}

		if step.SaveAs != "" {
			steps[step.SaveAs] = out
		}
	}

	return execCtx, nil
}

func (e *Executor) runStep(ctx context.Context, step *models.Step, execCtx map[string]any, run Run) (map[string]any, error) {
	spec, err := e.tools.Resolve(step.Uses)
	if err != nil {
		return nil, classify(step.ID, err)
	}
	if e.Owner != nil {
		for _, scope := range spec.ScopesRequired {
			if !e.Owner.HasScope(scope) {
				return nil, &Error{Kind: KindTool, Step: step.ID,
					Err: fmt.Errorf("agent %q lacks scope %q required by tool %q", e.Owner.Name, scope, step.Uses)}
			}
		}
	}

	with, err := resolveWith(step.With, execCtx)
	if err != nil {
		return nil, &Error{Kind: KindTemplate, Step: step.ID, Err: err}
	}

	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(step.Timeout())*time.Second)
	defer cancel()

	out, err := e.tools.Call(stepCtx, step.Uses, tools.Invocation{
		TaskID:  run.TaskID,
		RunID:   run.RunID,
		Attempt: run.Attempt,
		Args:    with,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &Error{Kind: KindTimeout, Step: step.ID, Retryable: true,
				Err: fmt.Errorf("tool %q exceeded %ds", step.Uses, step.Timeout())}
		}
		if cancelErr := e.checkCancel(ctx); cancelErr != nil {
			return nil, cancelErr
		}
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCanceled, Step: step.ID, Err: ctx.Err()}
		}
		return nil, classify(step.ID, err)
	}
	return out, nil
}

func (e *Executor) checkCancel(ctx context.Context) *Error {
	if e.CancelCheck != nil {
		if err := e.CancelCheck(ctx); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return &Error{Kind: KindCanceled, Err: ctx.Err()}
	}
	return nil
}

func evalCondition(sel string, execCtx map[string]any) (bool, error) {
	// Conditions are written either as bare selectors or wrapped in ${...}.
	inner := sel
	if len(sel) > 3 && sel[:2] == "${" && sel[len(sel)-1] == '}' {
		inner = sel[2 : len(sel)-1]
	}
	return template.EvalBool(inner, execCtx)
}

func resolveWith(with map[string]any, execCtx map[string]any) (map[string]any, error) {
	if with == nil {
		return map[string]any{}, nil
	}
	resolved, err := template.Resolve(normalizeParams(with), execCtx)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved with-map is %T, want object", resolved)
	}
	return out, nil
}

// normalizeParams copies a map for use in one attempt's context. Nested
// maps are copied recursively; slices are copied one level deep, so maps
// held inside a slice stay shared with the source.
func normalizeParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = normalizeParams(t)
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

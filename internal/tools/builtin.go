package tools

import (
	"context"
	"fmt"
	"time"
)

// BuiltinInvoker serves the in-process tools. They keep end-to-end tests
// and smoke deployments free of external dependencies:
//
//	echo   returns its args unchanged
//	const  returns its args unchanged (alias of echo, reads better in
//	       pipelines that only produce values)
//	sleep  waits args.seconds, honoring cancellation, then returns {slept}
//	fail   fails with args.message; retryable unless args.terminal is true
type BuiltinInvoker struct{}

// NewBuiltinInvoker creates the builtin invoker.
func NewBuiltinInvoker() *BuiltinInvoker {
	return &BuiltinInvoker{}
}

// Invoke dispatches on the endpoint name.
func (b *BuiltinInvoker) Invoke(ctx context.Context, spec *Spec, inv Invocation) (map[string]any, error) {
	switch spec.Endpoint {
	case "echo", "const":
		out := make(map[string]any, len(inv.Args))
		for k, v := range inv.Args {
			out[k] = v
		}
		return out, nil

	case "sleep":
		seconds, _ := inv.Args["seconds"].(float64)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(seconds * float64(time.Second))):
		}
		return map[string]any{"slept": seconds}, nil

	case "fail":
		msg, _ := inv.Args["message"].(string)
		if msg == "" {
			msg = "builtin failure"
		}
		terminal, _ := inv.Args["terminal"].(bool)
		return nil, &Error{Kind: "tool", Message: msg, Retryable: !terminal}

	default:
		return nil, &Error{Kind: "resolution", Message: fmt.Sprintf("unknown builtin %q", spec.Endpoint)}
	}
}

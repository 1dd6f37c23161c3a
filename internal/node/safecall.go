package node

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// safeCall invokes fn, recovering any panic and converting it into an
// error: a user hook blowing up must never corrupt node state or skip
// AfterExecution/exit cleanup.
func safeCall(logger *slog.Logger, nodeName, hookName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in node hook",
				"node", nodeName, "hook", hookName, "panic", r, "stack", string(debug.Stack()))
			err = &hookPanicError{node: nodeName, hook: hookName, value: r}
		}
	}()
	return fn()
}

// safeCallCtx is safeCall for hooks that take a context.
func safeCallCtx(ctx context.Context, logger *slog.Logger, nodeName, hookName string, fn func(context.Context) error) error {
	return safeCall(logger, nodeName, hookName, func() error { return fn(ctx) })
}

type hookPanicError struct {
	node  string
	hook  string
	value any
}

func (e *hookPanicError) Error() string {
	return "node " + e.node + ": panic in " + e.hook + " hook: " + formatPanic(e.value)
}

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}

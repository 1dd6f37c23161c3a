package node

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/anacostia-go/anacostia/internal/eventqueue"
	"github.com/anacostia-go/anacostia/internal/status"
)

// ActionNode executes user work inside a run and reports success or
// failure to both neighbours. Hooks are plain function-value fields,
// not virtual methods.
type ActionNode struct {
	*BaseNode

	SetupFunc       func(ctx context.Context) error
	BeforeExecution func(ctx context.Context) error
	// Execute is the node's unit of work: true means success, false
	// means a clean failure, and a returned error or panic means ERROR.
	Execute        func(ctx context.Context) (bool, error)
	AfterExecution func(ctx context.Context) error
	OnSuccess      func(ctx context.Context) error
	OnFailure      func(ctx context.Context) error
	OnError        func(ctx context.Context, execErr error) error
}

// NewActionNode constructs an ActionNode. Execute defaults to a no-op
// success if left nil.
func NewActionNode(name string, queue *eventqueue.Queue, logger *slog.Logger) *ActionNode {
	return &ActionNode{
		BaseNode: NewBaseNode(name, "ActionNode", BaseTypeAction, queue, logger),
	}
}

// Setup runs the user SetupFunc hook, if any, under panic recovery.
func (n *ActionNode) Setup(ctx context.Context) error {
	n.SetStatus(status.Initializing)
	if n.SetupFunc == nil {
		return nil
	}
	if err := safeCallCtx(ctx, n.logger, n.Name, "setup", n.SetupFunc); err != nil {
		n.SetStatus(status.StatusError)
		return err
	}
	return nil
}

// Run is the action loop: wait for predecessors, execute with the
// surrounding hooks, then propagate the result forward and backward.
func (n *ActionNode) Run(ctx context.Context) {
	defer n.MarkDone()

	if n.WaitsForConnection() {
		if err := n.WaitForConnection(); err != nil {
			n.SetStatus(status.Exited)
			return
		}
	}

	for {
		select {
		case <-n.Context().Done():
			n.SetStatus(status.Exited)
			return
		default:
		}

		n.SetStatus(status.WaitingPredecessors)
		if err := n.WaitForPredecessors(); err != nil {
			n.SetStatus(status.Exited)
			return
		}

		if n.BeforeExecution != nil {
			if err := safeCallCtx(ctx, n.logger, n.Name, "before_execution", n.BeforeExecution); err != nil {
				n.logger.Error("before_execution hook failed, continuing", "node", n.Name, "err", err)
			}
		}

		n.SetStatus(status.Executing)
		success, execErr := n.runExecute(ctx)

		// The wire payload is binary: anything but a clean true from
		// Execute signals FAILURE to both neighbours. ERROR is only
		// this node's own status and hook dispatch.
		var result status.Result
		switch {
		case execErr != nil:
			result = status.Failure
			n.SetStatus(status.StatusError)
			if n.OnError != nil {
				if err := safeCall(n.logger, n.Name, "on_error", func() error { return n.OnError(ctx, execErr) }); err != nil {
					n.logger.Error("on_error hook failed", "node", n.Name, "err", err)
				}
			}
		case !success:
			result = status.Failure
			n.SetStatus(status.StatusFailure)
			if n.OnFailure != nil {
				if err := safeCallCtx(ctx, n.logger, n.Name, "on_failure", n.OnFailure); err != nil {
					n.logger.Error("on_failure hook failed", "node", n.Name, "err", err)
				}
			}
		default:
			result = status.Success
			n.SetStatus(status.Complete)
			if n.OnSuccess != nil {
				if err := safeCallCtx(ctx, n.logger, n.Name, "on_success", n.OnSuccess); err != nil {
					n.logger.Error("on_success hook failed", "node", n.Name, "err", err)
				}
			}
		}

		if n.AfterExecution != nil {
			if err := safeCallCtx(ctx, n.logger, n.Name, "after_execution", n.AfterExecution); err != nil {
				n.logger.Error("after_execution hook failed", "node", n.Name, "err", err)
			}
		}

		if err := n.SignalSuccessors(result); err != nil {
			n.SetStatus(status.Exited)
			return
		}
		n.SetStatus(status.WaitingSuccessors)
		if err := n.WaitForSuccessors(); err != nil {
			n.SetStatus(status.Exited)
			return
		}
		if err := n.SignalPredecessors(result); err != nil {
			n.SetStatus(status.Exited)
			return
		}
	}
}

func (n *ActionNode) runExecute(ctx context.Context) (success bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("panic in execute hook", "node", n.Name, "panic", r, "stack", string(debug.Stack()))
			success = false
			err = &hookPanicError{node: n.Name, hook: "execute", value: r}
		}
	}()
	if n.Execute == nil {
		return true, nil
	}
	return n.Execute(ctx)
}

var _ Node = (*ActionNode)(nil)

package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alloybot/alloy/internal/observability"
	"github.com/alloybot/alloy/pkg/models"
)

// Registry holds the hooks of each kind, sorted by ascending Order once
// at registration time. Registration is expected at wiring time; Run*
// methods may be called concurrently afterwards.
type Registry struct {
	mu            sync.RWMutex
	beforeStart   []BeforeAgentStart
	beforeTool    []BeforeToolCall
	afterTool     []AfterToolCall
	afterComplete []AfterAgentComplete
	logger        *observability.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{logger: logger.WithComponent("hooks")}
}

// Register adds a hook to every kind it implements. A single value may
// serve several kinds.
func (r *Registry) Register(hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := hook.(BeforeAgentStart); ok {
		r.beforeStart = insertSorted(r.beforeStart, h)
	}
	if h, ok := hook.(BeforeToolCall); ok {
		r.beforeTool = insertSorted(r.beforeTool, h)
	}
	if h, ok := hook.(AfterToolCall); ok {
		r.afterTool = insertSorted(r.afterTool, h)
	}
	if h, ok := hook.(AfterAgentComplete); ok {
		r.afterComplete = insertSorted(r.afterComplete, h)
	}
}

// insertSorted appends and re-sorts stably so equal orders keep
// registration order.
func insertSorted[H Hook](hooks []H, h H) []H {
	hooks = append(hooks, h)
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Order() < hooks[j].Order()
	})
	return hooks
}

// RunBeforeAgentStart runs the before-start chain. The first Reject or
// PendingApproval stops iteration and is returned. A hook error becomes
// Reject when the hook is fail-close, and is logged and skipped when
// fail-open. Cancellation errors are always returned.
func (r *Registry) RunBeforeAgentStart(ctx context.Context, run *Context) (Result, error) {
	r.mu.RLock()
	hooks := r.beforeStart
	r.mu.RUnlock()

	for _, h := range hooks {
		if !h.Enabled() {
			continue
		}
		res, err := safeBeforeStart(ctx, h, run)
		if err != nil {
			if isCancellation(err) {
				return Result{}, err
			}
			if h.FailOnError() {
				return Reject(err.Error()), nil
			}
			r.logger.Warn(ctx, "before-start hook failed, continuing", "hook", h.Name(), "error", err)
			continue
		}
		if res.Kind != KindContinue {
			return res, nil
		}
	}
	return Continue(), nil
}

// RunBeforeToolCall runs the before-tool chain with the same semantics as
// RunBeforeAgentStart.
func (r *Registry) RunBeforeToolCall(ctx context.Context, call *ToolCallContext) (Result, error) {
	r.mu.RLock()
	hooks := r.beforeTool
	r.mu.RUnlock()

	for _, h := range hooks {
		if !h.Enabled() {
			continue
		}
		res, err := safeBeforeTool(ctx, h, call)
		if err != nil {
			if isCancellation(err) {
				return Result{}, err
			}
			if h.FailOnError() {
				return Reject(err.Error()), nil
			}
			r.logger.Warn(ctx, "before-tool hook failed, continuing", "hook", h.Name(), "error", err)
			continue
		}
		if res.Kind != KindContinue {
			return res, nil
		}
	}
	return Continue(), nil
}

// RunAfterToolCall runs the after-tool chain. Fail-close hook errors
// propagate; fail-open errors are logged and swallowed. Cancellation
// always propagates.
func (r *Registry) RunAfterToolCall(ctx context.Context, call *ToolCallContext, result ToolCallResult) error {
	r.mu.RLock()
	hooks := r.afterTool
	r.mu.RUnlock()

	for _, h := range hooks {
		if !h.Enabled() {
			continue
		}
		err := safeAfterTool(ctx, h, call, result)
		if err == nil {
			continue
		}
		if isCancellation(err) || h.FailOnError() {
			return err
		}
		r.logger.Warn(ctx, "after-tool hook failed", "hook", h.Name(), "error", err)
	}
	return nil
}

// RunAfterAgentComplete runs the after-complete chain with the same
// semantics as RunAfterToolCall.
func (r *Registry) RunAfterAgentComplete(ctx context.Context, run *Context, result models.AgentResult) error {
	r.mu.RLock()
	hooks := r.afterComplete
	r.mu.RUnlock()

	for _, h := range hooks {
		if !h.Enabled() {
			continue
		}
		err := safeAfterComplete(ctx, h, run, result)
		if err == nil {
			continue
		}
		if isCancellation(err) || h.FailOnError() {
			return err
		}
		r.logger.Warn(ctx, "after-complete hook failed", "hook", h.Name(), "error", err)
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// The safe* wrappers convert hook panics into errors so one misbehaving
// hook cannot take down the run.

func safeBeforeStart(ctx context.Context, h BeforeAgentStart, run *Context) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook panic: %v", rec)
		}
	}()
	return h.BeforeAgentStart(ctx, run)
}

func safeBeforeTool(ctx context.Context, h BeforeToolCall, call *ToolCallContext) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook panic: %v", rec)
		}
	}()
	return h.BeforeToolCall(ctx, call)
}

func safeAfterTool(ctx context.Context, h AfterToolCall, call *ToolCallContext, result ToolCallResult) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook panic: %v", rec)
		}
	}()
	return h.AfterToolCall(ctx, call, result)
}

func safeAfterComplete(ctx context.Context, h AfterAgentComplete, run *Context, result models.AgentResult) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook panic: %v", rec)
		}
	}()
	return h.AfterAgentComplete(ctx, run, result)
}

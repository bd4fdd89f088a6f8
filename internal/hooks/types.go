// Package hooks provides ordered lifecycle extension points for agent runs.
package hooks

import (
	"context"
	"maps"
	"regexp"
	"sync"
	"time"

	"github.com/alloybot/alloy/pkg/models"
)

// ResultKind tags a before-hook decision.
type ResultKind string

const (
	KindContinue        ResultKind = "continue"
	KindReject          ResultKind = "reject"
	KindPendingApproval ResultKind = "pending_approval"
)

// Result is the decision returned by before-hooks.
type Result struct {
	Kind ResultKind
	// Reason carries the rejection reason for KindReject.
	Reason string
	// Message carries the user-facing text for KindPendingApproval.
	Message string
}

// Continue lets the run proceed.
func Continue() Result { return Result{Kind: KindContinue} }

// Reject stops the run with a reason.
func Reject(reason string) Result { return Result{Kind: KindReject, Reason: reason} }

// PendingApproval suspends the run pending a human decision.
func PendingApproval(message string) Result {
	return Result{Kind: KindPendingApproval, Message: message}
}

// Context is the per-run state shared between the executor and hooks.
// ToolsUsed and metadata are safe for concurrent access.
type Context struct {
	RunID      string
	UserID     string
	UserPrompt string
	StartedAt  time.Time

	mu        sync.RWMutex
	toolsUsed []string
	metadata  map[string]any
}

// NewContext builds the shared run state.
func NewContext(runID, userID, userPrompt string) *Context {
	return &Context{
		RunID:      runID,
		UserID:     userID,
		UserPrompt: userPrompt,
		StartedAt:  time.Now(),
		metadata:   make(map[string]any),
	}
}

// AddToolUsed appends a tool name to the run's usage trail.
func (c *Context) AddToolUsed(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolsUsed = append(c.toolsUsed, name)
}

// ToolsUsed returns a snapshot of the usage trail in call order.
func (c *Context) ToolsUsed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.toolsUsed))
	copy(out, c.toolsUsed)
	return out
}

// SetMetadata stores a key on the run.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns a point-in-time copy of the run metadata.
func (c *Context) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

// GetMetadata reads one key.
func (c *Context) GetMetadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// sensitiveKey matches parameter names whose values must never be logged.
var sensitiveKey = regexp.MustCompile(`(?i)(password|api[_-]?key|token|secret)`)

// ToolCallContext describes one tool call within a run.
type ToolCallContext struct {
	Agent      *Context
	ToolName   string
	ToolParams map[string]any
	// CallIndex is the zero-based position of this call within the run.
	CallIndex int
}

// MaskedParams returns the params with sensitive values replaced by "***".
// Safe to log.
func (t *ToolCallContext) MaskedParams() map[string]any {
	out := make(map[string]any, len(t.ToolParams))
	for k, v := range t.ToolParams {
		if sensitiveKey.MatchString(k) {
			out[k] = "***"
		} else {
			out[k] = v
		}
	}
	return out
}

// ToolCallResult is handed to after-tool hooks.
type ToolCallResult struct {
	Success    bool
	Output     string
	DurationMs int64
}

// Hook carries the metadata every hook kind shares. Execution order is
// ascending Order; disabled hooks are skipped; FailOnError selects
// fail-close over fail-open when the hook itself errors.
type Hook interface {
	Name() string
	Order() int
	Enabled() bool
	FailOnError() bool
}

// BeforeAgentStart hooks gate the whole run.
type BeforeAgentStart interface {
	Hook
	BeforeAgentStart(ctx context.Context, run *Context) (Result, error)
}

// BeforeToolCall hooks gate individual tool calls.
type BeforeToolCall interface {
	Hook
	BeforeToolCall(ctx context.Context, call *ToolCallContext) (Result, error)
}

// AfterToolCall hooks observe completed tool calls.
type AfterToolCall interface {
	Hook
	AfterToolCall(ctx context.Context, call *ToolCallContext, result ToolCallResult) error
}

// AfterAgentComplete hooks observe the finished run.
type AfterAgentComplete interface {
	Hook
	AfterAgentComplete(ctx context.Context, run *Context, result models.AgentResult) error
}

// Meta is an embeddable Hook implementation. The zero value is enabled.
type Meta struct {
	HookName  string
	HookOrder int
	Disabled  bool
	FailClose bool
}

func (m Meta) Name() string      { return m.HookName }
func (m Meta) Order() int        { return m.HookOrder }
func (m Meta) Enabled() bool     { return !m.Disabled }
func (m Meta) FailOnError() bool { return m.FailClose }

// Func adapters for registering plain functions as hooks.

type BeforeAgentStartFunc struct {
	Meta
	Fn func(ctx context.Context, run *Context) (Result, error)
}

func (h BeforeAgentStartFunc) BeforeAgentStart(ctx context.Context, run *Context) (Result, error) {
	return h.Fn(ctx, run)
}

type BeforeToolCallFunc struct {
	Meta
	Fn func(ctx context.Context, call *ToolCallContext) (Result, error)
}

func (h BeforeToolCallFunc) BeforeToolCall(ctx context.Context, call *ToolCallContext) (Result, error) {
	return h.Fn(ctx, call)
}

type AfterToolCallFunc struct {
	Meta
	Fn func(ctx context.Context, call *ToolCallContext, result ToolCallResult) error
}

func (h AfterToolCallFunc) AfterToolCall(ctx context.Context, call *ToolCallContext, result ToolCallResult) error {
	return h.Fn(ctx, call, result)
}

type AfterAgentCompleteFunc struct {
	Meta
	Fn func(ctx context.Context, run *Context, result models.AgentResult) error
}

func (h AfterAgentCompleteFunc) AfterAgentComplete(ctx context.Context, run *Context, result models.AgentResult) error {
	return h.Fn(ctx, run, result)
}

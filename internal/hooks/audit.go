package hooks

import (
	"context"

	"github.com/alloybot/alloy/internal/observability"
	"github.com/alloybot/alloy/pkg/models"
)

// AuditHook logs every tool call and run completion. Tool params go
// through MaskedParams so secrets never reach the log stream.
type AuditHook struct {
	Meta
	logger *observability.Logger
}

// NewAuditHook creates the audit hook. It runs late (order 1000) and
// fail-open so auditing never blocks a run.
func NewAuditHook(logger *observability.Logger) *AuditHook {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AuditHook{
		Meta:   Meta{HookName: "audit", HookOrder: 1000},
		logger: logger.WithComponent("audit"),
	}
}

func (h *AuditHook) AfterToolCall(ctx context.Context, call *ToolCallContext, result ToolCallResult) error {
	h.logger.Info(ctx, "tool call completed",
		"tool", call.ToolName,
		"call_index", call.CallIndex,
		"params", call.MaskedParams(),
		"success", result.Success,
		"duration_ms", result.DurationMs,
	)
	return nil
}

func (h *AuditHook) AfterAgentComplete(ctx context.Context, run *Context, result models.AgentResult) error {
	h.logger.Info(ctx, "agent run completed",
		"run_id", run.RunID,
		"success", result.Success,
		"error_code", string(result.ErrorCode),
		"tools_used", run.ToolsUsed(),
		"duration_ms", result.DurationMs,
	)
	return nil
}

package models

// ExecMode selects how the executor drives the model.
type ExecMode string

const (
	// ModeStandard is a single LLM call with no tools.
	ModeStandard ExecMode = "standard"
	// ModeReact runs the tool loop until the model stops requesting tools.
	ModeReact ExecMode = "react"
	// ModeStreaming runs the tool loop while streaming partial text.
	ModeStreaming ExecMode = "streaming"
)

// Metadata keys recognized by the executor.
const (
	MetaSessionID  = "sessionId"
	MetaChannel    = "channel"
	MetaEntrypoint = "entrypoint"
	MetaSource     = "source"
)

// AgentCommand is the input to one agent run.
type AgentCommand struct {
	UserPrompt   string         `json:"user_prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Mode         ExecMode       `json:"mode,omitempty"`
	MaxToolCalls int            `json:"max_tool_calls,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	Model        string         `json:"model,omitempty"`
	History      []Message      `json:"history,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SessionID returns the memory session selected by the command metadata,
// or "" when the run is sessionless.
func (c *AgentCommand) SessionID() string {
	if v, ok := c.Metadata[MetaSessionID].(string); ok {
		return v
	}
	return ""
}

// Channel returns the invocation channel ("slack", "web", "scheduler", ...).
func (c *AgentCommand) Channel() string {
	if v, ok := c.Metadata[MetaChannel].(string); ok {
		return v
	}
	return ""
}

// ErrorCode is the normalized failure classification surfaced on AgentResult.
type ErrorCode string

const (
	ErrCodeGuardRejected   ErrorCode = "GUARD_REJECTED"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeContextTooLong  ErrorCode = "CONTEXT_TOO_LONG"
	ErrCodeToolError       ErrorCode = "TOOL_ERROR"
	ErrCodePendingApproval ErrorCode = "PENDING_APPROVAL"
	ErrCodeUnknown         ErrorCode = "UNKNOWN"
)

// AgentResult is the outcome of one run. Success implies Content is set and
// ErrorCode is empty; failure implies the reverse.
type AgentResult struct {
	Success      bool        `json:"success"`
	Content      string      `json:"content,omitempty"`
	ErrorCode    ErrorCode   `json:"error_code,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	ToolsUsed    []string    `json:"tools_used,omitempty"`
	TokenUsage   *TokenUsage `json:"token_usage,omitempty"`
	DurationMs   int64       `json:"duration_ms"`
}

// Failure builds a failed result with the given code and message.
func Failure(code ErrorCode, message string) AgentResult {
	return AgentResult{Success: false, ErrorCode: code, ErrorMessage: message}
}

// Package scheduler runs cron-scheduled jobs that invoke either a
// single tool or a full agent run, records execution history, and
// notifies chat channels with the result.
package scheduler

import (
	"context"
	"time"
)

// JobType selects what a job executes.
type JobType string

const (
	// JobTypeMCPTool invokes one named tool on an MCP server.
	JobTypeMCPTool JobType = "MCP_TOOL"
	// JobTypeAgent runs a full agent command.
	JobTypeAgent JobType = "AGENT"
)

// ExecutionStatus tracks one execution's lifecycle.
type ExecutionStatus string

const (
	StatusRunning ExecutionStatus = "RUNNING"
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusFailed  ExecutionStatus = "FAILED"
)

// Job is a persisted scheduled job. The cron expression uses the
// six-field form with seconds; the five-field POSIX form is also
// accepted.
type Job struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	CronExpression string         `json:"cronExpression" yaml:"cronExpression"`
	Timezone       string         `json:"timezone,omitempty" yaml:"timezone"`
	Type           JobType        `json:"jobType" yaml:"jobType"`
	MCPServerName  string         `json:"mcpServerName,omitempty" yaml:"mcpServerName"`
	ToolName       string         `json:"toolName,omitempty" yaml:"toolName"`
	ToolArguments  map[string]any `json:"toolArguments,omitempty" yaml:"toolArguments"`

	AgentPrompt       string `json:"agentPrompt,omitempty" yaml:"agentPrompt"`
	PersonaID         string `json:"personaId,omitempty" yaml:"personaId"`
	AgentSystemPrompt string `json:"agentSystemPrompt,omitempty" yaml:"agentSystemPrompt"`
	AgentModel        string `json:"agentModel,omitempty" yaml:"agentModel"`
	AgentMaxToolCalls int    `json:"agentMaxToolCalls,omitempty" yaml:"agentMaxToolCalls"`

	SlackChannelID  string `json:"slackChannelId,omitempty" yaml:"slackChannelId"`
	TeamsWebhookURL string `json:"teamsWebhookUrl,omitempty" yaml:"teamsWebhookUrl"`

	ExecutionTimeout time.Duration `json:"executionTimeout,omitempty" yaml:"executionTimeout"`
	RetryOnFailure   bool          `json:"retryOnFailure,omitempty" yaml:"retryOnFailure"`
	MaxRetryCount    int           `json:"maxRetryCount,omitempty" yaml:"maxRetryCount"`
	Enabled          bool          `json:"enabled" yaml:"enabled"`

	// LastStatus mirrors the most recent non-dry-run execution.
	LastStatus ExecutionStatus `json:"lastStatus,omitempty" yaml:"-"`
	CreatedAt  time.Time       `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt  time.Time       `json:"updatedAt,omitempty" yaml:"-"`
}

// Execution is one recorded run of a job.
type Execution struct {
	ID           string          `json:"id"`
	JobID        string          `json:"jobId"`
	JobName      string          `json:"jobName"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
	DurationMs   int64           `json:"durationMs"`
	DryRun       bool            `json:"dryRun"`
	Result       string          `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// JobStore persists scheduled jobs.
type JobStore interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, bool, error)
	List(ctx context.Context) ([]Job, error)
	Delete(ctx context.Context, id string) error
	// SetLastStatus updates the job's last-execution status without
	// touching the rest of the record.
	SetLastStatus(ctx context.Context, id string, status ExecutionStatus) error
}

// ExecutionStore persists execution history.
type ExecutionStore interface {
	Record(ctx context.Context, exec Execution) error
	List(ctx context.Context, jobID string, limit int) ([]Execution, error)
}

// Persona is a named system prompt.
type Persona struct {
	ID           string
	Name         string
	SystemPrompt string
}

// PersonaStore resolves personas for agent jobs.
type PersonaStore interface {
	Get(ctx context.Context, id string) (Persona, bool)
	GetDefault(ctx context.Context) (Persona, bool)
}

// ToolInvoker executes one named tool on an MCP server.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, serverName, toolName string, args map[string]any) (string, error)
}

// SlackSender posts a message to a Slack channel.
type SlackSender interface {
	SendMessage(ctx context.Context, channelID, text string) error
}

// TeamsSender posts a message to a Teams incoming webhook.
type TeamsSender interface {
	Send(ctx context.Context, webhookURL, text string) error
}

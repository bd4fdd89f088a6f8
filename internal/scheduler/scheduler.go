package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/alloybot/alloy/internal/observability"
	"github.com/alloybot/alloy/pkg/models"
)

// cronParser accepts the six-field form (seconds first) as well as the
// five-field POSIX form and @-descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ErrInvalidJob marks validation failures; callers map it to an
// invalid-argument response.
var ErrInvalidJob = errors.New("invalid job")

// AgentRunner runs agent commands for AGENT jobs.
type AgentRunner interface {
	Execute(ctx context.Context, cmd models.AgentCommand) (models.AgentResult, error)
}

const defaultSystemPrompt = "You are a helpful AI assistant."

// Scheduler owns job registration and execution.
type Scheduler struct {
	jobs       JobStore
	executions ExecutionStore
	personas   PersonaStore
	runner     AgentRunner
	tools      ToolInvoker
	slack      SlackSender
	teams      TeamsSender
	logger     *observability.Logger
	metrics    *observability.Metrics

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID

	runCtx context.Context
	cancel context.CancelFunc
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithAgentRunner(r AgentRunner) SchedulerOption   { return func(s *Scheduler) { s.runner = r } }
func WithToolInvoker(t ToolInvoker) SchedulerOption   { return func(s *Scheduler) { s.tools = t } }
func WithPersonaStore(p PersonaStore) SchedulerOption { return func(s *Scheduler) { s.personas = p } }
func WithSlackSender(n SlackSender) SchedulerOption   { return func(s *Scheduler) { s.slack = n } }
func WithTeamsSender(n TeamsSender) SchedulerOption   { return func(s *Scheduler) { s.teams = n } }

func WithLogger(l *observability.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

func WithMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler over the given stores. Collaborators are
// optional; jobs that need a missing one fail with a structured
// message instead of panicking.
func New(jobs JobStore, executions ExecutionStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:       jobs,
		executions: executions,
		logger:     observability.NopLogger(),
		cron:       cron.New(cron.WithParser(cronParser)),
		entries:    make(map[string]cron.EntryID),
	}
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins firing timers. Jobs already in the store are scheduled
// first so a restart picks them back up.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Enabled {
			if err := s.schedule(job); err != nil {
				s.logger.Error(ctx, "failed to schedule job", "job_id", job.ID, "error", err)
			}
		}
	}
	s.cron.Start()
	s.logger.Info(ctx, "scheduler started", "jobs", len(jobs))
	return nil
}

// Stop cancels in-flight executions and waits for the trigger loop to
// drain.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// ValidateJob checks the invariants that must hold before a job is
// persisted.
func ValidateJob(job Job) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if _, err := cronParser.Parse(job.CronExpression); err != nil {
		return fmt.Errorf("%w: bad cron expression %q: %v", ErrInvalidJob, job.CronExpression, err)
	}
	if job.Timezone != "" {
		if _, err := time.LoadLocation(job.Timezone); err != nil {
			return fmt.Errorf("%w: bad timezone %q: %v", ErrInvalidJob, job.Timezone, err)
		}
	}
	switch job.Type {
	case JobTypeMCPTool:
		if job.MCPServerName == "" || job.ToolName == "" {
			return fmt.Errorf("%w: MCP_TOOL jobs require mcpServerName and toolName", ErrInvalidJob)
		}
	case JobTypeAgent:
		// agentPrompt may still be resolved at trigger time.
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidJob, job.Type)
	}
	return nil
}

// CreateJob validates, persists, and schedules a new job.
func (s *Scheduler) CreateJob(ctx context.Context, job Job) (Job, error) {
	if err := ValidateJob(job); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.jobs.Save(ctx, job); err != nil {
		return Job{}, err
	}
	if job.Enabled {
		if err := s.schedule(job); err != nil {
			return Job{}, err
		}
	}
	s.logger.Info(ctx, "job created", "job_id", job.ID, "name", job.Name, "cron", job.CronExpression)
	return job, nil
}

// UpdateJob validates and replaces an existing job, rescheduling its
// trigger.
func (s *Scheduler) UpdateJob(ctx context.Context, id string, job Job) (Job, error) {
	if err := ValidateJob(job); err != nil {
		return Job{}, err
	}
	existing, ok, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	job.ID = id
	job.CreatedAt = existing.CreatedAt
	if err := s.jobs.Save(ctx, job); err != nil {
		return Job{}, err
	}
	s.unschedule(id)
	if job.Enabled {
		if err := s.schedule(job); err != nil {
			return Job{}, err
		}
	}
	return job, nil
}

// DeleteJob cancels the trigger and removes the job.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.unschedule(id)
	return s.jobs.Delete(ctx, id)
}

// GetJob returns one job.
func (s *Scheduler) GetJob(ctx context.Context, id string) (Job, bool, error) {
	return s.jobs.Get(ctx, id)
}

// ListJobs returns all jobs.
func (s *Scheduler) ListJobs(ctx context.Context) ([]Job, error) {
	return s.jobs.List(ctx)
}

// Executions returns recent execution history for a job.
func (s *Scheduler) Executions(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	return s.executions.List(ctx, jobID, limit)
}

// Trigger runs a job immediately, regardless of its enabled flag.
func (s *Scheduler) Trigger(ctx context.Context, id string) (Execution, error) {
	job, ok, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Execution{}, err
	}
	if !ok {
		return Execution{}, fmt.Errorf("job %s not found", id)
	}
	return s.runJob(observability.WithJobID(ctx, id), job, false), nil
}

// DryRun runs a job without notifications and without touching the
// job's last-execution status. The execution row is recorded with the
// dryRun flag set.
func (s *Scheduler) DryRun(ctx context.Context, id string) (Execution, error) {
	job, ok, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Execution{}, err
	}
	if !ok {
		return Execution{}, fmt.Errorf("job %s not found", id)
	}
	return s.runJob(observability.WithJobID(ctx, id), job, true), nil
}

func (s *Scheduler) schedule(job Job) error {
	spec := job.CronExpression
	if job.Timezone != "" {
		spec = "CRON_TZ=" + job.Timezone + " " + spec
	}
	jobID := job.ID
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(jobID) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[job.ID]; ok {
		s.cron.Remove(old)
	}
	s.entries[job.ID] = entryID
	return nil
}

func (s *Scheduler) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// fire handles one timer tick.
func (s *Scheduler) fire(jobID string) {
	ctx := observability.WithJobID(s.runCtx, jobID)
	job, ok, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.logger.Error(ctx, "failed to load job for trigger", "error", err)
		return
	}
	if !ok || !job.Enabled {
		return
	}
	s.runJob(ctx, job, false)
}

// runJob executes a job with its timeout and retry wrapper, records
// the execution, and (outside dry runs) updates status and notifies.
// Job errors never propagate to the trigger source.
func (s *Scheduler) runJob(ctx context.Context, job Job, dryRun bool) Execution {
	start := time.Now()
	exec := Execution{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		JobName:   job.Name,
		Status:    StatusRunning,
		StartedAt: start,
		DryRun:    dryRun,
	}

	result, err := s.runWithRetry(ctx, job)
	exec.FinishedAt = time.Now()
	exec.DurationMs = exec.FinishedAt.Sub(start).Milliseconds()
	if err != nil {
		exec.Status = StatusFailed
		if errors.Is(err, context.Canceled) {
			exec.ErrorMessage = "cancelled"
		} else {
			exec.ErrorMessage = err.Error()
		}
		s.logger.Warn(ctx, "job execution failed", "job_id", job.ID, "dry_run", dryRun, "error", exec.ErrorMessage)
	} else {
		exec.Status = StatusSuccess
		exec.Result = result
		s.logger.Info(ctx, "job execution succeeded", "job_id", job.ID, "dry_run", dryRun, "duration_ms", exec.DurationMs)
	}

	if recErr := s.executions.Record(ctx, exec); recErr != nil {
		s.logger.Error(ctx, "failed to record execution", "job_id", job.ID, "error", recErr)
	}
	if s.metrics != nil {
		s.metrics.SchedulerExecutions.WithLabelValues(string(job.Type), string(exec.Status)).Inc()
	}

	if !dryRun {
		if err := s.jobs.SetLastStatus(ctx, job.ID, exec.Status); err != nil {
			s.logger.Warn(ctx, "failed to update job status", "job_id", job.ID, "error", err)
		}
		if exec.Status == StatusSuccess {
			s.notify(ctx, job, result)
		}
	}
	return exec
}

func (s *Scheduler) runWithRetry(ctx context.Context, job Job) (string, error) {
	attempts := 1
	if job.RetryOnFailure && job.MaxRetryCount > 1 {
		attempts = job.MaxRetryCount
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := s.runOnce(ctx, job)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			s.logger.Warn(ctx, "job attempt failed, retrying",
				"job_id", job.ID, "attempt", attempt, "max_attempts", attempts, "error", err)
		}
	}
	return "", lastErr
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) (string, error) {
	if job.ExecutionTimeout > 0 {
		tctx, cancel := context.WithTimeout(ctx, job.ExecutionTimeout)
		defer cancel()
		result, err := s.dispatch(tctx, job)
		if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("execution timed out after %s", job.ExecutionTimeout)
		}
		return result, err
	}
	return s.dispatch(ctx, job)
}

func (s *Scheduler) dispatch(ctx context.Context, job Job) (string, error) {
	switch job.Type {
	case JobTypeMCPTool:
		if s.tools == nil {
			return "", errors.New("tool invoker not available")
		}
		return s.tools.InvokeTool(ctx, job.MCPServerName, job.ToolName, job.ToolArguments)

	case JobTypeAgent:
		if s.runner == nil {
			return "", errors.New("AgentExecutor not available")
		}
		if strings.TrimSpace(job.AgentPrompt) == "" {
			return "", errors.New("agentPrompt required")
		}
		cmd := models.AgentCommand{
			UserID:       "scheduler",
			UserPrompt:   job.AgentPrompt,
			SystemPrompt: s.resolveSystemPrompt(ctx, job),
			Model:        job.AgentModel,
			MaxToolCalls: job.AgentMaxToolCalls,
			Mode:         models.ModeReact,
			Metadata: map[string]any{
				models.MetaChannel: "scheduler",
				models.MetaSource:  "scheduler",
			},
		}
		result, err := s.runner.Execute(ctx, cmd)
		if err != nil {
			return "", err
		}
		if !result.Success {
			return "", fmt.Errorf("%s: %s", result.ErrorCode, result.ErrorMessage)
		}
		return result.Content, nil

	default:
		return "", fmt.Errorf("unknown job type %q", job.Type)
	}
}

// resolveSystemPrompt applies the persona precedence chain.
func (s *Scheduler) resolveSystemPrompt(ctx context.Context, job Job) string {
	if job.AgentSystemPrompt != "" {
		return job.AgentSystemPrompt
	}
	if s.personas != nil {
		if job.PersonaID != "" {
			if p, ok := s.personas.Get(ctx, job.PersonaID); ok && p.SystemPrompt != "" {
				return p.SystemPrompt
			}
		}
		if p, ok := s.personas.GetDefault(ctx); ok && p.SystemPrompt != "" {
			return p.SystemPrompt
		}
	}
	return defaultSystemPrompt
}

// notify delivers the result to the job's channels. Delivery failures
// are logged and do not change the recorded status.
func (s *Scheduler) notify(ctx context.Context, job Job, result string) {
	text := FormatNotification(job, result)
	if job.SlackChannelID != "" && s.slack != nil {
		if err := s.slack.SendMessage(ctx, job.SlackChannelID, text); err != nil {
			s.logger.Warn(ctx, "slack notification failed", "job_id", job.ID, "error", err)
		}
	}
	if job.TeamsWebhookURL != "" && s.teams != nil {
		if err := s.teams.Send(ctx, job.TeamsWebhookURL, text); err != nil {
			s.logger.Warn(ctx, "teams notification failed", "job_id", job.ID, "error", err)
		}
	}
}

// FormatNotification renders the chat message for a finished job. Raw
// tool output goes into a code fence; agent prose is sent as-is.
func FormatNotification(job Job, result string) string {
	if job.Type == JobTypeMCPTool {
		return fmt.Sprintf("**[%s]**\n```\n%s\n```", job.Name, result)
	}
	return fmt.Sprintf("**[%s]** 브리핑:\n%s", job.Name, result)
}

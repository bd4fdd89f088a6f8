// Package agent implements the request lifecycle: guard evaluation,
// hook dispatch, the ReAct tool loop, and result normalization.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alloybot/alloy/internal/approval"
	"github.com/alloybot/alloy/internal/breaker"
	"github.com/alloybot/alloy/internal/guard"
	"github.com/alloybot/alloy/internal/hooks"
	"github.com/alloybot/alloy/internal/idempotency"
	"github.com/alloybot/alloy/internal/llm"
	"github.com/alloybot/alloy/internal/memory"
	"github.com/alloybot/alloy/internal/observability"
	"github.com/alloybot/alloy/internal/policy"
	"github.com/alloybot/alloy/internal/rag"
	"github.com/alloybot/alloy/pkg/models"
)

// Config bounds one executor instance.
type Config struct {
	// MaxToolCalls caps tool invocations per run. A command may lower
	// this but never raise it.
	MaxToolCalls int
	// MaxToolsPerRequest caps how many tool specs are offered to the
	// model in one request.
	MaxToolsPerRequest int
	// MaxConcurrentRequests sizes the admission semaphore.
	MaxConcurrentRequests int
	// AdmissionWait is how long a request waits for a slot before it is
	// rejected as busy.
	AdmissionWait time.Duration
	// RequestTimeout bounds the whole run.
	RequestTimeout time.Duration
	// MaxConversationTurns caps how many prior exchanges are replayed
	// into the model context.
	MaxConversationTurns int
	// ApprovalTimeout bounds how long a tool call waits for a human
	// decision.
	ApprovalTimeout time.Duration

	RAGEnabled bool
	RAGTopK    int
	RAGRerank  bool

	Model           string
	Temperature     float64
	MaxOutputTokens int
}

// DefaultExecConfig returns production defaults.
func DefaultExecConfig() Config {
	return Config{
		MaxToolCalls:          10,
		MaxToolsPerRequest:    64,
		MaxConcurrentRequests: 8,
		AdmissionWait:         200 * time.Millisecond,
		RequestTimeout:        2 * time.Minute,
		MaxConversationTurns:  20,
		ApprovalTimeout:       5 * time.Minute,
		RAGTopK:               5,
	}
}

// Executor runs agent commands against a model provider.
type Executor struct {
	provider llm.Provider
	registry *ToolRegistry
	config   Config

	guardPipeline *guard.Pipeline
	hooks         *hooks.Registry
	memory        *memory.Store
	archive       *memory.SQLiteStore
	approvals     *approval.Store
	policy        *policy.Engine
	idempotency   *idempotency.Service
	outbound      *breaker.Executor
	retriever     rag.Retriever
	selector      ToolSelector
	resolver      ErrorMessageResolver
	logger        *observability.Logger
	metrics       *observability.Metrics

	sem chan struct{}
}

// Option configures an Executor.
type Option func(*Executor)

func WithGuard(p *guard.Pipeline) Option { return func(e *Executor) { e.guardPipeline = p } }
func WithHooks(r *hooks.Registry) Option { return func(e *Executor) { e.hooks = r } }
func WithMemory(s *memory.Store) Option { return func(e *Executor) { e.memory = s } }
func WithArchive(s *memory.SQLiteStore) Option { return func(e *Executor) { e.archive = s } }
func WithApprovals(s *approval.Store) Option { return func(e *Executor) { e.approvals = s } }
func WithPolicy(p *policy.Engine) Option { return func(e *Executor) { e.policy = p } }
func WithIdempotency(s *idempotency.Service) Option { return func(e *Executor) { e.idempotency = s } }
func WithOutbound(x *breaker.Executor) Option { return func(e *Executor) { e.outbound = x } }
func WithRetriever(r rag.Retriever) Option { return func(e *Executor) { e.retriever = r } }
func WithToolSelector(s ToolSelector) Option { return func(e *Executor) { e.selector = s } }
func WithResolver(r ErrorMessageResolver) Option { return func(e *Executor) { e.resolver = r } }
func WithLogger(l *observability.Logger) Option { return func(e *Executor) { e.logger = l } }
func WithMetrics(m *observability.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// NewExecutor creates an executor. Only the provider and tool registry
// are required; everything else degrades gracefully when absent.
func NewExecutor(provider llm.Provider, registry *ToolRegistry, config Config, opts ...Option) *Executor {
	defaults := DefaultExecConfig()
	if config.MaxToolCalls <= 0 {
		config.MaxToolCalls = defaults.MaxToolCalls
	}
	if config.MaxToolsPerRequest <= 0 {
		config.MaxToolsPerRequest = defaults.MaxToolsPerRequest
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}
	if config.AdmissionWait <= 0 {
		config.AdmissionWait = defaults.AdmissionWait
	}
	if config.MaxConversationTurns <= 0 {
		config.MaxConversationTurns = defaults.MaxConversationTurns
	}
	if config.ApprovalTimeout <= 0 {
		config.ApprovalTimeout = defaults.ApprovalTimeout
	}
	if config.RAGTopK <= 0 {
		config.RAGTopK = defaults.RAGTopK
	}

	e := &Executor{
		provider: provider,
		registry: registry,
		config:   config,
		resolver: DefaultResolver{},
		logger:   observability.NopLogger(),
		sem:      make(chan struct{}, config.MaxConcurrentRequests),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hooks == nil {
		e.hooks = hooks.NewRegistry(e.logger)
	}
	if e.registry == nil {
		e.registry = NewToolRegistry()
	}
	return e
}

// Execute runs a command to completion. Failures are encoded in the
// result; the error return is reserved for caller cancellation.
func (e *Executor) Execute(ctx context.Context, cmd models.AgentCommand) (models.AgentResult, error) {
	return e.run(ctx, cmd, nil)
}

// ExecuteStream runs a command and streams text deltas plus tool
// markers. Tool execution is bracketed by "[tool_start <name>]" and
// "[tool_end <name>]"; a failure is emitted as "[error] <message>"
// before the channel closes.
func (e *Executor) ExecuteStream(ctx context.Context, cmd models.AgentCommand) (<-chan string, error) {
	if cmd.Mode == "" {
		cmd.Mode = models.ModeStreaming
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		sink := func(s string) {
			select {
			case out <- s:
			case <-ctx.Done():
			}
		}
		result, err := e.run(ctx, cmd, sink)
		if err != nil {
			sink("[error] " + err.Error())
			return
		}
		if !result.Success {
			sink("[error] " + result.ErrorMessage)
		}
	}()
	return out, nil
}

func (e *Executor) run(ctx context.Context, cmd models.AgentCommand, sink func(string)) (models.AgentResult, error) {
	start := time.Now()

	if strings.TrimSpace(cmd.UserPrompt) == "" {
		return models.Failure(models.ErrCodeUnknown, "userPrompt is required"), nil
	}

	runID := uuid.NewString()
	sessionID := cmd.SessionID()
	parentCtx := ctx
	ctx = observability.WithRunContext(ctx, runID, cmd.UserID, sessionID)

	runCtx := hooks.NewContext(runID, cmd.UserID, cmd.UserPrompt)
	for k, v := range cmd.Metadata {
		runCtx.SetMetadata(k, v)
	}

	if err := e.admit(ctx); err != nil {
		if parentCtx.Err() != nil {
			return models.AgentResult{}, parentCtx.Err()
		}
		return e.finish(ctx, runCtx, cmd, models.Failure(models.ErrCodeRateLimited, err.Error()), start)
	}
	defer func() { <-e.sem }()
	if e.metrics != nil {
		e.metrics.ActiveRuns.Inc()
		defer e.metrics.ActiveRuns.Dec()
	}

	e.logger.Info(ctx, "run started", "mode", string(cmd.Mode), "session_id", sessionID)

	// Anonymous commands bypass the guard pipeline; admission policy is
	// defined per known user.
	if e.guardPipeline != nil && cmd.UserID != "" {
		res := e.guardPipeline.Evaluate(ctx, guard.Command{
			UserID:   cmd.UserID,
			Text:     cmd.UserPrompt,
			Metadata: cmd.Metadata,
		})
		if res.Rejected {
			if e.metrics != nil {
				e.metrics.GuardRejections.WithLabelValues(res.Stage, string(res.Category)).Inc()
			}
			code := models.ErrCodeGuardRejected
			if res.Category == guard.CategoryRateLimited {
				code = models.ErrCodeRateLimited
			}
			return e.finish(ctx, runCtx, cmd, models.Failure(code, res.Reason), start)
		}
	}

	hookRes, err := e.hooks.RunBeforeAgentStart(ctx, runCtx)
	if err != nil {
		return models.AgentResult{}, err
	}
	switch hookRes.Kind {
	case hooks.KindReject:
		return e.finish(ctx, runCtx, cmd, models.Failure(models.ErrCodeGuardRejected, hookRes.Reason), start)
	case hooks.KindPendingApproval:
		return e.finish(ctx, runCtx, cmd, models.Failure(models.ErrCodePendingApproval, "Pending approval: "+hookRes.Message), start)
	}

	history, conv := e.loadHistory(ctx, cmd, sessionID)
	systemPrompt := e.composeSystemPrompt(ctx, cmd)
	tools := e.selectTools(ctx, cmd)

	if e.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RequestTimeout)
		defer cancel()
	}

	maxCalls := e.config.MaxToolCalls
	if cmd.MaxToolCalls > 0 && cmd.MaxToolCalls < maxCalls {
		maxCalls = cmd.MaxToolCalls
	}
	temperature := e.config.Temperature
	if cmd.Temperature != nil {
		temperature = *cmd.Temperature
	}
	model := cmd.Model
	if model == "" {
		model = e.config.Model
	}

	messages := make([]models.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, models.NewUserMessage(cmd.UserPrompt))

	var usage models.TokenUsage
	var content strings.Builder
	totalToolCalls := 0
	done := false

	// One model call per tool round, plus one round to tell the model
	// the budget is spent and one for the final answer.
	maxModelCalls := maxCalls + 2
	for call := 0; call < maxModelCalls && !done; call++ {
		req := llm.Request{
			SystemPrompt:    systemPrompt,
			Messages:        messages,
			Tools:           tools,
			Model:           model,
			Temperature:     temperature,
			MaxOutputTokens: e.config.MaxOutputTokens,
		}
		resp, err := e.callModel(ctx, req, sink)
		if err != nil {
			if parentCtx.Err() != nil {
				return models.AgentResult{}, parentCtx.Err()
			}
			code := Classify(err)
			e.logger.Error(ctx, "model call failed", "error", err, "code", string(code))
			return e.finish(ctx, runCtx, cmd, models.Failure(code, e.resolver.Resolve(code, err.Error())), start)
		}
		usage.Add(resp.Usage)
		if e.metrics != nil {
			e.metrics.LLMTokensUsed.WithLabelValues(e.provider.Name(), model, "prompt").Add(float64(resp.Usage.Prompt))
			e.metrics.LLMTokensUsed.WithLabelValues(e.provider.Name(), model, "completion").Add(float64(resp.Usage.Completion))
		}

		// Text produced alongside tool calls is part of the answer; the
		// persisted content matches what a streaming client saw.
		content.WriteString(resp.Content)

		if len(resp.ToolCalls) == 0 {
			done = true
			break
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := make([]models.ToolResult, 0, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			content, isErr, ferr := e.executeToolCall(ctx, runCtx, cmd, tc, i, &totalToolCalls, maxCalls, sink)
			if ferr != nil {
				if parentCtx.Err() != nil {
					return models.AgentResult{}, parentCtx.Err()
				}
				code := Classify(ferr)
				return e.finish(ctx, runCtx, cmd, models.Failure(code, e.resolver.Resolve(code, ferr.Error())), start)
			}
			results = append(results, models.ToolResult{ToolCallID: tc.ID, Content: content, IsError: isErr})
		}
		messages = append(messages, models.Message{Role: models.RoleTool, ToolResults: results})
	}

	if !done {
		return e.finish(ctx, runCtx, cmd, models.Failure(models.ErrCodeUnknown, ErrMaxIterations.Error()), start)
	}

	finalContent := content.String()
	result := models.AgentResult{
		Success:    true,
		Content:    finalContent,
		ToolsUsed:  runCtx.ToolsUsed(),
		TokenUsage: &usage,
	}

	if conv != nil {
		userMsg := models.NewUserMessage(cmd.UserPrompt)
		asstMsg := models.NewAssistantMessage(finalContent)
		conv.Add(userMsg)
		conv.Add(asstMsg)
		if e.archive != nil {
			if err := e.archive.Append(ctx, sessionID, userMsg); err != nil {
				e.logger.Warn(ctx, "failed to persist user message", "error", err)
			} else if err := e.archive.Append(ctx, sessionID, asstMsg); err != nil {
				e.logger.Warn(ctx, "failed to persist assistant message", "error", err)
			}
		}
	}

	return e.finish(ctx, runCtx, cmd, result, start)
}

// admit acquires a concurrency slot, waiting at most AdmissionWait.
func (e *Executor) admit(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(e.config.AdmissionWait)
	defer timer.Stop()
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) loadHistory(ctx context.Context, cmd models.AgentCommand, sessionID string) ([]models.Message, *memory.Conversation) {
	history := cmd.History
	var conv *memory.Conversation
	if sessionID != "" && e.memory != nil {
		conv = e.memory.GetOrCreate(sessionID)
		if len(history) == 0 {
			history = conv.History()
		}
		if len(history) == 0 && e.archive != nil {
			persisted, err := e.archive.History(ctx, sessionID)
			if err != nil {
				e.logger.Warn(ctx, "failed to load persisted history", "error", err)
			} else {
				history = persisted
				for _, msg := range persisted {
					conv.Add(msg)
				}
			}
		}
	}
	if max := e.config.MaxConversationTurns * 2; len(history) > max {
		history = history[len(history)-max:]
	}
	return history, conv
}

func (e *Executor) composeSystemPrompt(ctx context.Context, cmd models.AgentCommand) string {
	systemPrompt := cmd.SystemPrompt
	if !e.config.RAGEnabled || e.retriever == nil {
		return systemPrompt
	}
	res, err := e.retriever.Retrieve(ctx, rag.Query{
		Text:   cmd.UserPrompt,
		TopK:   e.config.RAGTopK,
		Rerank: e.config.RAGRerank,
	})
	if err != nil {
		// Retrieval is fail-open.
		e.logger.Warn(ctx, "retrieval failed, continuing without context", "error", err)
		return systemPrompt
	}
	if !res.HasDocuments {
		return systemPrompt
	}
	return strings.TrimSpace(systemPrompt + "\n\n[Retrieved Context]\n" + res.Context)
}

func (e *Executor) selectTools(ctx context.Context, cmd models.AgentCommand) []llm.ToolSpec {
	if cmd.Mode == models.ModeStandard {
		return nil
	}
	tools := e.registry.Specs()
	if e.selector != nil {
		tools = e.selector.Select(ctx, cmd.UserPrompt, tools)
	}
	if len(tools) > e.config.MaxToolsPerRequest {
		tools = tools[:e.config.MaxToolsPerRequest]
	}
	return tools
}

// callModel performs one model turn. Non-streaming calls go through the
// retry executor; streams fast-fail on an open breaker but are not
// retried once started.
func (e *Executor) callModel(ctx context.Context, req llm.Request, sink func(string)) (llm.Response, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.LLMRequestDuration.WithLabelValues(e.provider.Name(), req.Model).Observe(time.Since(start).Seconds())
		}
	}()

	if sink == nil {
		if e.outbound != nil {
			return breaker.DoWithValue(e.outbound, ctx, "llm:"+e.provider.Name(), func(ctx context.Context) (llm.Response, error) {
				return e.provider.Complete(ctx, req)
			})
		}
		return e.provider.Complete(ctx, req)
	}

	if e.outbound != nil {
		endpoint := "llm:" + e.provider.Name()
		if wait, open := e.outbound.Breaker(endpoint).OpenFor(); open {
			return llm.Response{}, &breaker.OpenError{Endpoint: endpoint, RetryAfter: wait}
		}
	}

	chunks, err := e.provider.Stream(ctx, req)
	if err != nil {
		return llm.Response{}, err
	}

	var resp llm.Response
	var text strings.Builder
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return llm.Response{}, chunk.Err
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			sink(chunk.Text)
		case chunk.ToolCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		case chunk.Usage != nil:
			resp.Usage = *chunk.Usage
		}
	}
	resp.Content = text.String()
	return resp, nil
}

// executeToolCall runs one tool call through the full gate sequence.
// The returned content feeds back into the conversation; a non-nil
// fatal error aborts the run.
func (e *Executor) executeToolCall(ctx context.Context, runCtx *hooks.Context, cmd models.AgentCommand, tc models.ToolCall, callIndex int, total *int, maxCalls int, sink func(string)) (string, bool, error) {
	if *total >= maxCalls {
		e.logger.Warn(ctx, "tool call budget exhausted", "tool", tc.Name, "max", maxCalls)
		return "Error: Maximum tool call limit reached", true, nil
	}

	args := map[string]any{}
	if len(tc.Input) > 0 {
		if err := json.Unmarshal(tc.Input, &args); err != nil {
			e.logger.Warn(ctx, "tool arguments are not valid JSON", "tool", tc.Name, "error", err)
			args = map[string]any{}
		}
	}

	callCtx := &hooks.ToolCallContext{
		Agent:      runCtx,
		ToolName:   tc.Name,
		ToolParams: args,
		CallIndex:  callIndex,
	}
	hookRes, err := e.hooks.RunBeforeToolCall(ctx, callCtx)
	if err != nil {
		return "", false, err
	}
	if hookRes.Kind == hooks.KindReject {
		return "Tool call rejected: " + hookRes.Reason, true, nil
	}

	tool, ok := e.registry.Get(tc.Name)
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found", tc.Name), true, nil
	}

	if err := e.registry.ValidateArgs(tc.Name, args); err != nil {
		return "Error: invalid arguments: " + err.Error(), true, nil
	}

	needApproval := hookRes.Kind == hooks.KindPendingApproval
	if e.policy != nil {
		eval := e.policy.Evaluate(tc.Name, args, cmd.Channel())
		switch eval.Decision {
		case policy.DecisionReject:
			e.logger.Warn(ctx, "tool call rejected by policy", "tool", tc.Name, "reason", eval.Reason)
			return "Tool call rejected: " + eval.Reason, true, nil
		case policy.DecisionRequireApproval:
			needApproval = true
		}
	}

	if needApproval {
		if e.approvals == nil {
			return fmt.Sprintf("Error: tool '%s' requires approval but no approval channel is configured", tc.Name), true, nil
		}
		e.logger.Info(ctx, "tool call awaiting approval", "tool", tc.Name)
		resp, err := e.approvals.RequestApproval(ctx, runCtx.RunID, cmd.UserID, tc.Name, args, e.config.ApprovalTimeout)
		if err != nil {
			return "", false, err
		}
		if !resp.Approved {
			reason := resp.Reason
			if reason == "" {
				reason = "approval denied"
			}
			return "Tool call not approved: " + reason, true, nil
		}
		if resp.ModifiedArguments != nil {
			args = resp.ModifiedArguments
		}
	}

	if sink != nil {
		sink("[tool_start " + tc.Name + "]")
	}
	invokeStart := time.Now()
	output, invokeErr := e.invokeTool(ctx, tool, tc.Name, args)
	durationMs := time.Since(invokeStart).Milliseconds()
	if sink != nil {
		sink("[tool_end " + tc.Name + "]")
	}

	status := "success"
	if invokeErr != nil {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.ToolExecutionCounter.WithLabelValues(tc.Name, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(tc.Name).Observe(time.Since(invokeStart).Seconds())
	}

	callResult := hooks.ToolCallResult{
		Success:    invokeErr == nil,
		Output:     output,
		DurationMs: durationMs,
	}
	if invokeErr != nil {
		callResult.Output = invokeErr.Error()
	}
	if err := e.hooks.RunAfterToolCall(ctx, callCtx, callResult); err != nil {
		return "", false, err
	}

	*total++
	runCtx.AddToolUsed(tc.Name)

	if invokeErr != nil {
		e.logger.Warn(ctx, "tool invocation failed", "tool", tc.Name, "error", invokeErr)
		return "Error: " + invokeErr.Error(), true, nil
	}
	return output, false, nil
}

// invokeTool dispatches through the retry executor, and through the
// idempotency service for write tools.
func (e *Executor) invokeTool(ctx context.Context, tool Tool, name string, args map[string]any) (string, error) {
	call := func(ctx context.Context) (string, error) {
		return tool.Invoke(ctx, args)
	}
	run := call
	if e.outbound != nil {
		run = func(ctx context.Context) (string, error) {
			return breaker.DoWithValue(e.outbound, ctx, "tool:"+name, call)
		}
	}

	if e.idempotency != nil && e.policy != nil && e.policy.IsWriteTool(name) {
		explicitKey, _ := args["idempotencyKey"].(string)
		encoded, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("tool %s: cannot encode arguments: %w", name, err)
		}
		return e.idempotency.Execute(ctx, name, explicitKey, []string{string(encoded)}, run)
	}
	return run(ctx)
}

// finish stamps the duration, runs AfterAgentComplete hooks, and
// records run metrics. Every non-propagating exit goes through here.
func (e *Executor) finish(ctx context.Context, runCtx *hooks.Context, cmd models.AgentCommand, result models.AgentResult, start time.Time) (models.AgentResult, error) {
	result.DurationMs = time.Since(start).Milliseconds()
	if len(result.ToolsUsed) == 0 {
		result.ToolsUsed = runCtx.ToolsUsed()
	}

	if err := e.hooks.RunAfterAgentComplete(ctx, runCtx, result); err != nil {
		if ctx.Err() != nil {
			return models.AgentResult{}, err
		}
		code := Classify(err)
		failed := models.Failure(code, e.resolver.Resolve(code, err.Error()))
		failed.DurationMs = result.DurationMs
		failed.ToolsUsed = result.ToolsUsed
		result = failed
	}

	status := "success"
	if !result.Success {
		status = "failure"
	}
	mode := string(cmd.Mode)
	if mode == "" {
		mode = string(models.ModeStandard)
	}
	if e.metrics != nil {
		e.metrics.RunCounter.WithLabelValues(mode, status).Inc()
		e.metrics.RunDuration.WithLabelValues(mode).Observe(float64(result.DurationMs) / 1000)
	}
	e.logger.Info(ctx, "run finished",
		"success", result.Success,
		"error_code", string(result.ErrorCode),
		"tools_used", len(result.ToolsUsed),
		"duration_ms", result.DurationMs)
	return result, nil
}

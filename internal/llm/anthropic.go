package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/alloybot/alloy/internal/breaker"
	"github.com/alloybot/alloy/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	// DefaultModel is used when the request does not name one.
	DefaultModel string
	// DefaultMaxTokens bounds output when the request does not.
	DefaultMaxTokens int
}

// AnthropicProvider implements Provider on the official Anthropic SDK.
type AnthropicProvider struct {
	client           anthropic.Client
	defaultModel     string
	defaultMaxTokens int
}

// NewAnthropicProvider creates the adapter.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 4096
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:           anthropic.NewClient(options...),
		defaultModel:     config.DefaultModel,
		defaultMaxTokens: config.DefaultMaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete performs one blocking chat call.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return Response{}, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, wrapAnthropicError(err)
	}

	var resp Response
	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: json.RawMessage(toolUse.Input),
			})
		}
	}
	resp.Content = content.String()
	resp.Usage = models.TokenUsage{
		Prompt:     int(msg.Usage.InputTokens),
		Completion: int(msg.Usage.OutputTokens),
		Total:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp, nil
}

// Stream performs one streaming chat call. Text deltas are emitted as
// they arrive; tool calls are emitted once their argument JSON is fully
// accumulated; usage arrives last.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan Chunk)

	go func() {
		defer close(chunks)

		var currentToolCall *models.ToolCall
		var currentToolInput strings.Builder
		var usage models.TokenUsage

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "message_start":
				messageStart := event.AsMessageStart()
				usage.Prompt = int(messageStart.Message.Usage.InputTokens)

			case "content_block_start":
				contentBlock := event.AsContentBlockStart().ContentBlock
				if contentBlock.Type == "tool_use" {
					toolUse := contentBlock.AsToolUse()
					currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					currentToolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- Chunk{Text: delta.Text}
					}
				case "input_json_delta":
					currentToolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentToolCall != nil {
					input := currentToolInput.String()
					if input == "" {
						input = "{}"
					}
					currentToolCall.Input = json.RawMessage(input)
					chunks <- Chunk{ToolCall: currentToolCall}
					currentToolCall = nil
				}

			case "message_delta":
				messageDelta := event.AsMessageDelta()
				if messageDelta.Usage.OutputTokens > 0 {
					usage.Completion = int(messageDelta.Usage.OutputTokens)
				}

			case "message_stop":
				usage.Total = usage.Prompt + usage.Completion
				chunks <- Chunk{Usage: &usage}
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- Chunk{Err: wrapAnthropicError(err)}
			return
		}
		usage.Total = usage.Prompt + usage.Completion
		chunks <- Chunk{Usage: &usage}
	}()

	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = p.defaultMaxTokens
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		// System turns travel in params.System, not the message list.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

// wrapAnthropicError converts SDK failures into *breaker.HTTPError so
// the retry executor can classify them.
func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &breaker.HTTPError{
			StatusCode: apiErr.StatusCode,
			Message:    err.Error(),
		}
	}
	return err
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/alloybot/alloy/internal/breaker"
	"github.com/alloybot/alloy/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey           string
	BaseURL          string
	DefaultModel     string
	DefaultMaxTokens int
}

// OpenAIProvider implements Provider on the go-openai client.
type OpenAIProvider struct {
	client           *openai.Client
	defaultModel     string
	defaultMaxTokens int
}

// NewOpenAIProvider creates the adapter.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 4096
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:           openai.NewClientWithConfig(clientConfig),
		defaultModel:     config.DefaultModel,
		defaultMaxTokens: config.DefaultMaxTokens,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete performs one blocking chat call.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	chatReq, err := p.buildRequest(req, false)
	if err != nil {
		return Response{}, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Response{}, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("openai: empty response")
	}

	choice := resp.Choices[0].Message
	out := Response{
		Content: choice.Content,
		Usage: models.TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// Stream performs one streaming chat call. OpenAI streams tool calls
// incrementally (ID and name first, then argument fragments keyed by
// index); completed calls are emitted once FinishReason reports
// "tool_calls" or the stream ends.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	chatReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		toolCalls := make(map[int]*models.ToolCall)
		var usage models.TokenUsage

		flushToolCalls := func() {
			indexes := make([]int, 0, len(toolCalls))
			for i := range toolCalls {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			for _, i := range indexes {
				tc := toolCalls[i]
				if tc.ID != "" && tc.Name != "" {
					if tc.Input == nil {
						tc.Input = json.RawMessage("{}")
					}
					chunks <- Chunk{ToolCall: tc}
				}
			}
			toolCalls = make(map[int]*models.ToolCall)
		}

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					flushToolCalls()
					chunks <- Chunk{Usage: &usage}
					return
				}
				chunks <- Chunk{Err: wrapOpenAIError(err)}
				return
			}

			if response.Usage != nil {
				usage = models.TokenUsage{
					Prompt:     response.Usage.PromptTokens,
					Completion: response.Usage.CompletionTokens,
					Total:      response.Usage.TotalTokens,
				}
			}
			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			if delta.Content != "" {
				chunks <- Chunk{Text: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				if toolCalls[index] == nil {
					toolCalls[index] = &models.ToolCall{}
				}
				if tc.ID != "" {
					toolCalls[index].ID = tc.ID
				}
				if tc.Function.Name != "" {
					toolCalls[index].Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					current := string(toolCalls[index].Input)
					toolCalls[index].Input = json.RawMessage(current + tc.Function.Arguments)
				}
			}

			if response.Choices[0].FinishReason == openai.FinishReasonToolCalls {
				flushToolCalls()
			}
		}
	}()

	return chunks, nil
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = p.defaultMaxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertOpenAIMessages(req.Messages, req.SystemPrompt),
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq, nil
}

func convertOpenAIMessages(messages []models.Message, systemPrompt string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	// The system prompt is part of the message array, unlike Anthropic.
	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			// Each tool result becomes its own message keyed by call ID.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			// A bad schema must not break the other tools.
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// wrapOpenAIError converts SDK failures into *breaker.HTTPError so the
// retry executor can classify them.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return &breaker.HTTPError{
			StatusCode: apiErr.HTTPStatusCode,
			Code:       code,
			Message:    fmt.Sprintf("openai: %s", apiErr.Message),
		}
	}
	return err
}

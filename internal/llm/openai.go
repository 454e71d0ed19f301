package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/abdul-hamid-achik/counselor/internal/config"
)

// OpenAIProvider wraps the go-openai chat completions client
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(cfg *config.ProviderConfig) (*OpenAIProvider, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg)}, nil
}

// Vendor implements Provider.
func (p *OpenAIProvider) Vendor() config.Vendor { return config.VendorOpenAI }

// SupportsTools implements Provider.
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Generate sends a chat completion request and normalizes the first choice
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*RawOutput, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, classify(config.VendorOpenAI, fmt.Errorf("openai API error: %w", err), openAIStatus(err))
	}
	if len(resp.Choices) == 0 {
		return nil, classify(config.VendorOpenAI, errors.New("no response from OpenAI"), 502)
	}

	choice := resp.Choices[0]
	out := &RawOutput{
		Vendor:     config.VendorOpenAI,
		Model:      resp.Model,
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

// GenerateStream streams text deltas. Tool call fragments are accumulated and
// emitted once the stream ends.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req Request) <-chan StreamChunk {
	r := p.buildRequest(req)
	r.Stream = true
	stream, err := p.client.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return errorStream(classify(config.VendorOpenAI, err, openAIStatus(err)))
	}

	ch := make(chan StreamChunk, 100)
	go func() {
		defer close(ch)
		defer stream.Close()

		pending := map[int]*ToolCall{}
		argBuf := map[int]string{}
		var order []int

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- StreamChunk{Type: "error", Error: classify(config.VendorOpenAI, err, openAIStatus(err))}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				ch <- StreamChunk{Type: "text", Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := pending[idx]
				if !ok {
					call = &ToolCall{}
					pending[idx] = call
					order = append(order, idx)
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				argBuf[idx] += tc.Function.Arguments
			}
		}

		for _, idx := range order {
			call := pending[idx]
			args, err := decodeArguments(argBuf[idx])
			if err != nil {
				ch <- StreamChunk{Type: "error", Error: fmt.Errorf("failed to parse tool input: %w", err)}
				continue
			}
			call.Arguments = args
			ch <- StreamChunk{Type: "tool_call", ToolCall: call}
		}
		ch <- StreamChunk{Type: "done"}
	}()
	return ch
}

func (p *OpenAIProvider) buildRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	r := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	for _, tool := range req.Tools {
		r.Tools = append(r.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	if req.JSONMode && len(req.Tools) == 0 {
		r.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return r
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/abdul-hamid-achik/counselor/internal/config"
)

// AnthropicProvider wraps the Anthropic SDK
type AnthropicProvider struct {
	client *anthropic.Client
}

// NewAnthropicProvider creates an Anthropic adapter. SDK-level retries are
// disabled because the Retrier owns the retry policy.
func NewAnthropicProvider(cfg *config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client}, nil
}

// Vendor implements Provider.
func (p *AnthropicProvider) Vendor() config.Vendor { return config.VendorAnthropic }

// SupportsTools implements Provider.
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Generate sends a request and normalizes the response
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*RawOutput, error) {
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, classify(config.VendorAnthropic, fmt.Errorf("anthropic API error: %w", err), anthropicStatus(err))
	}
	return parseAnthropicMessage(msg, req.Model), nil
}

// GenerateStream streams text deltas and completed tool calls
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req Request) <-chan StreamChunk {
	ch := make(chan StreamChunk, 100)

	go func() {
		defer close(ch)

		stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))

		var current *ToolCall
		var inputJSON string

		for stream.Next() {
			event := stream.Current()

			switch e := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := e.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					current = &ToolCall{ID: block.ID, Name: block.Name}
					inputJSON = ""
				}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := e.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					ch <- StreamChunk{Type: "text", Text: delta.Text}
				case anthropic.InputJSONDelta:
					inputJSON += delta.PartialJSON
				}

			case anthropic.ContentBlockStopEvent:
				if current != nil {
					args, err := decodeArguments(inputJSON)
					if err != nil {
						ch <- StreamChunk{Type: "error", Error: fmt.Errorf("failed to parse tool input: %w", err)}
					} else {
						current.Arguments = args
						ch <- StreamChunk{Type: "tool_call", ToolCall: current}
					}
					current = nil
					inputJSON = ""
				}

			case anthropic.MessageStopEvent:
				ch <- StreamChunk{Type: "done"}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Type: "error", Error: classify(config.VendorAnthropic, err, anthropicStatus(err))}
		}
	}()

	return ch
}

func (p *AnthropicProvider) buildParams(req Request) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			param := anthropic.ToolUnionParamOfTool(anthropicInputSchema(tool.InputSchema), tool.Name)
			param.OfTool.Description = anthropic.String(tool.Description)
			tools = append(tools, param)
		}
		params.Tools = tools
	}

	return params
}

func parseAnthropicMessage(msg *anthropic.Message, model string) *RawOutput {
	out := &RawOutput{
		Vendor:     config.VendorAnthropic,
		Model:      model,
		StopReason: string(msg.StopReason),
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += b.Text
		case anthropic.ToolUseBlock:
			args, err := decodeArguments(string(b.Input))
			if err != nil {
				// Keep the call; the parser reports missing arguments as malformed.
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	return out
}

// anthropicInputSchema converts a JSON Schema map to the SDK's ToolInputSchemaParam
func anthropicInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	result := anthropic.ToolInputSchemaParam{}
	if props, ok := schema["properties"].(map[string]any); ok {
		result.Properties = props
	}
	if req, ok := schema["required"]; ok {
		result.ExtraFields = map[string]any{"required": req}
	}
	return result
}

func anthropicStatus(err error) int {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// decodeArguments parses a tool input object. Empty input is an empty object.
func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

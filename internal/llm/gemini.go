package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/abdul-hamid-achik/counselor/internal/config"
)

// GeminiProvider wraps the Google GenAI client
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini adapter on the Gemini API backend.
func NewGeminiProvider(ctx context.Context, cfg *config.ProviderConfig) (*GeminiProvider, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Vendor implements Provider.
func (p *GeminiProvider) Vendor() config.Vendor { return config.VendorGemini }

// SupportsTools implements Provider.
func (p *GeminiProvider) SupportsTools() bool { return true }

// Generate sends a generateContent request and normalizes text and function calls
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*RawOutput, error) {
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, geminiContents(req.Messages), geminiConfig(req))
	if err != nil {
		return nil, classify(config.VendorGemini, fmt.Errorf("gemini API error: %w", err), geminiStatus(err))
	}
	return parseGeminiResponse(resp, req.Model), nil
}

// GenerateStream streams text parts; function calls arrive whole.
func (p *GeminiProvider) GenerateStream(ctx context.Context, req Request) <-chan StreamChunk {
	ch := make(chan StreamChunk, 100)
	go func() {
		defer close(ch)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, geminiContents(req.Messages), geminiConfig(req)) {
			if err != nil {
				ch <- StreamChunk{Type: "error", Error: classify(config.VendorGemini, err, geminiStatus(err))}
				return
			}
			out := parseGeminiResponse(resp, req.Model)
			if out.Text != "" {
				ch <- StreamChunk{Type: "text", Text: out.Text}
			}
			for i := range out.ToolCalls {
				ch <- StreamChunk{Type: "tool_call", ToolCall: &out.ToolCalls[i]}
			}
		}
		ch <- StreamChunk{Type: "done"}
	}()
	return ch
}

func geminiContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.Role(genai.RoleUser)
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.InputSchema,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	} else if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func parseGeminiResponse(resp *genai.GenerateContentResponse, model string) *RawOutput {
	out := &RawOutput{Vendor: config.VendorGemini, Model: model}
	if resp == nil {
		return out
	}
	out.Text = resp.Text()
	for i, fc := range resp.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("gemini-call-%d", i)
		}
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: args})
	}
	return out
}

func geminiStatus(err error) int {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

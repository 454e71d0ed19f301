package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/abdul-hamid-achik/counselor/internal/config"
)

// OllamaProvider talks to a local Ollama server. It has no native tool calling:
// the tool catalogue goes into the system prompt and the model answers with a
// JSON tool_calls document that the parser extracts from text.
type OllamaProvider struct {
	client *api.Client
}

// NewOllamaProvider creates an Ollama adapter.
func NewOllamaProvider(cfg *config.ProviderConfig, httpClient *http.Client) (*OllamaProvider, error) {
	host := "http://localhost:11434"
	if cfg != nil && cfg.BaseURL != "" {
		host = cfg.BaseURL
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaProvider{client: api.NewClient(u, httpClient)}, nil
}

// Vendor implements Provider.
func (p *OllamaProvider) Vendor() config.Vendor { return config.VendorOllama }

// SupportsTools implements Provider.
func (p *OllamaProvider) SupportsTools() bool { return false }

// Generate runs a non-streaming generate call
func (p *OllamaProvider) Generate(ctx context.Context, req Request) (*RawOutput, error) {
	var text strings.Builder
	var last api.GenerateResponse

	err := p.client.Generate(ctx, p.buildRequest(req, false), func(gr api.GenerateResponse) error {
		text.WriteString(gr.Response)
		last = gr
		return nil
	})
	if err != nil {
		return nil, classify(config.VendorOllama, fmt.Errorf("ollama API error: %w", err), ollamaStatus(err))
	}
	return &RawOutput{
		Vendor:     config.VendorOllama,
		Model:      req.Model,
		Text:       text.String(),
		StopReason: last.DoneReason,
	}, nil
}

// GenerateStream forwards response fragments as text chunks
func (p *OllamaProvider) GenerateStream(ctx context.Context, req Request) <-chan StreamChunk {
	ch := make(chan StreamChunk, 100)
	go func() {
		defer close(ch)
		err := p.client.Generate(ctx, p.buildRequest(req, true), func(gr api.GenerateResponse) error {
			if gr.Response != "" {
				ch <- StreamChunk{Type: "text", Text: gr.Response}
			}
			return nil
		})
		if err != nil {
			ch <- StreamChunk{Type: "error", Error: classify(config.VendorOllama, err, ollamaStatus(err))}
			return
		}
		ch <- StreamChunk{Type: "done"}
	}()
	return ch
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) *api.GenerateRequest {
	system := req.System
	if len(req.Tools) > 0 {
		system += "\n\n" + toolCatalogue(req.Tools)
	}

	r := &api.GenerateRequest{
		Model:  req.Model,
		System: system,
		Prompt: flattenMessages(req.Messages),
		Stream: &stream,
	}
	if req.JSONMode || len(req.Tools) > 0 {
		r.Format = json.RawMessage(`"json"`)
	}
	if req.MaxTokens > 0 {
		r.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	return r
}

// toolCatalogue describes tools in text for models without native tool calling.
func toolCatalogue(tools []ToolDefinition) string {
	var b strings.Builder
	b.WriteString("You can call these tools. To call tools, reply with ONLY a JSON object of the form ")
	b.WriteString(`{"tool_calls":[{"id":"call_1","name":"<tool>","arguments":{...}}]}`)
	b.WriteString(`. To reply without tools, use {"reply":"<text>"}.`)
	b.WriteString("\n\nTools:\n")
	for _, t := range tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = []byte("{}")
		}
		fmt.Fprintf(&b, "- %s: %s\n  arguments schema: %s\n", t.Name, t.Description, schema)
	}
	return b.String()
}

func flattenMessages(messages []Message) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var b strings.Builder
	for _, m := range messages {
		role := "Student"
		if m.Role == "assistant" {
			role = "Counselor"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, m.Content)
	}
	return strings.TrimSpace(b.String())
}

func ollamaStatus(err error) int {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// Package parser validates model replies and turns them into text, tool
// calls, or a malformed result carrying a reason.
package parser

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"
	"github.com/tidwall/gjson"

	"github.com/abdul-hamid-achik/counselor/internal/llm"
)

// Kind tags an Output.
type Kind string

const (
	KindText      Kind = "text"
	KindToolCalls Kind = "tool_calls"
	KindMalformed Kind = "malformed"
)

// ToolCall is a validated tool invocation.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Output is a parsed reply. Content is the text for KindText and the
// accompanying message, if any, for KindToolCalls. Raw and Reason are set
// for KindMalformed.
type Output struct {
	Kind    Kind       `json:"kind"`
	Content string     `json:"content,omitempty"`
	Calls   []ToolCall `json:"calls,omitempty"`
	Raw     string     `json:"raw,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Malformed reports whether the output failed validation.
func (o Output) Malformed() bool { return o.Kind == KindMalformed }

func malformed(raw, format string, args ...any) Output {
	return Output{Kind: KindMalformed, Raw: raw, Reason: fmt.Sprintf(format, args...)}
}

// ToolSet is the registered tool catalogue the parser checks calls against.
type ToolSet interface {
	Names() []string
	Schema(name string) (map[string]any, bool)
}

// Parser validates replies. It holds one compiled schema per tool and is
// safe for concurrent use.
type Parser struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every tool schema once.
func New(tools ToolSet) (*Parser, error) {
	p := &Parser{schemas: make(map[string]*jsonschema.Schema)}
	if tools == nil {
		return p, nil
	}
	compiler := jsonschema.NewCompiler()
	for _, name := range tools.Names() {
		raw, ok := tools.Schema(name)
		if !ok {
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("tool %s: failed to encode schema: %w", name, err)
		}
		schema, err := compiler.Compile(data)
		if err != nil {
			return nil, fmt.Errorf("tool %s: failed to compile schema: %w", name, err)
		}
		p.schemas[name] = schema
	}
	return p, nil
}

// Parse validates raw against the rule set for tag. It never panics and
// never fails: problems come back as a malformed Output.
func (p *Parser) Parse(raw *llm.RawOutput, tag SchemaTag) (out Output) {
	text := ""
	if raw != nil {
		text = raw.Text
	}
	defer func() {
		if r := recover(); r != nil {
			out = malformed(text, "reply could not be processed")
		}
	}()

	if raw == nil {
		return malformed("", "empty response")
	}
	rules, ok := Rules(tag)
	if !ok {
		return malformed(text, "unknown schema tag %q", tag)
	}
	if rules.Objectives {
		if _, o := p.ParseObjectives(raw); o.Malformed() {
			return o
		}
		return Output{Kind: KindText, Content: strings.TrimSpace(text)}
	}

	if len(raw.ToolCalls) > 0 {
		calls := make([]ToolCall, 0, len(raw.ToolCalls))
		for i, tc := range raw.ToolCalls {
			args := tc.Arguments
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{CallID: callID(tc.ID, i), Name: tc.Name, Arguments: args})
		}
		return p.validateCalls(text, strings.TrimSpace(text), calls, rules)
	}

	doc, found, attempted := extractJSON(text)
	if !found {
		switch {
		case attempted:
			return malformed(text, "reply looked like JSON but could not be parsed")
		case strings.TrimSpace(text) == "":
			return malformed(text, "empty reply")
		case !rules.AllowText:
			return malformed(text, "expected a JSON document with tool_calls")
		}
		return Output{Kind: KindText, Content: strings.TrimSpace(text)}
	}

	root := gjson.Parse(doc)
	reply := root.Get("reply")
	if reply.Exists() && reply.Type != gjson.String {
		return malformed(text, "reply must be a string")
	}

	callsField := root.Get("tool_calls")
	if !callsField.Exists() {
		if reply.Exists() && rules.AllowText {
			if strings.TrimSpace(reply.String()) == "" {
				return malformed(text, "reply is empty")
			}
			return Output{Kind: KindText, Content: strings.TrimSpace(reply.String())}
		}
		if rules.AllowText && !attempted {
			// prose that merely contains braces
			return Output{Kind: KindText, Content: strings.TrimSpace(text)}
		}
		return malformed(text, "JSON reply has no tool_calls field")
	}
	if !callsField.IsArray() {
		return malformed(text, "tool_calls must be an array")
	}

	var calls []ToolCall
	for i, item := range callsField.Array() {
		if !item.IsObject() {
			return malformed(text, "tool call %d is not an object", i+1)
		}
		name := item.Get("name")
		if name.Type != gjson.String || strings.TrimSpace(name.String()) == "" {
			return malformed(text, "tool call %d is missing a name", i+1)
		}
		args := map[string]any{}
		if a := item.Get("arguments"); a.Exists() {
			if !a.IsObject() {
				return malformed(text, "arguments of %s must be an object", name.String())
			}
			if err := json.Unmarshal([]byte(a.Raw), &args); err != nil {
				return malformed(text, "arguments of %s could not be decoded", name.String())
			}
		}
		calls = append(calls, ToolCall{CallID: callID(item.Get("id").String(), i), Name: name.String(), Arguments: args})
	}

	if len(calls) == 0 {
		if reply.Exists() && rules.AllowText && strings.TrimSpace(reply.String()) != "" {
			return Output{Kind: KindText, Content: strings.TrimSpace(reply.String())}
		}
		if !rules.AllowText {
			return Output{Kind: KindToolCalls, Content: reply.String()}
		}
		return malformed(text, "reply has neither text nor tool calls")
	}
	return p.validateCalls(text, strings.TrimSpace(reply.String()), calls, rules)
}

func (p *Parser) validateCalls(raw, content string, calls []ToolCall, rules RuleSet) Output {
	for _, c := range calls {
		if c.Name == "" {
			return malformed(raw, "tool call %s is missing a name", c.CallID)
		}
		schema, registered := p.schemas[c.Name]
		if !registered || !rules.allows(c.Name) {
			return malformed(raw, "unknown tool %q", c.Name)
		}
		result := schema.Validate(c.Arguments)
		if !result.Valid {
			return malformed(raw, "invalid arguments for %s: %s", c.Name, describe(result))
		}
	}
	return Output{Kind: KindToolCalls, Content: content, Calls: calls}
}

// describe flattens schema errors into one sorted, readable line.
func describe(result *jsonschema.EvaluationResult) string {
	var msgs []string
	collect(result, &msgs)
	if len(msgs) == 0 {
		return "does not match the schema"
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

func collect(result *jsonschema.EvaluationResult, msgs *[]string) {
	if result == nil {
		return
	}
	for _, e := range result.Errors {
		if e != nil {
			*msgs = append(*msgs, e.Error())
		}
	}
	for _, d := range result.Details {
		collect(d, msgs)
	}
}

func callID(id string, index int) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("call_%d", index+1)
}

// ParseObjectives reads the secretary format {"objectives":[{"text":...}]}.
// On failure the list is nil and the Output is malformed.
func (p *Parser) ParseObjectives(raw *llm.RawOutput) (texts []string, out Output) {
	text := ""
	if raw != nil {
		text = raw.Text
	}
	defer func() {
		if r := recover(); r != nil {
			texts, out = nil, malformed(text, "reply could not be processed")
		}
	}()

	doc, found, _ := extractJSON(text)
	if !found {
		return nil, malformed(text, "expected a JSON document with an objectives list")
	}
	list := gjson.Get(doc, "objectives")
	if !list.IsArray() {
		return nil, malformed(text, "objectives must be an array")
	}
	texts = []string{}
	for i, item := range list.Array() {
		t := item.Get("text")
		if !item.IsObject() || t.Type != gjson.String || strings.TrimSpace(t.String()) == "" {
			return nil, malformed(text, "objective %d has no text", i+1)
		}
		texts = append(texts, strings.TrimSpace(t.String()))
	}
	return texts, Output{Kind: KindText, Content: doc}
}

// Package prompt holds the versioned system prompt templates for each role.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	cctx "github.com/abdul-hamid-achik/counselor/internal/context"
	"github.com/abdul-hamid-achik/counselor/internal/parser"
	"github.com/abdul-hamid-achik/counselor/internal/store"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// roleTags maps each role to the rule set its replies are parsed with.
var roleTags = map[config.Role]parser.SchemaTag{
	config.RoleCounselor:  parser.TagCounselorReply,
	config.RoleOnboarding: parser.TagOnboardingReply,
	config.RoleParser:     parser.TagParserExtract,
	config.RoleSecretary:  parser.TagSecretaryObjectives,
}

// Prompt is a rendered system prompt.
type Prompt struct {
	Role      config.Role
	Version   string
	System    string
	SchemaTag parser.SchemaTag
}

type version struct {
	name string // "v1"
	num  int
	tmpl *template.Template
}

// Library renders role prompts. It is immutable after New and safe for
// concurrent use.
type Library struct {
	roles      map[config.Role][]version // ascending
	corrective *template.Template
}

// New parses the embedded templates.
func New() (*Library, error) {
	base, err := template.New("base").
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		ParseFS(templateFS, "templates/output.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse output template: %w", err)
	}

	lib := &Library{roles: make(map[config.Role][]version)}
	files, err := fs.Glob(templateFS, "templates/*.v*.tmpl")
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		name := strings.TrimSuffix(path.Base(file), ".tmpl")
		roleName, ver, ok := strings.Cut(name, ".")
		if !ok {
			continue
		}
		num, err := strconv.Atoi(strings.TrimPrefix(ver, "v"))
		if err != nil {
			return nil, fmt.Errorf("template %s: bad version %q", file, ver)
		}
		src, err := fs.ReadFile(templateFS, file)
		if err != nil {
			return nil, err
		}
		clone, err := base.Clone()
		if err != nil {
			return nil, err
		}
		tmpl, err := clone.New(name).Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", file, err)
		}

		if roleName == "corrective" {
			lib.corrective = tmpl
			continue
		}
		role := config.Role(roleName)
		lib.roles[role] = append(lib.roles[role], version{name: ver, num: num, tmpl: tmpl})
	}
	for role := range lib.roles {
		vs := lib.roles[role]
		sort.Slice(vs, func(i, j int) bool { return vs[i].num < vs[j].num })
	}

	for role := range roleTags {
		if len(lib.roles[role]) == 0 {
			return nil, fmt.Errorf("no template for role %q", role)
		}
	}
	if lib.corrective == nil {
		return nil, fmt.Errorf("no corrective template")
	}
	return lib, nil
}

// MustNew is New for package-level setup; the templates are embedded so a
// failure is a build defect.
func MustNew() *Library {
	lib, err := New()
	if err != nil {
		panic(err)
	}
	return lib
}

// Options tunes rendering.
type Options struct {
	// NativeTools is true when the provider calls tools through its API.
	// Otherwise the prompt asks for the JSON document format.
	NativeTools   bool
	MaxObjectives int
}

// Option sets a rendering option.
type Option func(*Options)

// WithNativeTools sets whether the target provider has native tool calling.
func WithNativeTools(native bool) Option {
	return func(o *Options) { o.NativeTools = native }
}

// WithMaxObjectives caps how many objectives the secretary may propose.
func WithMaxObjectives(n int) Option {
	return func(o *Options) { o.MaxObjectives = n }
}

func resolve(opts []Option) Options {
	o := Options{NativeTools: true, MaxObjectives: 5}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// templateData is what the templates see.
type templateData struct {
	Role          string
	Version       string
	StudentID     string
	EntryPoint    string
	Trigger       string
	Date          time.Time
	Context       string
	Objectives    []store.Objective
	Degraded      bool
	ToolsNative   bool
	MaxObjectives int
	ProfileFields []string
	Reason        string
}

// Render renders the latest template version for role. It depends only on
// its arguments.
func (l *Library) Render(role config.Role, a *cctx.Assembled, opts ...Option) (Prompt, error) {
	vs := l.roles[role]
	if len(vs) == 0 {
		return Prompt{}, fmt.Errorf("unknown prompt role %q", role)
	}
	return l.render(role, vs[len(vs)-1], a, resolve(opts))
}

// RenderVersion renders a specific template version for role.
func (l *Library) RenderVersion(role config.Role, ver string, a *cctx.Assembled, opts ...Option) (Prompt, error) {
	for _, v := range l.roles[role] {
		if v.name == ver {
			return l.render(role, v, a, resolve(opts))
		}
	}
	return Prompt{}, fmt.Errorf("prompt role %q has no version %q", role, ver)
}

// Versions lists the available versions for role, oldest first.
func (l *Library) Versions(role config.Role) []string {
	var out []string
	for _, v := range l.roles[role] {
		out = append(out, v.name)
	}
	return out
}

func (l *Library) render(role config.Role, v version, a *cctx.Assembled, o Options) (Prompt, error) {
	if a == nil {
		a = &cctx.Assembled{}
	}
	data := templateData{
		Role:          string(role),
		Version:       v.name,
		StudentID:     a.StudentID,
		EntryPoint:    a.Entry.EntryPoint,
		Trigger:       a.Entry.Trigger,
		Date:          a.Entry.Timestamp,
		Context:       a.Render(),
		Objectives:    a.Objectives,
		Degraded:      a.Degraded,
		ToolsNative:   o.NativeTools,
		MaxObjectives: o.MaxObjectives,
		ProfileFields: store.ProfileFields,
	}

	var buf bytes.Buffer
	if err := v.tmpl.Execute(&buf, data); err != nil {
		return Prompt{}, fmt.Errorf("template execution error: %w", err)
	}
	return Prompt{
		Role:      role,
		Version:   v.name,
		System:    strings.TrimSpace(buf.String()),
		SchemaTag: roleTags[role],
	}, nil
}

// Corrective returns the instruction appended to the conversation when a
// reply could not be parsed. reason is the parser's explanation.
func (l *Library) Corrective(reason string, opts ...Option) string {
	o := resolve(opts)
	var buf bytes.Buffer
	err := l.corrective.Execute(&buf, templateData{Reason: reason, ToolsNative: o.NativeTools})
	if err != nil {
		return "Your previous reply could not be used: " + reason + ". Reply again following the output format exactly."
	}
	return strings.TrimSpace(buf.String())
}

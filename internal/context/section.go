package context

import (
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/counselor/internal/store"
)

// SectionKind identifies a context section.
type SectionKind string

const (
	SectionEntry      SectionKind = "entry"
	SectionObjectives SectionKind = "objectives"
	SectionNarrative  SectionKind = "narrative"
	SectionSummary    SectionKind = "summary"
)

// Section weights. Higher weight survives budget trimming longer; entry and
// objectives are never trimmed at all.
const (
	WeightEntry      = 100
	WeightObjectives = 90
	WeightNarrative  = 50
	WeightSummary    = 30
)

// Section is one titled block of assembled context.
type Section struct {
	Kind   SectionKind
	Title  string
	Body   string
	Size   int // estimated tokens of Body
	Weight int
}

func newSection(kind SectionKind, title, body string, weight int) Section {
	return Section{Kind: kind, Title: title, Body: body, Size: EstimateTokens(body), Weight: weight}
}

// Pinned reports whether budget trimming must leave the section untouched.
func (s Section) Pinned() bool {
	return s.Kind == SectionEntry || s.Kind == SectionObjectives
}

// Assembled is the context payload for one turn.
type Assembled struct {
	StudentID  string
	Entry      store.EntryContext
	Sections   []Section
	Budget     int
	Profile    *store.Profile
	Summary    *store.Summary
	Objectives []store.Objective // pending only, in order

	// Trimmed lists the sections that budget enforcement shortened or dropped.
	Trimmed []SectionKind
	// Degraded is set on payloads built by Minimal.
	Degraded bool
}

// Size is the combined estimated size of all sections.
func (a *Assembled) Size() int {
	total := 0
	for _, s := range a.Sections {
		total += s.Size
	}
	return total
}

// Section returns the section of the given kind.
func (a *Assembled) Section(kind SectionKind) (Section, bool) {
	for _, s := range a.Sections {
		if s.Kind == kind {
			return s, true
		}
	}
	return Section{}, false
}

// Minimal returns a copy holding only the entry and objectives sections.
// The controller uses it to keep a turn going when the stores could not
// provide the rest.
func (a *Assembled) Minimal() *Assembled {
	out := &Assembled{
		StudentID:  a.StudentID,
		Entry:      a.Entry,
		Budget:     a.Budget,
		Objectives: append([]store.Objective(nil), a.Objectives...),
		Degraded:   true,
	}
	for _, s := range a.Sections {
		if s.Pinned() {
			out.Sections = append(out.Sections, s)
		}
	}
	if _, ok := out.Section(SectionEntry); !ok {
		out.Sections = append([]Section{entrySection(a.Entry)}, out.Sections...)
	}
	if _, ok := out.Section(SectionObjectives); !ok {
		out.Sections = append(out.Sections, objectivesSection(out.Objectives))
	}
	return out
}

// Render joins the sections into the text block the prompt templates embed.
func (a *Assembled) Render() string {
	var b strings.Builder
	for i, s := range a.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", s.Title, s.Body)
	}
	return b.String()
}

func entrySection(e store.EntryContext) Section {
	var b strings.Builder
	fmt.Fprintf(&b, "Entry point: %s", orDash(e.EntryPoint))
	if e.Trigger != "" {
		fmt.Fprintf(&b, "\nTrigger: %s", e.Trigger)
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "\nTime: %s", e.Timestamp.UTC().Format("2006-01-02 15:04 MST"))
	}
	return newSection(SectionEntry, "Session", b.String(), WeightEntry)
}

func objectivesSection(objs []store.Objective) Section {
	if len(objs) == 0 {
		return newSection(SectionObjectives, "Counselor objectives", "No pending objectives.", WeightObjectives)
	}
	var b strings.Builder
	for i, o := range objs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- [%s] %s", o.ID, o.Text)
	}
	return newSection(SectionObjectives, "Counselor objectives", b.String(), WeightObjectives)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

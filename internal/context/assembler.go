// Package context builds the per-turn context payload: entry context,
// pending objectives, the profile narrative and the conversation summary,
// fitted into a token budget.
package context

import (
	"context"
	"errors"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	cerr "github.com/abdul-hamid-achik/counselor/internal/errors"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/store"
)

// Stores is what the assembler reads from.
type Stores interface {
	store.Profiles
	store.Conversations
	store.Objectives
}

// Assembler produces the context payload for a turn.
type Assembler struct {
	stores   Stores
	narrator *Narrator
	budget   int
	log      *logging.Logger
}

// NewAssembler creates an assembler with the budget from cfg.
func NewAssembler(stores Stores, narrator *Narrator, cfg config.ContextConfig, log *logging.Logger) *Assembler {
	if narrator == nil {
		narrator = NewNarrator(cfg.NarrativeCacheSize)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Assembler{
		stores:   stores,
		narrator: narrator,
		budget:   cfg.BudgetTokens,
		log:      log.WithPrefix("context"),
	}
}

// Narrator exposes the narrative cache.
func (a *Assembler) Narrator() *Narrator { return a.narrator }

// Assemble reads the student's profile, summary and objectives and returns
// the sections in order entry, objectives, narrative, summary. When a store
// read fails it returns a ContextUnavailable error together with a partial
// payload whose Minimal() is still usable.
func (a *Assembler) Assemble(ctx context.Context, studentID string, entry store.EntryContext) (*Assembled, error) {
	out := &Assembled{StudentID: studentID, Entry: entry, Budget: a.budget}

	objs, err := a.stores.ListObjectives(ctx, studentID)
	if err != nil {
		out.Sections = []Section{entrySection(entry), objectivesSection(nil)}
		return out, cerr.ContextUnavailable("objectives", err)
	}
	out.Objectives = store.PendingObjectives(objs)
	out.Sections = []Section{entrySection(entry), objectivesSection(out.Objectives)}

	profile, err := a.stores.GetProfile(ctx, studentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		profile = &store.Profile{StudentID: studentID}
	case err != nil:
		return out, cerr.ContextUnavailable("profile", err)
	}
	out.Profile = profile

	summary, err := a.stores.GetSummary(ctx, studentID)
	if err != nil {
		return out, cerr.ContextUnavailable("conversation history", err)
	}
	out.Summary = summary

	out.Sections = append(out.Sections,
		newSection(SectionNarrative, "Student profile", a.narrator.Narrative(profile), WeightNarrative),
	)
	if summary != nil && summary.Text != "" {
		out.Sections = append(out.Sections,
			newSection(SectionSummary, "Conversation so far", summary.Text, WeightSummary),
		)
	}

	a.fit(out)

	a.log.Event(logging.EventContextAssembled,
		logging.StudentID(studentID),
		logging.Tokens(out.Size()),
		logging.F("budget", out.Budget),
		logging.Count(len(out.Sections)),
	)
	return out, nil
}

// fit enforces the budget. The summary is shortened first, keeping its most
// recent lines, and dropped only when not even one line fits. The narrative
// is cut second. Pinned sections are never touched.
func (a *Assembler) fit(out *Assembled) {
	if out.Budget <= 0 || out.Size() <= out.Budget {
		return
	}

	for _, kind := range []SectionKind{SectionSummary, SectionNarrative} {
		over := out.Size() - out.Budget
		if over <= 0 {
			return
		}
		idx := -1
		for i, s := range out.Sections {
			if s.Kind == kind {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		s := out.Sections[idx]
		room := s.Size - over
		var body string
		if kind == SectionSummary {
			body, _ = KeepRecentLines(s.Body, room)
		} else {
			body = truncateToTokens(s.Body, room)
		}

		out.Trimmed = append(out.Trimmed, kind)
		if body == "" {
			out.Sections = append(out.Sections[:idx], out.Sections[idx+1:]...)
			a.log.Event(logging.EventContextTrimmed, logging.F("section", string(kind)), logging.F("dropped", true))
			continue
		}
		s.Body = body
		s.Size = EstimateTokens(body)
		out.Sections[idx] = s
		a.log.Event(logging.EventContextTrimmed, logging.F("section", string(kind)), logging.Tokens(s.Size))
	}

	if out.Size() > out.Budget {
		a.log.Warn("pinned sections exceed the context budget",
			logging.StudentID(out.StudentID),
			logging.Tokens(out.Size()),
			logging.F("budget", out.Budget),
		)
	}
}

// truncateToTokens cuts text to at most tokens, ending with an ellipsis
// when something was removed.
func truncateToTokens(text string, tokens int) string {
	if EstimateTokens(text) <= tokens {
		return text
	}
	limit := charsForTokens(tokens)
	runes := []rune(text)
	if limit <= 3 {
		return ""
	}
	return string(runes[:limit-3]) + "..."
}

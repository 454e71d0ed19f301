package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/abdul-hamid-achik/counselor/internal/config"
	cctx "github.com/abdul-hamid-achik/counselor/internal/context"
	"github.com/abdul-hamid-achik/counselor/internal/llm"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
	"github.com/abdul-hamid-achik/counselor/internal/parser"
	"github.com/abdul-hamid-achik/counselor/internal/prompt"
	"github.com/abdul-hamid-achik/counselor/internal/session"
	"github.com/abdul-hamid-achik/counselor/internal/store"
)

// Trigger says why objectives are being regenerated.
type Trigger string

const (
	TriggerLogin           Trigger = "login"
	TriggerConversationEnd Trigger = "conversation_end"
)

// entryObjectives is the entry point recorded for generator runs.
const entryObjectives = "objectives"

const secretaryInstruction = "Review the notes and propose the objectives for the next sessions now."

// GenerateResult describes one generator run.
type GenerateResult struct {
	Objectives []store.Objective // full reconciled list
	Added      int
	Kept       int
	Dropped    int
	// Skipped is set when the model reply was unusable and nothing was written.
	Skipped bool
	Reason  string
}

// ObjectiveGenerator refreshes a student's counselor objectives outside of
// turns, on the fast model tier.
type ObjectiveGenerator struct {
	store     store.Store
	assembler *cctx.Assembler
	prompts   *prompt.Library
	router    *llm.Router
	parser    *parser.Parser
	locker    *session.Locker
	cfg       *config.Config
	log       *logging.Logger

	group singleflight.Group
}

// NewObjectiveGenerator builds a generator from the same collaborators as the
// controller. Pass the controller's Locker so turns and runs exclude each other.
func NewObjectiveGenerator(c Config) *ObjectiveGenerator {
	log := c.Log
	if log == nil {
		log = logging.Nop()
	}
	locker := c.Locker
	if locker == nil {
		locker = session.NewLocker()
	}
	cfg := c.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &ObjectiveGenerator{
		store:     c.Store,
		assembler: c.Assembler,
		prompts:   c.Prompts,
		router:    c.Router,
		parser:    c.Parser,
		locker:    locker,
		cfg:       cfg,
		log:       log.WithPrefix("objectives"),
	}
}

// Generate regenerates objectives for studentID. Concurrent calls for the
// same student share one run. It waits for the student's section rather
// than failing when a turn holds it.
func (g *ObjectiveGenerator) Generate(ctx context.Context, studentID string, trigger Trigger) (*GenerateResult, error) {
	v, err, shared := g.group.Do(studentID, func() (any, error) {
		return g.generate(ctx, studentID, trigger)
	})
	if shared {
		g.log.Debug("objective run shared", logging.StudentID(studentID))
	}
	if err != nil {
		return nil, err
	}
	return v.(*GenerateResult), nil
}

func (g *ObjectiveGenerator) generate(ctx context.Context, studentID string, trigger Trigger) (*GenerateResult, error) {
	start := time.Now()
	log := g.log.With(logging.StudentID(studentID), logging.F("trigger", string(trigger)))
	log.Event(logging.EventObjectivesStart)
	log.Metrics().RecordObjectiveRun()

	release, err := enterSection(ctx, g.locker, log, studentID, "objectives:"+string(trigger))
	if err != nil {
		return nil, fmt.Errorf("waiting for student section: %w", err)
	}
	defer release()

	res, err := g.run(ctx, studentID, trigger, log)
	if err != nil {
		log.Event(logging.EventObjectivesFailed, logging.Error(err), logging.DurationSince(start))
		return nil, err
	}
	if res.Skipped {
		log.Warn("objective generation produced no usable list, keeping current objectives",
			logging.Reason(res.Reason), logging.DurationSince(start))
		return res, nil
	}
	log.Event(logging.EventObjectivesGenerated,
		logging.F("added", res.Added),
		logging.F("kept", res.Kept),
		logging.F("dropped", res.Dropped),
		logging.DurationSince(start),
	)
	return res, nil
}

func (g *ObjectiveGenerator) run(ctx context.Context, studentID string, trigger Trigger, log *logging.Logger) (*GenerateResult, error) {
	entry := store.EntryContext{EntryPoint: entryObjectives, Trigger: string(trigger), Timestamp: time.Now().UTC()}
	a, err := g.assembler.Assemble(ctx, studentID, entry)
	if err != nil {
		return nil, err
	}

	maxObjectives := g.cfg.Objectives.MaxObjectives
	p, err := g.prompts.Render(config.RoleSecretary, a, prompt.WithMaxObjectives(maxObjectives), prompt.WithNativeTools(false))
	if err != nil {
		return nil, fmt.Errorf("failed to render secretary prompt: %w", err)
	}

	if g.cfg.Objectives.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Objectives.Timeout)
		defer cancel()
	}
	out, err := g.router.For(config.RoleSecretary).Generate(ctx, llm.Request{
		System:   p.System,
		Messages: []llm.Message{{Role: "user", Content: secretaryInstruction}},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	texts, parsed := g.parser.ParseObjectives(out.Output)
	if parsed.Malformed() {
		log.Metrics().RecordMalformed()
		return &GenerateResult{Skipped: true, Reason: parsed.Reason}, nil
	}
	if maxObjectives > 0 && len(texts) > maxObjectives {
		texts = texts[:maxObjectives]
	}

	existing, err := g.store.ListObjectives(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read objectives: %w", err)
	}
	res := Reconcile(studentID, existing, texts, time.Now().UTC())
	if err := g.store.ReplaceObjectives(ctx, studentID, res.Objectives); err != nil {
		return nil, fmt.Errorf("failed to write objectives: %w", err)
	}
	return res, nil
}

// Reconcile merges proposed objective texts into the existing list:
//
//   - a pending objective whose text is proposed again stays pending
//   - a pending objective that is not proposed again is dropped
//   - addressed and dropped objectives are kept as they are
//   - proposed texts matching no pending objective are appended as pending
//
// Texts are compared case-insensitively with whitespace collapsed.
func Reconcile(studentID string, existing []store.Objective, proposed []string, now time.Time) *GenerateResult {
	wanted := make(map[string]bool, len(proposed))
	for _, text := range proposed {
		wanted[normalize(text)] = true
	}

	res := &GenerateResult{Objectives: make([]store.Objective, 0, len(existing)+len(proposed))}
	pending := make(map[string]bool)
	for _, o := range existing {
		if o.Status == store.ObjectivePending {
			key := normalize(o.Text)
			if wanted[key] && !pending[key] {
				pending[key] = true
				res.Kept++
			} else {
				o.Status = store.ObjectiveDropped
				o.UpdatedAt = now
				res.Dropped++
			}
		}
		res.Objectives = append(res.Objectives, o)
	}

	for _, text := range proposed {
		key := normalize(text)
		if key == "" || pending[key] {
			continue
		}
		pending[key] = true
		res.Objectives = append(res.Objectives, store.Objective{
			ID:        uuid.NewString(),
			StudentID: studentID,
			Text:      strings.TrimSpace(text),
			Status:    store.ObjectivePending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		res.Added++
	}
	return res
}

func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

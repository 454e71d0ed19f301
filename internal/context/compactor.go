package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/counselor/internal/llm"
	"github.com/abdul-hamid-achik/counselor/internal/logging"
)

const compactionPrompt = `You are condensing the running notes a college counselor keeps about one student.
Rewrite the notes below as at most six short bullet points. Keep:

- decisions the student made and goals they set
- facts about grades, tests, schools and deadlines
- open questions the counselor still has to follow up on

Do not invent anything. Reply with the bullet points only.

NOTES:
%s`

// Generator is the slice of the provider router the compactor needs.
// llm.Selection satisfies it.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// CompactResult describes one summary compaction.
type CompactResult struct {
	Text            string
	OriginalTokens  int
	CompactedTokens int
	LinesCondensed  int
	Summarized      bool // true when a model wrote the condensed part
}

// Compactor shrinks a conversation summary once it grows past a threshold.
// The most recent lines are always kept verbatim; older ones are condensed
// by the model when one is configured, or collapsed into a marker line.
type Compactor struct {
	gen       Generator
	threshold int
	keepLines int
	log       *logging.Logger
}

// NewCompactor creates a compactor. gen may be nil.
func NewCompactor(gen Generator, thresholdTokens, keepLines int, log *logging.Logger) *Compactor {
	if keepLines <= 0 {
		keepLines = 8
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Compactor{gen: gen, threshold: thresholdTokens, keepLines: keepLines, log: log.WithPrefix("compactor")}
}

// NeedsCompaction reports whether text is over the threshold.
func (c *Compactor) NeedsCompaction(text string) bool {
	return c.threshold > 0 && EstimateTokens(text) > c.threshold
}

// Compact condenses everything but the last keepLines lines of text. It
// never fails: a model error falls back to the deterministic marker.
func (c *Compactor) Compact(ctx context.Context, text string) CompactResult {
	lines := splitLines(text)
	res := CompactResult{Text: text, OriginalTokens: EstimateTokens(text)}
	if len(lines) <= c.keepLines {
		res.CompactedTokens = res.OriginalTokens
		return res
	}

	older := lines[:len(lines)-c.keepLines]
	recent := lines[len(lines)-c.keepLines:]
	res.LinesCondensed = len(older)

	head := condensedMarker(len(older))
	if c.gen != nil {
		summary, err := c.summarize(ctx, older)
		if err != nil {
			c.log.Warn("summary compaction fell back to truncation", logging.Error(err))
		} else if summary != "" {
			head = "Earlier sessions:\n" + summary
			res.Summarized = true
		}
	}

	res.Text = head + "\n" + strings.Join(recent, "\n")
	res.CompactedTokens = EstimateTokens(res.Text)
	c.log.Event(logging.EventContextCompact,
		logging.Count(len(older)),
		logging.F("before_tokens", res.OriginalTokens),
		logging.F("after_tokens", res.CompactedTokens),
		logging.F("summarized", res.Summarized),
	)
	c.log.Metrics().RecordCompaction()
	return res
}

func (c *Compactor) summarize(ctx context.Context, lines []string) (string, error) {
	notes := strings.Join(lines, "\n")
	if len(notes) > 20000 {
		notes = notes[len(notes)-20000:]
	}
	res, err := c.gen.Generate(ctx, llm.Request{
		System:   "You condense counseling notes. Be factual and brief.",
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(compactionPrompt, notes)}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}
	if res == nil || res.Output == nil {
		return "", fmt.Errorf("empty summary response")
	}
	return strings.TrimSpace(res.Output.Text), nil
}

// KeepRecentLines returns the longest suffix of text's lines whose estimated
// size is at most budget tokens. The second value is the number of lines dropped.
func KeepRecentLines(text string, budget int) (string, int) {
	lines := splitLines(text)
	if budget <= 0 {
		return "", len(lines)
	}
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		if EstimateTokens(strings.Join(lines[i:], "\n")) > budget {
			break
		}
		start = i
	}
	return strings.Join(lines[start:], "\n"), start
}

// AppendLine adds a digest line to a summary.
func AppendLine(summary, line string) string {
	line = strings.TrimSpace(strings.ReplaceAll(line, "\n", " "))
	if line == "" {
		return summary
	}
	if strings.TrimSpace(summary) == "" {
		return line
	}
	return strings.TrimRight(summary, "\n") + "\n" + line
}

func condensedMarker(n int) string {
	if n == 1 {
		return "[1 earlier note condensed]"
	}
	return fmt.Sprintf("[%d earlier notes condensed]", n)
}

func splitLines(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

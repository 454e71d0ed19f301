package context

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/abdul-hamid-achik/counselor/internal/store"
)

// Narrator turns a profile into the prose the counselor reads. Narratives
// are cached by a hash of the profile content, so any field change produces
// a new key and the stale entry simply ages out.
type Narrator struct {
	cache *lru.Cache[string, string]
}

// NewNarrator creates a narrator holding at most size narratives.
func NewNarrator(size int) *Narrator {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Narrator{cache: cache}
}

// Narrative returns the cached narrative for p, building it on a miss.
func (n *Narrator) Narrative(p *store.Profile) string {
	if p == nil {
		return BuildNarrative(nil)
	}
	key := ProfileHash(p)
	if text, ok := n.cache.Get(key); ok {
		return text
	}
	text := BuildNarrative(p)
	n.cache.Add(key, text)
	return text
}

// Forget drops the narrative cached for p's current content.
func (n *Narrator) Forget(p *store.Profile) {
	if p != nil {
		n.cache.Remove(ProfileHash(p))
	}
}

// Len returns the number of cached narratives.
func (n *Narrator) Len() int { return n.cache.Len() }

// ProfileHash is a content hash of the narrative-relevant profile fields.
// UpdatedAt is excluded so a write that changes nothing keeps the entry.
func ProfileHash(p *store.Profile) string {
	cp := *p
	data, err := json.Marshal(struct {
		ID      string
		Name    string
		GPA     float64
		Grade   int
		Majors  []string
		Acts    []string
		Schools []string
		Tier    string
	}{cp.StudentID, cp.Name, cp.GPA, cp.GradeLevel, cp.IntendedMajors, cp.Activities, cp.TargetSchools, cp.BillingTier})
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", cp))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:12])
}

// BuildNarrative renders a profile as short prose.
func BuildNarrative(p *store.Profile) string {
	if p == nil || isBlank(p) {
		return "No profile information has been collected yet."
	}

	var b strings.Builder
	name := p.Name
	if name == "" {
		name = "The student"
	}
	b.WriteString(name)
	switch {
	case p.GradeLevel > 0 && p.GPA > 0:
		fmt.Fprintf(&b, " is in grade %d with a %.2f GPA.", p.GradeLevel, p.GPA)
	case p.GradeLevel > 0:
		fmt.Fprintf(&b, " is in grade %d.", p.GradeLevel)
	case p.GPA > 0:
		fmt.Fprintf(&b, " has a %.2f GPA.", p.GPA)
	default:
		b.WriteString(" has started a profile.")
	}
	writeList(&b, "Intended majors", p.IntendedMajors)
	writeList(&b, "Activities", p.Activities)
	writeList(&b, "Target schools", p.TargetSchools)
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s: %s.", label, strings.Join(items, ", "))
}

func isBlank(p *store.Profile) bool {
	return p.Name == "" && p.GPA == 0 && p.GradeLevel == 0 &&
		len(p.IntendedMajors) == 0 && len(p.Activities) == 0 && len(p.TargetSchools) == 0
}

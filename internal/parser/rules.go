package parser

// SchemaTag selects the rule set a reply is validated with. Prompts carry
// the tag of the format they ask for.
type SchemaTag string

const (
	TagCounselorReply      SchemaTag = "counselor.reply.v1"
	TagOnboardingReply     SchemaTag = "onboarding.reply.v1"
	TagParserExtract       SchemaTag = "parser.extract.v1"
	TagSecretaryObjectives SchemaTag = "secretary.objectives.v1"
)

// RuleSet describes what a valid reply looks like for one tag.
type RuleSet struct {
	Tag SchemaTag
	// AllowText accepts a reply without tool calls as plain text.
	AllowText bool
	// Tools restricts the callable tools. Nil allows every registered tool.
	Tools []string
	// Objectives marks the secretary format, read with ParseObjectives.
	Objectives bool
}

func (r RuleSet) allows(name string) bool {
	if r.Tools == nil {
		return true
	}
	for _, t := range r.Tools {
		if t == name {
			return true
		}
	}
	return false
}

var ruleSets = map[SchemaTag]RuleSet{
	TagCounselorReply: {
		Tag:       TagCounselorReply,
		AllowText: true,
	},
	TagOnboardingReply: {
		Tag:       TagOnboardingReply,
		AllowText: true,
		Tools:     []string{"update_profile", "create_goal", "add_task", "record_note", "mark_objective_addressed"},
	},
	TagParserExtract: {
		Tag:   TagParserExtract,
		Tools: []string{"update_profile"},
	},
	TagSecretaryObjectives: {
		Tag:        TagSecretaryObjectives,
		Objectives: true,
	},
}

// Rules returns the rule set for tag.
func Rules(tag SchemaTag) (RuleSet, bool) {
	r, ok := ruleSets[tag]
	return r, ok
}

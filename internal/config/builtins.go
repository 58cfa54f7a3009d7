package config

// DefaultGroupHeader frames a group_role payload for group conversations.
const DefaultGroupHeader = "You are taking part in a group chat with several people. " +
	"Messages are prefixed with the speaker's name. Stay in the following role:\n\n" + PayloadPlaceholder

// DefaultBuiltins returns the persona catalog used when the config file
// does not define one.
func DefaultBuiltins() []BuiltinPersona {
	return []BuiltinPersona{
		{
			Name:        "none_prompt",
			Scope:       "private",
			Instruction: "You are a helpful assistant. Answer clearly and concisely.",
		},
		{
			Name:        "concise_expert",
			Scope:       "private",
			Instruction: "You are a domain expert. Give short, precise answers and state assumptions explicitly.",
			Temperature: floatPtr(0.3),
		},
		{
			Name:        "creative_writer",
			Scope:       "private",
			Instruction: "You are an imaginative writing partner. Offer vivid, original ideas.",
			Temperature: floatPtr(1.0),
			TopP:        floatPtr(0.98),
		},
		{
			Name:        "neutral_group_member",
			Scope:       "group_role",
			Instruction: "Act as a friendly, neutral member of the group. Keep replies short and on topic.",
		},
		{
			Name:        "group_moderator",
			Scope:       "group_role",
			Instruction: "Act as a calm moderator. Summarize disagreements fairly and steer the conversation back on topic.",
			Temperature: floatPtr(0.4),
		},
	}
}

func floatPtr(f float64) *float64 { return &f }

package agent

import (
	"fmt"
	"strings"

	"github.com/mnemo-ai/mnemo/internal/memory"
)

// BuildPrompt renders the combined memory context and the current query into
// one prompt string.
//
// Section order runs from most durable to most immediate: user profile,
// notepad, retrieved past-session topics, this session's closed topics,
// retrieved this-session topics with their full threads, the open topic's
// recent conversation, then the query.
func BuildPrompt(ctx *memory.Context, query string) string {
	var parts []string

	if len(ctx.LongTerm.Facts) > 0 {
		parts = append(parts, "=== User Profile ===")
		for _, fact := range ctx.LongTerm.Facts {
			parts = append(parts, "- "+fact)
		}
		parts = append(parts, "")
	}

	if strings.TrimSpace(ctx.LongTerm.Notepad) != "" {
		parts = append(parts, "=== Interaction Guidelines (Notepad) ===", ctx.LongTerm.Notepad, "")
	}

	if len(ctx.LongTerm.RelevantTopics) > 0 {
		parts = append(parts, "=== Relevant Past Topics (Previous Sessions) ===")
		for _, t := range ctx.LongTerm.RelevantTopics {
			parts = append(parts, summaryLine(t.Name, t.Summary))
		}
		parts = append(parts, "")
	}

	if len(ctx.ShortTerm.ClosedSummaries) > 0 {
		parts = append(parts, "=== Previous Topics (Current Session) ===")
		for _, t := range ctx.ShortTerm.ClosedSummaries {
			parts = append(parts, summaryLine(t.Name, t.Summary))
		}
		parts = append(parts, "")
	}

	if len(ctx.ShortTerm.RelevantTopics) > 0 {
		parts = append(parts, "=== Relevant Topics (Current Session) ===")
		for _, t := range ctx.ShortTerm.RelevantTopics {
			name := t.Name
			if name == "" {
				name = memory.NameUnnamedTopic
			}
			if t.Summary != "" {
				parts = append(parts, fmt.Sprintf("%s: %s", name, t.Summary))
			} else {
				parts = append(parts, name+":")
			}
			if len(t.Messages) > 0 {
				parts = append(parts, "  Conversation thread:")
				for _, m := range t.Messages {
					parts = append(parts, fmt.Sprintf("    %s: %s", m.Role, m.Content))
				}
			}
			parts = append(parts, "")
		}
		parts = append(parts, "")
	}

	if len(ctx.ShortTerm.RecentMessages) > 0 {
		parts = append(parts, "=== Recent Conversation ===")
		for _, m := range ctx.ShortTerm.RecentMessages {
			parts = append(parts, fmt.Sprintf("%s: %s", m.Role, m.Content))
		}
		parts = append(parts, "")
	}

	parts = append(parts, "User: "+query, "Assistant:")
	return strings.Join(parts, "\n")
}

// summaryLine renders a one-line topic reference for a prompt section.
func summaryLine(name, summary string) string {
	if name == "" {
		name = memory.NameUnnamedTopic
	}
	if summary != "" {
		return fmt.Sprintf("- %s: %s", name, summary)
	}
	return "- " + name
}

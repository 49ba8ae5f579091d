package memory

import "fmt"

// Structured response shapes expected back from the model. All model calls in
// this package go through structured.Generate with one of these types.

// TopicClosure is the label and summary generated when a topic closes.
type TopicClosure struct {
	Label   string `json:"label"`
	Summary string `json:"summary"`
}

// SwitchDecision is the yes/no verdict of the LLM topic-boundary classifier.
type SwitchDecision struct {
	Switch bool   `json:"switch"`
	Topic  string `json:"topic"`
}

// NotepadUpdate carries a rewritten notepad.
type NotepadUpdate struct {
	UpdatedNotepad string `json:"updated_notepad"`
}

// Fact is a single extracted user fact with an importance/permanence score.
type Fact struct {
	Field      string `json:"field"`
	Value      string `json:"value"`
	Importance int    `json:"importance"`
}

// Facts is the structured collection returned by fact extraction.
type Facts struct {
	Facts []Fact `json:"facts"`
}

// CloseTopicPrompt asks the model for a topic label and summary given the
// rendered message thread.
func CloseTopicPrompt(thread string) string {
	return fmt.Sprintf(`Analyze this conversation thread and generate:
1. A concise 2-4 word topic label
2. A summary (2-4 sentences) that includes:
   - What was discussed
   - Communication strategies or patterns that worked well (e.g. how the user preferred information, what approaches resonated)
   - Any notable insights about engaging with this user on similar topics

If there are no notable strategies or patterns, focus on the content discussed.

Return JSON in this format:
{
    "label": "Travel Planning",
    "summary": "The user discussed planning a trip to Japan, including flight options, hotel recommendations, and itinerary suggestions. User responded well to concrete recommendations with specific examples and preferred concise options over lengthy explanations. Direct, actionable suggestions worked best."
}

Here is the thread:
%s`, thread)
}

// SwitchDecisionPrompt asks the model whether a new message starts a new topic
// relative to the recent conversation. The conservative instruction matters:
// the classifier only runs on low-similarity turns, where embedding noise
// alone must not cause topic churn.
func SwitchDecisionPrompt(recent, current string) string {
	return fmt.Sprintf(`Recent conversation:
%s

New message:
%s

Decide if this is a new topic or a continuation of the recent conversation.
Be conservative: only say it's a new topic if the subject clearly changes.

Return JSON in this exact format:
{
  "switch": true or false,
  "topic": "<short topic name if switch is true, otherwise empty string>"
}`, recent, current)
}

// ExtractFactsPrompt asks the model for durable user facts from one exchange.
func ExtractFactsPrompt(userMessage, assistantResponse string) string {
	return fmt.Sprintf(`Extract ONLY genuinely important facts about the user from this exchange.
Be very selective - only extract facts that are:
- Highly stable and important (e.g. name, core values, long-term preferences, significant life details)
- Useful for future conversations and personalization

DO NOT extract:
- Temporary preferences ("I'm craving pizza today")
- Casual mentions without significance
- Inferences or assumptions
- Facts already well-established

For each fact, assign an importance/permanence score from 1 to 10:
- 10 = highly important and very stable (e.g. name, core values, major life facts)
- 8-9 = important and relatively stable (e.g. long-term preferences, significant interests)
- 7 = moderately important but worth noting
- Below 7 = too minor or temporary, DO NOT include

Only include facts with importance >= 7.

Return strict JSON in this format:
{
  "facts": [
    {
      "field": "name",
      "value": "Skylar",
      "importance": 10
    }
  ]
}
If there are no important facts (importance >= 7), return:
{"facts": []}

User: %s
Assistant: %s`, userMessage, assistantResponse)
}

// NotepadUpdatePrompt asks the model to merge a session's strategic insights
// into the existing notepad, returning it unchanged when nothing durable was
// revealed.
func NotepadUpdatePrompt(currentNotepad, sessionSummary string) string {
	if currentNotepad == "" {
		currentNotepad = "(empty)"
	}
	return fmt.Sprintf(`You maintain a notepad of ESSENTIAL strategic insights about how to best interact with this user.

The notepad should ONLY contain:
- Important conversation patterns or preferences (e.g. "User prefers direct answers", "Responds well to examples")
- Communication strategies that work well (e.g. "User values brevity", "Appreciates technical depth")
- Significant relationship context that affects future interactions
- Core values or principles that guide the user's decisions

DO NOT include:
- Casual conversation topics or temporary interests
- Facts already captured in the user profile
- Trivial observations
- Session summaries or topic recaps

If this session was routine/ordinary and didn't reveal any important strategic insights, return the current notepad unchanged.

Current notepad:
%s

Recent session topics:
%s

Return JSON in this exact format. The "updated_notepad" field must be a plain text string, NOT a structured object:
{
  "updated_notepad": "plain text string here with strategic insights, or current notepad if nothing to add"
}

IMPORTANT: updated_notepad must be a string value, not a JSON object or array.
`, currentNotepad, sessionSummary)
}

// CompressNotepadPrompt asks the model to rewrite an overgrown notepad into a
// denser form.
func CompressNotepadPrompt(notepad string) string {
	return fmt.Sprintf(`You are maintaining a long-term notepad about a user.

The notepad below has grown very long. Rewrite it so that:
- Important and stable information is preserved.
- Recently updated or time-sensitive details are kept.
- Redundant, trivial, or outdated details are merged or removed.
- The overall length is significantly shorter but still useful for future conversations.

Return JSON:
{
  "updated_notepad": "<compressed notepad text>"
}

Current notepad:
%s`, notepad)
}

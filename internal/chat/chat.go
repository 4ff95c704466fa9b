// Package chat holds the conversation primitives of the gateway: dialog
// turns, prompt composition, and the history trimmer that bounds per-session
// token usage. Everything here is pure, with no I/O and no locking, so it can run
// inside the short session-lock critical sections.
package chat

import "github.com/MrWong99/parley/pkg/provider/llm"

// Role identifies the author of a dialog turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common LLM
// tokenizers; the trimmer is a safety cap, not an exact accounting, so this
// avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// Turn is a single (role, content) element of a session dialog. The system
// prompt is never stored as a turn; the composer prepends it per call.
type Turn struct {
	Role    Role
	Content string
}

// EstimateTurn returns ceil(len(content)/4), the coarse token estimate for
// a single turn. Empty content estimates to zero.
func EstimateTurn(t Turn) int {
	return (len(t.Content) + charsPerToken - 1) / charsPerToken
}

// EstimateTokens returns the summed estimate for a whole dialog.
func EstimateTokens(dialog []Turn) int {
	total := 0
	for _, t := range dialog {
		total += EstimateTurn(t)
	}
	return total
}

// Compose builds the ordered message list sent to the inference backend:
// the system prompt (omitted when empty), the stored dialog, then the new
// user turn.
func Compose(systemPrompt string, dialog []Turn, userMessage string) []llm.Message {
	msgs := make([]llm.Message, 0, len(dialog)+2)
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})
	}
	for _, t := range dialog {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userMessage})
	return msgs
}

// Trim returns the longest suffix of dialog whose token estimate fits
// budget, evicting whole (user, assistant) pairs from the front. The
// returned suffix always starts at a user turn so that every assistant turn
// keeps a preceding user turn. A single turn larger than the budget yields
// an empty dialog.
//
// Trim returns a sub-slice of dialog; callers that mutate the original must
// copy first.
func Trim(dialog []Turn, budget int) []Turn {
	total := EstimateTokens(dialog)
	i := 0
	for total > budget && i < len(dialog) {
		total -= EstimateTurn(dialog[i])
		i++
		// Keep eviction pair-aligned: a user turn never survives without
		// the assistant turns that answered it being droppable, and an
		// assistant turn never leads the dialog.
		for i < len(dialog) && dialog[i].Role == RoleAssistant {
			total -= EstimateTurn(dialog[i])
			i++
		}
	}
	return dialog[i:]
}

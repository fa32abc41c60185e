// Package budget trims conversation history to fit a completion call's
// token ceiling.
package budget

import "github.com/parleybot/parley/internal/session"

// DefaultMaxTokens is the default context ceiling: history plus the new
// prompt submitted in one completion call.
const DefaultMaxTokens = 4000

// Message is one entry in the transcript handed to the completion API.
// Token costs and timestamps are dropped at this boundary.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Trim returns the suffix of history that fits under maxTokens together
// with the new prompt's cost. maxTokens <= 0 falls back to
// [DefaultMaxTokens].
//
// Eviction is pairwise from the oldest end: turns are only ever written
// as prompt/reply pairs, and dropping them in pairs keeps the transcript
// from opening on an orphaned assistant reply. A leading system turn is
// the anchor: it and the turn immediately after it are retained while
// the pair behind them is evicted, so the instruction that shapes
// assistant behavior survives as long as anything does.
//
// The loop strictly shrinks the window by two per step, so it always
// terminates; if every pair must go, the result is empty and the caller
// submits the new prompt alone.
func Trim(history []session.Turn, newPromptTokens, maxTokens int) []Message {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	// The window is history[lo:] with history[:keep] pinned in front.
	// keep is 2 when a leading system turn anchors the transcript
	// (the instruction and its acknowledging reply), 0 otherwise.
	keep := 0
	if len(history) > 0 && history[0].Role == session.RoleSystem {
		keep = 2
		if keep > len(history) {
			keep = len(history)
		}
	}
	lo := keep

	total := newPromptTokens
	for _, t := range history {
		total += t.Tokens
	}

	for total > maxTokens && lo < len(history) {
		total -= history[lo].Tokens
		lo++
		if lo < len(history) {
			total -= history[lo].Tokens
			lo++
		}
	}

	// The pinned turns themselves go last: only when evicting every
	// unanchored pair still does not fit.
	pin := 0
	if total <= maxTokens {
		pin = keep
	}

	out := make([]Message, 0, pin+len(history)-lo)
	for _, t := range history[:pin] {
		out = append(out, Message{Role: string(t.Role), Content: t.Content})
	}
	for _, t := range history[lo:] {
		out = append(out, Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}

package tokenquota

import "unicode/utf8"

// Sizing for the gate's advisory estimate.
const (
	runesPerToken   = 4
	messageOverhead = 4 // role and framing per message
	replyPriming    = 3
)

// EstimateTokens approximates the input tokens of messages from their
// character count, rounding each message up to a whole token. Characters are
// counted as runes so non-ASCII prompts are not inflated by their UTF-8 size.
func EstimateTokens(messages []Message) int64 {
	total := int64(replyPriming)
	for _, m := range messages {
		runes := int64(utf8.RuneCountInString(m.Content))
		total += (runes+runesPerToken-1)/runesPerToken + messageOverhead
	}
	return total
}

// ProjectedUsage is the most a call can consume: the input estimate plus the
// output cap. A non-positive cap leaves the output unbounded, so only the
// input is counted. The projection is advisory: admission never depends on it.
func ProjectedUsage(messages []Message, maxOutputTokens int) int64 {
	projected := EstimateTokens(messages)
	if maxOutputTokens > 0 {
		projected += int64(maxOutputTokens)
	}
	return projected
}

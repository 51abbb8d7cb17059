package session

// TokenEstimator estimates the token cost of a slice of messages. The
// engine wires in a real tokenizer (see provider.EstimateTokens); tests may
// use a trivial length-based estimator.
type TokenEstimator func(messages []Message) int

// Summarizer reduces a slice of older messages to a short summary string.
type Summarizer func(older []Message) string

// CompactionConfig controls when and how much of the active path is
// replaced by a summary marker when building Context.
type CompactionConfig struct {
	TokenThreshold int // compact when estimate(messages) exceeds this
	KeepRecent     int // always keep at least this many most-recent messages verbatim
}

// DefaultCompactionConfig mirrors the rough context-budget conventions the
// adapter's model catalog advertises (see provider/catalog.go): compact well
// before the smallest supported context window is at risk.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{TokenThreshold: 150_000, KeepRecent: 20}
}

// Compact returns messages unchanged if under threshold, otherwise replaces
// every message but the most recent KeepRecent with a single synthetic
// system_note message carrying the summary. This operates purely on the
// in-memory slice passed to the provider — per §4.4, "the on-disk file
// retains the originals" and only the Context is affected.
func Compact(cfg CompactionConfig, messages []Message, estimate TokenEstimator, summarize Summarizer) ([]Message, bool) {
	if len(messages) <= cfg.KeepRecent {
		return messages, false
	}
	if estimate(messages) <= cfg.TokenThreshold {
		return messages, false
	}

	cut := len(messages) - cfg.KeepRecent
	older, recent := messages[:cut], messages[cut:]
	summary := summarize(older)

	marker := Message{
		Role:    RoleSystemNote,
		Content: []ContentBlock{TextBlock(summary)},
	}
	out := make([]Message, 0, len(recent)+1)
	out = append(out, marker)
	out = append(out, recent...)
	return out, true
}

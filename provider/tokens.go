package provider

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"coreengine/session"
)

// tiktoken-go fetches the encoding's BPE ranks on first use; if they cannot
// be loaded, EstimateTokens falls back to estimateTokensFallback. cl100k_base
// is the closest open encoding to the canonical adapter's tokenizer and is
// good enough for budget estimation, not billing.
const encodingName = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func getEncoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(encodingName)
	})
	return enc, encErr
}

// EstimateTokens counts tokens across a slice of messages, for use as a
// session.TokenEstimator, grounded in the teacher's indirect dependency on
// pkoukk/tiktoken-go (pulled in by gollm).
func EstimateTokens(messages []session.Message) int {
	encoding, err := getEncoding()
	if err != nil {
		return estimateTokensFallback(messages)
	}
	total := 0
	for _, m := range messages {
		total += len(encoding.Encode(m.TextContent(), nil, nil))
		for _, b := range m.Content {
			if b.Kind == session.BlockToolUse {
				total += len(encoding.Encode(string(b.Input), nil, nil))
			}
			if b.Kind == session.BlockToolResult {
				total += len(encoding.Encode(b.Output, nil, nil))
			}
		}
	}
	return total
}

// estimateTokensFallback is used if the tokenizer's BPE ranks can't be
// loaded (e.g. no network access for the remote asset fetch); a rough
// chars/4 heuristic keeps compaction decisions safe-ish rather than
// failing outright.
func estimateTokensFallback(messages []session.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.TextContent()) / 4
	}
	return total
}

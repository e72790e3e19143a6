package llmadapter

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	return enc, encErr
}

// EstimateTokens counts tokens with the cl100k_base encoding, for vendors
// that omit a usage block in their response. Callers mark the resulting
// Usage.Estimated so the Rate Limiter can log the distinction; the count
// still applies against quota the same as an exact figure.
func EstimateTokens(messages []Message, completion string) int {
	e, err := encoding()
	if err != nil {
		// Falls back to a rough word-count heuristic if the encoding table
		// can't be loaded; better than refusing to count at all.
		return roughWordEstimate(messages, completion)
	}

	var total int
	for _, m := range messages {
		total += len(e.Encode(m.Content, nil, nil))
	}
	total += len(e.Encode(completion, nil, nil))
	return total
}

func roughWordEstimate(messages []Message, completion string) int {
	var words int
	for _, m := range messages {
		words += len(strings.Fields(m.Content))
	}
	words += len(strings.Fields(completion))
	// ~0.75 words per token on average English text.
	return words * 4 / 3
}

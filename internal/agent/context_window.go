package agent

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/taskrunner/internal/providers"
)

// DefaultContextWindow is the prompt budget in tokens used when the config
// does not set agents.context_window.
const DefaultContextWindow = 8192

// messageOverhead approximates the per-message framing tokens of chat formats.
const messageOverhead = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tiktoken fetches its BPE ranks on first use, so initialization is lazy and
// a failure leaves the heuristic in place.
func loadEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens counts tokens with cl100k_base, falling back to EstimateFast.
func CountTokens(text string) int {
	if enc := loadEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns max(runes/4, word count), at least 1 for non-blank text.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// trimHistory drops the oldest history messages until fixed + history fits in
// budget. fixed is the token cost of the messages that are always sent (system
// prompt and the new user message). The newest messages are kept.
func trimHistory(history []providers.Message, fixed, budget int, count func(string) int) ([]providers.Message, int) {
	if budget <= 0 || len(history) == 0 {
		return history, 0
	}
	remaining := budget - fixed
	kept := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := count(history[i].Content) + messageOverhead
		if cost > remaining {
			break
		}
		remaining -= cost
		kept++
	}
	dropped := len(history) - kept
	return history[dropped:], dropped
}

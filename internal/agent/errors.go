package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// FormatRunError turns an execution error into a short description that is
// safe to store in a chat row. Raw provider payloads are never returned.
func FormatRunError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrInputBlocked) {
		return "Message rejected: it looks like a prompt injection attempt."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Execution timed out."
	}

	raw := err.Error()
	lower := strings.ToLower(raw)

	switch {
	case isContextOverflowError(lower):
		return "Context overflow: the conversation is too large for this model."
	case isMessageFormatError(lower):
		return "Chat history conflict: the provider rejected the message sequence."
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429", "quota exceeded", "resource_exhausted"):
		return "API rate limit reached. Please try again later."
	case strings.Contains(lower, "overloaded"):
		return "The AI service is temporarily overloaded. Please try again in a moment."
	case containsAny(lower, "billing", "insufficient credits", "credit balance", "payment required", "402"):
		return "API billing error: the provider key may have run out of credits."
	case containsAny(lower, "invalid api key", "invalid_api_key", "unauthorized", "forbidden", "authentication", "401", "403", "access denied"):
		return "Authentication error. Check the provider API key configuration."
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return "Request timed out. Please try again."
	case containsAny(lower, "not a valid model", "model_not_found", "no provider for model"):
		return "Model configuration error. Check the execution policy llm value."
	}

	slog.Warn("unclassified agent error", "error", raw)
	return "Something went wrong while running the agent."
}

func isContextOverflowError(lower string) bool {
	return containsAny(lower,
		"request_too_large",
		"context length exceeded",
		"context_length_exceeded",
		"maximum context length",
		"prompt is too long",
		"exceeds model context window",
		"request exceeds the maximum size",
	) || (strings.Contains(lower, "context") &&
		containsAny(lower, "overflow", "too large", "too long", "limit", "exceeded"))
}

// isMessageFormatError matches tool-call/role ordering complaints.
func isMessageFormatError(lower string) bool {
	return containsAny(lower,
		"tool_call_id",
		"tool_use_id",
		"unexpected tool",
		"roles must alternate",
		"incorrect role information",
		"invalid request format",
	)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

package tools

import (
	"net/http"
	"regexp"
	"strings"
)

// Credential patterns scrubbed from tool output before it reaches the LLM
// or the chat history.
var credentialPatterns = []*regexp.Regexp{
	// OpenAI / DeepSeek / DashScope style keys
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	// Groq
	regexp.MustCompile(`gsk_[a-zA-Z0-9]{20,}`),
	// OpenRouter
	regexp.MustCompile(`sk-or-v1-[a-f0-9]{32,}`),
	// GitHub tokens
	regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36}`),
	// AWS access key ids
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// JWTs (Supabase service keys, bearer tokens)
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`),
	// Generic key=value patterns (case-insensitive)
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|bearer|authorization)\s*[:=]\s*["']?\S{8,}["']?`),
}

const redactedPlaceholder = "[REDACTED]"

// ScrubCredentials replaces known credential patterns in text with [REDACTED].
func ScrubCredentials(text string) string {
	for _, pat := range credentialPatterns {
		text = pat.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"x-api-key":     true,
	"apikey":        true,
	"api-key":       true,
}

// ScrubHeaders returns a loggable copy of h with secret values redacted.
func ScrubHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = ScrubCredentials(strings.Join(v, ", "))
	}
	return out
}

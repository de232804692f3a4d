package agent

import (
	"errors"
	"log/slog"
	"regexp"
	"strings"
)

// Injection actions (agents.injection_action).
const (
	InjectionLog   = "log"   // info-level logging
	InjectionWarn  = "warn"  // warning-level logging (default)
	InjectionBlock = "block" // reject the user message
	InjectionOff   = "off"   // no scanning
)

// ErrInputBlocked is returned when the injection action is "block" and the
// user message matches a pattern.
var ErrInputBlocked = errors.New("message rejected by input guard")

type guardPattern struct {
	name    string
	pattern *regexp.Regexp
}

// InputGuard scans text for known prompt injection patterns. It is applied to
// user messages and to HTTP tool output, which comes from third-party APIs.
type InputGuard struct {
	patterns []guardPattern
}

func NewInputGuard() *InputGuard {
	return &InputGuard{patterns: defaultGuardPatterns()}
}

// Scan returns the names of matched patterns.
func (g *InputGuard) Scan(text string) []string {
	if text == "" {
		return nil
	}
	var matches []string
	for _, gp := range g.patterns {
		if gp.pattern.MatchString(text) {
			matches = append(matches, gp.name)
		}
	}
	return matches
}

func defaultGuardPatterns() []guardPattern {
	return []guardPattern{
		{
			name:    "ignore_instructions",
			pattern: regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|rules?|prompts?|directives?|guidelines?)`),
		},
		{
			name:    "role_override",
			pattern: regexp.MustCompile(`(?i)(you are now|from now on you are|pretend you are|act as if you are|imagine you are)\s+`),
		},
		{
			name:    "system_tags",
			pattern: regexp.MustCompile(`(?i)</?system>|\[SYSTEM\]|\[INST\]|<<SYS>>|<\|im_start\|>system`),
		},
		{
			name:    "instruction_injection",
			pattern: regexp.MustCompile(`(?i)(new instructions?:|override:|system prompt:|<\|system\|>)`),
		},
		{
			name:    "null_bytes",
			pattern: regexp.MustCompile(`\x00`),
		},
		{
			name:    "delimiter_escape",
			pattern: regexp.MustCompile(`(?i)(end of system|begin user input|</?(instructions?|rules|prompt|context)>)`),
		},
	}
}

// normalizeInjectionAction maps unknown values to "warn".
func normalizeInjectionAction(action string) string {
	switch action {
	case InjectionLog, InjectionWarn, InjectionBlock, InjectionOff:
		return action
	default:
		return InjectionWarn
	}
}

// check applies action to the matches found in text. source names where the
// text came from for the log line. Only user input can be blocked.
func (g *InputGuard) check(action, source, taskID, text string) error {
	if g == nil || action == InjectionOff {
		return nil
	}
	matches := g.Scan(text)
	if len(matches) == 0 {
		return nil
	}

	attrs := []any{"source", source, "task_id", taskID, "patterns", strings.Join(matches, ",")}
	switch action {
	case InjectionLog:
		slog.Info("input guard: suspicious content", attrs...)
	case InjectionBlock:
		slog.Warn("input guard: blocked", attrs...)
		if source == "user" {
			return ErrInputBlocked
		}
	default:
		slog.Warn("input guard: suspicious content", attrs...)
	}
	return nil
}

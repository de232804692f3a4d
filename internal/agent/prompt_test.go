package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskrunner/internal/providers"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

var testPersona = Persona{Role: "Researcher", Goal: "find facts", Backstory: "You like sources."}

func TestSystemPrompt(t *testing.T) {
	got := SystemPrompt(testPersona, "")
	for _, want := range []string{"You are Researcher.", "You like sources.", "Your personal goal is: find facts"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt %q missing %q", got, want)
		}
	}

	got = SystemPrompt(testPersona, "Role={{.Role}} Goal={{.Goal}}")
	if got != "Role=Researcher Goal=find facts" {
		t.Errorf("template prompt = %q", got)
	}

	// Broken template falls back to the default layout.
	got = SystemPrompt(testPersona, "{{.Role")
	if !strings.HasPrefix(got, "You are Researcher.") {
		t.Errorf("fallback prompt = %q", got)
	}
}

func TestDateLine(t *testing.T) {
	now := time.Date(2026, 3, 7, 9, 5, 0, 0, time.UTC)
	if got := DateLine(now, ""); got != "Current Date: 2026-03-07" {
		t.Errorf("default = %q", got)
	}
	if got := DateLine(now, "%d/%m/%Y %H:%M"); got != "Current Date: 07/03/2026 09:05" {
		t.Errorf("custom = %q", got)
	}
}

func TestBuildMessages(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	history := []providers.Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}}

	policy := store.DefaultPolicy("openai/gpt-4")
	policy.InjectDate = true
	msgs := buildMessages(testPersona, policy, now, history, "new question")
	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Current Date: 2026-01-02") {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[3].Role != "user" || msgs[3].Content != "new question" {
		t.Errorf("last message = %+v", msgs[3])
	}

	policy.UseSystemPrompt = false
	msgs = buildMessages(testPersona, policy, now, nil, "q")
	if msgs[0].Role != "user" || !strings.HasPrefix(msgs[0].Content, "You are Researcher.") {
		t.Errorf("instructions without system prompt = %+v", msgs[0])
	}
}

func TestHistoryMessages(t *testing.T) {
	rows := []store.ChatMessage{
		{Role: store.RoleUser, Content: "a"},
		{Role: store.RoleAssistant, Content: "b"},
		{Role: "", Content: "c"},
	}
	msgs := HistoryMessages(rows)
	if len(msgs) != 3 || msgs[1].Role != "assistant" || msgs[2].Role != "user" {
		t.Errorf("HistoryMessages = %+v", msgs)
	}
}

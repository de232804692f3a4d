package agent

import (
	"bytes"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/nextlevelbuilder/taskrunner/internal/providers"
	"github.com/nextlevelbuilder/taskrunner/internal/store"
)

// Persona is the identity part of an agent definition.
type Persona struct {
	Role      string
	Goal      string
	Backstory string
}

// SystemPrompt renders the persona, through tmpl when it is set. A template
// that fails to parse or execute is logged and the default layout is used.
func SystemPrompt(p Persona, tmpl string) string {
	if strings.TrimSpace(tmpl) != "" {
		out, err := renderTemplate(tmpl, p)
		if err == nil {
			return out
		}
		slog.Warn("agent: system_template ignored", "error", err)
	}

	var sb strings.Builder
	sb.WriteString("You are ")
	sb.WriteString(p.Role)
	sb.WriteString(".")
	if p.Backstory != "" {
		sb.WriteString(" ")
		sb.WriteString(p.Backstory)
	}
	if p.Goal != "" {
		sb.WriteString("\nYour personal goal is: ")
		sb.WriteString(p.Goal)
	}
	return sb.String()
}

func renderTemplate(tmpl string, p Persona) (string, error) {
	t, err := template.New("system").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DateLine formats now with a strftime-style layout. An empty layout uses %Y-%m-%d.
func DateLine(now time.Time, layout string) string {
	if layout == "" {
		layout = "%Y-%m-%d"
	}
	return "Current Date: " + strftime.Format(layout, now)
}

// buildMessages assembles the provider conversation: instructions, history,
// then the new user message.
func buildMessages(p Persona, policy store.ExecutionPolicy, now time.Time, history []providers.Message, message string) []providers.Message {
	system := SystemPrompt(p, policy.SystemTemplate)
	if policy.InjectDate {
		system += "\n\n" + DateLine(now, policy.DateFormat)
	}

	msgs := make([]providers.Message, 0, len(history)+2)
	if policy.UseSystemPrompt {
		msgs = append(msgs, providers.Message{Role: "system", Content: system})
	} else {
		msgs = append(msgs, providers.Message{Role: "user", Content: system})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, providers.Message{Role: "user", Content: message})
	return msgs
}

// HistoryMessages converts stored chat rows to provider messages.
func HistoryMessages(rows []store.ChatMessage) []providers.Message {
	out := make([]providers.Message, 0, len(rows))
	for _, r := range rows {
		role := r.Role
		if role != store.RoleUser && role != store.RoleAssistant {
			role = store.RoleUser
		}
		out = append(out, providers.Message{Role: role, Content: r.Content})
	}
	return out
}

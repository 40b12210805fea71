package analysis

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"
)

// Prompt is the text sent to a model. System holds the instructions, which
// are identical across messages so providers can cache them; User holds the
// per-message content.
type Prompt struct {
	System string
	User   string
}

// MaxBodyChars bounds the message body included in a prompt.
const MaxBodyChars = 8000

const jsonDirective = "Respond with a single JSON object and nothing else. " +
	"You may include a short \"reasoning\" string field explaining your answer."

var messageTemplate = template.Must(template.New("message").Parse(`{{if .Thread}}## Thread context
{{.Thread}}

{{end}}## Email
From: {{.From}}
{{- if .To}}
To: {{.To}}{{end}}
{{- if .Cc}}
Cc: {{.Cc}}{{end}}
{{- if .Date}}
Date: {{.Date}}{{end}}
Subject: {{.Subject}}

{{.Body}}
`))

type messageData struct {
	Thread  string
	From    string
	To      string
	Cc      string
	Date    string
	Subject string
	Body    string
}

// BuildPrompt builds the default single-kind prompt for def.
func BuildPrompt(def Definition, msg Message, tc *ThreadContext) Prompt {
	if def.BuildPrompt != nil {
		return def.BuildPrompt(msg, tc)
	}

	var sys strings.Builder
	fmt.Fprintf(&sys, "You are an analyst reviewing customer email.\n\n# %s\n", def.DisplayName)
	if def.Module != nil {
		sys.WriteString(strings.TrimSpace(def.Module.Instructions))
		sys.WriteString("\n")
	}
	sys.WriteString("\n")
	sys.WriteString(jsonDirective)

	return Prompt{
		System: sys.String(),
		User:   renderMessage(msg, threadFor(def, tc)),
	}
}

// BuildBatchedPrompt concatenates each definition's instructions under its
// display name, followed by one shared message block. Thread context is
// included when any definition requires it.
func BuildBatchedPrompt(defs []Definition, msg Message, tc *ThreadContext) Prompt {
	var sys strings.Builder
	sys.WriteString("You are an analyst reviewing customer email. Perform every analysis below on the same email.\n")
	var needsThread bool
	for _, def := range defs {
		if def.Module == nil {
			continue
		}
		fmt.Fprintf(&sys, "\n# %s\n%s\n", def.DisplayName, strings.TrimSpace(def.Module.Instructions))
		fmt.Fprintf(&sys, "Return this result under the key %q.\n", def.Module.Name)
		needsThread = needsThread || def.Settings.RequiresThreadContext
	}
	sys.WriteString("\n")
	sys.WriteString("Respond with a single JSON object whose keys are the result keys above and nothing else.")

	thread := ""
	if needsThread {
		thread = threadText(tc)
	}
	return Prompt{System: sys.String(), User: renderMessage(msg, thread)}
}

// WithFeedback returns p with retry feedback appended to the user content.
func (p Prompt) WithFeedback(feedback string) Prompt {
	if feedback == "" {
		return p
	}
	p.User = p.User + "\n## Correction\n" + feedback + "\n"
	return p
}

func threadFor(def Definition, tc *ThreadContext) string {
	if !def.Settings.RequiresThreadContext {
		return ""
	}
	return threadText(tc)
}

func threadText(tc *ThreadContext) string {
	if tc.Empty() {
		return ""
	}
	text := strings.TrimSpace(tc.Text)
	if tc.Previous != nil && len(tc.Previous.Result) > 0 {
		prev := fmt.Sprintf("Previous %s result: %s", tc.Previous.Kind, string(tc.Previous.Result))
		if text == "" {
			return prev
		}
		text += "\n" + prev
	}
	return text
}

func renderMessage(msg Message, thread string) string {
	data := messageData{
		Thread:  thread,
		From:    msg.From.String(),
		To:      joinAddresses(msg.To),
		Cc:      joinAddresses(msg.Cc),
		Subject: msg.Subject,
		Body:    TruncateText(msg.Body, MaxBodyChars),
	}
	if !msg.ReceivedAt.IsZero() {
		data.Date = msg.ReceivedAt.UTC().Format("2006-01-02 15:04 MST")
	}
	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, data); err != nil {
		// The template is static; fall back to the raw fields.
		return fmt.Sprintf("Subject: %s\n\n%s", data.Subject, data.Body)
	}
	return buf.String()
}

func joinAddresses(addrs []Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// TruncateText trims text and cuts it to at most maxLen bytes on a rune
// boundary, marking the cut with an ellipsis.
func TruncateText(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return text
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

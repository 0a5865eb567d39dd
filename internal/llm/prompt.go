// Package llm provides the chat-completion backend adapter. It builds prompts
// from templates, estimates their token cost with a model-aware encoder,
// reserves that budget with the token broker, invokes the remote completion,
// and reconciles the reservation with the actual usage reported by the
// backend. Structured mode decodes and validates a JSON response with
// bounded internal retries.
package llm

import (
	"fmt"
	"regexp"
	"strings"
)

// Message is one chat turn sent to the completion backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TemplateError reports a user prompt template that references variables the
// caller did not supply. Permanent: retrying cannot fix a missing variable.
type TemplateError struct {
	// Missing lists the placeholder names with no matching entry in vars.
	Missing []string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("llm: prompt template references undefined variables: %s",
		strings.Join(e.Missing, ", "))
}

// placeholderRe matches {name} substitution sites in a prompt template.
// Doubled braces ({{ and }}) are literals and left alone.
var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// FormatPrompt assembles the chat message list: system prompt, optional
// example turns, then the user template with vars substituted. Returns a
// [*TemplateError] if the template names a variable absent from vars.
func FormatPrompt(system, user string, vars map[string]string, examples []Message) ([]Message, error) {
	rendered, err := renderTemplate(user, vars)
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(examples)+2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, examples...)
	msgs = append(msgs, Message{Role: "user", Content: rendered})
	return msgs, nil
}

// renderTemplate substitutes {name} placeholders in tmpl from vars.
func renderTemplate(tmpl string, vars map[string]string) (string, error) {
	// Protect escaped braces during substitution.
	const openSentinel = "\x00ob\x00"
	const closeSentinel = "\x00cb\x00"
	s := strings.ReplaceAll(tmpl, "{{", openSentinel)
	s = strings.ReplaceAll(s, "}}", closeSentinel)

	var missing []string
	s = placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", &TemplateError{Missing: missing}
	}

	s = strings.ReplaceAll(s, openSentinel, "{")
	s = strings.ReplaceAll(s, closeSentinel, "}")
	return s, nil
}

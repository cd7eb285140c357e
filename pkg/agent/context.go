package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JamalEddineEb/discord/pkg/chain"
	"github.com/JamalEddineEb/discord/pkg/logger"
	"github.com/JamalEddineEb/discord/pkg/memory"
	"github.com/JamalEddineEb/discord/pkg/providers"
)

type ContextBuilder struct {
	workspace    string
	systemPrompt string
}

func NewContextBuilder(workspace, systemPrompt string) *ContextBuilder {
	return &ContextBuilder{
		workspace:    workspace,
		systemPrompt: strings.TrimSpace(systemPrompt),
	}
}

// BuildSystemPrompt joins the configured prompt, the personality remembered
// for the conversation, today's date and an optional AGENT.md from the
// workspace.
func (cb *ContextBuilder) BuildSystemPrompt(personality string, now time.Time) string {
	parts := []string{}
	if cb.systemPrompt != "" {
		parts = append(parts, cb.systemPrompt)
	}
	if p := strings.TrimSpace(personality); p != "" {
		parts = append(parts, fmt.Sprintf("Your personality: %s.", p))
	}
	parts = append(parts, "Today's date: "+now.Format("Monday, January 2, 2006")+".")

	if bootstrap := cb.LoadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	prompt := strings.Join(parts, "\n\n")
	logger.DebugCF("agent", "System prompt built", map[string]any{
		"total_chars": len(prompt),
		"personality": personality,
	})
	return prompt
}

// LoadBootstrapFiles returns the first of AGENT.md or AGENTS.md found in the
// workspace.
func (cb *ContextBuilder) LoadBootstrapFiles() string {
	if cb.workspace == "" {
		return ""
	}
	for _, filename := range []string{"AGENT.md", "AGENTS.md"} {
		data, err := os.ReadFile(filepath.Join(cb.workspace, filename))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		return fmt.Sprintf("## %s\n\n%s", filename, content)
	}
	return ""
}

// MemoryMessage renders a remembered utterance as "<name>: <text>". It is an
// assistant message when botIdentity said it.
func MemoryMessage(u memory.Utterance, botIdentity string) providers.Message {
	name := strings.TrimSpace(u.DisplayName)
	if name == "" {
		name = u.Identity
	}
	role := "user"
	if u.Identity == botIdentity {
		role = "assistant"
	}
	return providers.Message{Role: role, Content: name + ": " + u.Text}
}

func chainMessages(entries []chain.Entry) []providers.Message {
	out := make([]providers.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, providers.Message{Role: string(e.Role), Content: e.Text})
	}
	return out
}

// longTermMessages renders relevant utterances least relevant first, then the
// displaced recent utterances in chronological order. Recent utterances are
// displaced when a reply chain replaces them as the short-term history. Any
// utterance whose text already appears in the short-term history is left out.
func longTermMessages(relevant, displaced []memory.Utterance, shortTerm []providers.Message, botIdentity string) []providers.Message {
	seen := make(map[string]struct{}, len(shortTerm))
	for _, m := range shortTerm {
		seen[strings.TrimSpace(m.Content)] = struct{}{}
	}
	out := make([]providers.Message, 0, len(relevant)+len(displaced))
	add := func(u memory.Utterance) {
		key := strings.TrimSpace(u.Text)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, MemoryMessage(u, botIdentity))
	}
	for i := len(relevant) - 1; i >= 0; i-- {
		add(relevant[i])
	}
	for _, u := range displaced {
		add(u)
	}
	return out
}

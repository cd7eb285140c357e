package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JamalEddineEb/discord/pkg/memory"
	"github.com/JamalEddineEb/discord/pkg/providers"
)

func TestLoadBootstrapFiles_PrefersAgentMD(t *testing.T) {
	ws := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(ws, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	write("AGENT.md", "agent-current")
	write("AGENTS.md", "agent-legacy")

	out := NewContextBuilder(ws, "").LoadBootstrapFiles()
	if !strings.Contains(out, "agent-current") {
		t.Fatalf("expected AGENT.md content to be loaded")
	}
	if strings.Contains(out, "agent-legacy") {
		t.Fatalf("expected AGENTS.md content to be ignored when AGENT.md exists")
	}
}

func TestLoadBootstrapFiles_FallbacksToAgentsMD(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "AGENTS.md"), []byte("legacy-agent"), 0o644); err != nil {
		t.Fatalf("write AGENTS.md: %v", err)
	}
	out := NewContextBuilder(ws, "").LoadBootstrapFiles()
	if !strings.Contains(out, "legacy-agent") {
		t.Fatalf("expected AGENTS.md fallback content to load")
	}
}

func TestBuildSystemPrompt_IncludesPersonalityAndDate(t *testing.T) {
	cb := NewContextBuilder(t.TempDir(), "Be brief.")
	now := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	prompt := cb.BuildSystemPrompt("friendly", now)

	for _, want := range []string{"Be brief.", "Your personality: friendly.", "Saturday, March 14, 2026"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected prompt to contain %q, got %q", want, prompt)
		}
	}
	if !strings.HasPrefix(prompt, "Be brief.") {
		t.Fatalf("expected configured prompt first, got %q", prompt)
	}
}

func TestMemoryMessage_Attribution(t *testing.T) {
	user := MemoryMessage(memory.Utterance{Identity: "u1", DisplayName: "Alice", Text: "hi"}, "bot")
	if user.Role != "user" || user.Content != "Alice: hi" {
		t.Fatalf("unexpected user message %+v", user)
	}
	bot := MemoryMessage(memory.Utterance{Identity: "bot", DisplayName: "Bot", Text: "hello"}, "bot")
	if bot.Role != "assistant" || bot.Content != "Bot: hello" {
		t.Fatalf("unexpected bot message %+v", bot)
	}
	anon := MemoryMessage(memory.Utterance{Identity: "u2", Text: "yo"}, "bot")
	if anon.Content != "u2: yo" {
		t.Fatalf("expected identity fallback, got %q", anon.Content)
	}
}

func TestLongTermMessages_ReversedAndDeduped(t *testing.T) {
	relevant := []memory.Utterance{
		{Identity: "u1", DisplayName: "A", Text: "closest"},
		{Identity: "u1", DisplayName: "A", Text: "already in chain"},
		{Identity: "u1", DisplayName: "A", Text: "farthest"},
	}
	short := []providers.Message{{Role: "user", Content: "already in chain"}}

	got := longTermMessages(relevant, nil, short, "bot")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Content != "A: farthest" || got[1].Content != "A: closest" {
		t.Fatalf("expected least relevant first, got %+v", got)
	}
}

func TestLongTermMessages_DisplacedRecentFollowRelevant(t *testing.T) {
	relevant := []memory.Utterance{{Identity: "u1", DisplayName: "A", Text: "old fact"}}
	displaced := []memory.Utterance{
		{Identity: "u1", DisplayName: "A", Text: "in chain too"},
		{Identity: "bot", DisplayName: "Bot", Text: "latest reply"},
	}
	short := []providers.Message{{Role: "user", Content: "in chain too"}}

	got := longTermMessages(relevant, displaced, short, "bot")
	want := []providers.Message{
		{Role: "user", Content: "A: old fact"},
		{Role: "assistant", Content: "Bot: latest reply"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

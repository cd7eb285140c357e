package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JamalEddineEb/discord/pkg/config"
	"github.com/JamalEddineEb/discord/pkg/memory"
)

func runRootCommandForTest(stdin string, args ...string) (string, error) {
	root := buildRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// isolate points HOME and the memory database at a temp dir and returns a
// config path inside it.
func isolate(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	dbPath := filepath.Join(dir, "memory.db")
	t.Setenv("DISCORDBOT_MEMORY_SQLITE_PATH", dbPath)
	return filepath.Join(dir, "config.json"), dbPath
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runRootCommandForTest("", "--help")
	require.NoError(t, err)
	for _, name := range []string{"onboard", "gateway", "chat", "memory", "version", "--config"} {
		assert.Contains(t, out, name)
	}
	assert.NotContains(t, out, "completion")
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	_, err := runRootCommandForTest("")
	assert.Error(t, err)
}

func TestMemoryHelpListsSubcommands(t *testing.T) {
	out, err := runRootCommandForTest("", "memory", "--help")
	require.NoError(t, err)
	for _, name := range []string{"list", "show", "search", "prune"} {
		assert.Contains(t, out, name)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommandForTest("", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, appName+" dev"), out)

	out, err = runRootCommandForTest("", "-v")
	require.NoError(t, err)
	assert.Contains(t, out, appName)
}

func TestOnboardWritesConfigAndWorkspace(t *testing.T) {
	cfgPath, _ := isolate(t)

	out, err := runRootCommandForTest("", "onboard", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "is ready")

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Agents.Defaults.Model, cfg.Agents.Defaults.Model)
	assert.FileExists(t, filepath.Join(cfg.WorkspacePath(), "AGENT.md"))
}

func TestOnboardAsksBeforeOverwrite(t *testing.T) {
	cfgPath, _ := isolate(t)
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"log_level":"debug"}`), 0o600))

	out, err := runRootCommandForTest("n\n", "onboard", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted.")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"log_level":"debug"}`, string(data))
}

func TestMemoryCommands(t *testing.T) {
	cfgPath, dbPath := isolate(t)

	out, err := runRootCommandForTest("", "memory", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No memory stored.")

	store, err := memory.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "u1", "Alice", "my cat is called Miso"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "I like ramen"))
	require.NoError(t, store.Append(ctx, "u1", "Alice", "see you tomorrow"))
	require.NoError(t, store.Close())

	out, err = runRootCommandForTest("", "memory", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "u1\tAlice")
	assert.Contains(t, out, "3 utterances")

	out, err = runRootCommandForTest("", "memory", "show", "u1", "-n", "2", "--config", cfgPath)
	require.NoError(t, err)
	assert.NotContains(t, out, "Miso")
	assert.Contains(t, out, "Alice: see you tomorrow")

	out, err = runRootCommandForTest("", "memory", "search", "cat", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Recent:")
	assert.Contains(t, out, "Relevant:")

	t.Setenv("DISCORDBOT_MEMORY_MAX_UTTERANCES_PER_IDENTITY", "1")
	out, err = runRootCommandForTest("", "memory", "prune", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 2 utterances")
}

func TestMemoryConfigUsesResolvedDBPath(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agents.Defaults.Workspace = "/tmp/ws"
	cfg.Memory.RetrievalK = 3

	mc := memoryConfig(cfg)
	assert.Equal(t, filepath.Join("/tmp/ws", "state", "memory.db"), mc.SQLitePath)
	assert.Equal(t, 3, mc.RetrievalK)
	assert.Equal(t, cfg.Memory.RetentionSchedule, mc.RetentionSchedule)
}

func TestGatewayRequiresToken(t *testing.T) {
	cfgPath, _ := isolate(t)
	t.Setenv("DISCORDBOT_CHANNELS_DISCORD_TOKEN", "")

	_, err := runRootCommandForTest("", "gateway", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channels.discord.token")
}

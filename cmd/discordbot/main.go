package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/JamalEddineEb/discord/pkg/config"
	"github.com/JamalEddineEb/discord/pkg/logger"
	"github.com/JamalEddineEb/discord/pkg/memory"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "discordbot"

const defaultAgentFile = `# Agent

Notes in this file are appended to the system prompt on every turn.
`

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("DISCORDBOT_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".discordbot", "config.json")
}

// loadConfig reads the config and applies its log level.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func memoryConfig(cfg *config.Config) memory.Config {
	m := cfg.Memory
	return memory.Config{
		Backend:                  m.Backend,
		SQLitePath:               cfg.MemoryDBPath(),
		PostgresDSN:              m.PostgresDSN,
		RedisAddr:                m.RedisAddr,
		RedisPassword:            m.RedisPassword,
		RedisDB:                  m.RedisDB,
		Retriever:                m.Retriever,
		Index:                    m.Index,
		EmbeddingModel:           m.EmbeddingModel,
		EmbeddingAPIKey:          m.EmbeddingAPIKey,
		EmbeddingAPIBase:         m.EmbeddingAPIBase,
		EmbeddingCacheMB:         m.EmbeddingCacheMB,
		RetrievalK:               m.RetrievalK,
		RecentWindow:             m.RecentWindow,
		MaxUtterancesPerIdentity: m.MaxUtterancesPerIdentity,
		RetentionSchedule:        m.RetentionSchedule,
	}
}

func openMemory(ctx context.Context, cfg *config.Config) (*memory.Service, error) {
	mc := memoryConfig(cfg)
	if mc.Backend == "" || mc.Backend == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(mc.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
	}
	svc, err := memory.NewService(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}
	return svc, nil
}

// onboard writes a default config (asking before overwriting) and the
// workspace bootstrap file.
func onboard(in io.Reader, out io.Writer, configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(out, "Config already exists at %s\n", configPath)
		fmt.Fprint(out, "Overwrite? (y/n): ")
		response, readErr := bufio.NewReader(in).ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read answer: %w", readErr)
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	agentFile := filepath.Join(workspace, "AGENT.md")
	if _, err := os.Stat(agentFile); os.IsNotExist(err) {
		if err := os.WriteFile(agentFile, []byte(defaultAgentFile), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", agentFile, err)
		}
	}

	fmt.Fprintf(out, "%s is ready!\n", appName)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Add your API key to", configPath)
	fmt.Fprintln(out, "     Get one at: https://openrouter.ai/keys")
	fmt.Fprintln(out, "  2. Add your Discord bot token to channels.discord.token")
	fmt.Fprintf(out, "  3. Chat locally: %s chat\n", appName)
	fmt.Fprintf(out, "  4. Run the bot: %s gateway\n", appName)
	return nil
}

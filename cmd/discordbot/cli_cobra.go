package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JamalEddineEb/discord/pkg/agent"
	"github.com/JamalEddineEb/discord/pkg/bus"
	"github.com/JamalEddineEb/discord/pkg/channels"
	"github.com/JamalEddineEb/discord/pkg/config"
	"github.com/JamalEddineEb/discord/pkg/health"
	"github.com/JamalEddineEb/discord/pkg/logger"
	"github.com/JamalEddineEb/discord/pkg/memory"
	"github.com/JamalEddineEb/discord/pkg/providers"
	"github.com/JamalEddineEb/discord/pkg/utils"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   appName,
		Short: "Discord chat bot with long-term memory and reply-chain context",
		Long: strings.TrimSpace(`discordbot answers Discord messages with an OpenAI-compatible model.

It remembers what every user said, recalls the most relevant past utterances
for each new message, and follows reply chains to build conversation context.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the config file (.json, .yaml or .yml)")

	cfgPath := func() string { return configPath }

	root.AddCommand(newOnboardCommand(cfgPath))
	root.AddCommand(newGatewayCommand(cfgPath))
	root.AddCommand(newChatCommand(cfgPath))
	root.AddCommand(newMemoryCommand(cfgPath))
	root.AddCommand(newVersionCommand())

	return root
}

func newOnboardCommand(cfgPath func() string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config and workspace",
		Long:    "Create the default configuration file and the workspace AGENT.md for a new installation.",
		Example: "  discordbot onboard\n  discordbot onboard --config ./bot.yaml --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard(cmd.InOrStdin(), cmd.OutOrStdout(), cfgPath(), force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newGatewayCommand(cfgPath func() string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord bot and health server",
		Long:    "Connect to Discord, answer messages, serve /health and /ready, and prune memory on schedule.",
		Example: "  discordbot gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath())
			if err != nil {
				return err
			}
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runGateway(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	mem, err := openMemory(ctx, cfg)
	if err != nil {
		return err
	}
	defer mem.Close()

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	agentLoop := agent.NewAgentLoop(cfg, msgBus, provider, mem)
	manager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}
	if fetcher, ok := manager.Fetcher(channels.DiscordName); ok {
		agentLoop.SetMessageFetcher(fetcher)
	}

	logger.InfoCF("agent", "Agent initialized", agentLoop.GetStartupInfo())

	g, gctx := errgroup.WithContext(ctx)
	if err := manager.StartAll(gctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer manager.StopAll(context.Background())

	fmt.Fprintf(out, "Channels enabled: %s\n", strings.Join(manager.GetEnabledChannels(), ", "))
	if invite := cfg.InviteURL(); invite != "" {
		fmt.Fprintf(out, "Invite the bot with: %s\n", invite)
	}

	healthServer := health.NewServer(health.Options{
		Host:  cfg.Gateway.Host,
		Port:  cfg.Gateway.Port,
		Ready: manager.Ready,
		Status: func() map[string]any {
			return map[string]any{
				"bus":        msgBus.Stats(),
				"chain_live": agentLoop.ChainCache().Len(),
				"channels":   manager.GetStatus(),
			}
		},
	})

	mem.StartRetention()

	g.Go(func() error { return agentLoop.Run(gctx) })
	g.Go(func() error { return healthServer.ListenAndServe(gctx) })

	fmt.Fprintf(out, "Gateway running, health at http://%s/health (Ctrl+C to stop)\n", healthServer.Addr())

	err = g.Wait()
	agentLoop.Stop()
	fmt.Fprintln(out, "Gateway stopped")
	return err
}

func newChatCommand(cfgPath func() string) *cobra.Command {
	var (
		message  string
		identity string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot from the terminal",
		Long:  "Run the same memory-backed turn the Discord bot runs, without connecting to Discord.",
		Example: strings.Join([]string{
			"  discordbot chat",
			"  discordbot chat --message \"what's my cat called?\"",
			"  discordbot chat --identity 1234 --name Alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath())
			if err != nil {
				return err
			}
			if err := cfg.Validate(false); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			provider, err := providers.CreateProvider(cfg)
			if err != nil {
				return fmt.Errorf("create provider: %w", err)
			}
			mem, err := openMemory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer mem.Close()

			agentLoop := agent.NewAgentLoop(cfg, bus.NewMessageBus(), provider, mem)
			out := cmd.OutOrStdout()
			if strings.TrimSpace(message) != "" {
				reply, err := agentLoop.ProcessDirect(cmd.Context(), identity, name, message)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, reply)
				return nil
			}
			fmt.Fprintf(out, "%s interactive mode (Ctrl+C to exit)\n\n", appName)
			return interactiveMode(cmd.Context(), agentLoop, identity, name, out)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message to send")
	cmd.Flags().StringVar(&identity, "identity", "cli", "Memory identity to speak as")
	cmd.Flags().StringVar(&name, "name", "You", "Display name to speak as")
	return cmd
}

func interactiveMode(ctx context.Context, agentLoop *agent.AgentLoop, identity, name string, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          name + ": ",
		HistoryFile:     filepath.Join(os.TempDir(), ".discordbot_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          out,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		reply, err := agentLoop.ProcessDirect(ctx, identity, name, input)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "\n%s\n\n", reply)
	}
}

func newMemoryCommand(cfgPath func() string) *cobra.Command {
	memRoot := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain stored conversation memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	withMemory := func(cmd *cobra.Command, fn func(*memory.Service) error) error {
		cfg, err := loadConfig(cfgPath())
		if err != nil {
			return err
		}
		mem, err := openMemory(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer mem.Close()
		return fn(mem)
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List remembered identities",
		Example: "  discordbot memory list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(mem *memory.Service) error {
				records, err := mem.Store().ReadAll(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No memory stored.")
					return nil
				}
				for _, r := range records {
					fmt.Fprintf(out, "%s\t%s\t%s\t%d utterances\n", r.Identity, r.DisplayName, r.Personality, len(r.Utterances))
				}
				return nil
			})
		},
	}

	var limit int
	showCmd := &cobra.Command{
		Use:     "show <identity>",
		Short:   "Show the latest utterances of one identity",
		Example: "  discordbot memory show 1234 -n 20",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(mem *memory.Service) error {
				utterances, err := mem.Store().ReadRecent(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(utterances) == 0 {
					fmt.Fprintf(out, "Nothing stored for %s.\n", args[0])
					return nil
				}
				for _, u := range utterances {
					fmt.Fprintf(out, "%s  %s: %s\n", u.CreatedAt.Format("2006-01-02 15:04"), u.DisplayName, u.Text)
				}
				return nil
			})
		},
	}
	showCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of utterances to show")

	searchCmd := &cobra.Command{
		Use:     "search <text>",
		Short:   "Run memory retrieval for a message",
		Long:    "Print what the bot would recall if it received this message now.",
		Example: "  discordbot memory search \"favourite food\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(mem *memory.Service) error {
				res, err := mem.Retriever().Retrieve(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Personality: %s\n", res.Personality)
				fmt.Fprintln(out, "Recent:")
				printUtterances(out, res.Recent)
				fmt.Fprintln(out, "Relevant:")
				printUtterances(out, res.Relevant)
				return nil
			})
		},
	}

	pruneCmd := &cobra.Command{
		Use:     "prune",
		Short:   "Apply the per-identity retention cap now",
		Example: "  discordbot memory prune",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(mem *memory.Service) error {
				removed, err := mem.Sweeper().SweepNow(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d utterances\n", removed)
				return nil
			})
		},
	}

	memRoot.AddCommand(listCmd, showCmd, searchCmd, pruneCmd)
	return memRoot
}

func printUtterances(out io.Writer, utterances []memory.Utterance) {
	if len(utterances) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	for _, u := range utterances {
		fmt.Fprintf(out, "  [%s] %s: %s\n", u.Identity, u.DisplayName, utils.Truncate(u.Text, 120))
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  discordbot version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HyphaGroup/acpbridge/internal/agent"
	"github.com/HyphaGroup/acpbridge/internal/audit"
	"github.com/HyphaGroup/acpbridge/internal/auth"
	"github.com/HyphaGroup/acpbridge/internal/bridge"
	"github.com/HyphaGroup/acpbridge/internal/cleanup"
	"github.com/HyphaGroup/acpbridge/internal/config"
	"github.com/HyphaGroup/acpbridge/internal/jobs"
	"github.com/HyphaGroup/acpbridge/internal/logger"
	"github.com/HyphaGroup/acpbridge/internal/mcp"
	"github.com/HyphaGroup/acpbridge/internal/messaging/console"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
	"github.com/HyphaGroup/acpbridge/internal/stream"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge on the configured platform",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, "")
			if err != nil {
				return err
			}
			return runBridge(cmd.Context(), cfg, os.Stdin, cmd.OutOrStdout())
		},
	}
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent from this terminal",
		Long: `Runs the bridge with the console platform: each line typed is one chat message.
Logs go to the log file only. Scheduled jobs keep running while the session is open.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, console.PlatformName)
			if err != nil {
				return err
			}
			logger.Console = io.Discard
			return runBridge(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runBridge wires every component and blocks until the platform stops or
// the process is signalled
func runBridge(parent context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lock, err := config.AcquireInstanceLock(cfg.DataPath())
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logDir := a.logDir()
	if err := logger.Init(logDir); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(logDir, cfg.Logging.JSON, cfg.Logging.Debug); err != nil {
		return fmt.Errorf("failed to initialize structured logger: %w", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Println("🌉 acpbridge " + Version)
	logger.Printf("📁 Data directory: %s", cfg.DataPath())
	logger.Printf("📝 Logs directory: %s", logDir)

	stats, err := a.schedules.Load()
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	logger.Printf("📅 Loaded %d schedule(s) (%d repaired, %d dropped, %d disabled)", stats.Total, stats.Repaired, stats.Dropped, stats.Disabled)

	platform, err := a.buildPlatform(in, out)
	if err != nil {
		return fmt.Errorf("failed to create %s platform: %w", cfg.Platform, err)
	}

	launcher, resolver, err := a.buildLauncher()
	if err != nil {
		return err
	}
	logger.Printf("🤖 Agent: %s %v", launcher.Command().Path, launcher.Command().Args)

	// The job runner needs the chat the bridge binds, and the bridge needs
	// the schedule runner to wake; br is set before either runs.
	var br *bridge.Bridge
	defaultChat := func() string {
		if br == nil {
			return cfg.Schedule.DefaultChatID
		}
		return br.DefaultChat()
	}

	jobRunner := jobs.NewRunner(jobs.Config{
		Agent:       launcher,
		Messaging:   platform,
		History:     a.history,
		DefaultChat: defaultChat,
	})
	schedRunner := schedule.NewRunner(a.schedules, jobRunner.Execute, schedule.RunnerConfig{
		TickInterval: cfg.Schedule.TickInterval(),
	})

	br, err = bridge.New(bridge.Config{
		Platform: platform,
		Agent:    launcher,
		Stream: stream.Config{
			UpdateInterval:  cfg.Stream.UpdateInterval(),
			GapThreshold:    cfg.Stream.GapThreshold(),
			MaxPreviewChars: cfg.Stream.MaxPreviewChars,
		},
		Schedules:      a.schedules,
		Waker:          schedRunner,
		History:        a.history,
		HistoryEntries: cfg.History.PromptEntries,
		DefaultChatID:  cfg.Schedule.DefaultChatID,
	})
	if err != nil {
		return err
	}

	var toolServer *mcp.Server
	if !cfg.MCP.Disabled {
		tokens := auth.NewTokenSet()
		if cfg.MCP.Token != "" {
			tokens.Add(cfg.MCP.Token, auth.Client{ID: "agent", Name: "agent sessions", Scope: auth.ScopeAdmin})
		}
		toolServer, err = mcp.NewServer(mcp.ServerConfig{
			Name:        cfg.MCP.ServerName,
			Version:     Version,
			URL:         cfg.MCP.MCPURL(),
			Platform:    platform.Name(),
			Schedules:   a.schedules,
			Runner:      schedRunner,
			Messages:    br,
			Tokens:      tokens,
			AgentToken:  cfg.MCP.Token,
			RateLimit:   auth.NewRateLimiter(cfg.MCP.RequestsPerSec, cfg.MCP.RequestsBurst),
			Audit:       audit.Default(),
			DefaultChat: br.DefaultChat,
		})
		if err != nil {
			return err
		}
		resolver.Always = []agent.McpServer{toolServer.Descriptor()}
	}

	cleanCfg := cleanup.DefaultConfig(cfg.DataPath(), logDir)
	cleanCfg.History = a.history
	cleanCfg.Executions = a.schedules
	cleanCfg.HistoryRetention = a.historyRetention()
	cleaner := cleanup.New(cleanCfg)

	backups, err := a.backupManager()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedRunner.Start()
	cleaner.Start()
	backups.Start()

	toolErr := make(chan error, 1)
	if toolServer != nil {
		go func() {
			err := toolServer.Serve(runCtx, cfg.MCP.Address)
			if err != nil {
				logger.Error("Tool server stopped: %v", err)
				cancel()
			}
			toolErr <- err
		}()
	} else {
		toolErr <- nil
	}

	runErr := br.Run(runCtx)
	if runErr != nil {
		logger.Error("Platform stopped: %v", runErr)
	}

	logger.Println("⚠️  Shutting down...")
	cancel()

	logger.Println("   Stopping schedule runner...")
	schedRunner.Stop()

	if toolServer != nil {
		logger.Println("   Stopping tool server...")
		srvErr := <-toolErr
		toolServer.Close()
		if runErr == nil && srvErr != nil {
			runErr = srvErr
		}
	}

	logger.Println("   Stopping cleanup...")
	cleaner.Stop()
	backups.Stop()

	logger.Println("✅ Shutdown complete")
	return runErr
}

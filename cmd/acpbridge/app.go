package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/HyphaGroup/acpbridge/internal/agent"
	"github.com/HyphaGroup/acpbridge/internal/agent/acp"
	"github.com/HyphaGroup/acpbridge/internal/backup"
	"github.com/HyphaGroup/acpbridge/internal/config"
	"github.com/HyphaGroup/acpbridge/internal/history"
	"github.com/HyphaGroup/acpbridge/internal/messaging"
	"github.com/HyphaGroup/acpbridge/internal/messaging/console"
	slackplatform "github.com/HyphaGroup/acpbridge/internal/messaging/slack"
	"github.com/HyphaGroup/acpbridge/internal/schedule"
)

// app holds the stores every command works against
type app struct {
	cfg       *config.Config
	schedules *schedule.Store
	history   *history.Store
}

// loadConfig reads acpbridge.jsonc; a non-empty platform replaces the
// configured one before validation
func loadConfig(opts *rootOptions, platform string) (*config.Config, error) {
	cfg, err := config.Load(opts.dir)
	if err != nil {
		return nil, err
	}
	if platform != "" && platform != cfg.Platform {
		cfg.Platform = platform
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openApp opens the schedule and history stores in the data directory
func openApp(cfg *config.Config) (*app, error) {
	dataDir := cfg.DataPath()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	schedules, err := schedule.NewStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule store: %w", err)
	}
	hist, err := history.NewStore(dataDir)
	if err != nil {
		_ = schedules.Close()
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return &app{cfg: cfg, schedules: schedules, history: hist}, nil
}

func (a *app) Close() {
	_ = a.history.Close()
	_ = a.schedules.Close()
}

func (a *app) logDir() string {
	if a.cfg.Logging.Dir != "" {
		return a.cfg.Resolve(a.cfg.Logging.Dir)
	}
	return a.cfg.DataPath("logs")
}

// buildPlatform creates the configured chat adapter. The console adapter
// talks over in and out.
func (a *app) buildPlatform(in io.Reader, out io.Writer) (messaging.Platform, error) {
	switch a.cfg.Platform {
	case slackplatform.PlatformName:
		return slackplatform.New(slackplatform.Config{
			BotToken: a.cfg.Slack.BotToken,
			AppToken: a.cfg.Slack.AppToken,
			Debug:    a.cfg.Logging.Debug,
		})
	case console.PlatformName:
		user := os.Getenv("USER")
		return console.New(in, out, user), nil
	default:
		return nil, fmt.Errorf("unknown platform %q", a.cfg.Platform)
	}
}

// buildLauncher creates the ACP agent runner and the resolver that picks
// tool servers for each session. Callers append to resolver.Always.
func (a *app) buildLauncher() (*acp.Launcher, *agent.ServerResolver, error) {
	ac := a.cfg.Agent

	permission, err := agent.ParsePermissionStrategy(ac.PermissionStrategy)
	if err != nil {
		return nil, nil, err
	}

	resolver := &agent.ServerResolver{SettingsFile: a.cfg.Resolve(ac.MCPSettingsFile)}
	if len(ac.MCPServers) > 0 {
		servers, err := agent.ParseServerMap(ac.MCPServers, "agent.mcp_servers")
		if err != nil {
			return nil, nil, err
		}
		resolver.Override = servers
	}

	launcher, err := acp.NewLauncher(acp.LauncherConfig{
		Command: agent.CommandConfig{
			Name:    ac.Name,
			Command: ac.Command,
			Args:    ac.Args,
			Cwd:     a.cfg.Resolve(ac.Cwd),
			Env:     ac.Env,
		},
		Permission:      permission,
		Servers:         resolver,
		OverallTimeout:  ac.OverallTimeout(),
		IdleTimeout:     ac.IdleTimeout(),
		KillGrace:       ac.KillGrace(),
		StderrTailChars: ac.StderrTailChars,
	})
	if err != nil {
		return nil, nil, err
	}
	return launcher, resolver, nil
}

func (a *app) historyRetention() time.Duration {
	return time.Duration(a.cfg.History.RetentionDays) * 24 * time.Hour
}

// backupManager snapshots both stores into the configured backup directory
func (a *app) backupManager() (*backup.Manager, error) {
	return backup.New(backup.Config{
		DataDir:   a.cfg.DataPath(),
		BackupDir: a.cfg.Resolve(a.cfg.Backup.Dir),
		Retention: a.cfg.Backup.Retention,
		Interval:  a.cfg.Backup.Interval(),
		Sources: map[string]backup.Source{
			schedule.DBFileName: a.schedules,
			history.DBFileName:  a.history,
		},
	})
}

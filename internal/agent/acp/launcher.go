package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/HyphaGroup/acpbridge/internal/agent"
)

// LauncherConfig holds what every session shares
type LauncherConfig struct {
	Command         agent.CommandConfig
	Permission      agent.PermissionStrategy
	Servers         *agent.ServerResolver
	OverallTimeout  time.Duration
	IdleTimeout     time.Duration
	KillGrace       time.Duration
	StderrTailChars int
	Clock           clockwork.Clock
}

// Launcher starts a fresh Session for every prompt
type Launcher struct {
	cfg  LauncherConfig
	spec *agent.CommandSpec
}

var _ agent.Runner = (*Launcher)(nil)

// NewLauncher resolves the agent command once up front
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	spec, err := agent.BuildCommand(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("agent command: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Launcher{cfg: cfg, spec: spec}, nil
}

// Command returns the resolved agent invocation
func (l *Launcher) Command() *agent.CommandSpec {
	return l.spec
}

// Run implements agent.Runner
func (l *Launcher) Run(ctx context.Context, req *agent.PromptRequest, onChunk agent.ChunkFunc) (string, error) {
	cwd, err := l.cwd(req.Cwd)
	if err != nil {
		return "", &agent.ProcessError{ExitCode: -1, Err: err}
	}

	session := NewSession(Options{
		Command:         l.spec,
		Cwd:             cwd,
		MCPServers:      l.cfg.Servers.Resolve(req.MCPServers),
		Permission:      l.cfg.Permission,
		OverallTimeout:  l.cfg.OverallTimeout,
		IdleTimeout:     l.cfg.IdleTimeout,
		KillGrace:       l.cfg.KillGrace,
		StderrTailChars: l.cfg.StderrTailChars,
		Clock:           l.cfg.Clock,
		Label:           req.Label,
	})
	return session.Run(ctx, req.Prompt, onChunk)
}

// cwd picks the request cwd, then the configured one, then the process cwd.
// ACP requires an absolute path.
func (l *Launcher) cwd(override string) (string, error) {
	dir := override
	if dir == "" {
		dir = l.spec.Dir
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving working directory %s: %w", dir, err)
	}
	return abs, nil
}

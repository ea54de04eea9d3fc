package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the config file looked up in every candidate directory
const FileName = "acpbridge.jsonc"

// ErrConfigNotFound is returned when no candidate directory holds a config file
var ErrConfigNotFound = errors.New("acpbridge.jsonc not found")

// Config is the single configuration file format for acpbridge.jsonc
type Config struct {
	DataDir  string          `json:"data_dir"`
	Platform string          `json:"platform"` // slack, console
	Agent    AgentSection    `json:"agent"`
	Stream   StreamSection   `json:"stream"`
	Schedule ScheduleSection `json:"schedule"`
	History  HistorySection  `json:"history"`
	Slack    SlackSection    `json:"slack"`
	MCP      MCPSection      `json:"mcp"`
	Backup   BackupSection   `json:"backup"`
	Logging  LoggingSection  `json:"logging"`

	// ConfigDir is the directory the file was loaded from; relative paths resolve against it.
	ConfigDir string `json:"-"`
}

// AgentSection describes the agent CLI and how sessions with it are run
type AgentSection struct {
	Name               string            `json:"name"` // gemini, claude, codex, goose, custom
	Command            string            `json:"command"`
	Args               []string          `json:"args"`
	Cwd                string            `json:"cwd"`
	Env                map[string]string `json:"env"`
	PermissionStrategy string            `json:"permission_strategy"` // allow, deny, cancel
	MCPSettingsFile    string            `json:"mcp_settings_file"`
	MCPServers         json.RawMessage   `json:"mcp_servers,omitempty"`
	OverallTimeoutMs   int               `json:"overall_timeout_ms"`
	IdleTimeoutMs      int               `json:"idle_timeout_ms"`
	KillGraceMs        int               `json:"kill_grace_ms"`
	StderrTailChars    int               `json:"stderr_tail_chars"`
}

// StreamSection tunes live-message streaming
type StreamSection struct {
	UpdateIntervalMs int `json:"stream_update_interval_ms"`
	GapThresholdMs   int `json:"message_gap_threshold_ms"`
	MaxPreviewChars  int `json:"max_preview_chars"`
}

// ScheduleSection configures the schedule trigger loop
type ScheduleSection struct {
	TickIntervalMs int    `json:"tick_interval_ms"`
	DefaultChatID  string `json:"default_chat_id"`
}

// HistorySection configures the conversation context store
type HistorySection struct {
	PromptEntries int `json:"prompt_entries"`
	RetentionDays int `json:"retention_days"`
}

// SlackSection holds Slack socket-mode credentials
type SlackSection struct {
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// MCPSection configures the tool server exposed to agent sessions
type MCPSection struct {
	Disabled       bool    `json:"disabled"`
	Address        string  `json:"address"`
	Token          string  `json:"token"`
	RequestsPerSec float64 `json:"requests_per_second"`
	RequestsBurst  int     `json:"requests_burst"`
	ServerName     string  `json:"server_name"`
	AdvertisedURL  string  `json:"advertised_url"`
}

// BackupSection configures store snapshots
type BackupSection struct {
	Dir           string `json:"dir"`
	IntervalHours int    `json:"interval_hours"` // 0 disables periodic snapshots
	Retention     int    `json:"retention"`      // snapshots kept
}

// LoggingSection configures log output
type LoggingSection struct {
	JSON  bool   `json:"json"`
	Debug bool   `json:"debug"`
	Dir   string `json:"dir"`
}

// Default returns a config with every default applied and no file behind it
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// FindConfigPath returns the path to acpbridge.jsonc using precedence:
// 1. configDir + /acpbridge.jsonc (if configDir specified)
// 2. $ACPBRIDGE_HOME/acpbridge.jsonc
// 3. ./config/acpbridge.jsonc (project-local)
// 4. ~/.acpbridge/config/acpbridge.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, FileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w in %s", ErrConfigNotFound, configDir)
		}
		return absPath(path), nil
	}

	var candidates []string
	if home := os.Getenv("ACPBRIDGE_HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, FileName))
	}
	candidates = append(candidates, filepath.Join("config", FileName))
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".acpbridge", "config", FileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absPath(path), nil
		}
	}

	return "", fmt.Errorf("%w; tried: %v", ErrConfigNotFound, candidates)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// Load finds and parses acpbridge.jsonc
func Load(configDir string) (*Config, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile parses a single acpbridge.jsonc file and applies defaults
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	cfg.ConfigDir = filepath.Dir(configPath)

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", configPath, err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		cfg.Slack.AppToken = v
	}
	if v := os.Getenv("ACPBRIDGE_MCP_TOKEN"); v != "" {
		cfg.MCP.Token = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Platform == "" {
		if cfg.Slack.BotToken != "" && cfg.Slack.AppToken != "" {
			cfg.Platform = "slack"
		} else {
			cfg.Platform = "console"
		}
	}

	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "gemini"
	}
	if cfg.Agent.PermissionStrategy == "" {
		cfg.Agent.PermissionStrategy = "allow"
	}
	if cfg.Agent.OverallTimeoutMs == 0 {
		cfg.Agent.OverallTimeoutMs = 10 * 60 * 1000
	}
	if cfg.Agent.IdleTimeoutMs == 0 {
		cfg.Agent.IdleTimeoutMs = 2 * 60 * 1000
	}
	if cfg.Agent.KillGraceMs == 0 {
		cfg.Agent.KillGraceMs = 5000
	}
	if cfg.Agent.StderrTailChars == 0 {
		cfg.Agent.StderrTailChars = 8192
	}

	if cfg.Stream.UpdateIntervalMs == 0 {
		cfg.Stream.UpdateIntervalMs = 1000
	}
	if cfg.Stream.GapThresholdMs == 0 {
		cfg.Stream.GapThresholdMs = 8000
	}
	if cfg.Stream.MaxPreviewChars == 0 {
		cfg.Stream.MaxPreviewChars = 3500
	}

	if cfg.Schedule.TickIntervalMs == 0 {
		cfg.Schedule.TickIntervalMs = 30_000
	}

	if cfg.History.PromptEntries == 0 {
		cfg.History.PromptEntries = 10
	}
	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 30
	}

	if cfg.MCP.Address == "" {
		cfg.MCP.Address = "127.0.0.1:8765"
	}
	if cfg.MCP.ServerName == "" {
		cfg.MCP.ServerName = "acpbridge"
	}
	if cfg.MCP.RequestsPerSec == 0 {
		cfg.MCP.RequestsPerSec = 10
	}
	if cfg.MCP.RequestsBurst == 0 {
		cfg.MCP.RequestsBurst = 20
	}

	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.DataDir, "backups")
	}
	if cfg.Backup.Retention == 0 {
		cfg.Backup.Retention = 7
	}

	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = filepath.Join(cfg.DataDir, "logs")
	}
}

// Validate checks enumerated settings
func (c *Config) Validate() error {
	switch c.Platform {
	case "slack":
		if c.Slack.BotToken == "" || c.Slack.AppToken == "" {
			return errors.New("slack platform requires slack.bot_token and slack.app_token")
		}
	case "console":
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}

	switch c.Agent.PermissionStrategy {
	case "allow", "deny", "cancel":
	default:
		return fmt.Errorf("unknown agent.permission_strategy %q", c.Agent.PermissionStrategy)
	}

	if c.Agent.Name == "custom" && c.Agent.Command == "" {
		return errors.New("agent.name \"custom\" requires agent.command")
	}
	return nil
}

// Resolve returns path made absolute against the config directory
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.ConfigDir == "" {
		return path
	}
	return filepath.Join(c.ConfigDir, path)
}

// DataPath returns a path inside the data directory
func (c *Config) DataPath(elem ...string) string {
	return filepath.Join(append([]string{c.Resolve(c.DataDir)}, elem...)...)
}

// OverallTimeout is the per-session overall deadline
func (a AgentSection) OverallTimeout() time.Duration { return ms(a.OverallTimeoutMs) }

// IdleTimeout is the per-session inactivity deadline
func (a AgentSection) IdleTimeout() time.Duration { return ms(a.IdleTimeoutMs) }

// KillGrace is the wait between SIGTERM and SIGKILL
func (a AgentSection) KillGrace() time.Duration { return ms(a.KillGraceMs) }

// Interval is the period between automatic snapshots
func (b BackupSection) Interval() time.Duration {
	return time.Duration(b.IntervalHours) * time.Hour
}

// UpdateInterval is the minimum spacing between live-message edits
func (s StreamSection) UpdateInterval() time.Duration { return ms(s.UpdateIntervalMs) }

// GapThreshold is the silence after which a live message is rotated
func (s StreamSection) GapThreshold() time.Duration { return ms(s.GapThresholdMs) }

// TickInterval is the schedule runner poll period
func (s ScheduleSection) TickInterval() time.Duration { return ms(s.TickIntervalMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// MCPURL is the tool-server endpoint handed to agent sessions
func (m MCPSection) MCPURL() string {
	if m.AdvertisedURL != "" {
		return m.AdvertisedURL
	}
	return "http://" + m.Address + "/mcp"
}

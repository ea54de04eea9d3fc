package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Template is the annotated config written by `acpbridge init`
const Template = `{
  // acpbridge configuration

  // "slack" needs slack.bot_token and slack.app_token (or SLACK_BOT_TOKEN / SLACK_APP_TOKEN)
  "platform": "console",
  "data_dir": "../data",

  "agent": {
    // gemini, claude, codex, goose, or custom (with "command")
    "name": "gemini",
    "args": [],
    "cwd": "",
    // allow, deny, cancel
    "permission_strategy": "allow",
    // JSON file with an "mcpServers" object, same shape the agent CLIs use
    "mcp_settings_file": "",
    "overall_timeout_ms": 600000,
    "idle_timeout_ms": 120000,
    "kill_grace_ms": 5000
  },

  "stream": {
    "stream_update_interval_ms": 1000,
    "message_gap_threshold_ms": 8000,
    "max_preview_chars": 3500
  },

  "schedule": {
    "tick_interval_ms": 30000,
    "default_chat_id": ""
  },

  "history": {
    "prompt_entries": 10,
    "retention_days": 30
  },

  "slack": {
    "bot_token": "",
    "app_token": ""
  },

  "mcp": {
    "address": "127.0.0.1:8765",
    "token": ""
  },

  // Store snapshots; "acpbridge backup create" works regardless of interval_hours
  "backup": {
    "interval_hours": 0,
    "retention": 7
  },

  "logging": {
    "json": false,
    "debug": false
  }
}
`

// WriteTemplate writes Template to dir/acpbridge.jsonc unless one already exists and overwrite is false
func WriteTemplate(dir string, overwrite bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.WriteFile(path, []byte(Template), 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

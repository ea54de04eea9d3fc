// Package agent provides the agent execution abstraction layer.
//
// command.go - Agent command-line builders
//
// This file contains:
// - Kind constants for the supported agent CLIs
// - CommandSpec describing how to spawn an agent in ACP mode
// - BuildCommand translating configuration into a CommandSpec

package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Kind identifies an agent CLI
type Kind string

const (
	KindGemini Kind = "gemini"
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
	KindGoose  Kind = "goose"
	KindCustom Kind = "custom"
)

// acpInvocations is how each known CLI is started speaking ACP on stdio
var acpInvocations = map[Kind][]string{
	KindGemini: {"gemini", "--experimental-acp"},
	KindClaude: {"claude-code-acp"},
	KindCodex:  {"codex-acp"},
	KindGoose:  {"goose", "acp"},
}

// CommandConfig is the agent section of the bridge configuration
type CommandConfig struct {
	Name    string
	Command string   // overrides the binary for known kinds; required for custom
	Args    []string // appended after the built-in ACP arguments
	Cwd     string
	Env     map[string]string
}

// CommandSpec is a fully resolved agent invocation
type CommandSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string // full environment, os.Environ() plus overrides
}

// BuildCommand resolves cfg into a CommandSpec
func BuildCommand(cfg CommandConfig) (*CommandSpec, error) {
	kind := Kind(cfg.Name)
	if kind == "" {
		kind = KindGemini
	}

	var argv []string
	if kind == KindCustom {
		if cfg.Command == "" {
			return nil, fmt.Errorf("custom agent requires a command")
		}
		argv = []string{cfg.Command}
	} else {
		base, ok := acpInvocations[kind]
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", cfg.Name)
		}
		argv = append([]string(nil), base...)
		if cfg.Command != "" {
			argv[0] = cfg.Command
		}
	}
	argv = append(argv, cfg.Args...)

	return &CommandSpec{
		Path: argv[0],
		Args: argv[1:],
		Dir:  cfg.Cwd,
		Env:  mergeEnv(os.Environ(), cfg.Env),
	}, nil
}

// KnownKinds lists the built-in agent kinds in stable order
func KnownKinds() []Kind {
	kinds := make([]Kind, 0, len(acpInvocations))
	for k := range acpInvocations {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[name]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

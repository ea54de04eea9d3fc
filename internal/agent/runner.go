// Package agent provides the agent execution abstraction layer.
//
// runner.go - Runner interface definition
//
// This file contains:
// - Runner interface for one-prompt agent executions
// - PromptRequest for execution parameters
// - ChunkFunc for streamed text delivery
//
// A Runner hides the subprocess and wire protocol behind a single blocking
// call. Both the conversational flow and scheduled jobs use it; each call
// owns a fresh agent process.

package agent

import "context"

// ChunkFunc receives decoded response text in emission order.
// It is invoked from a single goroutine and must not block for long.
type ChunkFunc func(text string)

// Runner executes one prompt through a fresh agent session
type Runner interface {
	// Run blocks until the agent finishes its turn and returns the full
	// concatenated response text. Errors are one of TimeoutError,
	// CancelledError, ProtocolError or ProcessError.
	Run(ctx context.Context, req *PromptRequest, onChunk ChunkFunc) (string, error)
}

// PromptRequest contains parameters for one agent execution
type PromptRequest struct {
	// Prompt is the full text submitted to the agent
	Prompt string

	// Cwd overrides the configured working directory when set
	Cwd string

	// MCPServers, when non-nil, replaces the settings-file servers
	MCPServers []McpServer

	// Label identifies the caller in logs (e.g. "conversation", "job:sched_1a2b3c4d")
	Label string
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context, req *PromptRequest, onChunk ChunkFunc) (string, error)

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, req *PromptRequest, onChunk ChunkFunc) (string, error) {
	return f(ctx, req, onChunk)
}

// Package acp provides the agent client protocol session.
//
// protocol.go - JSON-RPC 2.0 message layer
//
// This file contains:
// - The envelope type shared by requests, responses and notifications
// - Method names and parameter/result types for the ACP calls we use
// - Conversion of agent.McpServer descriptors to their wire shape
//
// ACP runs over the agent's stdin/stdout. Every message is one JSON object
// terminated by a newline.

package acp

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/HyphaGroup/acpbridge/internal/agent"
)

// ProtocolVersion is the ACP major version sent in initialize
const ProtocolVersion = 1

// Client-to-agent methods
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// Agent-to-client methods
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Session update kinds
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// Message is the JSON-RPC 2.0 envelope. Which fields are set decides the kind:
// method+id is a request, method alone a notification, id alone a response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// IsRequest reports whether m is a request expecting a response
func (m *Message) IsRequest() bool { return m.Method != "" && m.hasID() }

// IsNotification reports whether m is a notification
func (m *Message) IsNotification() bool { return m.Method != "" && !m.hasID() }

// IsResponse reports whether m answers one of our requests
func (m *Message) IsResponse() bool { return m.Method == "" && m.hasID() }

// numericID returns the id of a response to one of our requests. We only
// ever send integer ids; anything else is not ours.
func (m *Message) numericID() (int64, bool) {
	raw := bytes.Trim(m.ID, `"`)
	id, err := strconv.ParseInt(string(raw), 10, 64)
	return id, err == nil
}

// InitializeParams is sent with initialize
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// ClientCapabilities advertises what the client answers
type ClientCapabilities struct {
	FS FileSystemCapability `json:"fs"`
}

// FileSystemCapability advertises file method support
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult is the agent's initialize answer
type InitializeResult struct {
	ProtocolVersion int `json:"protocolVersion"`
}

// NewSessionParams is sent with session/new
type NewSessionParams struct {
	Cwd        string `json:"cwd"`
	McpServers []any  `json:"mcpServers"`
}

// NewSessionResult carries the agent-assigned session id
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one piece of prompt or response content
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptParams is sent with session/prompt
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult ends a prompt turn
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams is sent with the session/cancel notification
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionNotification is the payload of session/update
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one streamed update. Content is only decoded for chunk kinds.
type SessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`
}

// PermissionOption is one choice offered by session/request_permission
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// RequestPermissionParams is the payload of session/request_permission
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  json.RawMessage    `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// RequestPermissionResult answers session/request_permission
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is either selected (with an option id) or cancelled
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// ReadTextFileResult answers fs/read_text_file
type ReadTextFileResult struct {
	Content string `json:"content"`
}

type envVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type httpHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type stdioServerWire struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Env     []envVariable `json:"env"`
}

type remoteServerWire struct {
	Type    string       `json:"type"`
	Name    string       `json:"name"`
	URL     string       `json:"url"`
	Headers []httpHeader `json:"headers"`
}

// wireServers converts descriptors to the session/new shape. ACP requires the
// array fields to be present, so they are never nil.
func wireServers(servers []agent.McpServer) []any {
	out := make([]any, 0, len(servers))
	for _, srv := range servers {
		switch s := srv.(type) {
		case *agent.StdioServer:
			w := stdioServerWire{Name: s.Name, Command: s.Command, Args: s.Args, Env: []envVariable{}}
			if w.Args == nil {
				w.Args = []string{}
			}
			for _, e := range s.Env {
				w.Env = append(w.Env, envVariable{Name: e.Name, Value: e.Value})
			}
			out = append(out, w)
		case *agent.RemoteServer:
			w := remoteServerWire{Type: string(s.Type), Name: s.Name, URL: s.URL, Headers: []httpHeader{}}
			for _, h := range s.Headers {
				w.Headers = append(w.Headers, httpHeader{Name: h.Name, Value: h.Value})
			}
			out = append(out, w)
		}
	}
	return out
}

// chooseOption resolves a permission prompt without a human
func chooseOption(strategy agent.PermissionStrategy, options []PermissionOption) PermissionOutcome {
	var kinds []string
	switch strategy {
	case agent.PermissionAllow:
		kinds = []string{"allow_once", "allow_always"}
	case agent.PermissionDeny:
		kinds = []string{"reject_once", "reject_always"}
	default:
		return PermissionOutcome{Outcome: "cancelled"}
	}

	for _, opt := range options {
		for _, k := range kinds {
			if opt.Kind == k {
				return PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID}
			}
		}
	}
	return PermissionOutcome{Outcome: "cancelled"}
}

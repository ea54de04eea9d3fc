// Package agent provides the agent execution abstraction layer.
//
// mcpservers.go - Tool-integration endpoint descriptors
//
// This file contains:
// - McpServer, a closed set of two descriptor shapes (stdio and remote)
// - ParseServers normalizing an "mcpServers" settings object
// - ServerResolver choosing override, settings file, or nothing per session
//
// Settings files use the shape the agent CLIs already share:
//
//	{"mcpServers": {"name": {"command": "...", "args": [...], "env": {...}}}}
//	{"mcpServers": {"name": {"url": "...", "type": "sse", "headers": {...}}}}
//	{"mcpServers": {"name": {"httpUrl": "..."}}}
//
// Entries that cannot be normalized are dropped with a warning; they never
// abort the session.

package agent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"

	"github.com/HyphaGroup/acpbridge/internal/logger"
)

// Transport is how the agent reaches a tool server
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// EnvVar is one environment variable passed to a stdio server
type EnvVar struct {
	Name  string
	Value string
}

// Header is one HTTP header sent to a remote server
type Header struct {
	Name  string
	Value string
}

// McpServer is either a *StdioServer or a *RemoteServer
type McpServer interface {
	ServerName() string
	TransportType() Transport
	mcpServer()
}

// StdioServer is a tool server the agent spawns as a subprocess
type StdioServer struct {
	Name    string
	Command string
	Args    []string
	Env     []EnvVar
}

func (s *StdioServer) ServerName() string       { return s.Name }
func (s *StdioServer) TransportType() Transport { return TransportStdio }
func (s *StdioServer) mcpServer()               {}

// RemoteServer is a tool server the agent reaches over HTTP or SSE
type RemoteServer struct {
	Name    string
	Type    Transport // TransportHTTP or TransportSSE
	URL     string
	Headers []Header
}

func (s *RemoteServer) ServerName() string       { return s.Name }
func (s *RemoteServer) TransportType() Transport { return s.Type }
func (s *RemoteServer) mcpServer()               {}

// settingsEntry is the loosely-typed on-disk shape of one server
type settingsEntry struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	URL      string            `json:"url"`
	HTTPURL  string            `json:"httpUrl"`
	Type     string            `json:"type"`
	Headers  map[string]string `json:"headers"`
	Disabled bool              `json:"disabled"`
}

// ParseServers normalizes a settings document holding an "mcpServers"
// object. A document without that key yields no servers. Only a document
// that is not a JSON object is an error; bad entries are dropped.
func ParseServers(data []byte, source string) ([]McpServer, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}
	inner, ok := doc["mcpServers"]
	if !ok {
		return nil, nil
	}
	return ParseServerMap(inner, source+": mcpServers")
}

// ParseServerMap normalizes a bare name->entry object
func ParseServerMap(data []byte, source string) ([]McpServer, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", source, err)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	servers := make([]McpServer, 0, len(names))
	for _, name := range names {
		var entry settingsEntry
		if err := json.Unmarshal(entries[name], &entry); err != nil {
			logger.Slog().Warn("dropping MCP server entry", "source", source, "name", name, "reason", err.Error())
			continue
		}
		if entry.Disabled {
			continue
		}
		srv, err := normalize(name, &entry)
		if err != nil {
			logger.Slog().Warn("dropping MCP server entry", "source", source, "name", name, "reason", err.Error())
			continue
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func normalize(name string, e *settingsEntry) (McpServer, error) {
	if name == "" {
		return nil, fmt.Errorf("empty server name")
	}

	switch {
	case e.Command != "":
		if e.URL != "" || e.HTTPURL != "" {
			return nil, fmt.Errorf("both command and url set")
		}
		return &StdioServer{
			Name:    name,
			Command: e.Command,
			Args:    e.Args,
			Env:     sortedEnv(e.Env),
		}, nil

	case e.HTTPURL != "":
		if err := checkURL(e.HTTPURL); err != nil {
			return nil, err
		}
		return &RemoteServer{Name: name, Type: TransportHTTP, URL: e.HTTPURL, Headers: sortedHeaders(e.Headers)}, nil

	case e.URL != "":
		if err := checkURL(e.URL); err != nil {
			return nil, err
		}
		transport := TransportHTTP
		switch e.Type {
		case "", "http", "streamable-http", "streamableHttp":
		case "sse":
			transport = TransportSSE
		default:
			return nil, fmt.Errorf("unsupported transport %q", e.Type)
		}
		return &RemoteServer{Name: name, Type: transport, URL: e.URL, Headers: sortedHeaders(e.Headers)}, nil

	default:
		return nil, fmt.Errorf("neither command nor url set")
	}
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: need http(s)://host", raw)
	}
	return nil
}

func sortedEnv(m map[string]string) []EnvVar {
	out := make([]EnvVar, 0, len(m))
	for k, v := range m {
		out = append(out, EnvVar{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedHeaders(m map[string]string) []Header {
	out := make([]Header, 0, len(m))
	for k, v := range m {
		out = append(out, Header{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServerResolver picks the tool servers for each session open
type ServerResolver struct {
	// Override, when non-nil, wins over the settings file
	Override []McpServer

	// SettingsFile is re-read on every Resolve so edits apply to the next session
	SettingsFile string

	// Always is appended to whatever was resolved unless a server with the
	// same name is already present
	Always []McpServer
}

// Resolve returns the servers for one session: the request override, the
// resolver override, the settings file, else none; then Always.
func (r *ServerResolver) Resolve(requestOverride []McpServer) []McpServer {
	var servers []McpServer
	switch {
	case requestOverride != nil:
		servers = requestOverride
	case r != nil && r.Override != nil:
		servers = r.Override
	case r != nil && r.SettingsFile != "":
		servers = r.loadSettingsFile()
	}

	if r == nil || len(r.Always) == 0 {
		return servers
	}

	out := append([]McpServer(nil), servers...)
	for _, extra := range r.Always {
		dup := false
		for _, s := range servers {
			if s.ServerName() == extra.ServerName() {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, extra)
		}
	}
	return out
}

func (r *ServerResolver) loadSettingsFile() []McpServer {
	data, err := os.ReadFile(r.SettingsFile)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Slog().Warn("ignoring MCP settings file", "path", r.SettingsFile, "error", err)
		}
		return nil
	}
	servers, err := ParseServers(data, r.SettingsFile)
	if err != nil {
		logger.Slog().Warn("ignoring MCP settings file", "path", r.SettingsFile, "error", err)
		return nil
	}
	return servers
}

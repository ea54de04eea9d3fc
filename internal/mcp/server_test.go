package mcp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/acpbridge/internal/auth"
)

func connect(t *testing.T, endpoint string, httpClient *http.Client) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "acpbridge-test", Version: "0.0.1"}, nil)
	transport := &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	session, err := client.Connect(ctx, transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestEndToEndOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.chat = "C-bound"
	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	session := connect(t, httpSrv.URL+"/mcp", nil)
	ctx := context.Background()

	tools, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"schedule_create", "schedule_delete", "schedule_history",
		"schedule_list", "schedule_trigger", "schedule_update", "send_message",
	}, names)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: "schedule_create",
		Arguments: map[string]any{
			"message":   "check the build",
			"cron_expr": "*/15 * * * *",
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), "C-bound (default chat)")

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "send_message",
		Arguments: map[string]any{"text": "on it"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))
	assert.Equal(t, []string{"on it"}, ts.sender.sent["C-bound"])

	// Loopback callers with no tokens configured are local admins
	assert.Contains(t, ts.auditBuf.String(), `"client_id":"local"`)
}

type bearerTransport struct {
	token string
}

func (b bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(r)
}

func TestEndToEndWithToken(t *testing.T) {
	ts := newTestServer(t)
	tokens := auth.NewTokenSet()
	tokens.Add("agent-secret", auth.Client{ID: "agent", Name: "agent sessions"})
	ts.cfg.Tokens = tokens
	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	session := connect(t, httpSrv.URL+"/mcp", &http.Client{Transport: bearerTransport{token: "agent-secret"}})
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "schedule_list",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "No schedules found.", resultText(res))
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(httpSrv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ts.Serve(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

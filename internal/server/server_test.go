package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolhub/internal/config"
	"toolhub/internal/envelope"
	"toolhub/internal/localsvc"
	"toolhub/internal/router"
	"toolhub/internal/tool"
)

type echoService struct{}

func (echoService) Name() string { return "echo" }

func (echoService) Tools() []tool.Descriptor {
	return []tool.Descriptor{{Name: "say", Description: "Echo the arguments back"}}
}

func (echoService) Execute(ctx context.Context, call tool.Call) (any, error) {
	return map[string]any{"echoed": tool.ParseArguments(call.Function.Arguments)}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	local := localsvc.NewRegistry(nil)
	rt := router.New(router.Options{Local: local})
	require.NoError(t, rt.RegisterLocalService(context.Background(), echoService{}))
	return New(config.HTTPConfig{Addr: ":0"}, rt, local, nil)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestListToolsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tools []router.TaggedTool `json:"tools"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "builtin.echo__say", resp.Tools[0].Name)
	assert.Equal(t, "local", resp.Tools[0].Backend)
}

func TestCallToolEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/tools/call",
		`{"name":"builtin.echo__say","arguments":{"text":"hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Nil(t, env.Error)
	require.NotNil(t, env.Result)
	structured, ok := env.Result.StructuredContent.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"text": "hi"}, structured["echoed"])
}

func TestCallToolFunctionShape(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/tools/call",
		`{"id":"call_1","function":{"name":"builtin.echo__say","arguments":"{\"n\":1}"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Nil(t, env.Error)
	assert.Equal(t, "call_1", env.ID)
}

func TestCallToolUnknownName(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/tools/call",
		`{"name":"builtin.ghost__noop"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, envelope.CodeToolNotFound, env.Error.Code)
}

func TestCallToolRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/v1/tools/call", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/tools/call", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServicesEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/v1/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"echo":"ready"`)
}

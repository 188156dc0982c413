package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naviya/webclient/internal/backend"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testGateway) {
	t.Helper()
	tg := newTestGateway(t)
	return MCPDeps{Sessions: tg.store, Navigator: tg.nav, Scope: tg.scope}, tg
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "no content in result")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func signIn(t *testing.T, tg *testGateway, resumeReady bool) {
	t.Helper()
	tg.backend.AddUser("u1", "ada@example.com", "pw")
	tg.backend.SetOnboarding("u1", true, true)
	tg.backend.SetDashboard("u1", backend.DashboardState{ResumeReady: resumeReady})
	tg.post(t, "/session/login", credentials{Email: "ada@example.com", Password: "pw"})
	require.NotNil(t, tg.store.Get())
}

func TestMCPTool_SessionStatus(t *testing.T) {
	deps, tg := newTestMCPDeps(t)
	handler := mcpSessionStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("session_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.JSONEq(t, `{"signed_in":false,"session":null}`, toolText(t, result))

	signIn(t, tg, false)
	result, err = handler(context.Background(), makeCallToolRequest("session_status", nil))
	require.NoError(t, err)
	var resp sessionResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &resp))
	assert.True(t, resp.SignedIn)
	assert.Equal(t, "u1", resp.Session.UserID)
}

func TestMCPTool_RouteDecision(t *testing.T) {
	deps, tg := newTestMCPDeps(t)
	handler := mcpRouteDecision(deps)

	result, err := handler(context.Background(), makeCallToolRequest("route_decision", map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = handler(context.Background(), makeCallToolRequest("route_decision", map[string]interface{}{
		"path": "/career/mentor",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))
	var out struct {
		Trail []string `json:"trail"`
		Page  pageView `json:"page"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &out))
	assert.Equal(t, []string{"/career/mentor", "/auth"}, out.Trail)
	assert.Equal(t, "auth", out.Page.Leaf)

	signIn(t, tg, false)
	result, err = handler(context.Background(), makeCallToolRequest("route_decision", map[string]interface{}{
		"path": "/auth",
	}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &out))
	assert.Equal(t, []string{"/auth", "/career/dashboard"}, out.Trail)
	require.NotNil(t, out.Page.Dashboard)
	assert.Equal(t, "u1", out.Page.Dashboard.UserID)
}

func TestMCPTool_CanAccess(t *testing.T) {
	deps, tg := newTestMCPDeps(t)
	handler := mcpCanAccess(deps)

	result, err := handler(context.Background(), makeCallToolRequest("can_access", map[string]interface{}{
		"feature": "roadmap",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "signed out users have no dashboard")

	signIn(t, tg, false)
	tests := []struct {
		key     string
		allowed bool
	}{
		{"resume", true},
		{"mentor", true},
		{"roadmap", false},
		{"mock_interview", false},
	}
	for _, tt := range tests {
		result, err := handler(context.Background(), makeCallToolRequest("can_access", map[string]interface{}{
			"feature": tt.key,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, toolText(t, result))
		var a struct {
			Key     string `json:"key"`
			Allowed bool   `json:"allowed"`
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &a))
		assert.Equal(t, tt.allowed, a.Allowed, tt.key)
		assert.Equal(t, !tt.allowed, a.Message != "", tt.key)
	}
}

func TestMCPTool_RefreshDashboard(t *testing.T) {
	deps, tg := newTestMCPDeps(t)
	signIn(t, tg, false)

	tg.backend.SetDashboard("u1", backend.DashboardState{ResumeReady: true})
	result, err := mcpRefreshDashboard(deps)(context.Background(), makeCallToolRequest("refresh_dashboard", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var view dashboardView
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &view))
	assert.True(t, view.ResumeReady)
	assert.True(t, tg.scope.CanAccess("roadmap"))
}

func TestMCPResource_Dashboard(t *testing.T) {
	deps, tg := newTestMCPDeps(t)
	signIn(t, tg, true)

	contents, err := mcpResourceDashboard(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "naviya://dashboard"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", tc.MIMEType)

	var view dashboardView
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &view))
	assert.Equal(t, "ready", view.Phase)
	assert.True(t, view.ResumeReady)
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, tg := newTestMCPDeps(t)
	signIn(t, tg, true)

	status := mcpSessionStatus(deps)
	access := mcpCanAccess(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, err := status(context.Background(), makeCallToolRequest("session_status", nil))
			if err != nil || r.IsError {
				errs <- "session_status failed"
			}
		}()
		go func() {
			defer wg.Done()
			r, err := access(context.Background(), makeCallToolRequest("can_access", map[string]interface{}{"feature": "roadmap"}))
			if err != nil || r.IsError {
				errs <- "can_access failed"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	require.NotNil(t, NewMCPServer(deps))
}

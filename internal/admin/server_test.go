package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"toolmux/internal/admin"
	"toolmux/internal/catalog"
	"toolmux/internal/chain"
	"toolmux/internal/client"
	"toolmux/internal/directory"
	"toolmux/internal/pool"
	"toolmux/internal/testutil"
)

func newTestServer(t *testing.T) *admin.Server {
	t.Helper()

	factoryFor := func(spec directory.Spec) pool.Factory {
		return func(ctx context.Context) (*client.Conn, error) {
			fb := testutil.NewFakeBackend(testutil.ToolDef{Name: "echo", Description: "Echo"})
			conn := client.New(spec.Name, fb, nil)
			if err := conn.Open(ctx); err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	dir := directory.NewWithFactory([]directory.Spec{{Name: "alpha", Command: "alpha-server"}}, factoryFor, nil)
	t.Cleanup(dir.Shutdown)
	dir.Bootstrap(context.Background())

	cat := catalog.New()
	tools, err := dir.ListTools(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.ImportFrom("alpha", tools); err != nil {
		t.Fatal(err)
	}

	defs := []chain.Definition{{
		Name:  "greet",
		Steps: []chain.Step{{Backend: "alpha", Tool: "echo"}},
	}}
	exec := chain.NewExecutor(defs, nil, nil, nil)
	history, err := chain.NewHistory(0, 0)
	if err != nil {
		t.Fatal(err)
	}

	return admin.NewServer(":0", dir, cat, exec, history, nil)
}

func getJSON(t *testing.T, s *admin.Server, path string) admin.APIResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s = %d", path, rec.Code)
	}
	var resp admin.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("GET %s bad body: %v", path, err)
	}
	if !resp.Success {
		t.Fatalf("GET %s failed: %s", path, resp.Error)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp := getJSON(t, s, "/healthz")
	data := resp.Data.(map[string]any)
	if data["status"] != "ok" {
		t.Errorf("status = %v", data["status"])
	}
}

func TestBackendsEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp := getJSON(t, s, "/api/backends")

	rows := resp.Data.([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	row := rows[0].(map[string]any)
	if row["name"] != "alpha" || row["status"] != "running" {
		t.Errorf("row = %v", row)
	}
}

func TestToolsEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp := getJSON(t, s, "/api/tools")

	rows := resp.Data.([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	row := rows[0].(map[string]any)
	if row["name"] != "alpha_echo" || row["owner"] != "alpha" {
		t.Errorf("row = %v", row)
	}
}

func TestChainsEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp := getJSON(t, s, "/api/chains")

	rows := resp.Data.([]any)
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	row := rows[0].(map[string]any)
	if row["name"] != "greet" || row["steps"] != float64(1) {
		t.Errorf("row = %v", row)
	}
}

func TestChainHistoryEmpty(t *testing.T) {
	s := newTestServer(t)
	resp := getJSON(t, s, "/api/chains/history")
	if rows, ok := resp.Data.([]any); ok && len(rows) != 0 {
		t.Errorf("rows = %v, want empty", rows)
	}
}

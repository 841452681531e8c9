package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"termcollab/backend/internal/httpapi/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, serverURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "collabConfig.yaml")
	content := fmt.Sprintf(`
log:
  level: error
auth:
  secret: cli-secret
share:
  server_url: %s
  store_path: %s
`, serverURL, filepath.Join(dir, "shares.json"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func newRemote(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /share/create", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"share_token":"cli-tok","share_url":"https://share.example/cli-tok"}`))
	})
	mux.HandleFunc("DELETE /share/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestShareCommands(t *testing.T) {
	remote := newRemote(t)
	cfgPath := writeConfig(t, remote.URL)

	out, err := run(t, "--config", cfgPath, "share", "create", "--session", "s1", "--owner", "u1", "-o", "json")
	require.NoError(t, err)
	var created []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.Len(t, created, 1)
	assert.Equal(t, "cli-tok", created[0]["share_token"])
	assert.Equal(t, "read-only", created[0]["access_type"])

	// 第二个进程从文件恢复
	out, err = run(t, "--config", cfgPath, "share", "list", "-o", "yaml")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "s1", listed[0]["session_id"])

	out, err = run(t, "--config", cfgPath, "share", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-tok")
	assert.True(t, strings.HasPrefix(out, "TOKEN"))

	out, err = run(t, "--config", cfgPath, "share", "revoke", "cli-tok")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked cli-tok: true")

	out, err = run(t, "--config", cfgPath, "share", "list", "--all", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestShareCreate_InvalidAccess(t *testing.T) {
	cfgPath := writeConfig(t, newRemote(t).URL)
	_, err := run(t, "--config", cfgPath, "share", "create", "--session", "s1", "--access", "admin")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1")
	out, err := run(t, "--config", cfgPath, "token", "--user", "u7", "--name", "gopher")
	require.NoError(t, err)

	claims, err := middleware.ParseToken([]byte("cli-secret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u7", claims.Subject)
	assert.Equal(t, "gopher", claims.Username)

	_, err = run(t, "--config", cfgPath, "token")
	assert.Error(t, err)
}

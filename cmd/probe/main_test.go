package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-probe/internal/cli"
	"github.com/worldland/worldland-probe/internal/domain"
)

func TestNewApp_FlagsOverrideConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "probe.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: warn\nserver:\n  token: from-file\n"), 0o600))
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o600))

	var out, logs bytes.Buffer
	app, err := newApp(Globals{Config: cfgPath, EnvFile: envFile, LogFormat: "json"}, &out, &logs)

	require.NoError(t, err)
	assert.Equal(t, "warn", app.cfg.Log.Level)
	assert.Equal(t, "json", app.cfg.Log.Format)
	assert.Equal(t, "from-file", app.Token, "server token is reused for --remote")

	app.log.Warn("hello")
	assert.True(t, json.Valid(bytes.TrimSpace(logs.Bytes())))
}

func TestNewApp_RemoteReusesServerTLSFiles(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "probe.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  tls:\n    cert_file: node.crt\n    key_file: node.key\n    ca_file: ca.crt\n"), 0o600))
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o600))

	app, err := newApp(Globals{Config: cfgPath, EnvFile: envFile}, io.Discard, io.Discard)

	require.NoError(t, err)
	assert.Equal(t, "node.crt", app.TLSCert)
	assert.Equal(t, "node.key", app.TLSKey)
	assert.Equal(t, "ca.crt", app.TLSCA)
}

func TestBackend_RemoteWithMissingClientCertificate(t *testing.T) {
	app := &App{Globals: Globals{Remote: "https://127.0.0.1:1", TLSCert: filepath.Join(t.TempDir(), "missing.crt")}}

	_, _, err := app.backend()

	assert.Error(t, err)
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, nil, 0o600))

	_, err := newApp(Globals{EnvFile: envFile, LogLevel: "shouty"}, io.Discard, io.Discard)

	assert.Error(t, err)
}

func TestSnippetSource(t *testing.T) {
	code, err := SnippetSource{Code: "print(1)"}.read(strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", code)

	code, err = SnippetSource{File: "-"}.read(strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", code)

	path := filepath.Join(t.TempDir(), "script.py")
	require.NoError(t, os.WriteFile(path, []byte("x = 1\n"), 0o600))
	code, err = SnippetSource{File: path}.read(nil)
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", code)

	_, err = SnippetSource{File: filepath.Join(t.TempDir(), "missing.py")}.read(nil)
	assert.Error(t, err)
}

func TestEmit(t *testing.T) {
	var out bytes.Buffer
	app := &App{out: &out}
	m := domain.CodeMetrics{Lines: 3}

	require.NoError(t, app.emit(m, func(w io.Writer) { cli.PrintCodeMetrics(w, m) }))
	assert.Contains(t, out.String(), "=== Analysis ===")

	out.Reset()
	app.JSON = true
	require.NoError(t, app.emit(m, func(w io.Writer) { t.Fatal("render called in JSON mode") }))
	assert.Contains(t, out.String(), `"lines": 3`)
}

func TestAnalyzeCmd_Remote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.CodeMetrics{Lines: 1, Functions: 1})
	}))
	defer server.Close()

	var out bytes.Buffer
	app := &App{Globals: Globals{Remote: server.URL, JSON: true}, out: &out}

	err := (&AnalyzeCmd{SnippetSource: SnippetSource{Code: "def f(): pass"}}).Run(app)

	require.NoError(t, err)
	var got domain.CodeMetrics
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 1, got.Functions)
}

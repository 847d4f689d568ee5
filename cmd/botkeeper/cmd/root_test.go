package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := NewRootCommand()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Botkeeper loads bot applications")

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Botkeeper v")
}

func TestImplsCommand(t *testing.T) {
	out, err := execute(t, "impls")
	require.NoError(t, err)
	assert.Contains(t, out, "apps.echo: Application")
	assert.Contains(t, out, "apps.greeter: Application")
}

func TestValidateCommand(t *testing.T) {
	good := writeConfig(t, `{
		"app_configs": [
			{"id": "e", "module": "echo", "token": "1:e"},
			{"id": "g", "module": "greeter", "token": "1:g", "arguments": {"repeat": 2}}
		]
	}`)
	out, err := execute(t, "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok   e (echo)")
	assert.Contains(t, out, "ok   g (greeter)")

	bad := writeConfig(t, `{
		"app_configs": [
			{"id": "g", "module": "greeter", "token": "1:g", "arguments": {"repeat": 50}},
			{"id": "x", "module": "missing", "token": "1:x"}
		]
	}`)
	out, err = execute(t, "validate", "-c", bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, out, "FAIL g")
	assert.Contains(t, out, "FAIL x")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"CRITICAL", LevelCritical},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
	_, err := ParseLevel("LOUD")
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServe_BootsAndShutsDownOverHTTP(t *testing.T) {
	path := writeConfig(t, `{
		"global_log_level": "ERROR",
		"local_log_level": "ERROR",
		"web_log_level": "ERROR",
		"shutdown_timeout": "5s",
		"app_configs": [
			{"id": "e", "module": "echo", "token": "1:e", "transport": "loopback", "auto_start": true},
			{"id": "g", "module": "greeter", "token": "1:g", "transport": "loopback"}
		]
	}`)
	port := freePort(t)
	logs := newLoggers(io.Discard)

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), path, &serveOptions{host: "127.0.0.1", port: port}, logs)
	}()

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, slog.LevelError, logs.webLevel.Level())

	resp, err := http.Get(base + "/shutdown")
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after /shutdown")
	}
}

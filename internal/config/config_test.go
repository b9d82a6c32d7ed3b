package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{"-jwt-key", "k"}, envMap(nil))
	require.NoError(t, err)
	want := Defaults()
	want.JWTKey = "k"
	require.Equal(t, want, cfg)
}

func TestLoad_MissingKey(t *testing.T) {
	_, err := Load(nil, envMap(nil))
	require.ErrorContains(t, err, "jwt")
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":7000"
metrics_addr: ":7001"
backend: postgres
dsn: postgres://file
jwt_key: from-file
shutdown_timeout: 1m
deny_users: [mallory]
max_text: 100
`), 0o600))

	env := envMap(map[string]string{
		"CHATSYNC_METRICS_ADDR": ":8001",
		"CHATSYNC_DSN":          "postgres://env",
		"CHATSYNC_INSECURE":     "true",
		"CHATSYNC_DENY_CHATS":   "spam, junk",
	})
	cfg, err := Load([]string{"-config", path, "-dsn", "postgres://flag", "-max-text", "50"}, env)
	require.NoError(t, err)

	require.Equal(t, ":7000", cfg.Addr)
	require.Equal(t, ":8001", cfg.MetricsAddr)
	require.Equal(t, BackendPostgres, cfg.Backend)
	require.Equal(t, "postgres://flag", cfg.DSN)
	require.Equal(t, "from-file", cfg.JWTKey)
	require.Equal(t, time.Minute, cfg.ShutdownTimeout)
	require.True(t, cfg.Insecure)
	require.Equal(t, []string{"mallory"}, cfg.DenyUsers)
	require.Equal(t, []string{"spam", "junk"}, cfg.DenyChats)
	require.Equal(t, 50, cfg.MaxText)
	// untouched by every layer
	require.Equal(t, 256, cfg.HubBuffer)
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt_key: k\nhub_buffer: 8\n"), 0o600))
	cfg, err := Load(nil, envMap(map[string]string{"CHATSYNC_CONFIG": path}))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.HubBuffer)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"bad flag", []string{"-nope"}, nil},
		{"missing file", []string{"-jwt-key", "k", "-config", "/does/not/exist.yaml"}, nil},
		{"bad bool env", []string{"-jwt-key", "k"}, map[string]string{"CHATSYNC_DEV": "maybe"}},
		{"bad int env", []string{"-jwt-key", "k"}, map[string]string{"CHATSYNC_MAX_TEXT": "x"}},
		{"bad duration env", []string{"-jwt-key", "k"}, map[string]string{"CHATSYNC_SHUTDOWN_TIMEOUT": "soon"}},
		{"unknown backend", []string{"-jwt-key", "k", "-backend", "sqlite"}, nil},
		{"tls without files", []string{"-jwt-key", "k", "-tls-cert", ""}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args, envMap(tt.env))
			require.Error(t, err)
		})
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("CHATSYNC_SERVER", "example:443")
	require.Equal(t, "example:443", EnvOr("SERVER", "localhost:8443"))
	require.Equal(t, "fallback", EnvOr("UNSET_FOR_TEST", "fallback"))
}

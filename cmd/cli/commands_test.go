package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "chatsync %s", strings.Join(args, " "))
	return out
}

func TestCLI_OfflineFlow(t *testing.T) {
	for _, backend := range []string{backendSQLite, backendPebble} {
		t.Run(backend, func(t *testing.T) {
			_ = withTmpConfig(t)
			mustRun(t, "token", "-u", "alice", "--jwt-key", "secret")

			base := []string{"--offline", "--backend", backend, "--chat", "team"}
			out := mustRun(t, append(base, "send", "hello", "world")...)
			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 2)
			id := lines[0]
			require.Equal(t, "1 item(s) queued for delivery", lines[1])

			mustRun(t, append(base, "reply", id[:8], "nested")...)
			mustRun(t, append(base, "react", id[:8], "🎉")...)

			show := mustRun(t, append(base, "show")...)
			require.Contains(t, show, "alice: hello world 🎉1")
			require.Contains(t, show, "  [")
			require.Contains(t, show, "alice: nested")

			var rows []outboxRow
			require.NoError(t, json.Unmarshal([]byte(mustRun(t, append(base, "--json", "outbox", "ls")...)), &rows))
			require.Len(t, rows, 3)
			require.Equal(t, "create", rows[0].Op)
			require.Equal(t, "team", rows[0].ChatID)

			out = mustRun(t, append(base, "outbox", "purge", rows[2].ID)...)
			require.Equal(t, "2 item(s) left\n", out)
			out = mustRun(t, append(base, "outbox", "purge", "--all")...)
			require.Equal(t, "0 item(s) left\n", out)

			// the local replica survives purging undelivered work
			show = mustRun(t, append(base, "show")...)
			require.Contains(t, show, "hello world")
		})
	}
}

func TestCLI_Errors(t *testing.T) {
	_ = withTmpConfig(t)

	_, err := run(t, "--offline", "send", "hi")
	require.ErrorContains(t, err, "token")

	_, err = run(t, "--backend", "bolt", "outbox", "ls")
	require.ErrorContains(t, err, "backend")

	_, err = run(t, "token", "-u", "alice")
	require.ErrorContains(t, err, "jwt-key")

	_, err = run(t, "outbox", "purge")
	require.Error(t, err)

	mustRun(t, "token", "-u", "alice", "--jwt-key", "k")
	_, err = run(t, "--offline", "sync")
	require.Error(t, err)
	_, err = run(t, "--offline", "react", "--add", "--remove", "m", "x")
	require.Error(t, err)
}

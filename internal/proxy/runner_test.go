package proxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEnv = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestExecRunnerPassesPayloadVerbatim(t *testing.T) {
	script := writeScript(t, `echo "args=$#" >&2; cat`)
	payload := "first line\n  indented\ttab\n/alpha not-a-command é"

	r := NewExecRunner(time.Second, 0)
	res, err := r.Run(context.Background(), Invocation{Path: script, Dir: t.TempDir(), Env: testEnv, Stdin: []byte(payload)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, payload, string(res.Stdout))
	assert.Equal(t, "args=0\n", res.Stderr)
}

func TestExecRunnerUsesDirAndEnvOnly(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	t.Setenv("SWITCHYARD_TEST_LEAK", "leaked")

	script := writeScript(t, `pwd; echo "foo=$FOO"; echo "leak=$SWITCHYARD_TEST_LEAK"`)
	r := NewExecRunner(time.Second, 0)
	res, err := r.Run(context.Background(), Invocation{
		Path: script,
		Dir:  dir,
		Env:  []string{"PATH=/usr/bin:/bin", "FOO=bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, dir+"\nfoo=bar\nleak=\n", string(res.Stdout))
}

func TestExecRunnerReportsExitCode(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2; exit 3`)
	r := NewExecRunner(time.Second, 0)
	res, err := r.Run(context.Background(), Invocation{Path: script, Dir: t.TempDir(), Env: testEnv})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)
}

func TestExecRunnerStartFailure(t *testing.T) {
	r := NewExecRunner(time.Second, 0)
	_, err := r.Run(context.Background(), Invocation{Path: filepath.Join(t.TempDir(), "missing"), Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start process")
}

func TestExecRunnerTerminatesOnCancel(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{name: "exits on SIGTERM", script: `sleep 30`},
		{name: "ignores SIGTERM", script: `trap '' TERM; while :; do sleep 0.05; done`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := writeScript(t, tt.script)
			r := NewExecRunner(200*time.Millisecond, 0)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := r.Run(ctx, Invocation{Path: script, Dir: t.TempDir(), Env: testEnv})
			require.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestExecRunnerAlreadyCancelled(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	script := writeScript(t, `touch "`+marker+`"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecRunner(time.Second, 0).Run(ctx, Invocation{Path: script, Dir: t.TempDir(), Env: testEnv})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, marker)
}

func TestCapBuffer(t *testing.T) {
	head := &capBuffer{max: 5}
	n, err := head.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, _ = head.Write([]byte("defgh"))
	assert.Equal(t, 5, n)
	_, _ = head.Write([]byte("ij"))
	assert.Equal(t, "abcde", head.String())
	assert.True(t, head.truncated)

	tail := &capBuffer{max: 5, tail: true}
	_, _ = tail.Write([]byte("abc"))
	_, _ = tail.Write([]byte("defgh"))
	assert.Equal(t, "defgh", tail.String())
	_, _ = tail.Write([]byte(strings.Repeat("z", 12)))
	assert.Equal(t, "zzzzz", tail.String())
	assert.True(t, tail.truncated)
}

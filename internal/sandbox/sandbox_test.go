package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Main()
	os.Exit(m.Run())
}

func TestReadOnlyForDropsPathsExposingGuardedRoots(t *testing.T) {
	guarded := []string{"/srv/apps", "/srv/secrets/keys"}
	kept, dropped := ReadOnlyFor(
		[]string{"/usr", "/srv", "/srv/apps/beta/", "/srv/secrets/keys", "/srv/secrets/other", "/"},
		guarded,
	)

	assert.Equal(t, []string{"/usr", "/srv/secrets/other"}, kept)
	assert.Equal(t, []string{"/srv", "/srv/apps/beta", "/srv/secrets/keys", "/"}, dropped)
}

func TestDeniedAccess(t *testing.T) {
	stderr := "working\nsh: 1: cannot create /srv/apps/beta/x: Permission denied\n" +
		"cat: /srv/apps/beta/secret: Permission denied\nrm: Operation not permitted \ndone"

	assert.Equal(t, []string{
		"sh: 1: cannot create /srv/apps/beta/x: Permission denied",
		"cat: /srv/apps/beta/secret: Permission denied",
		"rm: Operation not permitted",
	}, DeniedAccess(stderr))
	assert.Empty(t, DeniedAccess("no such file or directory\n"))
}

func TestLauncherCommandReplacesPolicy(t *testing.T) {
	l := &Launcher{self: "/usr/local/bin/switchyard"}
	p := Policy{Entry: "/apps/alpha/run", ReadWrite: []string{"/apps/alpha"}, ReadOnly: []string{"/usr"}}

	path, env, err := l.Command(p, []string{"PATH=/usr/bin", EnvPolicy + "=stale", "ALPHA_ROOT=/apps/alpha"})
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/switchyard", path)
	require.Len(t, env, 3)
	assert.Equal(t, []string{"PATH=/usr/bin", "ALPHA_ROOT=/apps/alpha"}, env[:2])
	assert.Equal(t,
		EnvPolicy+`={"entry":"/apps/alpha/run","read_write":["/apps/alpha"],"read_only":["/usr"]}`,
		env[2])
}

func TestRunRejectsBadPolicy(t *testing.T) {
	assert.ErrorContains(t, run("{"), "decode policy")
	assert.ErrorContains(t, run(`{"read_write":["/tmp"]}`), "no entry point")
}

func TestNewLauncherWithoutLandlock(t *testing.T) {
	if Available() {
		t.Skip("landlock is available")
	}
	_, err := NewLauncher()
	assert.True(t, errors.Is(err, ErrUnavailable), err)
}

func TestConfinedChildCannotLeaveItsRoot(t *testing.T) {
	if !Available() {
		t.Skip("landlock is not available")
	}
	l, err := NewLauncher()
	require.NoError(t, err)

	base := t.TempDir()
	own := filepath.Join(base, "alpha")
	sibling := filepath.Join(base, "beta")
	require.NoError(t, os.MkdirAll(own, 0o755))
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "secret.txt"), []byte("s3cret"), 0o644))

	entry := filepath.Join(own, "run")
	script := "#!/bin/sh\n" +
		"echo mine > \"" + own + "/mine.txt\"\n" +
		"cat \"" + sibling + "/secret.txt\"\n" +
		"echo theirs > \"" + sibling + "/theirs.txt\"\n" +
		"exit 0\n"
	require.NoError(t, os.WriteFile(entry, []byte(script), 0o755))

	kept, _ := ReadOnlyFor(DefaultReadOnly, []string{base})
	path, env, err := l.Command(Policy{
		Entry:     entry,
		ReadWrite: append([]string{own}, DefaultDevices...),
		ReadOnly:  kept,
	}, os.Environ())
	require.NoError(t, err)

	cmd := exec.Command(path)
	cmd.Args = []string{entry}
	cmd.Env = env
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	require.NoError(t, err, stderr.String())

	assert.NotContains(t, string(out), "s3cret")
	assert.Len(t, DeniedAccess(stderr.String()), 2, stderr.String())
	assert.FileExists(t, filepath.Join(own, "mine.txt"))
	assert.NoFileExists(t, filepath.Join(sibling, "theirs.txt"))
}

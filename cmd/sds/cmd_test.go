package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/sds/internal/api"
	"github.com/fruitsalade/sds/internal/auth"
	"github.com/fruitsalade/sds/internal/lease"
	"github.com/fruitsalade/sds/internal/repository"
	"github.com/fruitsalade/sds/pkg/hashtree"
)

const testAccess = `
artifacts:
  - name: app
  - name: docs
    public: true
users:
  - name: ci
    key: cikey
    artifacts: ["*"]
    write: true
`

func startServer(t *testing.T) string {
	t.Helper()
	authz, err := auth.Parse([]byte(testAccess), nil)
	require.NoError(t, err)
	repo, err := repository.New(afero.NewBasePathFs(afero.NewOsFs(), t.TempDir()), lease.NewManager(time.Minute), repository.Config{
		Root:      "/repo",
		Artifacts: authz.Artifacts(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(api.NewServer(repo, authz, 0).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

// run executes the CLI with args and returns its stdout.
func run(t *testing.T, server, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append(args, "--server", server, "--identity", "ci", "--key", "cikey"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func TestRemote(t *testing.T) {
	server := startServer(t)
	out, err := run(t, server, "", "remote")
	require.NoError(t, err)
	assert.Contains(t, out, "  app\n")
	assert.Contains(t, out, "  docs (public)\n")
}

func TestPushVerifyPull(t *testing.T) {
	server := startServer(t)
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{"x.txt": "A", "y/z.txt": "B"})

	out, err := run(t, server, "", "push", "app", src)
	require.NoError(t, err)
	assert.Contains(t, out, " + x.txt\n")
	assert.Contains(t, out, " + y/z.txt\n")
	assert.Contains(t, out, "Uploaded 2 files")

	out, err = run(t, server, "", "push", "app", src)
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")

	out, err = run(t, server, "", "verify", "app", dst)
	require.NoError(t, err)
	assert.Contains(t, out, " + x.txt\n")
	assert.Contains(t, out, "Changes skipped....         2")
	_, err = os.Stat(filepath.Join(dst, "x.txt"))
	assert.True(t, os.IsNotExist(err))

	out, err = run(t, server, "", "pull", "app", dst)
	require.NoError(t, err)
	assert.Contains(t, out, "Files added........         2")
	data, err := os.ReadFile(filepath.Join(dst, "y", "z.txt"))
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))
}

func TestMonkeyAsksPerChange(t *testing.T) {
	server := startServer(t)
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b.txt": "b"})
	_, err := run(t, server, "", "push", "app", src)
	require.NoError(t, err)

	out, err := run(t, server, "y\nn\n", "monkey", "app", dst)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "Should I perform this change (y/N)?"))

	_, err = os.Stat(filepath.Join(dst, "a.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, "b.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestAskHandlerFilter(t *testing.T) {
	var out bytes.Buffer
	ask := askHandler(strings.NewReader("y\n"), &out, "CONF")

	assert.False(t, ask(hashtree.Change{Path: "bin/app", Mode: hashtree.New}))
	assert.Empty(t, out.String())
	assert.True(t, ask(hashtree.Change{Path: "etc/app.conf", Mode: hashtree.Changed}))
	assert.Contains(t, out.String(), " * etc/app.conf")

	// no more answers
	assert.False(t, ask(hashtree.Change{Path: "conf.d/x", Mode: hashtree.New}))
	assert.Contains(t, out.String(), "Skipped...")
}

func TestPushRejectsPlainFile(t *testing.T) {
	server := startServer(t)
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"notes.txt": "x"})
	_, err := run(t, server, "", "push", "app", filepath.Join(dir, "notes.txt"))
	assert.ErrorContains(t, err, "neither a directory nor a zip archive")
}

func TestServerRequired(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"remote", "--server", ""})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	assert.ErrorContains(t, err, "no server given")
}

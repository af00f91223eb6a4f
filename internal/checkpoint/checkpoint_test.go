package checkpoint

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/supervisor"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// fakeTool writes a tiny shell script that stands in for the real
// dump/restore binary: it records its argv and, for a "restore"
// invocation, writes the --pidfile with a canned PID.
func fakeTool(t *testing.T, pidToReport int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-tool.sh")
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %q
prev=""
for arg in "$@"; do
  if [ "$prev" = "--pidfile" ]; then
    echo %d > "$arg"
  fi
  prev="$arg"
done
exit 0
`, filepath.Join(dir, "argv.log"), pidToReport)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestCreateCheckpointWritesOutputHistoryAndImage(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("fd/tty inspection requires /proc")
	}
	root := t.TempDir()
	tool := fakeTool(t, 4242)
	a := New(root, Options{ToolPath: tool}, discardLog())

	// Use a real, disposable child process rather than the test binary
	// itself: CreateCheckpoint SIGSTOPs its target pid.
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	id := registry.NewInstanceID()
	snapshot := []supervisor.Line{{Stream: "STDOUT", Text: "hello"}}

	imageDir, err := a.CreateCheckpoint(cmd.Process.Pid, "snap1", id, snapshot)
	require.NoError(t, err)
	assert.DirExists(t, imageDir)

	data, err := os.ReadFile(filepath.Join(imageDir, outputHistoryFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestRestoreCheckpointRecoversPIDFromPidfile(t *testing.T) {
	root := t.TempDir()
	tool := fakeTool(t, 9999)
	a := New(root, Options{ToolPath: tool, PidfilePollTime: 2 * time.Second}, discardLog())

	id := registry.NewInstanceID()
	imageDir := a.ImageDir(id, "snap1")
	require.NoError(t, os.MkdirAll(imageDir, 0o755))
	require.NoError(t, writeOutputHistory(imageDir, []supervisor.Line{{Stream: "STDOUT", Text: "restored"}}))

	pid, snapshot, err := a.RestoreCheckpoint("snap1", &id)
	require.NoError(t, err)
	assert.Equal(t, 9999, pid)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "restored", snapshot[0].Text)
}

func TestRestoreCheckpointUnknownNameFails(t *testing.T) {
	root := t.TempDir()
	a := New(root, Options{ToolPath: "/bin/true"}, discardLog())
	_, _, err := a.RestoreCheckpoint("nope", nil)
	assert.Error(t, err)
}

func TestMigrationMetadataRoundTrip(t *testing.T) {
	root := t.TempDir()
	a := New(root, Options{}, discardLog())
	dir := t.TempDir()

	meta := MigrationMetadata{
		InstanceID:  registry.NewInstanceID(),
		SourceNode:  "node-a",
		RequestedAt: time.Now().Truncate(time.Second),
	}
	require.NoError(t, a.WriteMigrationMetadata(dir, meta))

	got, ok := ReadMigrationMetadata(dir)
	require.True(t, ok)
	assert.Equal(t, meta.SourceNode, got.SourceNode)
	assert.Equal(t, meta.InstanceID, got.InstanceID)
}

func TestReadMigrationMetadataMissingIsFalse(t *testing.T) {
	_, ok := ReadMigrationMetadata(t.TempDir())
	assert.False(t, ok)
}

func TestInspectTTYsOnSelfIsNotComplexUnderTest(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	args, isComplex, err := inspectTTYs(os.Getpid())
	require.NoError(t, err)
	assert.False(t, isComplex)
	_ = args // test binaries typically run with stdio redirected to pipes, not a tty
}

func TestBackupAndRestoreInterestingFDs(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	srcDir := t.TempDir()
	logPath := filepath.Join(srcDir, "app.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line one\n"), 0o644))

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	imageDir := t.TempDir()
	require.NoError(t, backupInterestingFDs(os.Getpid(), imageDir))

	entries, err := os.ReadDir(imageDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	require.NoError(t, os.Remove(logPath))
	require.NoError(t, restoreInterestingFDs(imageDir))
	restored, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(restored))
}

func TestIsInterestingPath(t *testing.T) {
	assert.True(t, isInterestingPath("/tmp/foo"))
	assert.True(t, isInterestingPath("/var/log/app.log"))
	assert.False(t, isInterestingPath("/dev/null"))
	assert.False(t, isInterestingPath("/etc/passwd"))
}

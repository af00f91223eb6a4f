// Package checkpoint drives the external checkpoint/restore tool
// (treated as a subprocess with the documented CLI contract of spec
// §6) and manages the on-disk image layout of spec §6's instance
// directory tree. The pattern — build an argument slice incrementally,
// exec.Command(path, args...).CombinedOutput(), logrus.Debugf around
// it — is lifted directly from the teacher's
// vendor/.../libcontainer/namespaces/{checkpoint,restore}.go.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dproc/dproc/internal/dprocerr"
	"github.com/dproc/dproc/internal/registry"
	"github.com/dproc/dproc/internal/supervisor"
)

// Options configures how the external tool is invoked. Both the
// binary name/path and privileged invocation are deployment policy
// (Open Question (b)), not hardcoded product behavior.
type Options struct {
	ToolPath        string // default "criu-tool" resolved via $PATH, like the teacher's WhichPath; "dump"/"restore" are its first argument
	Sudo            bool
	PidfilePollTime time.Duration // default ~5s, spec §6
}

func (o Options) withDefaults() Options {
	if o.ToolPath == "" {
		o.ToolPath = "criu-tool"
	}
	if o.PidfilePollTime == 0 {
		o.PidfilePollTime = 5 * time.Second
	}
	return o
}

// Adapter drives the external tool and manages image directories
// under instancesRoot.
type Adapter struct {
	instancesRoot string
	opts          Options
	log           *logrus.Entry
}

// New constructs an Adapter rooted at instancesRoot (spec §6's
// `instances/` tree).
func New(instancesRoot string, opts Options, log *logrus.Entry) *Adapter {
	return &Adapter{instancesRoot: instancesRoot, opts: opts.withDefaults(), log: log}
}

// ImageDir returns the canonical checkpoint image directory for name
// under instance id.
func (a *Adapter) ImageDir(id registry.InstanceID, name string) string {
	return filepath.Join(a.instancesRoot, "instance_"+id.Short(), "checkpoints", name)
}

// outputHistoryFile / metadata sidecar names, spec §6.
const (
	outputHistoryFile     = "output_history.json"
	migrationMetadataFile = "migration_metadata.json"
)

// OutputSnapshot is the serialized form of a supervisor.History at
// checkpoint time.
type OutputSnapshot = []supervisor.Line

// CreateCheckpoint implements spec §4.2's create_checkpoint steps 1-7.
// On any failure after the process is stopped, the process is resumed
// before returning.
func (a *Adapter) CreateCheckpoint(pid int, name string, id registry.InstanceID, snapshot OutputSnapshot) (string, error) {
	imageDir := a.ImageDir(id, name)
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return "", dprocerr.Wrap(dprocerr.CheckpointFailed, err, "mkdir %s", imageDir)
	}

	if err := supervisor.PauseForCheckpoint(pid); err != nil {
		return "", dprocerr.Wrap(dprocerr.CheckpointFailed, err, "pause pid %d", pid)
	}
	resumed := false
	resume := func() {
		if !resumed {
			_ = supervisor.ResumeAfterCheckpoint(pid)
			resumed = true
		}
	}
	defer resume()

	ttyArgs, isComplex, err := inspectTTYs(pid)
	if err != nil {
		a.log.WithError(err).Warnf("tty inspection failed for pid %d, continuing without --external args", pid)
	}
	if isComplex {
		a.log.Warnf("pid %d has a complex tty environment (>3 tty fds, or index >2); checkpoint may be unreliable", pid)
	}

	if err := writeOutputHistory(imageDir, snapshot); err != nil {
		resume()
		return "", dprocerr.Wrap(dprocerr.CheckpointFailed, err, "write output history")
	}

	if err := backupInterestingFDs(pid, imageDir); err != nil {
		a.log.WithError(err).Warnf("backing up interesting fds for pid %d failed, continuing", pid)
	}

	args := []string{"dump", "-t", fmt.Sprint(pid), "-D", imageDir, "--leave-running", "--shell-job"}
	args = append(args, ttyArgs...)

	a.log.Debugf("running checkpoint tool: %s %v", a.opts.ToolPath, args)
	output, err := a.runTool(args)
	if err != nil {
		resume()
		return "", dprocerr.Wrap(dprocerr.CheckpointFailed, err, "checkpoint tool failed: %s", string(output))
	}

	resume()
	return imageDir, nil
}

// RestoreCheckpoint implements spec §4.2's restore_checkpoint steps 1-5.
func (a *Adapter) RestoreCheckpoint(name string, id *registry.InstanceID) (int, OutputSnapshot, error) {
	imageDir, err := a.locateImageDir(name, id)
	if err != nil {
		return 0, nil, err
	}

	if err := a.preemptConflictingPID(imageDir); err != nil {
		return 0, nil, err
	}

	pidFile := filepath.Join(imageDir, "restored.pid")
	os.Remove(pidFile) // stale pidfile from a previous restore

	if err := restoreInterestingFDs(imageDir); err != nil {
		a.log.WithError(err).Warn("restoring sidecar fd files failed, continuing")
	}

	logFile := filepath.Join(imageDir, "restore.log")
	args := []string{"restore", "-D", imageDir, "--restore-detached", "--shell-job",
		"--pidfile", pidFile, "--log-file", logFile}

	a.log.Debugf("running restore tool: %s %v", a.opts.ToolPath, args)
	output, err := a.runTool(args)
	if err != nil {
		return 0, nil, dprocerr.Wrap(dprocerr.RestoreFailed, err, "restore tool failed: %s", string(output))
	}

	pid, err := a.pollForPID(pidFile, logFile)
	if err != nil {
		return 0, nil, err
	}

	if err := supervisor.ResumeAfterCheckpoint(pid); err != nil {
		a.log.WithError(err).Warnf("resume after restore failed for pid %d", pid)
	}

	snapshot, _ := readOutputHistory(imageDir)
	return pid, snapshot, nil
}

func (a *Adapter) runTool(args []string) ([]byte, error) {
	toolPath, err := exec.LookPath(a.opts.ToolPath)
	if err != nil {
		toolPath = a.opts.ToolPath // allow an absolute/test-stub path that isn't on $PATH
	}
	var cmd *exec.Cmd
	if a.opts.Sudo {
		cmd = exec.Command("sudo", append([]string{toolPath}, args...)...)
	} else {
		cmd = exec.Command(toolPath, args...)
	}
	return cmd.CombinedOutput()
}

func (a *Adapter) locateImageDir(name string, id *registry.InstanceID) (string, error) {
	if id != nil {
		dir := a.ImageDir(*id, name)
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	entries, err := os.ReadDir(a.instancesRoot)
	if err != nil {
		return "", dprocerr.Wrap(dprocerr.CheckpointNotFound, err, "scan %s", a.instancesRoot)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(a.instancesRoot, e.Name(), "checkpoints", name)
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}
	return "", dprocerr.New(dprocerr.CheckpointNotFound, "no checkpoint named %q found", name)
}

// preemptConflictingPID recovers the original PID from the image's
// core-<PID>.img filename and, if that PID is in use on this host,
// terminates it (polite signal, grace, force-kill; persistent
// survival fails with RestoreConflict).
func (a *Adapter) preemptConflictingPID(imageDir string) error {
	origPID, ok, err := findOriginalPID(imageDir)
	if err != nil || !ok {
		return nil // nothing to preempt, or we couldn't recover it; proceed optimistically
	}

	proc, err := os.FindProcess(origPID)
	if err != nil {
		return nil
	}
	if proc.Signal(syscall.Signal(0)) != nil {
		return nil // not running
	}

	_ = proc.Signal(syscall.SIGTERM)
	for i := 0; i < 20; i++ {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	_ = proc.Kill()
	for i := 0; i < 20; i++ {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	return dprocerr.New(dprocerr.RestoreConflict, "pid %d from checkpoint image is still alive after force-kill", origPID)
}

func findOriginalPID(imageDir string) (int, bool, error) {
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "core-") && strings.HasSuffix(name, ".img") {
			var pid int
			if _, err := fmt.Sscanf(name, "core-%d.img", &pid); err == nil {
				return pid, true, nil
			}
		}
	}
	return 0, false, nil
}

func (a *Adapter) pollForPID(pidFile, logFile string) (int, error) {
	deadline := time.Now().Add(a.opts.PidfilePollTime)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(pidFile); err == nil {
			var pid int
			if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err == nil {
				return pid, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	if data, err := os.ReadFile(logFile); err == nil {
		if pid, ok := parsePIDFromLog(string(data)); ok {
			return pid, nil
		}
		if strings.Contains(string(data), "Restore finished successfully") {
			return 0, dprocerr.New(dprocerr.RestoreFailed, "restore log reports success but no pid could be recovered")
		}
	}
	return 0, dprocerr.New(dprocerr.RestoreFailed, "pidfile %s never appeared and restore log did not report a pid", pidFile)
}

func parsePIDFromLog(log string) (int, bool) {
	for _, line := range strings.Split(log, "\n") {
		if strings.Contains(line, "pid") {
			var pid int
			if _, err := fmt.Sscanf(line, "%*[^0-9]%d", &pid); err == nil && pid > 0 {
				return pid, true
			}
		}
	}
	return 0, false
}

func writeOutputHistory(imageDir string, snapshot OutputSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(imageDir, outputHistoryFile), data, 0o644)
}

func readOutputHistory(imageDir string) (OutputSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(imageDir, outputHistoryFile))
	if err != nil {
		return nil, err
	}
	var snapshot OutputSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// WriteMigrationMetadata marks an image as a migration checkpoint,
// the sole trigger for a shadow's auto-restore (Open Question (c)).
func (a *Adapter) WriteMigrationMetadata(imageDir string, meta MigrationMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(imageDir, migrationMetadataFile), data, 0o644)
}

// ReadMigrationMetadata returns (meta, true) iff imageDir carries a
// migration marker.
func ReadMigrationMetadata(imageDir string) (MigrationMetadata, bool) {
	data, err := os.ReadFile(filepath.Join(imageDir, migrationMetadataFile))
	if err != nil {
		return MigrationMetadata{}, false
	}
	var meta MigrationMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return MigrationMetadata{}, false
	}
	return meta, true
}

// MigrationMetadata is the sidecar file that signals a streamed
// checkpoint should trigger an auto-restore rather than just storage.
type MigrationMetadata struct {
	InstanceID  registry.InstanceID
	SourceNode  string
	RequestedAt time.Time
}

package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dproc/dproc/internal/dprocerr"
	"github.com/dproc/dproc/internal/registry"
)

// StopGrace is how long Stop waits after sending a terminate signal
// before force-killing, per spec §4.1.
const StopGrace = 500 * time.Millisecond

// OutputSink receives every captured output line, in capture order,
// for the Shadow Replicator to push onward (spec §4.7).
type OutputSink interface {
	OnOutput(id registry.InstanceID, stream, text string)
}

// ExitHook is invoked when a locally spawned process exits on its own
// (as opposed to via a successful Stop call), so the Instance Registry
// can flip status to Stopped/Failed per spec §4.1. exitErr is cmd.Wait's
// error: nil for a clean exit 0, non-nil for a nonzero exit or signal
// death. Registered post-construction via OnExit, the same pattern as
// the Shadow Replicator's OnRestoreTrigger.
type ExitHook func(id registry.InstanceID, exitErr error)

type process struct {
	mu           sync.Mutex
	id           registry.InstanceID
	mode         registry.StartMode
	cmd          *exec.Cmd // nil for adopted/external processes
	pid          int
	stdin        io.WriteCloser // nil if unavailable
	stdinPath    string         // best-effort fd/0 path for adopted children
	history      *History
	paused       bool
	logPath      string // detached-mode stdio capture file, for tailing
	explicitStop bool   // true once Stop() has signaled this process
}

// Supervisor is the local process table: every live InstanceID has
// exactly one PID record.
type Supervisor struct {
	sink     OutputSink
	exitHook ExitHook
	log      *logrus.Entry

	mu    sync.RWMutex
	procs map[registry.InstanceID]*process
}

// New constructs a Supervisor that reports output to sink.
func New(sink OutputSink, log *logrus.Entry) *Supervisor {
	return &Supervisor{sink: sink, log: log, procs: make(map[registry.InstanceID]*process)}
}

// OnExit registers the hook invoked on unsolicited process exit. Left
// unset in tests that don't exercise status transitions.
func (s *Supervisor) OnExit(fn ExitHook) { s.exitHook = fn }

// Spawn starts program with argv in cwd under the given mode.
func (s *Supervisor) Spawn(id registry.InstanceID, instanceDir, program string, argv []string, cwd string, mode registry.StartMode) (int, error) {
	switch mode {
	case registry.Detached:
		return s.spawnDetached(id, instanceDir, program, argv, cwd)
	default:
		return s.spawnNormal(id, program, argv, cwd)
	}
}

func (s *Supervisor) spawnNormal(id registry.InstanceID, program string, argv []string, cwd string) (int, error) {
	cmd := exec.Command(program, argv...)
	cmd.Dir = cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, dprocerr.Wrap(dprocerr.SpawnFailed, err, "stdin pipe for %s", program)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, dprocerr.Wrap(dprocerr.SpawnFailed, err, "stdout pipe for %s", program)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, dprocerr.Wrap(dprocerr.SpawnFailed, err, "stderr pipe for %s", program)
	}

	if err := cmd.Start(); err != nil {
		return 0, dprocerr.Wrap(dprocerr.SpawnFailed, err, "exec %s", program)
	}

	p := &process{id: id, mode: registry.Normal, cmd: cmd, pid: cmd.Process.Pid, stdin: stdin, history: NewHistory(DefaultHistoryLines)}
	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	go s.pump(p, "STDOUT", stdout)
	go s.pump(p, "STDERR", stderr)
	go func() {
		waitErr := cmd.Wait()
		s.log.Infof("instance %s (pid %d) exited", id.Short(), p.pid)
		s.notifyExit(p, waitErr)
	}()

	return p.pid, nil
}

func (s *Supervisor) pump(p *process, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		p.history.Append(stream, text)
		if s.sink != nil {
			s.sink.OnOutput(p.id, stream, text)
		}
	}
}

// Stop sends a terminate signal; if still alive after StopGrace, it
// force-kills. Daemonized children are signaled by PID lookup.
func (s *Supervisor) Stop(id registry.InstanceID) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}

	proc, err := os.FindProcess(p.pid)
	if err != nil {
		return dprocerr.Wrap(dprocerr.InstanceNotRunning, err, "find pid %d", p.pid)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return dprocerr.Wrap(dprocerr.InstanceNotRunning, err, "instance %s not running", id.Short())
	}

	p.mu.Lock()
	p.explicitStop = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		// Signal(0) polling avoids requiring cmd.Wait() for adopted processes.
		for {
			if proc.Signal(syscall.Signal(0)) != nil {
				close(done)
				return
			}
			time.Sleep(25 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(StopGrace):
		_ = proc.Kill()
	}

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	return nil
}

// Pause sends a stop signal (SIGSTOP) by PID.
func (s *Supervisor) Pause(id registry.InstanceID) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return dprocerr.New(dprocerr.InstanceNotRunning, "instance %s already paused", id.Short())
	}
	if err := signalPID(p.pid, syscall.SIGSTOP); err != nil {
		return dprocerr.Wrap(dprocerr.InstanceNotRunning, err, "pause %s", id.Short())
	}
	p.paused = true
	return nil
}

// Resume sends a continue signal (SIGCONT) by PID.
func (s *Supervisor) Resume(id registry.InstanceID) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return dprocerr.New(dprocerr.InstanceNotPaused, "instance %s is not paused", id.Short())
	}
	if err := signalPID(p.pid, syscall.SIGCONT); err != nil {
		return dprocerr.Wrap(dprocerr.InstanceNotPaused, err, "resume %s", id.Short())
	}
	p.paused = false
	return nil
}

// PauseForCheckpoint and ResumeAfterCheckpoint expose raw stop/cont by
// PID without the instance-table lookups above, for the Checkpoint
// Adapter to drive directly (spec §4.2 steps 2 and 7).
func PauseForCheckpoint(pid int) error  { return signalPID(pid, syscall.SIGSTOP) }
func ResumeAfterCheckpoint(pid int) error { return signalPID(pid, syscall.SIGCONT) }

// notifyExit invokes the exit hook unless the process table entry was
// already marked as explicitly stopped, since stop() itself drives that
// status transition.
func (s *Supervisor) notifyExit(p *process, waitErr error) {
	p.mu.Lock()
	explicit := p.explicitStop
	p.mu.Unlock()
	if explicit || s.exitHook == nil {
		return
	}
	s.exitHook(p.id, waitErr)
}

func signalPID(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// SendInput writes line+"\n" to the child's stdin. For adopted
// children without a captured handle, it attempts a best-effort write
// via the child's fd-0 path; otherwise it fails with NoStdin.
func (s *Supervisor) SendInput(id registry.InstanceID, line string) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdin != nil {
		_, err := io.WriteString(p.stdin, line+"\n")
		return err
	}
	if p.stdinPath != "" {
		f, err := os.OpenFile(p.stdinPath, os.O_WRONLY, 0)
		if err != nil {
			return dprocerr.Wrap(dprocerr.NoStdin, err, "open stdin path for %s", id.Short())
		}
		defer f.Close()
		_, err = io.WriteString(f, line+"\n")
		return err
	}
	return dprocerr.New(dprocerr.NoStdin, "instance %s has no writable stdin", id.Short())
}

// RegisterExternal adopts an already-running process (from restore or
// migration) into the supervision table and begins tailing its
// instance log file for output.
func (s *Supervisor) RegisterExternal(id registry.InstanceID, pid int, logPath string) {
	p := &process{id: id, mode: registry.Detached, pid: pid, history: NewHistory(DefaultHistoryLines), logPath: logPath}
	p.stdinPath = filepath.Join("/proc", fmt.Sprint(pid), "fd", "0")

	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	if logPath != "" {
		go s.tailFile(p, logPath)
	}
}

// History returns the rolling output history for an instance.
func (s *Supervisor) History(id registry.InstanceID) (*History, error) {
	p, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return p.history, nil
}

// PID returns the locally tracked PID for a live instance.
func (s *Supervisor) PID(id registry.InstanceID) (int, error) {
	p, err := s.get(id)
	if err != nil {
		return 0, err
	}
	return p.pid, nil
}

// Forget drops an instance's process-table entry without signaling it
// (used when the instance is known to have already exited/migrated
// away).
func (s *Supervisor) Forget(id registry.InstanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, id)
}

func (s *Supervisor) get(id registry.InstanceID) (*process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, dprocerr.New(dprocerr.InstanceNotRunning, "instance %s has no local process", id.Short())
	}
	return p, nil
}

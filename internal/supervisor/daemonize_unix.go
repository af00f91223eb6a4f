//go:build linux || freebsd

package supervisor

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dproc/dproc/internal/dprocerr"
	"github.com/dproc/dproc/internal/registry"
)

// spawnDetached fully daemonizes the child: new session (setsid), stdio
// redirected to an on-disk log under the instance directory. Because
// we start it ourselves via os/exec, we already have the real PID
// synchronously from cmd.Process.Pid — no /proc-by-name scan required
// (see redesign note (a)). We still write our own pidfile so a
// restarted daemon can RegisterExternal it.
func (s *Supervisor) spawnDetached(id registry.InstanceID, instanceDir, program string, argv []string, cwd string) (int, error) {
	outputDir := filepath.Join(instanceDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return 0, dprocerr.Wrap(dprocerr.SpawnFailed, err, "mkdir %s", outputDir)
	}
	logPath := filepath.Join(outputDir, "process_output.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, dprocerr.Wrap(dprocerr.SpawnFailed, err, "open %s", logPath)
	}

	cmd := exec.Command(program, argv...)
	cmd.Dir = cwd
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, dprocerr.Wrap(dprocerr.SpawnFailed, err, "exec detached %s", program)
	}
	pid := cmd.Process.Pid

	pidPath := filepath.Join(instanceDir, "daemon.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		s.log.WithError(err).Warnf("could not write pidfile for %s", id.Short())
	}

	p := &process{id: id, mode: registry.Detached, pid: pid, history: NewHistory(DefaultHistoryLines), logPath: logPath}
	s.mu.Lock()
	s.procs[id] = p
	s.mu.Unlock()

	go func() {
		waitErr := cmd.Wait() // reap; avoids a zombie once the detached child exits
		logFile.Close()
		s.notifyExit(p, waitErr)
	}()
	go s.tailFile(p, logPath)

	return pid, nil
}

// tailFile observes a detached child's output by tailing its log
// file, polling for growth (no fsnotify dependency appears anywhere
// in the retrieval pack's process-supervision code, and the tailer
// only needs to notice appended bytes, not renames).
func (s *Supervisor) tailFile(p *process, path string) {
	var offset int64
	for {
		time.Sleep(200 * time.Millisecond)

		f, err := os.Open(path)
		if err != nil {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		read := false
		for scanner.Scan() {
			text := scanner.Text()
			p.history.Append("STDOUT", text)
			if s.sink != nil {
				s.sink.OnOutput(p.id, "STDOUT", text)
			}
			read = true
		}
		if read {
			if pos, err := f.Seek(0, io.SeekCurrent); err == nil {
				offset = pos
			}
		}
		f.Close()

		s.mu.RLock()
		_, stillTracked := s.procs[p.id]
		s.mu.RUnlock()
		if !stillTracked {
			return
		}
	}
}

package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// inspectTTYs implements spec §6's TTY detection: for each fd in
// /proc/<pid>/fd pointing at /dev/pts/*, /dev/ptmx, or /dev/tty,
// capture (rdev, dev) as the opaque string tty[<rdev_hex>:<dev_hex>]
// and emit one --external tty[…] argument per distinct string.
// "Complex" iff there are more than three tty fds, or any tty fd's
// index is greater than 2.
// InspectTTYs exposes inspectTTYs to callers outside the package, for
// the `analyze-tty` dispatcher verb that reports on a PID's TTY
// environment without performing a checkpoint.
func InspectTTYs(pid int) (args []string, isComplex bool, err error) {
	return inspectTTYs(pid)
}

func inspectTTYs(pid int) (args []string, isComplex bool, err error) {
	fdDir := filepath.Join("/proc", strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil, false, err
	}

	type ttyFD struct {
		index int
		tag   string
	}
	var ttys []ttyFD
	seen := make(map[string]bool)

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		idx, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		if !isTTYPath(target) {
			continue
		}

		var stat syscall.Stat_t
		if err := syscall.Stat(filepath.Join(fdDir, e.Name()), &stat); err != nil {
			continue
		}
		tag := fmt.Sprintf("tty[%x:%x]", stat.Rdev, stat.Dev)
		ttys = append(ttys, ttyFD{index: idx, tag: tag})

		if idx > 2 {
			isComplex = true
		}
	}

	for _, t := range ttys {
		if seen[t.tag] {
			continue
		}
		seen[t.tag] = true
		args = append(args, "--external", t.tag)
	}
	if len(ttys) > 3 {
		isComplex = true
	}
	return args, isComplex, nil
}

func isTTYPath(target string) bool {
	return strings.HasPrefix(target, "/dev/pts/") || target == "/dev/ptmx" || target == "/dev/tty"
}

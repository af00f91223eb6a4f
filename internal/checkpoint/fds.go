package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// backupInterestingFDs copies any open file descriptor pointing at a
// .log file or a /tmp/ file (skipping device nodes) into
// backup_fd_<N>.dat plus a sibling .path record, per spec §4.2 step 5.
func backupInterestingFDs(pid int, imageDir string) error {
	fdDir := filepath.Join("/proc", strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		if !isInterestingPath(target) {
			continue
		}

		src, err := os.Open(target)
		if err != nil {
			continue // file may have been removed or be unreadable; best-effort
		}
		dstPath := filepath.Join(imageDir, fmt.Sprintf("backup_fd_%s.dat", e.Name()))
		dst, err := os.Create(dstPath)
		if err != nil {
			src.Close()
			continue
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if copyErr != nil {
			os.Remove(dstPath)
			continue
		}

		pathRecord := filepath.Join(imageDir, fmt.Sprintf("backup_fd_%s.path", e.Name()))
		_ = os.WriteFile(pathRecord, []byte(target), 0o644)
	}
	return nil
}

// restoreInterestingFDs copies the backup_fd_<N>.dat files in imageDir
// back to the paths recorded in their .path siblings.
func restoreInterestingFDs(imageDir string) error {
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "backup_fd_") || !strings.HasSuffix(name, ".dat") {
			continue
		}
		base := strings.TrimSuffix(name, ".dat")
		pathRecord := filepath.Join(imageDir, base+".path")
		pathBytes, err := os.ReadFile(pathRecord)
		if err != nil {
			continue
		}
		dest := strings.TrimSpace(string(pathBytes))

		src, err := os.Open(filepath.Join(imageDir, name))
		if err != nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			src.Close()
			continue
		}
		dst, err := os.Create(dest)
		if err != nil {
			src.Close()
			continue
		}
		_, _ = io.Copy(dst, src)
		src.Close()
		dst.Close()
	}
	return nil
}

func isInterestingPath(target string) bool {
	if strings.HasPrefix(target, "/dev/") {
		return false // device node, skip
	}
	return strings.HasSuffix(target, ".log") || strings.HasPrefix(target, "/tmp/")
}

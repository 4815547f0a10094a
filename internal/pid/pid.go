// Package pid guards against running two instances against the same
// listener and archive.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/forestwatch/internal/errors"
)

const defaultName = "forestwatch.pid"

// DefaultPath is used when no PID file is configured.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), defaultName)
}

// Acquire writes the current process ID to path, or DefaultPath when path is
// empty. A PID file naming a live process other than this one yields
// ErrAlreadyRunning; a stale file is replaced. The returned function removes
// the file.
func Acquire(path string) (func() error, error) {
	errFactory := errors.New()

	if path == "" {
		path = DefaultPath()
	}

	if running, err := held(path); err != nil {
		return nil, err
	} else if running {
		return nil, errFactory.WithData(errors.ErrAlreadyRunning, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	return func() error { return remove(path) }, nil
}

// held reports whether path names a running process other than this one.
func held(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.New().Wrap(errors.ErrInternal, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// unreadable contents count as stale
		return false, nil
	}
	if pid == os.Getpid() {
		return false, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	return process.Signal(syscall.Signal(0)) == nil, nil
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}
	return nil
}

package runtime

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// instanceLock holds an exclusive advisory lock on a file inside the
// data directory for the lifetime of the process, so a second instance
// started against the same commit-log/SSTable directories fails fast
// instead of corrupting files two processes both believe they own.
type instanceLock struct {
	f *os.File
}

// acquireInstanceLock opens (creating if needed) dir/.wcstore.lock and
// takes a non-blocking exclusive flock on it.
func acquireInstanceLock(dir string) (*instanceLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: mkdir data dir: %w", err)
	}
	path := dir + "/.wcstore.lock"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runtime: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("runtime: data directory %s is already locked by another instance: %w", dir, err)
	}
	return &instanceLock{f: f}, nil
}

func (l *instanceLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// Package lock keeps one running client per profile. The lock is an flock on
// <profile>/LOCK; the file also records who holds it.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// Owner describes the process holding a profile.
type Owner struct {
	PID     int
	Started time.Time
}

// LockHeldError is returned when another process has the profile open.
type LockHeldError struct {
	Owner
	Path string
}

func (e *LockHeldError) Error() string {
	if e.Started.IsZero() {
		return fmt.Sprintf("profile already open in PID %d (%s)", e.PID, e.Path)
	}
	return fmt.Sprintf("profile already open in PID %d since %s (%s)", e.PID, e.Started.Local().Format(time.DateTime), e.Path)
}

// Lock is a held profile lock.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes the profile lock in dir, creating dir if needed. A LOCK file
// left by a process that died is taken over.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		held := &LockHeldError{Path: path}
		if data, rerr := os.ReadFile(path); rerr == nil {
			held.Owner = parseOwner(string(data))
		}
		return nil, held
	}

	owner := Owner{PID: os.Getpid(), Started: time.Now().UTC().Truncate(time.Second)}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return &Lock{file: f, path: path, owner: owner}, nil
}

// Owner returns what this lock recorded about the current process.
func (l *Lock) Owner() Owner { return l.owner }

// Inspect reports who has the profile in dir open. ok is false when nobody
// holds the flock, even if a stale LOCK file is still on disk.
func Inspect(dir string) (owner Owner, ok bool) {
	path := filepath.Join(dir, fileName)
	f, err := os.Open(path)
	if err != nil {
		return Owner{}, false
	}
	defer f.Close()

	// A shared lock only succeeds when no client holds the exclusive one.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Owner{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, false
	}
	return parseOwner(string(data)), true
}

// Release drops the lock and removes the LOCK file. Safe to call on a nil or
// already released lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nstarted=%s\n", o.PID, o.Started.Format(time.RFC3339))
	return err
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(val)
		case "started", "time":
			o.Started, _ = time.Parse(time.RFC3339, val)
		}
	}
	return o
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Common errors.
var (
	ErrLockTimeout = errors.New("timed out acquiring file lock")
	ErrNotHeld     = errors.New("file lock not held")

	errLockBusy = errors.New("file lock busy")
)

// LockConfig controls lock acquisition.
type LockConfig struct {
	// Timeout bounds the total wait. Default: 10s.
	Timeout time.Duration `json:"timeout"`

	// StaleAfter is the age past which a lock file is presumed abandoned and
	// reclaimed. Default: 30s.
	StaleAfter time.Duration `json:"stale_after"`

	// Backoff bounds between attempts; jittered exponentially.
	InitialBackoff time.Duration `json:"initial_backoff"` // Default: 25ms
	MaxBackoff     time.Duration `json:"max_backoff"`     // Default: 1s
}

// DefaultLockConfig returns sensible defaults.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Timeout:        10 * time.Second,
		StaleAfter:     30 * time.Second,
		InitialBackoff: 25 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// lockInfo is the lock file's content.
type lockInfo struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
	Token     string `json:"token"`
}

// FileLock is an acquired lock on <path>.lock.
type FileLock struct {
	path  string
	token string
}

// LockPath returns the lock file guarding path.
func LockPath(path string) string {
	return path + ".lock"
}

// AcquireLock takes the lock guarding path, retrying with randomized
// exponential backoff until cfg.Timeout. A lock file older than
// cfg.StaleAfter is removed and the attempt repeated.
func AcquireLock(ctx context.Context, path string, cfg LockConfig) (*FileLock, error) {
	def := DefaultLockConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	lockPath := LockPath(path)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff

	lock, err := backoff.Retry(ctx, func() (*FileLock, error) {
		l, err := tryLock(lockPath)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, errLockBusy) {
			return nil, backoff.Permanent(err)
		}
		if reclaimStale(lockPath, cfg.StaleAfter) {
			if l, err := tryLock(lockPath); err == nil {
				return l, nil
			}
		}
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(cfg.Timeout))
	if err != nil {
		if errors.Is(err, errLockBusy) {
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, lockPath, cfg.Timeout)
		}
		return nil, fmt.Errorf("acquire %s: %w", lockPath, err)
	}
	return lock, nil
}

// WithLock runs fn while holding the lock guarding path.
func WithLock(ctx context.Context, path string, cfg LockConfig, fn func() error) (err error) {
	lock, err := AcquireLock(ctx, path, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

func tryLock(lockPath string) (*FileLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, errLockBusy
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	info := lockInfo{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Token:     uuid.NewString(),
	}
	data, _ := json.Marshal(info)
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
	}
	return &FileLock{path: lockPath, token: info.Token}, nil
}

// reclaimStale removes lockPath if it is older than staleAfter. The file is
// first renamed aside so that two reclaimers cannot both succeed; if the
// renamed file turns out to be fresh it is put back.
func reclaimStale(lockPath string, staleAfter time.Duration) bool {
	st, err := os.Stat(lockPath)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if time.Since(st.ModTime()) < staleAfter {
		return false
	}

	aside := lockPath + ".stale-" + uuid.NewString()
	if err := os.Rename(lockPath, aside); err != nil {
		return false
	}
	if st, err := os.Stat(aside); err == nil && time.Since(st.ModTime()) < staleAfter {
		// Lost a race with another reclaimer; restore its lock if the slot is free.
		_ = os.Link(aside, lockPath)
		_ = os.Remove(aside)
		return false
	}
	_ = os.Remove(aside)
	return true
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release removes the lock file if it still belongs to this holder.
func (l *FileLock) Release() error {
	if l == nil {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotHeld
		}
		return fmt.Errorf("read lock file: %w", err)
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.Token != l.token {
		return ErrNotHeld
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

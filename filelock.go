package main

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// errLockTimeout is returned when the lock stays held by another process.
var errLockTimeout = errors.New("timeout waiting for file lock")

// lockConfig controls how long acquireFileLock waits for a contended lock.
type lockConfig struct {
	attempts   int
	retryDelay time.Duration
	staleAfter time.Duration // locks older than this are considered abandoned
}

var defaultLockConfig = lockConfig{
	attempts:   50,
	retryDelay: 100 * time.Millisecond,
	staleAfter: 30 * time.Second,
}

// fileLock is an exclusive lock held through a sibling ".lock" file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock takes the lock guarding filePath. Other processes
// sharing the session file wait for it.
func acquireFileLock(filePath string) (*fileLock, error) {
	return acquireFileLockWith(filePath, defaultLockConfig)
}

func acquireFileLockWith(filePath string, cfg lockConfig) (*fileLock, error) {
	lockPath := filePath + ".lock"

	for i := 0; i < cfg.attempts; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID for whoever has to debug a stuck lock
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if removed, err := removeStaleLock(lockPath, cfg.staleAfter); err != nil {
			return nil, err
		} else if removed {
			continue
		}
		time.Sleep(cfg.retryDelay)
	}

	return nil, fmt.Errorf(
		"%w %s after %v",
		errLockTimeout,
		lockPath,
		time.Duration(cfg.attempts)*cfg.retryDelay,
	)
}

// removeStaleLock deletes lockPath when it is older than staleAfter.
func removeStaleLock(lockPath string, staleAfter time.Duration) (bool, error) {
	info, err := os.Stat(lockPath)
	if err != nil || time.Since(info.ModTime()) <= staleAfter {
		return false, nil
	}
	// Another process may have removed it first.
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, err)
	}
	return true, nil
}

// release drops the lock.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
	}
	return os.Remove(fl.lockPath)
}

// withFileLock runs fn while holding the lock on filePath.
func withFileLock(filePath string, fn func() error) error {
	lock, err := acquireFileLock(filePath)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()
	return fn()
}

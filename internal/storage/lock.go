package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created in the storage directory while a server owns it
const LockFileName = ".serve.lock"

// ExclusiveLock is the content of the lock file. Jobs, runs and streaming
// workers are coordinated in-process only, so two servers must never share
// one storage directory.
type ExclusiveLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// AcquireExclusiveLock creates the lock file in storageDir.
// Returns the lock file path for cleanup on shutdown.
func AcquireExclusiveLock(storageDir, version string) (lockPath string, err error) {
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create storage directory: %w", err)
	}
	lockPath = filepath.Join(storageDir, LockFileName)

	// Check for existing lock
	if data, err := os.ReadFile(lockPath); err == nil {
		var existingLock ExclusiveLock
		if json.Unmarshal(data, &existingLock) == nil {
			// Stale locks (process gone) are overwritten
			if existingLock.PID != os.Getpid() && isProcessAlive(existingLock.PID, existingLock.Hostname) {
				return "", fmt.Errorf("another carepick server is already using %s (PID %d on %s, started %s)",
					storageDir, existingLock.PID, existingLock.Hostname, existingLock.StartedAt.Format(time.RFC3339))
			}
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := ExclusiveLock{
		Holder:    "carepick-serve",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create exclusive lock: %w", err)
	}

	return lockPath, nil
}

// ReleaseExclusiveLock removes the exclusive lock file.
// Should be called on server shutdown (use defer).
func ReleaseExclusiveLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove exclusive lock: %w", err)
	}

	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		// Can't check hostname, assume remote/alive
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		// Remote host - can't check, assume alive
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM: the process exists but belongs to someone else
	if err == syscall.EPERM {
		return true
	}

	return false
}

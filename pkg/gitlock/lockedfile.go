//go:build !windows

// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package gitlock provides the cross-process advisory lock described in spec.md §4.4: one lock
// file per canonicalized Git URL, held for the duration of a fetch-and-checkout.
//
// Unlike a daemon singleton lock, this lock has no notion of a "stale holder" to recover from --
// the holding process is just another sdistcache invocation doing legitimate work, so acquisition
// blocks until it releases, rather than failing fast.
package gitlock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// LockedFile is a held advisory lock on a single file. The zero value is not usable; construct
// via New.
type LockedFile struct {
	file *os.File
	path string
}

// New creates the lock's parent directory if it does not exist, then blocks until an exclusive
// lock on path is acquired.
func New(path string) (*LockedFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	// LOCK_EX without LOCK_NB: block until the holder (another sdistcache process working the
	// same Git URL) releases, rather than failing fast -- there is no staleness to detect here.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquiring lock on %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("truncating lock file %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("writing lock file %s: %w", path, err)
	}

	return &LockedFile{file: f, path: path}, nil
}

// Path returns the lock file's path.
func (l *LockedFile) Path() string {
	return l.path
}

// Unlock releases the lock and closes the file. Removal of the lock file itself is best-effort:
// the flock, not the file's existence, is the actual mutex, so an error from the removal is
// ignored and never returned.
func (l *LockedFile) Unlock() error {
	if l.file == nil {
		return nil
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	// Best-effort cleanup; ignored if another process still holds the file open or it is
	// already gone.
	_ = os.Remove(l.path)

	if unlockErr != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", l.path, closeErr)
	}
	return nil
}

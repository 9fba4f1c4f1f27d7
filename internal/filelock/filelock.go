// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package filelock guards files that only one process may write.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrAlreadyLocked is returned when another process holds the lock.
var ErrAlreadyLocked = errors.New("already locked")

// Lock is a held lock.
type Lock struct{ f *os.File }

// Acquire takes an exclusive advisory lock on path without blocking. The
// lock file records the PID of the holder.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrAlreadyLocked)
		}
		return nil, err
	}
	l := &Lock{f: f}
	if err := f.Truncate(0); err != nil {
		l.Release()
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		l.Release()
		return nil, err
	}
	return l, nil
}

// Release drops the lock. It is safe to call on a nil Lock and more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	return errors.Join(syscall.Flock(int(f.Fd()), syscall.LOCK_UN), f.Close())
}

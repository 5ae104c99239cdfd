//go:build !unix && !windows

package sys

import (
	"errors"
	"os"
)

var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

func tryLockFile(f *os.File) (bool, error) { return false, ErrOSFileLockNotSupported }

func unlockFile(f *os.File) error { return ErrOSFileLockNotSupported }

func SyncDir(dir string) error { return nil }

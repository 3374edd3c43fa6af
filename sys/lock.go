// Package sys holds the small amount of platform plumbing the storage node
// needs, currently just the data directory lock file.
package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// DefaultLockStaleTTL is the default age past which an existing lock file is
// treated as a leftover from a crashed process and broken.
var DefaultLockStaleTTL = 30 * time.Second

// SetDefaultLockStaleTTL updates the package default TTL used by callers
// that rely on DefaultLockStaleTTL.
func SetDefaultLockStaleTTL(d time.Duration) {
	DefaultLockStaleTTL = d
}

// lockPayloadSize is pid (uint32) followed by a unixnano timestamp (uint64).
const lockPayloadSize = 12

// AcquireFileLock guards a data directory against concurrent processes by
// creating path + ".lock" with an atomic O_EXCL create. It retries up to
// maxRetries with retryInterval between attempts. If staleTTL > 0, an
// existing lock older than staleTTL (judged by the timestamp recorded in the
// file, falling back to modtime) is removed and acquisition retried.
//
// On success it returns a release function that removes the lock file only
// if it still carries this call's pid and timestamp.
func AcquireFileLock(path string, maxRetries int, retryInterval time.Duration, staleTTL time.Duration) (func() error, error) {
	lockPath := path + ".lock"
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			ourPid := uint32(os.Getpid())
			ourTimestamp := uint64(time.Now().UTC().UnixNano())
			buf := make([]byte, lockPayloadSize)
			binary.LittleEndian.PutUint32(buf[0:4], ourPid)
			binary.LittleEndian.PutUint64(buf[4:12], ourTimestamp)
			_, werr := f.Write(buf)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(lockPath)
				if werr == nil {
					werr = cerr
				}
				return nil, fmt.Errorf("AcquireFileLock: failed to write lock payload: %w", werr)
			}

			release := func() error {
				b, err := os.ReadFile(lockPath)
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				// Remove only if the file still records our pid and
				// timestamp; otherwise another process broke and re-took
				// the lock.
				if len(b) >= lockPayloadSize &&
					binary.LittleEndian.Uint32(b[0:4]) == ourPid &&
					binary.LittleEndian.Uint64(b[4:12]) == ourTimestamp {
					return os.Remove(lockPath)
				}
				return nil
			}
			return release, nil
		}
		lastErr = err

		if os.IsExist(err) && staleTTL > 0 && lockAge(lockPath) > staleTTL {
			// Removal may race with the owner or another waiter; the next
			// create attempt settles it either way.
			os.Remove(lockPath)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		time.Sleep(retryInterval)
	}

	if lastErr == nil {
		lastErr = errors.New("failed to acquire lock")
	}
	return nil, fmt.Errorf("AcquireFileLock: %w", lastErr)
}

// lockAge returns how old an existing lock file is, preferring the recorded
// timestamp over modtime. Zero means the age could not be determined.
func lockAge(lockPath string) time.Duration {
	now := time.Now().UTC()
	if b, err := os.ReadFile(lockPath); err == nil && len(b) >= lockPayloadSize {
		if ts := int64(binary.LittleEndian.Uint64(b[4:12])); ts > 0 {
			return now.Sub(time.Unix(0, ts))
		}
	}
	if info, err := os.Stat(lockPath); err == nil {
		return now.Sub(info.ModTime())
	}
	return 0
}

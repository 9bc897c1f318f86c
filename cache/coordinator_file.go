package cache

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

const (
	lockSuffix   = ".lock"
	doneSuffix   = ".done"
	failedSuffix = ".failed"

	// DefaultPollInterval is how often FileCoordinator.WaitForHash checks whether the owner released the hash.
	DefaultPollInterval = 20 * time.Millisecond
)

// FileCoordinator is a Coordinator backed by lock files in a directory, shared by every process (and goroutine)
// using the same directory.
//
// For each (hash, tag) it keeps three files:
//
//   - <hash>-<tag>.lock: exclusively locked by the owner while it builds.
//   - <hash>-<tag>.done: completion marker, written before the lock is released.
//   - <hash>-<tag>.failed: failure marker holding the error message of the last failed build.
type FileCoordinator struct {
	dir string

	// PollInterval between checks in WaitForHash. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Timeout for WaitForHash. If 0 it waits for as long as the owner holds the lock.
	Timeout time.Duration

	mu   sync.Mutex
	held map[claimKey]*os.File
}

var _ Coordinator = (*FileCoordinator)(nil)

// NewFileCoordinator returns a FileCoordinator keeping its lock and marker files in dir.
// The directory is created on first use.
func NewFileCoordinator(dir string) *FileCoordinator {
	return &FileCoordinator{
		dir:          dir,
		PollInterval: DefaultPollInterval,
		held:         make(map[claimKey]*os.File),
	}
}

// Dir where lock and marker files are kept.
func (fc *FileCoordinator) Dir() string {
	return fc.dir
}

func (fc *FileCoordinator) basePath(hash Hash, tag string) string {
	return filepath.Join(fc.dir, hash.String()+"-"+tag)
}

// HaveHash implements Coordinator.
func (fc *FileCoordinator) HaveHash(hash Hash, tag string) (bool, error) {
	base := fc.basePath(hash, tag)
	if fileExists(base + doneSuffix) {
		return false, nil
	}
	if err := os.MkdirAll(fc.dir, 0755); err != nil {
		return false, errors.Wrapf(err, "failed to create lock directory %q", fc.dir)
	}
	f, err := os.OpenFile(base+lockSuffix, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open lock file for hash %s (%s)", hash, tag)
	}
	locked, err := fc.tryClaim(f)
	if err != nil || !locked {
		_ = f.Close()
		return false, errors.WithMessagef(err, "failed to lock hash %s (%s)", hash, tag)
	}

	// The previous owner may have completed in between the first check and acquiring the lock.
	if fileExists(base + doneSuffix) {
		fc.closeLock(f)
		return false, nil
	}
	if err = os.Remove(base + failedSuffix); err != nil && !os.IsNotExist(err) {
		fc.closeLock(f)
		return false, errors.Wrapf(err, "failed to reset failure marker of hash %s (%s)", hash, tag)
	}
	fc.mu.Lock()
	fc.held[claimKey{hash, tag}] = f
	fc.mu.Unlock()
	klog.V(2).Infof("claimed hash %s (%s)", hash, tag)
	return true, nil
}

// tryClaim takes the exclusive lock of f, unless an owner holds it. Waiters hold the shared lock briefly while
// checking for a release, in which case the exclusive lock is tried again.
func (fc *FileCoordinator) tryClaim(f *os.File) (bool, error) {
	for {
		locked, err := tryLock(f, true)
		if err != nil || locked {
			return locked, err
		}
		shared, err := tryLock(f, false)
		if err != nil || !shared {
			return false, err
		}
		if err = unlock(f); err != nil {
			return false, err
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitForHash implements Coordinator.
func (fc *FileCoordinator) WaitForHash(hash Hash, tag string) error {
	base := fc.basePath(hash, tag)
	pollInterval := fc.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	start := time.Now()
	unclaimed := 0
	for {
		if fileExists(base + doneSuffix) {
			return nil
		}
		released, err := fc.isReleased(base)
		if err != nil {
			return errors.WithMessagef(err, "failed waiting for hash %s (%s)", hash, tag)
		}
		if released {
			if fileExists(base + doneSuffix) {
				return nil
			}
			if message, err := os.ReadFile(base + failedSuffix); err == nil {
				return errors.WithMessagef(ErrBuildFailed, "hash %s (%s): %s", hash, tag, strings.TrimSpace(string(message)))
			}
			// A new owner may be claiming it after a failure: it removes the failure marker before building.
			unclaimed++
			if unclaimed > 2 {
				return errors.Errorf("hash %s (%s) is neither claimed nor complete", hash, tag)
			}
		} else {
			unclaimed = 0
		}
		if fc.Timeout > 0 && time.Since(start) > fc.Timeout {
			return errors.Errorf("timed out after %s waiting for hash %s (%s)", fc.Timeout, hash, tag)
		}
		time.Sleep(pollInterval)
	}
}

// isReleased checks whether nobody holds the exclusive lock for base.
func (fc *FileCoordinator) isReleased(base string) (bool, error) {
	f, err := os.OpenFile(base+lockSuffix, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open lock file %q", base+lockSuffix)
	}
	defer func() { _ = f.Close() }()
	locked, err := tryLock(f, false)
	if err != nil || !locked {
		return false, err
	}
	if err = unlock(f); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseHash implements Coordinator.
func (fc *FileCoordinator) ReleaseHash(hash Hash, tag string, buildErr error) error {
	key := claimKey{hash, tag}
	fc.mu.Lock()
	f, found := fc.held[key]
	delete(fc.held, key)
	fc.mu.Unlock()
	if !found {
		return errors.Errorf("hash %s (%s) is not claimed, it can't be released", hash, tag)
	}

	// Markers are written before unlocking, so waiters never see a released hash without its outcome.
	base := fc.basePath(hash, tag)
	var err error
	if buildErr == nil {
		err = WriteFileAtomic(base+doneSuffix, nil, 0644)
	} else {
		err = WriteFileAtomic(base+failedSuffix, []byte(buildErr.Error()+"\n"), 0644)
	}
	err = multierr.Append(err, unlock(f))
	err = multierr.Append(err, f.Close())
	klog.V(2).Infof("released hash %s (%s), failed=%v", hash, tag, buildErr != nil)
	return err
}

func (fc *FileCoordinator) closeLock(f *os.File) {
	if err := unlock(f); err != nil {
		klog.Errorf("failed to unlock %q: %v", f.Name(), err)
	}
	_ = f.Close()
}

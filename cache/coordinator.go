package cache

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrBuildFailed is returned by WaitForHash when the owner of a hash released it after a failed build.
var ErrBuildFailed = errors.New("cached build failed")

// Coordinator arbitrates who populates a cache entry.
//
// Builders follow a leader/follower discipline: the caller for whom HaveHash returns true is the leader, it must
// build the entry and then call ReleaseHash, also when the build fails.
// Everyone else calls WaitForHash and then reads the complete entry.
type Coordinator interface {
	// HaveHash claims hash for the usage tag if it is neither claimed nor complete. It returns whether the caller
	// now owns the hash and must do the work.
	//
	// A hash whose previous owner failed can be claimed again.
	HaveHash(hash Hash, tag string) (bool, error)

	// WaitForHash blocks until the current owner of hash releases it. It returns immediately if the hash is complete.
	// If the owner released it with an error, it returns an error wrapping ErrBuildFailed.
	WaitForHash(hash Hash, tag string) error

	// ReleaseHash marks the claimed hash as complete (buildErr == nil) or failed, and wakes up the waiters.
	ReleaseHash(hash Hash, tag string, buildErr error) error
}

type claimKey struct {
	hash Hash
	tag  string
}

type claimState int

const (
	claimed claimState = iota
	completed
	failed
)

type claim struct {
	state   claimState
	message string
	done    chan struct{}
}

// MemoryCoordinator is a Coordinator for a single process, with no file system backing.
// It is safe for concurrent use.
type MemoryCoordinator struct {
	mu     sync.Mutex
	claims map[claimKey]*claim
}

var _ Coordinator = (*MemoryCoordinator)(nil)

// NewMemoryCoordinator returns an empty MemoryCoordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{claims: make(map[claimKey]*claim)}
}

// HaveHash implements Coordinator.
func (mc *MemoryCoordinator) HaveHash(hash Hash, tag string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	key := claimKey{hash, tag}
	if c, found := mc.claims[key]; found && c.state != failed {
		return false, nil
	}
	mc.claims[key] = &claim{state: claimed, done: make(chan struct{})}
	return true, nil
}

// WaitForHash implements Coordinator.
func (mc *MemoryCoordinator) WaitForHash(hash Hash, tag string) error {
	mc.mu.Lock()
	c, found := mc.claims[claimKey{hash, tag}]
	mc.mu.Unlock()
	if !found {
		return errors.Errorf("hash %s (%s) is neither claimed nor complete", hash, tag)
	}
	<-c.done
	if c.state == failed {
		return errors.WithMessagef(ErrBuildFailed, "hash %s (%s): %s", hash, tag, c.message)
	}
	return nil
}

// ReleaseHash implements Coordinator.
func (mc *MemoryCoordinator) ReleaseHash(hash Hash, tag string, buildErr error) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	c, found := mc.claims[claimKey{hash, tag}]
	if !found || c.state != claimed {
		return errors.Errorf("hash %s (%s) is not claimed, it can't be released", hash, tag)
	}
	if buildErr != nil {
		c.state = failed
		c.message = buildErr.Error()
	} else {
		c.state = completed
	}
	close(c.done)
	return nil
}

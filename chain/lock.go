package chain

import (
	"fmt"
	"sync"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/trackedlock"
)

// chainLockStruct is a re-entrant shared/exclusive lock. Ownership is by
// CallerID, not goroutine, so one logical operation may re-acquire a lock
// it already holds (nested Lookup()/Modify() on the same chain) without
// deadlocking. Waiters are granted in FIFO order; a run of shared waiters
// at the head is granted together.
//
// Lock hold times are tracked through trackedlock so the lock watcher and
// the unlock-time checks cover chain locks too.
//
type chainLockStruct struct {
	mu             sync.Mutex // guards all fields below
	exclusiveOwner CallerID   // nil when not held exclusive
	exclusiveDepth uint32
	sharedOwners   map[CallerID]uint32 // CallerID -> re-entry depth
	waiters        []*chainLockRequestStruct
	tracker        trackedlock.RWMutexTrack
}

type chainLockRequestStruct struct {
	callerID    CallerID
	exclusive   bool
	grantedChan chan struct{}
}

// LockShared acquires the chain lock shared. A caller already holding the
// lock (shared or exclusive) is granted re-entrantly.
//
func (chain *ChainStruct) LockShared(callerID CallerID) {
	lock := &chain.lock

	lock.mu.Lock()

	// re-entrant acquisitions
	if lock.exclusiveOwner == callerID && nil != callerID {
		lock.exclusiveDepth++
		lock.mu.Unlock()
		return
	}
	if nil != lock.sharedOwners && 0 != lock.sharedOwners[callerID] {
		lock.sharedOwners[callerID]++
		lock.mu.Unlock()
		return
	}

	// grant immediately only if nothing holds it exclusive and no waiter
	// is queued ahead (writers must not starve)
	if nil == lock.exclusiveOwner && 0 == len(lock.waiters) {
		if nil == lock.sharedOwners {
			lock.sharedOwners = make(map[CallerID]uint32)
		}
		lock.sharedOwners[callerID] = 1
		lock.mu.Unlock()
		lock.tracker.RLockTrack(chain)
		return
	}

	request := &chainLockRequestStruct{
		callerID:    callerID,
		exclusive:   false,
		grantedChan: make(chan struct{}),
	}
	lock.waiters = append(lock.waiters, request)
	lock.mu.Unlock()

	<-request.grantedChan
	lock.tracker.RLockTrack(chain)
}

// LockExclusive acquires the chain lock exclusive. A caller already
// holding it exclusive is granted re-entrantly. Upgrading a shared hold is
// a caller bug.
//
func (chain *ChainStruct) LockExclusive(callerID CallerID) {
	lock := &chain.lock

	lock.mu.Lock()

	if lock.exclusiveOwner == callerID && nil != callerID {
		lock.exclusiveDepth++
		lock.mu.Unlock()
		return
	}
	if nil != lock.sharedOwners && 0 != lock.sharedOwners[callerID] {
		lock.mu.Unlock()
		err := fmt.Errorf("chain lock upgrade attempted")
		logger.PanicfWithError(err, "LockExclusive() while holding shared on chain %v key 0x%016X",
			chain.chainIndex, chain.bref.Key)
	}

	if nil == lock.exclusiveOwner && 0 == len(lock.sharedOwners) && 0 == len(lock.waiters) {
		lock.exclusiveOwner = callerID
		lock.exclusiveDepth = 1
		lock.mu.Unlock()
		lock.tracker.LockTrack(chain)
		return
	}

	request := &chainLockRequestStruct{
		callerID:    callerID,
		exclusive:   true,
		grantedChan: make(chan struct{}),
	}
	lock.waiters = append(lock.waiters, request)
	lock.mu.Unlock()

	<-request.grantedChan
	lock.tracker.LockTrack(chain)
}

// Unlock releases one level of the caller's hold (shared or exclusive).
//
func (chain *ChainStruct) Unlock(callerID CallerID) {
	lock := &chain.lock

	lock.mu.Lock()

	if lock.exclusiveOwner == callerID && nil != callerID {
		lock.exclusiveDepth--
		if 0 != lock.exclusiveDepth {
			lock.mu.Unlock()
			return
		}
		lock.exclusiveOwner = nil
		lock.releaseWaiters()
		lock.mu.Unlock()
		lock.tracker.UnlockTrack(chain)
		return
	}

	if nil != lock.sharedOwners && 0 != lock.sharedOwners[callerID] {
		lock.sharedOwners[callerID]--
		if 0 != lock.sharedOwners[callerID] {
			lock.mu.Unlock()
			return
		}
		delete(lock.sharedOwners, callerID)
		if 0 == len(lock.sharedOwners) {
			lock.releaseWaiters()
		}
		lock.mu.Unlock()
		lock.tracker.RUnlockTrack(chain)
		return
	}

	lock.mu.Unlock()
	err := fmt.Errorf("chain lock not held by caller")
	logger.PanicfWithError(err, "Unlock() of chain %v key 0x%016X", chain.chainIndex, chain.bref.Key)
}

// releaseWaiters grants queued requests now that the lock state changed.
// Caller holds lock.mu. An exclusive waiter at the head is granted alone;
// a run of shared waiters at the head is granted together.
//
func (lock *chainLockStruct) releaseWaiters() {
	for 0 != len(lock.waiters) {
		head := lock.waiters[0]

		if head.exclusive {
			if nil != lock.exclusiveOwner || 0 != len(lock.sharedOwners) {
				return
			}
			lock.exclusiveOwner = head.callerID
			lock.exclusiveDepth = 1
			lock.waiters = lock.waiters[1:]
			close(head.grantedChan)
			return
		}

		if nil != lock.exclusiveOwner {
			return
		}
		if nil == lock.sharedOwners {
			lock.sharedOwners = make(map[CallerID]uint32)
		}
		lock.sharedOwners[head.callerID]++
		lock.waiters = lock.waiters[1:]
		close(head.grantedChan)
	}
}

// LockParentOf acquires the lock of child's parent while the caller holds
// child exclusive. Because lock order is child before parent, the child
// lock is released first, the parent taken, the child retaken, and the
// parent pointer revalidated; if the child was reparented meanwhile the
// sequence retries, surfacing blunder.RetryNeededError once the retry
// budget is exhausted. On success the caller holds both locks exclusive.
// A nil parent (child is a root) returns (nil, nil) with child still
// locked.
//
func (tree *ChainTreeStruct) LockParentOf(child *ChainStruct, callerID CallerID) (parent *ChainStruct, err error) {
	var (
		parentIndex ChainIndex
		retryIndex  uint16
	)

	for retryIndex = 0; retryIndex <= globals.lockRetryLimit; retryIndex++ {
		parentIndex = tree.parentIndexOf(child)
		if ChainIndexNone == parentIndex {
			parent = nil
			err = nil
			return
		}
		parent = tree.chainByIndex(parentIndex)
		if nil == parent {
			err = blunder.NewError(blunder.BadReferenceError,
				"LockParentOf(): chain %v references missing parent %v", child.chainIndex, parentIndex)
			return
		}

		child.Unlock(callerID)
		parent.LockExclusive(callerID)
		child.LockExclusive(callerID)

		if tree.parentIndexOf(child) == parentIndex {
			err = nil
			return
		}

		// reparented while unlocked; drop the stale parent and retry
		parent.Unlock(callerID)
	}

	parent = nil
	err = blunder.NewError(blunder.RetryNeededError,
		"LockParentOf(): chain %v reparented %v times", child.chainIndex, globals.lockRetryLimit)
	return
}

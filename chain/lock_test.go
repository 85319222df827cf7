package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/vlayout"
)

func TestLockReentrancy(t *testing.T) {
	tree, _, tempDir := testSetup(t, nil)
	defer testTeardown(t, tree, tempDir)

	rootChain, err := tree.NewRootChain(vlayout.TypeVolumeRoot, vlayout.BaseBlockSize)
	require.NoError(t, err)

	callerID := GenerateCallerID()

	// nested exclusive
	rootChain.LockExclusive(callerID)
	rootChain.LockExclusive(callerID)
	rootChain.Unlock(callerID)
	rootChain.Unlock(callerID)

	// shared within exclusive
	rootChain.LockExclusive(callerID)
	rootChain.LockShared(callerID)
	rootChain.Unlock(callerID)
	rootChain.Unlock(callerID)

	// nested shared
	rootChain.LockShared(callerID)
	rootChain.LockShared(callerID)
	rootChain.Unlock(callerID)
	rootChain.Unlock(callerID)

	// fully released: another caller gets exclusive immediately
	otherCallerID := GenerateCallerID()
	rootChain.LockExclusive(otherCallerID)
	rootChain.Unlock(otherCallerID)
}

func TestLockFIFOGrantOrder(t *testing.T) {
	tree, _, tempDir := testSetup(t, nil)
	defer testTeardown(t, tree, tempDir)

	rootChain, err := tree.NewRootChain(vlayout.TypeVolumeRoot, vlayout.BaseBlockSize)
	require.NoError(t, err)

	holderID := GenerateCallerID()
	rootChain.LockExclusive(holderID)

	grantOrder := make(chan string, 3)

	sharedStarted := make(chan struct{})
	go func() {
		sharedID := GenerateCallerID()
		close(sharedStarted)
		rootChain.LockShared(sharedID)
		grantOrder <- "shared"
		rootChain.Unlock(sharedID)
	}()
	<-sharedStarted
	time.Sleep(50 * time.Millisecond) // let the shared request queue first

	exclusiveStarted := make(chan struct{})
	go func() {
		exclusiveID := GenerateCallerID()
		close(exclusiveStarted)
		rootChain.LockExclusive(exclusiveID)
		grantOrder <- "exclusive"
		rootChain.Unlock(exclusiveID)
	}()
	<-exclusiveStarted
	time.Sleep(50 * time.Millisecond)

	rootChain.Unlock(holderID)

	first := <-grantOrder
	second := <-grantOrder
	assert.Equal(t, "shared", first)
	assert.Equal(t, "exclusive", second)
}

func TestSharedBatchGrant(t *testing.T) {
	tree, _, tempDir := testSetup(t, nil)
	defer testTeardown(t, tree, tempDir)

	rootChain, err := tree.NewRootChain(vlayout.TypeVolumeRoot, vlayout.BaseBlockSize)
	require.NoError(t, err)

	holderID := GenerateCallerID()
	rootChain.LockExclusive(holderID)

	granted := make(chan CallerID, 2)
	release := make(chan struct{})
	for waiterNumber := 0; waiterNumber < 2; waiterNumber++ {
		go func() {
			sharedID := GenerateCallerID()
			rootChain.LockShared(sharedID)
			granted <- sharedID
			<-release
			rootChain.Unlock(sharedID)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	rootChain.Unlock(holderID)

	// both shared waiters run concurrently
	firstID := <-granted
	secondID := <-granted
	assert.NotSame(t, firstID, secondID)
	close(release)
}

func TestLockParentOf(t *testing.T) {
	tree, _, tempDir := testSetup(t, nil)
	defer testTeardown(t, tree, tempDir)

	rootChain, err := tree.NewRootChain(vlayout.TypeVolumeRoot, vlayout.BaseBlockSize)
	require.NoError(t, err)

	childChain, err := tree.Create(rootChain, 0x100, 8, vlayout.TypeData, 1024)
	require.NoError(t, err)

	callerID := GenerateCallerID()

	childChain.LockExclusive(callerID)
	parentChain, err := tree.LockParentOf(childChain, callerID)
	require.NoError(t, err)
	require.Same(t, rootChain, parentChain)

	// both locks held exclusive now
	parentChain.Unlock(callerID)
	childChain.Unlock(callerID)

	// a root chain has no parent
	rootChain.LockExclusive(callerID)
	parentChain, err = tree.LockParentOf(rootChain, callerID)
	require.NoError(t, err)
	assert.Nil(t, parentChain)
	rootChain.Unlock(callerID)

	tree.Unref(childChain)
}

package flusher

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/bufcache"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/freemap"
	"github.com/stratafs/stratafs/halter"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/vlayout"
)

const testVolumeSize = 2 * 1024 * 1024 * 1024

type testEnvStruct struct {
	tempDir       string
	device        *bufcache.DeviceCacheStruct
	volumeFreemap *freemap.FreemapStruct
	topologyTree  *chain.ChainTreeStruct
	topologyRoot  *chain.ChainStruct
	flusher       *FlusherStruct
}

func testSetup(t *testing.T, extraConfStrings []string) (env *testEnvStruct) {
	confStrings := []string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
	}
	confStrings = append(confStrings, extraConfStrings...)

	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	require.NoError(t, err)

	require.NoError(t, logger.Up(confMap))
	require.NoError(t, halter.Up(confMap))
	require.NoError(t, bufcache.Up(confMap))
	require.NoError(t, chain.Up(confMap))
	require.NoError(t, freemap.Up(confMap))
	require.NoError(t, Up(confMap))

	env = &testEnvStruct{}

	env.tempDir, err = ioutil.TempDir("", "flusher_test_")
	require.NoError(t, err)

	env.device, err = bufcache.OpenDevice("TestVolume", filepath.Join(env.tempDir, "dev0"), true, testVolumeSize)
	require.NoError(t, err)

	env.volumeFreemap, err = freemap.NewFreemap("TestVolume", env.device, testVolumeSize, 0)
	require.NoError(t, err)

	env.topologyTree = chain.NewChainTree("TestVolume", env.device, 0)
	env.topologyTree.SetAllocator(env.volumeFreemap)

	env.topologyRoot, err = env.topologyTree.NewRootChain(vlayout.TypeVolumeRoot, vlayout.BaseBlockSize)
	require.NoError(t, err)

	header := &vlayout.VolumeHeaderV1Struct{
		Magic:      vlayout.VolumeHeaderMagic,
		Version:    vlayout.VolumeHeaderVersion,
		VolumeSize: testVolumeSize,
	}
	env.flusher = NewFlusher("TestVolume", env.device, env.topologyTree, env.topologyRoot, env.volumeFreemap, header)

	return
}

func testTeardown(t *testing.T, env *testEnvStruct) {
	if nil != env.flusher {
		env.flusher.Close()
	}
	if nil != env.volumeFreemap {
		env.volumeFreemap.Close()
	}
	if nil != env.device {
		_ = env.device.Close()
	}
	_ = os.RemoveAll(env.tempDir)
	_ = Down()
	_ = freemap.Down()
	_ = chain.Down()
	_ = bufcache.Down()
	_ = halter.Down()
	_ = logger.Down()
}

// testReadHeaderSlot reads one rotating header slot straight from the cache.
func testReadHeaderSlot(t *testing.T, env *testEnvStruct, slot uint64) (header *vlayout.VolumeHeaderV1Struct, err error) {
	bufferHandle, getErr := env.device.Get(vlayout.VolumeHeaderOffset(slot), vlayout.VolumeHeaderSlotSize)
	require.NoError(t, getErr)
	header, err = vlayout.UnmarshalVolumeHeaderV1(bufferHandle.Data)
	require.NoError(t, env.device.Put(bufferHandle, false))
	return
}

func TestFlushCycleCommitsDirtyTopology(t *testing.T) {
	env := testSetup(t, nil)
	defer testTeardown(t, env)

	tree := env.topologyTree

	objectRoot, err := tree.Create(env.topologyRoot, 0x10000000, 28, vlayout.TypeObjectRoot, vlayout.BaseBlockSize)
	require.NoError(t, err)

	dataChains := make([]*chain.ChainStruct, 0, 3)
	for childIndex := 0; childIndex < 3; childIndex++ {
		dataChain, createErr := tree.Create(objectRoot, 0x10000000+uint64(childIndex)*0x1000, 12, vlayout.TypeData, 4096)
		require.NoError(t, createErr)
		payload, payloadErr := dataChain.Payload()
		require.NoError(t, payloadErr)
		copy(payload, []byte(fmt.Sprintf("payload %v", childIndex)))
		dataChains = append(dataChains, dataChain)
	}

	flushTid := tree.CurrentTid()

	require.NoError(t, env.flusher.Flush())

	// every chain settled in one cycle
	for _, dataChain := range dataChains {
		assert.False(t, dataChain.IsDirty())
		assert.Equal(t, flushTid, dataChain.Bref().MirrorTid)
	}
	assert.False(t, objectRoot.IsDirty())
	assert.False(t, env.topologyRoot.IsDirty())
	assert.False(t, env.topologyRoot.IsSubModified())
	assert.Equal(t, 0, len(tree.DirtyDomainRoots()))

	flushStatus := env.flusher.FlushStatus()
	assert.Equal(t, FlushStateIdle, flushStatus.State)
	assert.Equal(t, flushTid, flushStatus.LastFlushTid)
	assert.Equal(t, uint64(1), flushStatus.CommitCounter)
	assert.NoError(t, flushStatus.LastErr)

	// the committed header landed in rotation slot 1 and points at the
	// written volume root
	header, err := testReadHeaderSlot(t, env, 1)
	require.NoError(t, err)
	assert.Equal(t, flushTid, header.MirrorTid)
	assert.Equal(t, flushTid, header.FreemapTid)
	assert.Equal(t, uint64(1), header.CommitCounter)
	assert.Equal(t, env.topologyRoot.Bref().DataOffset, header.RootBlockRefs[0].DataOffset)
	assert.NotEqual(t, uint64(0), header.FreemapBlockRefs[0].DataOffset)

	for _, dataChain := range dataChains {
		tree.Unref(dataChain)
	}
	tree.Unref(objectRoot)
}

func TestSecondFlushStagesSupersededBlock(t *testing.T) {
	env := testSetup(t, nil)
	defer testTeardown(t, env)

	tree := env.topologyTree

	dataChain, err := tree.Create(env.topologyRoot, 0x2000, 12, vlayout.TypeData, 4096)
	require.NoError(t, err)
	require.NoError(t, env.flusher.Flush())

	oldDataOffset := dataChain.Bref().DataOffset
	oldByteOffset, _ := vlayout.DecodeDataOffset(oldDataOffset)
	require.NotEqual(t, uint64(0), oldDataOffset)

	require.NoError(t, tree.Modify(dataChain))
	payload, err := dataChain.Payload()
	require.NoError(t, err)
	copy(payload, []byte("second generation"))

	require.NoError(t, env.flusher.Flush())

	// copy-on-write moved the block; rotation advanced
	newByteOffset, _ := vlayout.DecodeDataOffset(dataChain.Bref().DataOffset)
	assert.NotEqual(t, oldByteOffset, newByteOffset)
	assert.Equal(t, uint64(2), env.flusher.FlushStatus().CommitCounter)

	// the superseded block is STAGED, not FREE: the allocator never hands
	// it out before a bulkfree scan completes
	probeOffset, err := env.volumeFreemap.Allocate(12, vlayout.TypeData)
	require.NoError(t, err)
	probeByteOffset, _ := vlayout.DecodeDataOffset(probeOffset)
	assert.NotEqual(t, oldByteOffset, probeByteOffset)

	tree.Unref(dataChain)
}

func TestSplitPreservesCommittedChildrenAcrossFlush(t *testing.T) {
	env := testSetup(t, nil)
	defer testTeardown(t, env)

	tree := env.topologyTree

	objectRoot, err := tree.Create(env.topologyRoot, 0x10000000, 28, vlayout.TypeObjectRoot, vlayout.BaseBlockSize)
	require.NoError(t, err)

	// fill the object root's 128-slot array and commit it
	for childNumber := uint64(0); childNumber < 128; childNumber++ {
		childChain, createErr := tree.Create(objectRoot, 0x10000000+childNumber*0x1000, 12, vlayout.TypeData, 4096)
		require.NoError(t, createErr)
		payload, payloadErr := childChain.Payload()
		require.NoError(t, payloadErr)
		copy(payload, fmt.Sprintf("child %v", childNumber))
		tree.Unref(childChain)
	}
	require.NoError(t, env.flusher.Flush())

	// the 129th child splits the full parent, relocating a batch of its
	// clean committed siblings under a fresh indirect
	childChain, err := tree.Create(objectRoot, 0x10000000+128*0x1000, 12, vlayout.TypeData, 4096)
	require.NoError(t, err)
	tree.Unref(childChain)
	require.NoError(t, env.flusher.Flush())

	// a cold attach of the committed generation still finds every key
	header := env.flusher.Header()
	coldTree := chain.NewChainTree("TestVolumeCold", env.device, header.ReservedToTid)
	coldRoot, err := coldTree.AttachRoot(&header.RootBlockRefs[0])
	require.NoError(t, err)

	coldObjectRoot, err := coldTree.Lookup(coldRoot, 0x10000000, 28)
	require.NoError(t, err)
	for childNumber := uint64(0); childNumber <= 128; childNumber++ {
		childKey := 0x10000000 + childNumber*0x1000
		foundChain, lookupErr := coldTree.Lookup(coldObjectRoot, childKey, 12)
		require.NoError(t, lookupErr, "key 0x%016X unreachable in the committed generation", childKey)
		assert.Equal(t, childKey, foundChain.Bref().Key)
		coldTree.Unref(foundChain)
	}
	require.NoError(t, coldTree.DropAll())
}

func TestFlushWithNothingDirtyStillCommits(t *testing.T) {
	env := testSetup(t, nil)
	defer testTeardown(t, env)

	require.NoError(t, env.flusher.Flush())
	require.NoError(t, env.flusher.Flush())

	flushStatus := env.flusher.FlushStatus()
	assert.Equal(t, uint64(2), flushStatus.CommitCounter)
	assert.NoError(t, flushStatus.LastErr)

	header, err := testReadHeaderSlot(t, env, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), header.CommitCounter)
}

func TestFlushSurfacesInjectedWriteErrors(t *testing.T) {
	env := testSetup(t, nil)
	defer testTeardown(t, env)

	tree := env.topologyTree

	dataChain, err := tree.Create(env.topologyRoot, 0x3000, 12, vlayout.TypeData, 4096)
	require.NoError(t, err)

	env.device.InjectWriteError(fmt.Errorf("device gone"))
	err = env.flusher.Flush()
	require.Error(t, err)
	require.Error(t, env.flusher.FlushStatus().LastErr)

	// the failed cycle never advanced the committed generation
	assert.Equal(t, uint64(0), env.flusher.FlushStatus().CommitCounter)

	// once the device recovers, the retained dirty buffers commit cleanly
	env.device.InjectWriteError(nil)
	require.NoError(t, env.flusher.Flush())
	assert.Equal(t, uint64(1), env.flusher.FlushStatus().CommitCounter)

	tree.Unref(dataChain)
}

func TestCommitCrashBeforeHeaderKeepsOldGeneration(t *testing.T) {
	env := testSetup(t, nil)
	defer testTeardown(t, env)

	tree := env.topologyTree

	dataChain, err := tree.Create(env.topologyRoot, 0x4000, 12, vlayout.TypeData, 4096)
	require.NoError(t, err)

	haltFired := false
	halter.ConfigureTestModeHaltCB(func(err error) {
		haltFired = true
		panic("commit-halt")
	})
	halter.Arm("flusher.commit_BeforeHeader", 1)

	func() {
		defer func() {
			require.NotNil(t, recover())
		}()
		_ = env.flusher.Flush()
	}()
	require.True(t, haltFired)
	halter.ConfigureTestModeHaltCB(nil)

	// the new header slot was never written; a mount would keep reading
	// the previous generation
	_, err = testReadHeaderSlot(t, env, 1)
	require.Error(t, err)
	assert.Equal(t, uint64(0), env.flusher.Header().CommitCounter)

	tree.Unref(dataChain)
}

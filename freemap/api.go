// Package freemap implements the hierarchical free-space allocator of a
// StrataFS volume.
//
// Space is tracked in 32KiB leaves of 256 region descriptors, each region
// covering 4MiB in 256 base blocks of 16KiB with two state bits per block
// (FREE, RESERVED, STAGED, ALLOCATED). Leaves and the freemap nodes above
// them live in chains of their own chain tree, exactly like topology
// blocks, but their storage rotates through per-zone self-storage slots
// reserved at format time rather than coming from the general pool. An
// older freemap generation therefore stays intact if the newest self-slot
// write is torn.
//
// Allocation is hint driven: the last successful offset per block type
// seeds a forward-then-backward scan of the hinted leaf. After enough
// failed hint scans the allocator enters relaxed mode and accepts any
// region of any leaf. Sub-16KiB classes carve blocks linearly out of
// regions bound to the class via the region's Linear cursor.
//
// Reclamation of committed blocks is lazy: StageRelease() only moves a
// block ALLOCATED->STAGED. STAGED counts as allocated until pass 3 of a
// completed Bulkfree() scan frees it, so a crash mid-scan never frees a
// live block.
//
package freemap

import (
	"github.com/stratafs/stratafs/bucketstats"
	"github.com/stratafs/stratafs/bufcache"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/trackedlock"
	"github.com/stratafs/stratafs/vlayout"
)

type statsStruct struct {
	Allocations        bucketstats.Total
	AllocationBytes    bucketstats.BucketLog2Round
	Frees              bucketstats.Total
	StagedReleases     bucketstats.Total
	RelaxedFallbacks   bucketstats.Total
	BulkfreeScans      bucketstats.Total
	BulkfreeFreedBytes bucketstats.Average
}

// FreemapStruct is the allocator for one volume. It satisfies
// chain.AllocatorInterface.
//
type FreemapStruct struct {
	trackedlock.Mutex

	volumeName string
	device     *bufcache.DeviceCacheStruct
	tree       *chain.ChainTreeStruct
	rootChain  *chain.ChainStruct
	volumeSize uint64

	hints         map[uint8]uint64 // blockType -> last successful byteOffset
	hintMissCount uint32

	stats statsStruct
}

// NewFreemap creates the freemap of a freshly formatted volume: an empty
// root plus one leaf per zone, with the per-zone reserved areas (headers,
// self-storage slots) and any tail past volumeSize marked RESERVED.
//
func NewFreemap(volumeName string, device *bufcache.DeviceCacheStruct, volumeSize uint64, lastTid uint64) (freemap *FreemapStruct, err error) {
	freemap, err = newFreemap(volumeName, device, volumeSize, lastTid)
	return
}

// AttachFreemap materializes the freemap of a mounted volume from its
// committed root block reference.
//
func AttachFreemap(volumeName string, device *bufcache.DeviceCacheStruct, volumeSize uint64, rootBref *vlayout.BlockReferenceV1Struct, lastTid uint64) (freemap *FreemapStruct, err error) {
	freemap, err = attachFreemap(volumeName, device, volumeSize, rootBref, lastTid)
	return
}

// Close unregisters the freemap's stats. The chain tree is dropped with
// the volume.
//
func (freemap *FreemapStruct) Close() {
	bucketstats.UnRegister("freemap", freemap.volumeName)
}

// Allocate returns a DataOffset for a fresh block of 1<<radix bytes
// (radix 10..16), or blunder.NoSpaceError once even relaxed mode finds
// nothing.
//
func (freemap *FreemapStruct) Allocate(radix uint8, blockType uint8) (dataOffset uint64, err error) {
	freemap.Lock()
	dataOffset, err = freemap.allocate(radix, blockType)
	freemap.Unlock()
	return
}

// Free immediately frees a block that was never part of a committed
// topology (FREE is legal only because no committed reference exists).
//
func (freemap *FreemapStruct) Free(dataOffset uint64) (err error) {
	freemap.Lock()
	err = freemap.free(dataOffset)
	freemap.Unlock()
	return
}

// StageRelease moves a committed block ALLOCATED->STAGED. Re-staging a
// STAGED block is a no-op.
//
func (freemap *FreemapStruct) StageRelease(dataOffset uint64) (err error) {
	freemap.Lock()
	err = freemap.stageRelease(dataOffset)
	freemap.Unlock()
	return
}

// FlushSelf writes every dirty freemap chain into a fresh rotation of the
// per-zone self-storage slots (rotation selected by commitCounter) and
// returns the new root block reference for the volume header. The flush
// engine calls this strictly before committing the topology.
//
func (freemap *FreemapStruct) FlushSelf(flushTid uint64, commitCounter uint64) (rootBref *vlayout.BlockReferenceV1Struct, err error) {
	freemap.Lock()
	rootBref, err = freemap.flushSelf(flushTid, commitCounter)
	freemap.Unlock()
	return
}

// Bulkfree runs the three-pass lazy reclamation scan against the live
// topology rooted at topologyRoot:
//
//	pass 1: every ALLOCATED block becomes STAGED (idempotent on STAGED)
//	pass 2: every block referenced from the live topology returns to
//	        ALLOCATED
//	pass 3: blocks still STAGED become FREE and Avail is credited
//
// A crash between passes is safe: STAGED counts as allocated until a
// completed pass 3.
//
func (freemap *FreemapStruct) Bulkfree(topologyTree *chain.ChainTreeStruct, topologyRoot *chain.ChainStruct) (freedBytes uint64, err error) {
	freemap.Lock()
	freedBytes, err = freemap.bulkfree(topologyTree, topologyRoot)
	freemap.Unlock()
	return
}

// AvailBytes sums the allocatable bytes remaining across every region of
// every zone. Debug tooling and capacity reporting use it; the figure is
// advisory (sub-16KiB frees credit Avail ahead of the block's actual
// reclamation by Bulkfree()).
//
func (freemap *FreemapStruct) AvailBytes() (availBytes uint64, err error) {
	freemap.Lock()
	availBytes, err = freemap.availBytes()
	freemap.Unlock()
	return
}

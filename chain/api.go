// Package chain implements the in-memory cache of block references for one
// mounted volume: the chain manager.
//
// A chain is the in-memory handle for one on-disk BlockReference plus,
// optionally, its cached payload. Chains form a tree mirroring the on-disk
// topology: the volume root at the top, indirects below it, data and dirent
// leaves at the bottom. Children are tracked per parent in a sorted map
// keyed by the child's Key; sibling key ranges [Key, Key+2^KeyBits) never
// overlap.
//
// Chains are refcounted. A chain with refcount zero holds no children and
// no dirty state; its arena slot is recycled. Each chain carries a
// re-entrant shared/exclusive lock owned by CallerID, so a caller may
// re-acquire a lock it already holds without deadlocking.
//
// Modifications go through the copy-on-write gate (Modify): most chains get
// a freshly allocated block with the payload copied forward and the old
// block queued for release; qualifying data/dirent leaves may be
// overwritten in place. Either way the chain is stamped with a new
// ModifyTid, marked dirty, and the SubModified marker is propagated toward
// the root, stopping at TypeObjectRoot flush-domain boundaries.
//
package chain

import (
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"

	"github.com/stratafs/stratafs/bufcache"
	"github.com/stratafs/stratafs/trackedlock"
	"github.com/stratafs/stratafs/vlayout"
)

// ChainIndex is the arena handle of a chain within its tree.
//
type ChainIndex uint32

// ChainIndexNone is the nil ChainIndex (a root chain's parent).
//
const ChainIndexNone = ChainIndex(0xFFFFFFFF)

// CallerID identifies a lock requester across re-entrant acquisitions.
// Generate one per logical operation with GenerateCallerID().
//
type CallerID *uint64

// AllocatorInterface is the free-space allocator consumed by the
// copy-on-write path. The freemap implements it; tests may substitute a
// stub.
//
type AllocatorInterface interface {
	// Allocate returns a DataOffset (offset|radix per vlayout) for a fresh
	// block of 1<<radix bytes, or blunder.NoSpaceError.
	Allocate(radix uint8, blockType uint8) (dataOffset uint64, err error)

	// Free immediately frees a block that was never part of a committed
	// topology.
	Free(dataOffset uint64) (err error)

	// StageRelease moves a committed block's state ALLOCATED->STAGED; the
	// space returns to FREE only via a completed bulkfree scan.
	StageRelease(dataOffset uint64) (err error)
}

// per-chain state flags
const (
	chainFlagDirty uint32 = 1 << iota
	chainFlagSubModified
	chainFlagPayloadValid
	chainFlagMaterialized // bref was read from a committed parent
)

// ChainStruct is the in-memory handle for one BlockReference.
//
type ChainStruct struct {
	tree        *ChainTreeStruct
	chainIndex  ChainIndex
	parentIndex ChainIndex
	bref        vlayout.BlockReferenceV1Struct
	children    sortedmap.LLRBTree // child Key (uint64) -> ChainIndex
	lookupHint  ChainIndex         // last child returned by Lookup()
	refCnt      uint32
	flags       uint32
	payload     []byte // cached uncompressed payload
	stickyErr   error  // sticky resolve/check failure
	lock        chainLockStruct
}

// ChainTreeStruct owns every chain of one mounted volume. There is no
// package-global chain state; each tree is independent.
//
type ChainTreeStruct struct {
	trackedlock.Mutex // guards arena, freeList, dirtyDomains, pendingReleases

	volumeName string
	device     *bufcache.DeviceCacheStruct
	allocator  AllocatorInterface

	arena    []*ChainStruct
	freeList []ChainIndex

	tidCounter          uint64 // atomic; last issued tid
	snapshotBoundaryTid uint64 // atomic; COW boundary
	emergencyMode       uint32 // atomic; 1 == in-place overwrite permitted

	// object roots with modifications pending below them; flush scanning
	// seeds its worklist from these in addition to the volume root
	dirtyDomains map[ChainIndex]struct{}

	// committed blocks superseded by COW, to be staged for release once
	// the superseding flush commits
	pendingReleases []uint64
}

// NewChainTree creates the (empty) chain tree for one volume. The
// allocator may be nil until SetAllocator(); the freemap's own chains live
// in a tree that is created before the freemap exists.
//
func NewChainTree(volumeName string, device *bufcache.DeviceCacheStruct, lastTid uint64) (tree *ChainTreeStruct) {
	tree = &ChainTreeStruct{
		volumeName:   volumeName,
		device:       device,
		tidCounter:   lastTid,
		dirtyDomains: make(map[ChainIndex]struct{}),
	}
	return
}

// SetAllocator wires in the free-space allocator.
//
func (tree *ChainTreeStruct) SetAllocator(allocator AllocatorInterface) {
	tree.allocator = allocator
}

// GenerateCallerID returns a fresh lock-owner identity.
//
func GenerateCallerID() (callerID CallerID) {
	callerID = new(uint64)
	return
}

// NextTid issues the next transaction id.
//
func (tree *ChainTreeStruct) NextTid() (tid uint64) {
	tid = atomic.AddUint64(&tree.tidCounter, 1)
	return
}

// CurrentTid returns the last issued transaction id.
//
func (tree *ChainTreeStruct) CurrentTid() (tid uint64) {
	tid = atomic.LoadUint64(&tree.tidCounter)
	return
}

// SnapshotBoundary records the current tid as the copy-on-write boundary:
// blocks last modified at or before it are preserved by subsequent
// modifications.
//
func (tree *ChainTreeStruct) SnapshotBoundary() (boundaryTid uint64) {
	boundaryTid = atomic.LoadUint64(&tree.tidCounter)
	atomic.StoreUint64(&tree.snapshotBoundaryTid, boundaryTid)
	return
}

// SetEmergencyMode enables or disables emergency in-place overwrite. This
// breaks snapshot preservation and exists only as a last resort on a full
// volume; every overwrite taken under it is logged.
//
func (tree *ChainTreeStruct) SetEmergencyMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&tree.emergencyMode, 1)
	} else {
		atomic.StoreUint32(&tree.emergencyMode, 0)
	}
}

// AttachRoot materializes a root chain (volume root or freemap root) from
// a committed BlockReference, typically one of the volume header's root
// slots. The returned chain holds one reference.
//
func (tree *ChainTreeStruct) AttachRoot(bref *vlayout.BlockReferenceV1Struct) (rootChain *ChainStruct, err error) {
	rootChain, err = tree.attachRoot(bref)
	return
}

// NewRootChain creates a fresh, dirty root chain (format and first-mount
// paths). The returned chain holds one reference.
//
func (tree *ChainTreeStruct) NewRootChain(blockType uint8, payloadSize uint64) (rootChain *ChainStruct, err error) {
	rootChain, err = tree.newRootChain(blockType, payloadSize)
	return
}

// Lookup finds the child of parent covering [key, key+2^keyBits) by merged
// scan of the in-memory child map and the parent's on-disk blockref array,
// materializing disk-only children on demand. The caller must hold
// parent's lock (shared suffices). The returned chain has its refcount
// bumped; Unref() when done.
//
func (tree *ChainTreeStruct) Lookup(parent *ChainStruct, key uint64, keyBits uint8) (child *ChainStruct, err error) {
	child, err = tree.lookup(parent, key, keyBits)
	return
}

// Create inserts a new chain covering [key, key+2^keyBits) under parent,
// splitting the parent's reference space via an intermediate indirect
// chain if its capacity is exhausted. The caller must hold parent's lock
// exclusive. The returned chain is dirty and holds one reference.
//
func (tree *ChainTreeStruct) Create(parent *ChainStruct, key uint64, keyBits uint8, blockType uint8, payloadSize uint64) (child *ChainStruct, err error) {
	child, err = tree.create(parent, key, keyBits, blockType, payloadSize)
	return
}

// Modify passes chain through the copy-on-write gate and marks it
// modified under a fresh tid. The caller must hold chain's lock exclusive.
// After Modify returns the chain's payload may be freely rewritten until
// the next flush.
//
func (tree *ChainTreeStruct) Modify(chain *ChainStruct) (err error) {
	err = tree.modify(chain)
	return
}

// Delete detaches chain from parent and drops the caller's reference.
// permanent additionally queues the backing block for release at the next
// commit. The caller must hold both locks exclusive.
//
func (tree *ChainTreeStruct) Delete(parent *ChainStruct, chain *ChainStruct, permanent bool) (err error) {
	err = tree.deleteChain(parent, chain, permanent)
	return
}

// Ref takes an additional reference.
//
func (tree *ChainTreeStruct) Ref(chain *ChainStruct) {
	tree.Lock()
	chain.refCnt++
	tree.Unlock()
}

// Unref drops a reference; at zero the chain must hold no children and no
// dirty state (asserted) and its arena slot is recycled.
//
func (tree *ChainTreeStruct) Unref(chain *ChainStruct) {
	tree.unref(chain)
}

// Payload faults in (and verifies) the chain's payload if needed and
// returns it. A check failure is sticky: every subsequent Payload() call
// returns the same blunder.CheckError until the chain is dropped.
//
func (chain *ChainStruct) Payload() (payload []byte, err error) {
	payload, err = chain.resolvePayload()
	return
}

// Bref returns the chain's block reference for inspection and for the
// flush engine's slot rewrite.
//
func (chain *ChainStruct) Bref() (bref *vlayout.BlockReferenceV1Struct) {
	bref = &chain.bref
	return
}

// Parent returns the chain's current parent (nil for roots).
//
func (chain *ChainStruct) Parent() (parent *ChainStruct) {
	parent = chain.tree.chainByIndex(chain.parentIndex)
	return
}

// IsDirty reports whether the chain's own payload/bref needs writing.
//
func (chain *ChainStruct) IsDirty() (dirty bool) {
	dirty = 0 != chain.flags&chainFlagDirty
	return
}

// IsSubModified reports whether anything at or below this chain is dirty.
//
func (chain *ChainStruct) IsSubModified() (subModified bool) {
	subModified = 0 != chain.flags&(chainFlagDirty|chainFlagSubModified)
	return
}

// WriteBack persists a dirty chain's payload (compress, allocate if
// unbound, write, recompute check code) and stamps MirrorTid. The flush
// engine calls this bottom-up; the caller holds chain's lock exclusive.
//
func (tree *ChainTreeStruct) WriteBack(chain *ChainStruct, flushTid uint64) (err error) {
	err = tree.writeBack(chain, flushTid)
	return
}

// RewriteChildSlot re-marshals child's (just written-back) bref into
// parent's block reference array, stamping UpdateTid. The parent must be
// dirty; the caller holds both locks exclusive.
//
func (tree *ChainTreeStruct) RewriteChildSlot(parent *ChainStruct, child *ChainStruct, updateTid uint64) (err error) {
	err = tree.rewriteChildSlot(parent, child, updateTid)
	return
}

// CachedChildren returns the in-memory children of parent, each holding an
// extra reference for the caller to Unref().
//
func (tree *ChainTreeStruct) CachedChildren(parent *ChainStruct) (children []*ChainStruct, err error) {
	children, err = tree.cachedChildren(parent)
	return
}

// MaterializeChildren brings every on-disk child of parent into the cache
// and returns the full child set, each holding an extra reference for the
// caller to Unref(). The bulkfree topology walk uses this to visit
// committed subtrees that were never faulted in.
//
func (tree *ChainTreeStruct) MaterializeChildren(parent *ChainStruct) (children []*ChainStruct, err error) {
	var (
		parentPayload []byte
	)

	parentPayload, err = parent.resolvePayload()
	if nil != err {
		return
	}
	err = tree.materializeAllChildren(parent, parentPayload)
	if nil != err {
		return
	}
	children, err = tree.cachedChildren(parent)
	return
}

// ClearSubModified drops chain's SubModified marker once its subtree has
// been flushed.
//
func (tree *ChainTreeStruct) ClearSubModified(chain *ChainStruct) {
	tree.clearSubModified(chain)
}

// DrainPendingReleases hands over (and resets) the queue of committed
// block offsets superseded by copy-on-write. The flush engine stages them
// for release after the superseding commit lands.
//
func (tree *ChainTreeStruct) DrainPendingReleases() (dataOffsets []uint64) {
	dataOffsets = tree.drainPendingReleases()
	return
}

// DirtyDomainRoots returns the object roots registered as having pending
// modifications below them, each holding an extra reference for the caller
// to Unref().
//
func (tree *ChainTreeStruct) DirtyDomainRoots() (domainRoots []*ChainStruct) {
	domainRoots = tree.dirtyDomainRoots()
	return
}

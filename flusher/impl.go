package flusher

import (
	"sync/atomic"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/halter"
	"github.com/stratafs/stratafs/vlayout"
)

// maxDomainPasses bounds the repeated drain of dirty object-root domains
// (linking a flushed domain into its parent can register the next one up).
const maxDomainPasses = 16

func (flusher *FlusherStruct) flush() (err error) {
	var (
		aggregateErr error
		domainPass   int
		domainRoots  []*chain.ChainStruct
		flushTid     uint64
		subErr       error
	)

	tree := flusher.topologyTree

	atomic.StoreUint32(&flusher.state, uint32(FlushStateScanning))

	// high-water mark: chains modified after this are the next cycle's
	flushTid = tree.CurrentTid()

	// chains the engine itself dirtied (slot rewrites); they are part of
	// this cycle even though their ModifyTid now exceeds flushTid
	flushInduced := make(map[*chain.ChainStruct]struct{})

	atomic.StoreUint32(&flusher.state, uint32(FlushStatePropagating))

	for domainPass = 0; domainPass < maxDomainPasses; domainPass++ {
		domainRoots = tree.DirtyDomainRoots()
		if 0 == len(domainRoots) {
			break
		}
		for _, domainRoot := range domainRoots {
			subErr = flusher.flushSubtree(domainRoot, flushTid, flushInduced)
			aggregateErr = blunder.Or(aggregateErr, subErr)
			if nil == subErr {
				aggregateErr = blunder.Or(aggregateErr, flusher.linkDomainRoot(domainRoot, flushTid, flushInduced))
			}
			tree.Unref(domainRoot)
		}
	}

	subErr = flusher.flushSubtree(flusher.topologyRoot, flushTid, flushInduced)
	aggregateErr = blunder.Or(aggregateErr, subErr)

	atomic.StoreUint32(&flusher.state, uint32(FlushStateCommitting))

	subErr = flusher.commit(flushTid)
	if nil != subErr {
		flusher.stats.CommitFailures.Increment()
	}
	aggregateErr = blunder.Or(aggregateErr, subErr)

	atomic.StoreUint32(&flusher.state, uint32(FlushStateIdle))
	flusher.stats.FlushCycles.Increment()

	flusher.Lock()
	flusher.lastErr = aggregateErr
	if nil != aggregateErr && blunder.Is(aggregateErr, blunder.NoSpaceError) {
		flusher.degradedNoSpace = true
	}
	flusher.Unlock()

	err = aggregateErr
	return
}

// flushFrameStruct is one level of the explicit propagation stack.
type flushFrameStruct struct {
	frameChain *chain.ChainStruct
	children   []*chain.ChainStruct
	nextChild  int
}

// flushSubtree drains one flush domain bottom-up, retrying (bounded) if
// the subtree is re-dirtied mid-flush by chains within the high-water
// mark.
//
func (flusher *FlusherStruct) flushSubtree(subtreeRoot *chain.ChainStruct, flushTid uint64, flushInduced map[*chain.ChainStruct]struct{}) (err error) {
	var (
		remainedDirty bool
		retryIndex    uint16
	)

	for retryIndex = 0; retryIndex <= globals.subtreeRetryLimit; retryIndex++ {
		remainedDirty, err = flusher.flushSubtreeOnce(subtreeRoot, flushTid, flushInduced)
		if nil != err {
			return
		}
		if !subtreeRoot.IsSubModified() || remainedDirty {
			// done, or the leftovers are beyond the high-water mark
			err = nil
			return
		}
		flusher.stats.SubtreeRetries.Increment()
	}

	err = blunder.NewError(blunder.RetryNeededError,
		"flush of volume %s: subtree re-dirtied %v times", flusher.volumeName, globals.subtreeRetryLimit)
	return
}

// flushSubtreeOnce is a single bottom-up pass: an explicit postorder
// stack, no recursion. remainedDirty reports chains left for the next
// cycle (modified past the high-water mark or failed to write).
func (flusher *FlusherStruct) flushSubtreeOnce(subtreeRoot *chain.ChainStruct, flushTid uint64, flushInduced map[*chain.ChainStruct]struct{}) (remainedDirty bool, err error) {
	var (
		aggregateErr error
		frame        *flushFrameStruct
		stack        []*flushFrameStruct
		subRemained  map[*chain.ChainStruct]bool
	)

	tree := flusher.topologyTree
	subRemained = make(map[*chain.ChainStruct]bool)

	pushFrame := func(frameChain *chain.ChainStruct) (pushErr error) {
		allChildren, pushErr := tree.CachedChildren(frameChain)
		if nil != pushErr {
			return
		}
		eligible := make([]*chain.ChainStruct, 0, len(allChildren))
		for _, childChain := range allChildren {
			_, induced := flushInduced[childChain]
			if childChain.IsSubModified() || induced {
				eligible = append(eligible, childChain)
			} else {
				tree.Unref(childChain)
			}
		}
		stack = append(stack, &flushFrameStruct{frameChain: frameChain, children: eligible})
		return
	}

	unwindStack := func() {
		for frameIndex, leftoverFrame := range stack {
			if 0 != frameIndex {
				// ref held through the parent frame's children slice
				tree.Unref(leftoverFrame.frameChain)
			}
			for childIndex := leftoverFrame.nextChild; childIndex < len(leftoverFrame.children); childIndex++ {
				tree.Unref(leftoverFrame.children[childIndex])
			}
		}
	}

	err = pushFrame(subtreeRoot)
	if nil != err {
		return
	}

	for 0 != len(stack) {
		frame = stack[len(stack)-1]

		if frame.nextChild < len(frame.children) {
			childChain := frame.children[frame.nextChild]
			frame.nextChild++
			err = pushFrame(childChain)
			if nil != err {
				frame.nextChild-- // childChain not yet handed to a frame
				unwindStack()
				return
			}
			continue
		}

		// every child subtree handled; write the dirty ones and rewrite
		// their slots here
		stack = stack[:len(stack)-1]
		frameRemained := false

		for _, childChain := range frame.children {
			childRemained := subRemained[childChain]

			if childChain.IsDirty() {
				_, induced := flushInduced[childChain]
				if childChain.Bref().ModifyTid <= flushTid || induced {
					// child before parent, both exclusive
					childChain.LockExclusive(flusher.callerID)
					writeErr := tree.WriteBack(childChain, flushTid)
					if nil != writeErr {
						aggregateErr = blunder.Or(aggregateErr, writeErr)
						childRemained = true
					} else {
						flusher.stats.ChainsWritten.Increment()
						frame.frameChain.LockExclusive(flusher.callerID)
						if !frame.frameChain.IsDirty() {
							writeErr = tree.Modify(frame.frameChain)
							if nil != writeErr {
								aggregateErr = blunder.Or(aggregateErr, writeErr)
							}
							flushInduced[frame.frameChain] = struct{}{}
						}
						writeErr = tree.RewriteChildSlot(frame.frameChain, childChain, flushTid)
						if nil != writeErr {
							aggregateErr = blunder.Or(aggregateErr, writeErr)
							childRemained = true
						}
						frame.frameChain.Unlock(flusher.callerID)
					}
					childChain.Unlock(flusher.callerID)
				} else {
					// modified past the high-water mark
					childRemained = true
				}
			}

			if childRemained {
				frameRemained = true
			} else {
				tree.ClearSubModified(childChain)
			}
			tree.Unref(childChain)
		}

		subRemained[frame.frameChain] = subRemained[frame.frameChain] || frameRemained
	}

	// the subtree root's own block
	if subtreeRoot.IsDirty() {
		_, induced := flushInduced[subtreeRoot]
		if subtreeRoot.Bref().ModifyTid <= flushTid || induced {
			subtreeRoot.LockExclusive(flusher.callerID)
			writeErr := tree.WriteBack(subtreeRoot, flushTid)
			subtreeRoot.Unlock(flusher.callerID)
			if nil != writeErr {
				aggregateErr = blunder.Or(aggregateErr, writeErr)
				subRemained[subtreeRoot] = true
			} else {
				flusher.stats.ChainsWritten.Increment()
			}
		} else {
			subRemained[subtreeRoot] = true
		}
	}
	if !subRemained[subtreeRoot] {
		tree.ClearSubModified(subtreeRoot)
	}

	err = aggregateErr
	remainedDirty = subRemained[subtreeRoot]
	return
}

// linkDomainRoot rewrites a flushed object root's bref into its parent,
// dirtying the parent so the enclosing domain carries the update.
func (flusher *FlusherStruct) linkDomainRoot(domainRoot *chain.ChainStruct, flushTid uint64, flushInduced map[*chain.ChainStruct]struct{}) (err error) {
	var (
		parentChain *chain.ChainStruct
	)

	tree := flusher.topologyTree

	parentChain = domainRoot.Parent()
	if nil == parentChain {
		err = nil
		return
	}

	domainRoot.LockExclusive(flusher.callerID)
	parentChain.LockExclusive(flusher.callerID)

	if !parentChain.IsDirty() {
		err = tree.Modify(parentChain)
		if nil != err {
			parentChain.Unlock(flusher.callerID)
			domainRoot.Unlock(flusher.callerID)
			return
		}
		flushInduced[parentChain] = struct{}{}
	}

	err = tree.RewriteChildSlot(parentChain, domainRoot, flushTid)

	parentChain.Unlock(flusher.callerID)
	domainRoot.Unlock(flusher.callerID)
	return
}

// commit writes the freemap (strictly first), syncs, then writes the next
// rotating volume-header slot.
func (flusher *FlusherStruct) commit(flushTid uint64) (err error) {
	var (
		freemapRootBref  *vlayout.BlockReferenceV1Struct
		headerBuf        []byte
		newCommitCounter uint64
		newHeader        vlayout.VolumeHeaderV1Struct
		slotOffset       uint64
	)

	tree := flusher.topologyTree

	halter.Trigger(halter.FlusherCommitBeforeFreemap)

	newCommitCounter = flusher.header.CommitCounter + 1

	freemapRootBref, err = flusher.volumeFreemap.FlushSelf(flushTid, newCommitCounter)
	if nil != err {
		return
	}

	halter.Trigger(halter.FlusherCommitAfterFreemap)

	// the freemap generation must be durable before any header points at it
	err = flusher.device.FlushAll()
	if nil != err {
		return
	}
	err = flusher.device.Sync()
	if nil != err {
		return
	}

	halter.Trigger(halter.FlusherCommitBeforeTopology)

	err = flusher.device.FlushAll()
	if nil != err {
		return
	}
	err = flusher.device.Sync()
	if nil != err {
		return
	}

	halter.Trigger(halter.FlusherCommitBeforeHeader)

	newHeader = flusher.header
	newHeader.CommitCounter = newCommitCounter
	newHeader.MirrorTid = flushTid
	newHeader.FreemapTid = flushTid
	newHeader.ReservedToTid = flushTid + globals.tidReserveWindow
	for slotIndex := range newHeader.RootBlockRefs {
		newHeader.RootBlockRefs[slotIndex] = *flusher.topologyRoot.Bref()
		newHeader.FreemapBlockRefs[slotIndex] = *freemapRootBref
	}

	headerBuf, err = newHeader.MarshalVolumeHeaderV1()
	if nil != err {
		return
	}

	slotOffset = vlayout.VolumeHeaderOffset(newCommitCounter)
	bufferHandle, err := flusher.device.GetForWrite(slotOffset, vlayout.VolumeHeaderSlotSize)
	if nil != err {
		return
	}
	copy(bufferHandle.Data, headerBuf)
	err = flusher.device.Put(bufferHandle, true)
	if nil != err {
		return
	}
	err = flusher.device.FlushRange(slotOffset, vlayout.VolumeHeaderSlotSize)
	if nil != err {
		return
	}
	err = flusher.device.Sync()
	if nil != err {
		return
	}

	halter.Trigger(halter.FlusherCommitAfterHeader)

	flusher.Lock()
	flusher.header = newHeader
	flusher.Unlock()

	// the generation superseding these blocks is durable; stage them
	for _, dataOffset := range tree.DrainPendingReleases() {
		err = flusher.volumeFreemap.StageRelease(dataOffset)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

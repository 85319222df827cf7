package chain

import (
	"sync/atomic"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/vlayout"
)

// modify is the copy-on-write gate. On return the chain is dirty under a
// fresh ModifyTid and its payload may be rewritten freely until the next
// flush. The backing block is preserved (queued for staged release) unless
// the chain qualifies for overwrite-in-place.
//
func (tree *ChainTreeStruct) modify(chain *ChainStruct) (err error) {
	var (
		committed bool
		inPlace   bool
		leaf      bool
		oldOffset uint64
	)

	if 0 != chain.flags&chainFlagDirty {
		// already writable this generation; just restamp
		chain.bref.ModifyTid = tree.NextTid()
		tree.markModified(chain)
		err = nil
		return
	}

	if 0 == chain.bref.DataOffset || 0 != chain.bref.Flags&vlayout.BrefFlagEmbedded {
		// nothing on disk to preserve
		chain.bref.ModifyTid = tree.NextTid()
		tree.markModified(chain)
		err = nil
		return
	}

	leaf = (vlayout.TypeData == chain.bref.Type) || (vlayout.TypeDirent == chain.bref.Type)
	inPlace = leaf &&
		(vlayout.CheckMethodNone == chain.bref.CheckMethod()) &&
		(chain.bref.ModifyTid > atomic.LoadUint64(&tree.snapshotBoundaryTid))

	if !inPlace && 1 == atomic.LoadUint32(&tree.emergencyMode) {
		logger.Warnf("EMERGENCY overwrite-in-place of chain %v key 0x%016X at DataOffset 0x%016X on volume %s: snapshot preservation is broken",
			chain.chainIndex, chain.bref.Key, chain.bref.DataOffset, tree.volumeName)
		inPlace = true
	}

	if !inPlace {
		// copy the payload forward before the block identity changes
		_, err = chain.resolvePayload()
		if nil != err {
			return
		}

		oldOffset = chain.bref.DataOffset
		committed = (0 != chain.flags&chainFlagMaterialized) || (0 != chain.bref.MirrorTid)
		if committed {
			tree.Lock()
			tree.pendingReleases = append(tree.pendingReleases, oldOffset)
			tree.Unlock()
		} else if nil != tree.allocator {
			err = tree.allocator.Free(oldOffset)
			if nil != err {
				return
			}
		}

		chain.bref.DataOffset = 0
		if nil != tree.allocator {
			_, radix := vlayout.DecodeDataOffset(oldOffset)
			chain.bref.DataOffset, err = tree.allocator.Allocate(radix, chain.bref.Type)
			if nil != err {
				return
			}
		}
	}

	chain.bref.ModifyTid = tree.NextTid()
	tree.markModified(chain)

	err = nil
	return
}

// markModified sets the chain dirty and propagates the SubModified marker
// parent-ward, stopping at (and registering) the nearest TypeObjectRoot
// flush-domain boundary.
//
func (tree *ChainTreeStruct) markModified(chain *ChainStruct) {
	var (
		ancestor      *ChainStruct
		ancestorIndex ChainIndex
	)

	tree.Lock()

	chain.flags |= chainFlagDirty

	if vlayout.TypeObjectRoot == chain.bref.Type {
		tree.dirtyDomains[chain.chainIndex] = struct{}{}
		tree.Unlock()
		return
	}

	ancestorIndex = chain.parentIndex
	for ChainIndexNone != ancestorIndex {
		ancestor = tree.arena[ancestorIndex]
		if 0 != ancestor.flags&chainFlagSubModified {
			break
		}
		ancestor.flags |= chainFlagSubModified
		if vlayout.TypeObjectRoot == ancestor.bref.Type {
			tree.dirtyDomains[ancestor.chainIndex] = struct{}{}
			break
		}
		ancestorIndex = ancestor.parentIndex
	}

	tree.Unlock()
}

// writeBack persists a dirty chain's payload: compress, allocate a block
// if none is bound, write through bufcache, recompute the check code over
// the stored block, and stamp MirrorTid. Embedded payloads only update the
// bref. The caller (the flush engine) holds the chain exclusive.
//
func (tree *ChainTreeStruct) writeBack(chain *ChainStruct, flushTid uint64) (err error) {
	var (
		blockSize    uint64
		byteOffset   uint64
		compressed   []byte
		compOK       bool
		payload      []byte
		radix        uint8
		stored       []byte
		storedComp   uint8
	)

	if 0 == chain.flags&chainFlagDirty {
		err = nil
		return
	}
	if nil != chain.stickyErr {
		err = chain.stickyErr
		return
	}

	payload, err = chain.resolvePayload()
	if nil != err {
		return
	}

	if 0 != chain.bref.Flags&vlayout.BrefFlagEmbedded {
		for embIndex := range chain.bref.Embedded {
			chain.bref.Embedded[embIndex] = 0
		}
		copy(chain.bref.Embedded[:], payload)
		chain.bref.MirrorTid = flushTid
		tree.Lock()
		chain.flags &^= chainFlagDirty
		tree.Unlock()
		err = nil
		return
	}

	storedComp = chain.bref.CompMethod()
	compressed, compOK, err = vlayout.CompressPayload(storedComp, payload)
	if nil != err {
		return
	}
	if compOK && (4+len(compressed)) < len(payload) {
		stored = make([]byte, 4+len(compressed))
		stored[0] = byte(len(compressed))
		stored[1] = byte(len(compressed) >> 8)
		stored[2] = byte(len(compressed) >> 16)
		stored[3] = byte(len(compressed) >> 24)
		copy(stored[4:], compressed)
	} else {
		storedComp = vlayout.CompMethodNone
		stored = payload
	}

	if 0 == chain.bref.DataOffset {
		if nil == tree.allocator {
			err = blunder.NewError(blunder.InvalidArgError,
				"writeBack(): chain %v key 0x%016X has no block and no allocator", chain.chainIndex, chain.bref.Key)
			return
		}
		radix = ceilLog2(uint64(len(stored)))
		if radix < vlayout.MinAllocRadix {
			radix = vlayout.MinAllocRadix
		}
		if radix > vlayout.MaxAllocRadix {
			radix = vlayout.MaxAllocRadix
		}
		chain.bref.DataOffset, err = tree.allocator.Allocate(radix, chain.bref.Type)
		if nil != err {
			return
		}
	}

	byteOffset, radix = vlayout.DecodeDataOffset(chain.bref.DataOffset)
	blockSize = uint64(1) << radix
	if uint64(len(stored)) > blockSize {
		// the compressed form plus prefix outgrew the block; store raw
		storedComp = vlayout.CompMethodNone
		stored = payload
	}

	bufferHandle, err := tree.device.GetForWrite(byteOffset, blockSize)
	if nil != err {
		return
	}
	for byteIndex := range bufferHandle.Data {
		bufferHandle.Data[byteIndex] = 0
	}
	copy(bufferHandle.Data, stored)

	chain.bref.Methods = vlayout.EncodeMethods(chain.bref.CheckMethod(), storedComp)
	chain.bref.Check, err = vlayout.ComputeCheck(chain.bref.CheckMethod(), bufferHandle.Data)
	if nil != err {
		_ = tree.device.Put(bufferHandle, false)
		return
	}

	err = tree.device.Put(bufferHandle, true)
	if nil != err {
		return
	}

	chain.bref.MirrorTid = flushTid
	tree.Lock()
	chain.flags &^= chainFlagDirty
	tree.Unlock()

	err = nil
	return
}

// rewriteChildSlot re-marshals child's bref into parent's block reference
// array, stamping UpdateTid. The parent must already be dirty (the flush
// engine passes it through Modify() before rewriting slots).
//
func (tree *ChainTreeStruct) rewriteChildSlot(parent *ChainStruct, child *ChainStruct, updateTid uint64) (err error) {
	var (
		brefBuf       []byte
		freeSlotIndex int
		parentPayload []byte
		slotBref      *vlayout.BlockReferenceV1Struct
		slotCount     int
		slotIndex     int
		targetIndex   int
	)

	if 0 == parent.flags&chainFlagDirty {
		err = blunder.NewError(blunder.InvalidArgError,
			"rewriteChildSlot(): chain %v not dirty", parent.chainIndex)
		return
	}

	parentPayload, err = parent.resolvePayload()
	if nil != err {
		return
	}

	targetIndex = -1
	freeSlotIndex = -1
	slotCount = len(parentPayload) / int(vlayout.BlockReferenceSize)
	for slotIndex = 0; slotIndex < slotCount; slotIndex++ {
		slotBref, err = payloadBrefAt(parentPayload, slotIndex)
		if nil != err {
			return
		}
		if vlayout.TypeInvalid == slotBref.Type {
			if freeSlotIndex < 0 {
				freeSlotIndex = slotIndex
			}
			continue
		}
		if slotBref.Key == child.bref.Key {
			targetIndex = slotIndex
			break
		}
	}
	if targetIndex < 0 {
		targetIndex = freeSlotIndex
	}
	if targetIndex < 0 {
		err = blunder.NewError(blunder.NoSpaceError,
			"rewriteChildSlot(): chain %v block reference array full", parent.chainIndex)
		return
	}

	child.bref.UpdateTid = updateTid
	brefBuf, err = child.bref.MarshalBlockReferenceV1()
	if nil != err {
		return
	}
	copy(parentPayload[uint64(targetIndex)*vlayout.BlockReferenceSize:], brefBuf)

	err = nil
	return
}

// cachedChildren returns the in-memory children of parent, each with an
// extra reference for the caller. Clean on-disk children need no flushing
// and are not materialized.
//
func (tree *ChainTreeStruct) cachedChildren(parent *ChainStruct) (children []*ChainStruct, err error) {
	var (
		childChain  *ChainStruct
		childIndex  int
		numChildren int
		ok          bool
		value       interface{}
	)

	tree.Lock()
	defer tree.Unlock()

	numChildren, err = parent.children.Len()
	if nil != err {
		return
	}
	children = make([]*ChainStruct, 0, numChildren)
	for childIndex = 0; childIndex < numChildren; childIndex++ {
		_, value, ok, err = parent.children.GetByIndex(childIndex)
		if nil != err {
			return
		}
		if !ok {
			break
		}
		childChain = tree.arena[value.(ChainIndex)]
		childChain.refCnt++
		children = append(children, childChain)
	}

	err = nil
	return
}

// clearSubModified drops the chain's SubModified marker (and its dirty-
// domain registration) once the flush engine has drained the subtree.
//
func (tree *ChainTreeStruct) clearSubModified(chain *ChainStruct) {
	tree.Lock()
	chain.flags &^= chainFlagSubModified
	if 0 == chain.flags&chainFlagDirty {
		delete(tree.dirtyDomains, chain.chainIndex)
	}
	tree.Unlock()
}

// drainPendingReleases hands the accumulated superseded block offsets to
// the caller (the flush engine, post-commit) and resets the queue.
//
func (tree *ChainTreeStruct) drainPendingReleases() (dataOffsets []uint64) {
	tree.Lock()
	dataOffsets = tree.pendingReleases
	tree.pendingReleases = nil
	tree.Unlock()
	return
}

// dirtyDomainRoots returns the registered flush-domain roots, each with an
// extra reference for the caller.
//
func (tree *ChainTreeStruct) dirtyDomainRoots() (domainRoots []*ChainStruct) {
	var (
		domainChain *ChainStruct
	)

	tree.Lock()
	domainRoots = make([]*ChainStruct, 0, len(tree.dirtyDomains))
	for domainIndex := range tree.dirtyDomains {
		domainChain = tree.arena[domainIndex]
		domainChain.refCnt++
		domainRoots = append(domainRoots, domainChain)
	}
	tree.Unlock()
	return
}

package chain

import (
	"fmt"
	"math/bits"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/vlayout"
)

// Child maps are guarded by the tree mutex: every insert/remove holds it,
// so Lookup() may walk intermediate chains without taking their chain
// locks. Chain locks (caller-held, per the api.go contracts) serialize
// payload and bref mutation at the operation level.

// keySpanContains reports whether [baseKey, baseKey+2^keyBits) contains key.
func keySpanContains(baseKey uint64, keyBits uint8, key uint64) (contains bool) {
	if keyBits >= 64 {
		contains = true
		return
	}
	contains = (key >= baseKey) && ((key - baseKey) < (uint64(1) << keyBits))
	return
}

// keySpansOverlap reports whether [keyA, keyA+2^bitsA) and
// [keyB, keyB+2^bitsB) intersect.
func keySpansOverlap(keyA uint64, bitsA uint8, keyB uint64, bitsB uint8) (overlap bool) {
	overlap = keySpanContains(keyA, bitsA, keyB) || keySpanContains(keyB, bitsB, keyA)
	return
}

// spanWithin reports whether the whole span [key, key+2^keyBits) lies
// inside [baseKey, baseKey+2^baseBits).
func spanWithin(baseKey uint64, baseBits uint8, key uint64, keyBits uint8) (within bool) {
	if keyBits >= baseBits {
		within = false
		return
	}
	within = keySpanContains(baseKey, baseBits, key) &&
		keySpanContains(baseKey, baseBits, key+(uint64(1)<<keyBits)-1)
	return
}

func ceilLog2(size uint64) (radix uint8) {
	if size <= 1 {
		radix = 0
		return
	}
	radix = uint8(bits.Len64(size - 1))
	return
}

func (tree *ChainTreeStruct) attachRoot(bref *vlayout.BlockReferenceV1Struct) (rootChain *ChainStruct, err error) {
	if vlayout.TypeInvalid == bref.Type {
		err = blunder.NewError(blunder.BadReferenceError, "AttachRoot(): TypeInvalid block reference")
		return
	}

	rootChain = tree.allocateChain()
	rootChain.bref = *bref
	rootChain.flags |= chainFlagMaterialized

	err = nil
	return
}

func (tree *ChainTreeStruct) newRootChain(blockType uint8, payloadSize uint64) (rootChain *ChainStruct, err error) {
	rootChain = tree.allocateChain()
	rootChain.bref.Type = blockType
	rootChain.bref.KeyBits = 64
	rootChain.bref.VRadix = ceilLog2(payloadSize)
	rootChain.bref.Methods = vlayout.EncodeMethods(globals.defaultCheckMethod, globals.defaultCompMethod)
	rootChain.payload = make([]byte, uint64(1)<<rootChain.bref.VRadix)
	rootChain.bref.ModifyTid = tree.NextTid()
	rootChain.flags |= chainFlagPayloadValid | chainFlagDirty

	err = nil
	return
}

// childInMemory finds the in-memory child of parent whose key range
// contains key, consulting the per-parent hint first. Caller holds the
// tree mutex. A hit bumps nothing; the caller refs as needed.
//
func (tree *ChainTreeStruct) childInMemory(parent *ChainStruct, key uint64) (child *ChainStruct, err error) {
	var (
		found      bool
		hintChain  *ChainStruct
		childIndex int
		value      interface{}
		ok         bool
	)

	if ChainIndexNone != parent.lookupHint && uint32(parent.lookupHint) < uint32(len(tree.arena)) {
		hintChain = tree.arena[parent.lookupHint]
		if 0 != hintChain.refCnt &&
			hintChain.parentIndex == parent.chainIndex &&
			keySpanContains(hintChain.bref.Key, hintChain.bref.KeyBits, key) {
			child = hintChain
			err = nil
			return
		}
	}

	childIndex, found, err = parent.children.BisectLeft(key)
	if nil != err {
		return
	}
	if !found && childIndex < 0 {
		child = nil
		err = nil
		return
	}
	_, value, ok, err = parent.children.GetByIndex(childIndex)
	if nil != err {
		return
	}
	if !ok {
		child = nil
		err = nil
		return
	}
	candidate := tree.arena[value.(ChainIndex)]
	if keySpanContains(candidate.bref.Key, candidate.bref.KeyBits, key) {
		child = candidate
		parent.lookupHint = child.chainIndex
	} else {
		child = nil
	}

	err = nil
	return
}

// payloadBrefAt parses the slotIndex'th block reference out of a resolved
// parent payload.
func payloadBrefAt(payload []byte, slotIndex int) (bref *vlayout.BlockReferenceV1Struct, err error) {
	offset := uint64(slotIndex) * vlayout.BlockReferenceSize
	bref, err = vlayout.UnmarshalBlockReferenceV1(payload[offset : offset+vlayout.BlockReferenceSize])
	return
}

// materializeChild inserts a chain for an on-disk block reference found in
// parent's payload. If a racing caller materialized the same key first,
// the duplicate is discarded and the winner returned.
//
func (tree *ChainTreeStruct) materializeChild(parent *ChainStruct, bref *vlayout.BlockReferenceV1Struct) (child *ChainStruct, err error) {
	var (
		ok    bool
		value interface{}
	)

	child = tree.allocateChain()
	child.bref = *bref
	child.flags |= chainFlagMaterialized

	tree.Lock()

	value, ok, err = parent.children.GetByKey(bref.Key)
	if nil != err {
		tree.Unlock()
		return
	}
	if ok {
		loser := child
		child = tree.arena[value.(ChainIndex)]
		tree.Unlock()
		tree.unref(loser)
		err = nil
		return
	}

	child.parentIndex = parent.chainIndex
	ok, err = parent.children.Put(bref.Key, child.chainIndex)
	if nil != err {
		tree.Unlock()
		return
	}
	if !ok {
		tree.Unlock()
		err = fmt.Errorf("children.Put() returned !ok after GetByKey() miss")
		logger.PanicfWithError(err, "materializeChild() of key 0x%016X under chain %v", bref.Key, parent.chainIndex)
	}
	parent.lookupHint = child.chainIndex

	tree.Unlock()

	err = nil
	return
}

// lookupOne finds or materializes the direct child of parent containing
// key. The returned chain is NOT reffed. nil/nil means not found.
//
func (tree *ChainTreeStruct) lookupOne(parent *ChainStruct, key uint64) (child *ChainStruct, err error) {
	var (
		parentPayload []byte
		slotBref      *vlayout.BlockReferenceV1Struct
		slotCount     int
		slotIndex     int
	)

	tree.Lock()
	child, err = tree.childInMemory(parent, key)
	tree.Unlock()
	if nil != err || nil != child {
		return
	}

	// not cached; scan the parent's on-disk block reference array
	parentPayload, err = parent.resolvePayload()
	if nil != err {
		if blunder.Is(err, blunder.CheckError) {
			err = blunder.AddError(err, blunder.IncompleteError)
		}
		return
	}

	slotCount = len(parentPayload) / int(vlayout.BlockReferenceSize)
	for slotIndex = 0; slotIndex < slotCount; slotIndex++ {
		slotBref, err = payloadBrefAt(parentPayload, slotIndex)
		if nil != err {
			return
		}
		if vlayout.TypeInvalid == slotBref.Type {
			continue
		}
		if keySpanContains(slotBref.Key, slotBref.KeyBits, key) {
			child, err = tree.materializeChild(parent, slotBref)
			return
		}
	}

	child = nil
	err = nil
	return
}

func (tree *ChainTreeStruct) lookup(parent *ChainStruct, key uint64, keyBits uint8) (child *ChainStruct, err error) {
	var (
		current *ChainStruct
		depth   uint16
	)

	current = parent
	for depth = 0; depth < globals.maxLookupDepth; depth++ {
		child, err = tree.lookupOne(current, key)
		if nil != err {
			return
		}
		if nil == child {
			err = blunder.NewError(blunder.NotFoundError,
				"Lookup(): no chain covering key 0x%016X under chain %v", key, current.chainIndex)
			return
		}

		// split-created intermediates are transparent: descend until the
		// covering range is no wider than requested
		if (vlayout.TypeIndirect == child.bref.Type || vlayout.TypeFreemapNode == child.bref.Type) &&
			child.bref.KeyBits > keyBits {
			current = child
			continue
		}

		tree.Ref(child)
		err = nil
		return
	}

	child = nil
	err = blunder.NewError(blunder.DepthError,
		"Lookup(): descent below chain %v exceeded %v levels", parent.chainIndex, globals.maxLookupDepth)
	return
}

// occupiedSlots counts the distinct child keys of parent: cached children
// plus on-disk slots not (yet) cached.
func (tree *ChainTreeStruct) occupiedSlots(parent *ChainStruct, parentPayload []byte) (occupied int, err error) {
	var (
		cached    int
		ok        bool
		slotBref  *vlayout.BlockReferenceV1Struct
		slotCount int
		slotIndex int
	)

	tree.Lock()
	cached, err = parent.children.Len()
	if nil == err {
		occupied = cached
		slotCount = len(parentPayload) / int(vlayout.BlockReferenceSize)
		for slotIndex = 0; slotIndex < slotCount; slotIndex++ {
			slotBref, err = payloadBrefAt(parentPayload, slotIndex)
			if nil != err {
				break
			}
			if vlayout.TypeInvalid == slotBref.Type {
				continue
			}
			_, ok, err = parent.children.GetByKey(slotBref.Key)
			if nil != err {
				break
			}
			if !ok {
				occupied++
			}
		}
	}
	tree.Unlock()

	return
}

// checkSiblingOverlap verifies [key, key+2^keyBits) against every sibling,
// cached and on-disk. An exact-key duplicate is ExistsError; any other
// intersection is BadReferenceError.
//
func (tree *ChainTreeStruct) checkSiblingOverlap(parent *ChainStruct, parentPayload []byte, key uint64, keyBits uint8) (err error) {
	var (
		neighbor      *ChainStruct
		neighborIndex int
		found         bool
		ok            bool
		slotBref      *vlayout.BlockReferenceV1Struct
		slotCount     int
		slotIndex     int
		value         interface{}
	)

	tree.Lock()

	// cached siblings: only the predecessor and successor can intersect
	for _, bisectRight := range []bool{false, true} {
		if bisectRight {
			neighborIndex, _, err = parent.children.BisectRight(key)
		} else {
			neighborIndex, found, err = parent.children.BisectLeft(key)
			if nil == err && found {
				tree.Unlock()
				err = blunder.NewError(blunder.ExistsError,
					"Create(): key 0x%016X already present under chain %v", key, parent.chainIndex)
				return
			}
		}
		if nil != err {
			tree.Unlock()
			return
		}
		_, value, ok, err = parent.children.GetByIndex(neighborIndex)
		if nil != err {
			tree.Unlock()
			return
		}
		if !ok {
			continue
		}
		neighbor = tree.arena[value.(ChainIndex)]
		if keySpansOverlap(neighbor.bref.Key, neighbor.bref.KeyBits, key, keyBits) {
			tree.Unlock()
			err = blunder.NewError(blunder.BadReferenceError,
				"Create(): [0x%016X,+2^%v) overlaps sibling [0x%016X,+2^%v) under chain %v",
				key, keyBits, neighbor.bref.Key, neighbor.bref.KeyBits, parent.chainIndex)
			return
		}
	}

	tree.Unlock()

	// on-disk siblings not in the cache
	slotCount = len(parentPayload) / int(vlayout.BlockReferenceSize)
	for slotIndex = 0; slotIndex < slotCount; slotIndex++ {
		slotBref, err = payloadBrefAt(parentPayload, slotIndex)
		if nil != err {
			return
		}
		if vlayout.TypeInvalid == slotBref.Type {
			continue
		}
		if !keySpansOverlap(slotBref.Key, slotBref.KeyBits, key, keyBits) {
			continue
		}
		if slotBref.Key == key {
			err = blunder.NewError(blunder.ExistsError,
				"Create(): key 0x%016X already present on disk under chain %v", key, parent.chainIndex)
		} else {
			err = blunder.NewError(blunder.BadReferenceError,
				"Create(): [0x%016X,+2^%v) overlaps on-disk sibling [0x%016X,+2^%v) under chain %v",
				key, keyBits, slotBref.Key, slotBref.KeyBits, parent.chainIndex)
		}
		return
	}

	err = nil
	return
}

// materializeAllChildren brings every on-disk child of parent into the
// cache (split preparation).
func (tree *ChainTreeStruct) materializeAllChildren(parent *ChainStruct, parentPayload []byte) (err error) {
	var (
		slotBref  *vlayout.BlockReferenceV1Struct
		slotCount int
		slotIndex int
	)

	slotCount = len(parentPayload) / int(vlayout.BlockReferenceSize)
	for slotIndex = 0; slotIndex < slotCount; slotIndex++ {
		slotBref, err = payloadBrefAt(parentPayload, slotIndex)
		if nil != err {
			return
		}
		if vlayout.TypeInvalid == slotBref.Type {
			continue
		}
		_, err = tree.materializeChild(parent, slotBref)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// zeroSlotByKey clears the on-disk block reference slot for key in
// parent's (resolved, modifiable) payload. Missing slot is fine: the
// child may never have been written.
//
func (tree *ChainTreeStruct) zeroSlotByKey(parent *ChainStruct, key uint64) (err error) {
	var (
		parentPayload []byte
		slotBref      *vlayout.BlockReferenceV1Struct
		slotCount     int
		slotIndex     int
	)

	parentPayload, err = parent.resolvePayload()
	if nil != err {
		return
	}

	slotCount = len(parentPayload) / int(vlayout.BlockReferenceSize)
	for slotIndex = 0; slotIndex < slotCount; slotIndex++ {
		slotBref, err = payloadBrefAt(parentPayload, slotIndex)
		if nil != err {
			return
		}
		if vlayout.TypeInvalid == slotBref.Type || slotBref.Key != key {
			continue
		}
		offset := uint64(slotIndex) * vlayout.BlockReferenceSize
		for byteIndex := offset; byteIndex < offset+vlayout.BlockReferenceSize; byteIndex++ {
			parentPayload[byteIndex] = 0
		}
		break
	}

	err = nil
	return
}

// splitParent creates an intermediate indirect chain and moves a subset
// of parent's children under it, freeing direct slots in parent. The
// indirect's key range is found by bisecting parent's range down to the
// first split that actually separates the children, so clustered
// (sequential) keys partition instead of moving wholesale into an
// immediately-full indirect.
//
func (tree *ChainTreeStruct) splitParent(parent *ChainStruct, parentPayload []byte) (err error) {
	var (
		candidateBits uint8
		childChain    *ChainStruct
		childIndex    int
		childList     []*ChainStruct
		halfBase      uint64
		halfBits      uint8
		indirect      *ChainStruct
		lowerCount    int
		moved         []*ChainStruct
		numChildren   int
		ok            bool
		upperBase     uint64
		upperCount    int
		value         interface{}
	)

	if parent.bref.KeyBits < 2 {
		err = blunder.NewError(blunder.NoSpaceError,
			"Create(): chain %v key range too narrow to split", parent.chainIndex)
		return
	}

	err = tree.materializeAllChildren(parent, parentPayload)
	if nil != err {
		return
	}

	tree.Lock()
	numChildren, err = parent.children.Len()
	if nil != err {
		tree.Unlock()
		return
	}
	childList = make([]*ChainStruct, 0, numChildren)
	for childIndex = 0; childIndex < numChildren; childIndex++ {
		_, value, ok, err = parent.children.GetByIndex(childIndex)
		if nil != err {
			tree.Unlock()
			return
		}
		if !ok {
			break
		}
		childList = append(childList, tree.arena[value.(ChainIndex)])
	}
	numChildren = len(childList)

	halfBase = parent.bref.Key
	halfBits = parent.bref.KeyBits
	if halfBits > 64 {
		halfBits = 64
	}
	for halfBits > 1 {
		candidateBits = halfBits - 1
		upperBase = halfBase + (uint64(1) << candidateBits)
		lowerCount = 0
		upperCount = 0
		for _, childChain = range childList {
			if spanWithin(halfBase, candidateBits, childChain.bref.Key, childChain.bref.KeyBits) {
				lowerCount++
			} else if spanWithin(upperBase, candidateBits, childChain.bref.Key, childChain.bref.KeyBits) {
				upperCount++
			}
		}
		if lowerCount == numChildren {
			// everything clusters low; keep narrowing
			halfBits = candidateBits
			continue
		}
		if upperCount == numChildren {
			halfBase = upperBase
			halfBits = candidateBits
			continue
		}
		if upperCount > lowerCount {
			halfBase = upperBase
		}
		halfBits = candidateBits
		break
	}

	moved = make([]*ChainStruct, 0, numChildren)
	for _, childChain = range childList {
		if spanWithin(halfBase, halfBits, childChain.bref.Key, childChain.bref.KeyBits) {
			moved = append(moved, childChain)
		}
	}
	tree.Unlock()

	if 0 == len(moved) || len(moved) == numChildren {
		err = blunder.NewError(blunder.NoSpaceError,
			"Create(): chain %v children do not partition at [0x%016X,+2^%v)",
			parent.chainIndex, halfBase, halfBits)
		return
	}

	indirect = tree.allocateChain()
	indirect.bref.Type = vlayout.TypeIndirect
	indirect.bref.Key = halfBase
	indirect.bref.KeyBits = halfBits
	indirect.bref.VRadix = ceilLog2(vlayout.BaseBlockSize)
	indirect.bref.Methods = vlayout.EncodeMethods(globals.defaultCheckMethod, globals.defaultCompMethod)
	indirect.payload = make([]byte, vlayout.BaseBlockSize)
	indirect.flags |= chainFlagPayloadValid | chainFlagDirty

	tree.Lock()
	indirect.parentIndex = parent.chainIndex
	for _, childChain = range moved {
		_, err = parent.children.DeleteByKey(childChain.bref.Key)
		if nil != err {
			tree.Unlock()
			return
		}
		_, err = indirect.children.Put(childChain.bref.Key, childChain.chainIndex)
		if nil != err {
			tree.Unlock()
			return
		}
		childChain.parentIndex = indirect.chainIndex
	}
	_, err = parent.children.Put(indirect.bref.Key, indirect.chainIndex)
	if nil != err {
		tree.Unlock()
		return
	}
	parent.lookupHint = indirect.chainIndex
	indirect.bref.LeafCount = uint16(len(moved))
	if parent.bref.LeafCount >= uint16(len(moved)) {
		parent.bref.LeafCount -= uint16(len(moved)) - 1
	} else {
		parent.bref.LeafCount = 1
	}
	tree.Unlock()

	// the moved children's direct slots migrate into the indirect's slot
	// array; clean committed movers are never revisited by a flush, so
	// their committed brefs must land here now
	for _, childChain = range moved {
		err = tree.zeroSlotByKey(parent, childChain.bref.Key)
		if nil != err {
			return
		}
		err = tree.rewriteChildSlot(indirect, childChain, childChain.bref.UpdateTid)
		if nil != err {
			return
		}
	}

	tree.markModified(indirect)

	err = nil
	return
}

func (tree *ChainTreeStruct) create(parent *ChainStruct, key uint64, keyBits uint8, blockType uint8, payloadSize uint64) (child *ChainStruct, err error) {
	var (
		capacity      int
		current       *ChainStruct
		depth         uint16
		next          *ChainStruct
		occupied      int
		parentPayload []byte
	)

	if !keySpanContains(parent.bref.Key, parent.bref.KeyBits, key) {
		err = blunder.NewError(blunder.BadReferenceError,
			"Create(): key 0x%016X outside chain %v range [0x%016X,+2^%v)",
			key, parent.chainIndex, parent.bref.Key, parent.bref.KeyBits)
		return
	}
	if keyBits >= parent.bref.KeyBits {
		err = blunder.NewError(blunder.BadReferenceError,
			"Create(): keyBits %v not narrower than chain %v keyBits %v",
			keyBits, parent.chainIndex, parent.bref.KeyBits)
		return
	}

	current = parent
	for depth = 0; depth < globals.maxLookupDepth; depth++ {
		parentPayload, err = current.resolvePayload()
		if nil != err {
			return
		}

		err = tree.checkSiblingOverlap(current, parentPayload, key, keyBits)
		if nil != err {
			// a wider indirect covering the key is not a conflict; descend
			savedErr := err
			next, err = tree.lookupOne(current, key)
			if nil != err {
				return
			}
			if nil != next &&
				(vlayout.TypeIndirect == next.bref.Type || vlayout.TypeFreemapNode == next.bref.Type) &&
				next.bref.KeyBits > keyBits {
				current = next
				continue
			}
			err = savedErr
			return
		}

		// creating a child dirties this parent's slot array
		err = tree.modify(current)
		if nil != err {
			return
		}

		capacity = len(parentPayload) / int(vlayout.BlockReferenceSize)
		occupied, err = tree.occupiedSlots(current, parentPayload)
		if nil != err {
			return
		}
		if occupied >= capacity {
			err = tree.splitParent(current, parentPayload)
			if nil != err {
				return
			}
			// the key may now belong under the new indirect; re-run
			continue
		}

		child = tree.allocateChain()
		child.bref.Type = blockType
		child.bref.Key = key
		child.bref.KeyBits = keyBits
		child.bref.VRadix = ceilLog2(payloadSize)
		child.bref.Methods = vlayout.EncodeMethods(globals.defaultCheckMethod, globals.defaultCompMethod)
		if 0 < payloadSize && payloadSize <= uint64(len(child.bref.Embedded)) {
			child.bref.Flags |= vlayout.BrefFlagEmbedded
		}
		if 0 < payloadSize {
			child.payload = make([]byte, uint64(1)<<child.bref.VRadix)
			child.flags |= chainFlagPayloadValid
		}
		child.bref.ModifyTid = tree.NextTid()
		child.flags |= chainFlagDirty

		tree.Lock()
		child.parentIndex = current.chainIndex
		_, err = current.children.Put(key, child.chainIndex)
		if nil != err {
			tree.Unlock()
			return
		}
		current.bref.LeafCount++
		current.lookupHint = child.chainIndex
		child.refCnt++ // map reference + caller reference
		tree.Unlock()

		tree.markModified(child)

		err = nil
		return
	}

	child = nil
	err = blunder.NewError(blunder.DepthError,
		"Create(): descent below chain %v exceeded %v levels", parent.chainIndex, globals.maxLookupDepth)
	return
}

func (tree *ChainTreeStruct) deleteChain(parent *ChainStruct, chain *ChainStruct, permanent bool) (err error) {
	var (
		committed   bool
		numChildren int
	)

	tree.Lock()
	numChildren, err = chain.children.Len()
	tree.Unlock()
	if nil != err {
		return
	}
	if 0 != numChildren {
		err = blunder.NewError(blunder.NotEmptyError,
			"Delete(): chain %v key 0x%016X still has %v children", chain.chainIndex, chain.bref.Key, numChildren)
		return
	}

	err = tree.modify(parent)
	if nil != err {
		return
	}
	err = tree.zeroSlotByKey(parent, chain.bref.Key)
	if nil != err {
		return
	}

	tree.Lock()
	_, err = parent.children.DeleteByKey(chain.bref.Key)
	if nil != err {
		tree.Unlock()
		return
	}
	if 0 != parent.bref.LeafCount {
		parent.bref.LeafCount--
	}
	if parent.lookupHint == chain.chainIndex {
		parent.lookupHint = ChainIndexNone
	}
	chain.parentIndex = ChainIndexNone
	chain.flags &^= chainFlagDirty | chainFlagSubModified
	delete(tree.dirtyDomains, chain.chainIndex)
	committed = (0 != chain.flags&chainFlagMaterialized) || (0 != chain.bref.MirrorTid)
	tree.Unlock()

	if permanent && 0 != chain.bref.DataOffset {
		if committed {
			tree.Lock()
			tree.pendingReleases = append(tree.pendingReleases, chain.bref.DataOffset)
			tree.Unlock()
		} else if nil != tree.allocator {
			err = tree.allocator.Free(chain.bref.DataOffset)
			if nil != err {
				return
			}
		}
	}

	tree.unref(chain) // the child map's reference
	tree.unref(chain) // the caller's reference

	err = nil
	return
}

func (chain *ChainStruct) resolvePayload() (payload []byte, err error) {
	if nil != chain.stickyErr {
		err = chain.stickyErr
		return
	}
	if 0 != chain.flags&chainFlagPayloadValid {
		payload = chain.payload
		err = nil
		return
	}

	payload, err = chain.faultInPayload()
	return
}

// faultInPayload reads, verifies, and decompresses the chain's block.
// Check failures stick to the chain.
//
func (chain *ChainStruct) faultInPayload() (payload []byte, err error) {
	var (
		byteOffset uint64
		radix      uint8
		stored     []byte
		validSize  int
	)

	validSize = 1 << chain.bref.VRadix

	if 0 != chain.bref.Flags&vlayout.BrefFlagEmbedded {
		if validSize > len(chain.bref.Embedded) {
			err = blunder.NewError(blunder.BadReferenceError,
				"chain %v key 0x%016X: embedded payload VRadix %v too large",
				chain.chainIndex, chain.bref.Key, chain.bref.VRadix)
			return
		}
		chain.payload = make([]byte, validSize)
		copy(chain.payload, chain.bref.Embedded[:validSize])
		chain.flags |= chainFlagPayloadValid
		payload = chain.payload
		err = nil
		return
	}

	if 0 == chain.bref.DataOffset {
		err = blunder.NewError(blunder.IncompleteError,
			"chain %v key 0x%016X: no backing block and no cached payload", chain.chainIndex, chain.bref.Key)
		return
	}

	byteOffset, radix = vlayout.DecodeDataOffset(chain.bref.DataOffset)

	bufferHandle, err := chain.tree.device.Get(byteOffset, uint64(1)<<radix)
	if nil != err {
		return
	}
	stored = make([]byte, len(bufferHandle.Data))
	copy(stored, bufferHandle.Data)
	putErr := chain.tree.device.Put(bufferHandle, false)
	if nil != putErr {
		err = putErr
		return
	}

	// the check code covers the stored block exactly as written
	err = vlayout.VerifyCheck(chain.bref.CheckMethod(), stored, chain.bref.Check)
	if nil != err {
		err = blunder.AddError(
			fmt.Errorf("chain %v key 0x%016X at 0x%X: %v", chain.chainIndex, chain.bref.Key, byteOffset, err),
			blunder.CheckError)
		chain.stickyErr = err
		return
	}

	if vlayout.CompMethodNone == chain.bref.CompMethod() {
		chain.payload = stored[:validSize]
	} else {
		// compressed blocks carry a little-endian uint32 stored-length prefix
		if len(stored) < 4 {
			err = blunder.NewError(blunder.BadReferenceError,
				"chain %v key 0x%016X: compressed block shorter than its length prefix", chain.chainIndex, chain.bref.Key)
			return
		}
		compressedLen := uint64(stored[0]) | uint64(stored[1])<<8 | uint64(stored[2])<<16 | uint64(stored[3])<<24
		if compressedLen > uint64(len(stored)-4) {
			err = blunder.NewError(blunder.BadReferenceError,
				"chain %v key 0x%016X: compressed length %v exceeds block", chain.chainIndex, chain.bref.Key, compressedLen)
			return
		}
		chain.payload, err = vlayout.DecompressPayload(chain.bref.CompMethod(), stored[4:4+compressedLen], validSize)
		if nil != err {
			chain.stickyErr = err
			return
		}
	}

	chain.flags |= chainFlagPayloadValid
	payload = chain.payload
	err = nil
	return
}

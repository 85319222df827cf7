package freemap

import (
	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/bucketstats"
	"github.com/stratafs/stratafs/bufcache"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/vlayout"
)

const baseBlockRadix = uint8(14) // 1 << 14 == vlayout.BaseBlockSize

func newFreemap(volumeName string, device *bufcache.DeviceCacheStruct, volumeSize uint64, lastTid uint64) (freemap *FreemapStruct, err error) {
	var (
		leaf      *vlayout.FreemapLeafV1Struct
		leafChain *chain.ChainStruct
		zoneBase  uint64
	)

	freemap = &FreemapStruct{
		volumeName: volumeName,
		device:     device,
		volumeSize: volumeSize,
		hints:      make(map[uint8]uint64),
	}
	bucketstats.Register("freemap", volumeName, &freemap.stats)

	freemap.tree = chain.NewChainTree(volumeName+":freemap", device, lastTid)

	freemap.rootChain, err = freemap.tree.NewRootChain(vlayout.TypeFreemapNode, vlayout.BaseBlockSize)
	if nil != err {
		return
	}

	for zoneBase = 0; zoneBase < volumeSize; zoneBase += vlayout.ZoneSize {
		leafChain, err = freemap.tree.Create(freemap.rootChain, zoneBase, vlayout.FreemapLeafKeyBits, vlayout.TypeFreemapLeaf, vlayout.FreemapLeafSize)
		if nil != err {
			return
		}

		leaf = &vlayout.FreemapLeafV1Struct{}
		for regionIndex := range leaf.Regions {
			leaf.Regions[regionIndex].Avail = uint32(vlayout.RegionSize)
		}
		markReservedRange(leaf, 0, vlayout.ZoneReservedSize)
		if zoneBase+vlayout.ZoneSize > volumeSize {
			markReservedRange(leaf, volumeSize-zoneBase, zoneBase+vlayout.ZoneSize-volumeSize)
		}

		err = freemap.storeLeaf(leafChain, leaf)
		if nil != err {
			return
		}
		freemap.tree.Unref(leafChain)
	}

	err = nil
	return
}

func attachFreemap(volumeName string, device *bufcache.DeviceCacheStruct, volumeSize uint64, rootBref *vlayout.BlockReferenceV1Struct, lastTid uint64) (freemap *FreemapStruct, err error) {
	freemap = &FreemapStruct{
		volumeName: volumeName,
		device:     device,
		volumeSize: volumeSize,
		hints:      make(map[uint8]uint64),
	}
	bucketstats.Register("freemap", volumeName, &freemap.stats)

	freemap.tree = chain.NewChainTree(volumeName+":freemap", device, lastTid)
	freemap.rootChain, err = freemap.tree.AttachRoot(rootBref)
	return
}

// markReservedRange flips [startOffset, startOffset+size) within a zone's
// leaf to RESERVED, debiting Avail. Format-time only.
func markReservedRange(leaf *vlayout.FreemapLeafV1Struct, startOffset uint64, size uint64) {
	var (
		blockOffset uint64
	)

	for blockOffset = startOffset &^ (vlayout.BaseBlockSize - 1); blockOffset < startOffset+size; blockOffset += vlayout.BaseBlockSize {
		regionIndex := blockOffset / vlayout.RegionSize
		blockIndex := (blockOffset % vlayout.RegionSize) / vlayout.BaseBlockSize
		region := &leaf.Regions[regionIndex]
		if vlayout.StateReserved != region.BlockState(blockIndex) {
			region.SetBlockState(blockIndex, vlayout.StateReserved)
			region.Avail -= uint32(vlayout.BaseBlockSize)
		}
	}
}

// loadLeaf fetches (or, for format paths, creates) the leaf covering
// zoneBase. The returned chain holds a caller reference.
func (freemap *FreemapStruct) loadLeaf(zoneBase uint64, create bool) (leafChain *chain.ChainStruct, leaf *vlayout.FreemapLeafV1Struct, err error) {
	var (
		payload []byte
	)

	leafChain, err = freemap.tree.Lookup(freemap.rootChain, zoneBase, vlayout.FreemapLeafKeyBits)
	if nil != err {
		if create && blunder.Is(err, blunder.NotFoundError) {
			leafChain, err = freemap.tree.Create(freemap.rootChain, zoneBase, vlayout.FreemapLeafKeyBits, vlayout.TypeFreemapLeaf, vlayout.FreemapLeafSize)
		}
		if nil != err {
			return
		}
	}

	payload, err = leafChain.Payload()
	if nil != err {
		freemap.tree.Unref(leafChain)
		leafChain = nil
		return
	}

	leaf, err = vlayout.UnmarshalFreemapLeafV1(payload)
	if nil != err {
		freemap.tree.Unref(leafChain)
		leafChain = nil
		return
	}

	err = nil
	return
}

// storeLeaf passes the leaf chain through the copy-on-write gate and
// re-marshals the mutated descriptor array into its payload.
func (freemap *FreemapStruct) storeLeaf(leafChain *chain.ChainStruct, leaf *vlayout.FreemapLeafV1Struct) (err error) {
	var (
		leafBuf []byte
		payload []byte
	)

	err = freemap.tree.Modify(leafChain)
	if nil != err {
		return
	}
	payload, err = leafChain.Payload()
	if nil != err {
		return
	}
	leafBuf, err = leaf.MarshalFreemapLeafV1()
	if nil != err {
		return
	}
	copy(payload, leafBuf)

	err = nil
	return
}

// allocateFromRegion tries to carve 1<<radix bytes out of one region.
// relaxed loosens the class binding rules. regionBase is the device
// offset of the region's first byte.
func allocateFromRegion(region *vlayout.FreemapRegionV1Struct, regionBase uint64, radix uint8, relaxed bool) (byteOffset uint64, ok bool) {
	var (
		blockIndex uint64
		runIndex   uint64
		runLength  uint64
	)

	size := uint64(1) << radix

	if uint64(region.Avail) < size {
		ok = false
		return
	}

	if radix >= baseBlockRadix {
		// whole base blocks: an aligned run of FREE blocks
		if 0 != region.Class && !relaxed {
			ok = false
			return
		}
		runLength = uint64(1) << (radix - baseBlockRadix)
		for blockIndex = 0; blockIndex+runLength <= vlayout.BlocksPerRegion; blockIndex += runLength {
			runFree := true
			for runIndex = 0; runIndex < runLength; runIndex++ {
				if vlayout.StateFree != region.BlockState(blockIndex+runIndex) {
					runFree = false
					break
				}
			}
			if !runFree {
				continue
			}
			for runIndex = 0; runIndex < runLength; runIndex++ {
				region.SetBlockState(blockIndex+runIndex, vlayout.StateAllocated)
			}
			region.Avail -= uint32(size)
			byteOffset = regionBase + blockIndex*vlayout.BaseBlockSize
			ok = true
			return
		}
		ok = false
		return
	}

	// sub-16KiB: linear carving out of a region bound to this class
	if uint16(radix) != region.Class {
		if 0 != region.Class && !relaxed {
			ok = false
			return
		}
		if 0 != region.Class || 0 != region.Linear {
			if !relaxed {
				ok = false
				return
			}
		}
		region.Class = uint16(radix)
	}

	for uint64(region.Linear)+size <= vlayout.RegionSize {
		blockIndex = uint64(region.Linear) / vlayout.BaseBlockSize
		if 0 == uint64(region.Linear)%vlayout.BaseBlockSize {
			// the cursor enters a fresh base block; claim it
			if vlayout.StateFree != region.BlockState(blockIndex) {
				region.Linear += uint32(vlayout.BaseBlockSize)
				continue
			}
			region.SetBlockState(blockIndex, vlayout.StateAllocated)
		}
		byteOffset = regionBase + uint64(region.Linear)
		region.Linear += uint32(size)
		region.Avail -= uint32(size)
		ok = true
		return
	}

	ok = false
	return
}

// allocateInZone scans one zone's leaf, regions forward from the hinted
// region then backward, honoring (or, relaxed, ignoring) class bindings.
func (freemap *FreemapStruct) allocateInZone(zoneBase uint64, hintRegion uint64, radix uint8, relaxed bool) (dataOffset uint64, found bool, err error) {
	var (
		byteOffset  uint64
		leaf        *vlayout.FreemapLeafV1Struct
		leafChain   *chain.ChainStruct
		ok          bool
		regionIndex uint64
		regionOrder []uint64
	)

	leafChain, leaf, err = freemap.loadLeaf(zoneBase, false)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			found = false
			err = nil
		}
		return
	}
	defer freemap.tree.Unref(leafChain)

	regionOrder = make([]uint64, 0, vlayout.RegionsPerLeaf)
	for regionIndex = hintRegion; regionIndex < vlayout.RegionsPerLeaf; regionIndex++ {
		regionOrder = append(regionOrder, regionIndex)
	}
	for regionIndex = hintRegion; regionIndex > 0; regionIndex-- {
		regionOrder = append(regionOrder, regionIndex-1)
	}

	for _, regionIndex = range regionOrder {
		region := &leaf.Regions[regionIndex]
		byteOffset, ok = allocateFromRegion(region, zoneBase+regionIndex*vlayout.RegionSize, radix, relaxed)
		if !ok {
			continue
		}
		err = freemap.storeLeaf(leafChain, leaf)
		if nil != err {
			return
		}
		dataOffset, err = vlayout.EncodeDataOffset(byteOffset, radix)
		if nil != err {
			return
		}
		found = true
		return
	}

	found = false
	err = nil
	return
}

func (freemap *FreemapStruct) allocate(radix uint8, blockType uint8) (dataOffset uint64, err error) {
	var (
		found      bool
		hintOffset uint64
		hintRegion uint64
		hintZone   uint64
		relaxed    bool
		zoneBase   uint64
	)

	if radix < vlayout.MinAllocRadix || radix > vlayout.MaxAllocRadix {
		err = blunder.NewError(blunder.InvalidArgError, "Allocate(): radix %v outside %v..%v",
			radix, vlayout.MinAllocRadix, vlayout.MaxAllocRadix)
		return
	}

	hintOffset = freemap.hints[blockType]
	hintZone = vlayout.ZoneBase(hintOffset)
	hintRegion = (hintOffset - hintZone) / vlayout.RegionSize

	relaxed = freemap.hintMissCount >= globals.relaxedModeThreshold
	if relaxed {
		freemap.stats.RelaxedFallbacks.Increment()
	}

	// hinted leaf first
	dataOffset, found, err = freemap.allocateInZone(hintZone, hintRegion, radix, relaxed)
	if nil != err {
		return
	}
	if !found {
		freemap.hintMissCount++
		relaxed = freemap.hintMissCount >= globals.relaxedModeThreshold

		// remaining zones in device order
		for zoneBase = 0; zoneBase < freemap.volumeSize; zoneBase += vlayout.ZoneSize {
			if zoneBase == hintZone {
				continue
			}
			dataOffset, found, err = freemap.allocateInZone(zoneBase, 0, radix, relaxed)
			if nil != err {
				return
			}
			if found {
				break
			}
		}
	}

	if !found {
		if !relaxed {
			// one relaxed sweep before giving up
			freemap.hintMissCount = globals.relaxedModeThreshold
			freemap.stats.RelaxedFallbacks.Increment()
			for zoneBase = 0; zoneBase < freemap.volumeSize; zoneBase += vlayout.ZoneSize {
				dataOffset, found, err = freemap.allocateInZone(zoneBase, 0, radix, true)
				if nil != err {
					return
				}
				if found {
					break
				}
			}
		}
		if !found {
			err = blunder.NewError(blunder.NoSpaceError,
				"Allocate(): no space for 1<<%v bytes on volume %s even in relaxed mode", radix, freemap.volumeName)
			return
		}
	}

	byteOffset, _ := vlayout.DecodeDataOffset(dataOffset)
	freemap.hints[blockType] = byteOffset
	freemap.hintMissCount = 0
	freemap.stats.Allocations.Increment()
	freemap.stats.AllocationBytes.Add(uint64(1) << radix)

	err = nil
	return
}

// releaseBlocks is the shared walk of free() and stageRelease().
func (freemap *FreemapStruct) releaseBlocks(dataOffset uint64, toState uint8) (err error) {
	var (
		blockIndex  uint64
		byteOffset  uint64
		leaf        *vlayout.FreemapLeafV1Struct
		leafChain   *chain.ChainStruct
		radix       uint8
		regionIndex uint64
		runIndex    uint64
		runLength   uint64
		state       uint8
		zoneBase    uint64
	)

	byteOffset, radix = vlayout.DecodeDataOffset(dataOffset)
	if radix < vlayout.MinAllocRadix || radix > vlayout.MaxAllocRadix {
		err = blunder.NewError(blunder.BadReferenceError, "release of DataOffset 0x%016X: bad radix %v", dataOffset, radix)
		return
	}

	zoneBase = vlayout.ZoneBase(byteOffset)
	leafChain, leaf, err = freemap.loadLeaf(zoneBase, false)
	if nil != err {
		return
	}
	defer freemap.tree.Unref(leafChain)

	regionIndex = (byteOffset - zoneBase) / vlayout.RegionSize
	region := &leaf.Regions[regionIndex]

	if radix < baseBlockRadix {
		// sub-16KiB carvings cannot be returned block-precisely; credit
		// Avail and let bulkfree reclaim the base block once nothing in
		// the live topology references it
		if vlayout.StateFree == toState {
			region.Avail += uint32(uint64(1) << radix)
			err = freemap.storeLeaf(leafChain, leaf)
		} else {
			err = nil
		}
		return
	}

	runLength = uint64(1) << (radix - baseBlockRadix)
	blockIndex = (byteOffset % vlayout.RegionSize) / vlayout.BaseBlockSize
	for runIndex = 0; runIndex < runLength; runIndex++ {
		state = region.BlockState(blockIndex + runIndex)
		if toState == state {
			continue // idempotent
		}
		if vlayout.StateAllocated != state {
			err = blunder.NewError(blunder.BadReferenceError,
				"release of DataOffset 0x%016X: block %v in state %v", dataOffset, blockIndex+runIndex, state)
			return
		}
		region.SetBlockState(blockIndex+runIndex, toState)
		if vlayout.StateFree == toState {
			region.Avail += uint32(vlayout.BaseBlockSize)
		}
	}

	err = freemap.storeLeaf(leafChain, leaf)
	return
}

func (freemap *FreemapStruct) free(dataOffset uint64) (err error) {
	err = freemap.releaseBlocks(dataOffset, vlayout.StateFree)
	if nil == err {
		freemap.stats.Frees.Increment()
	}
	return
}

func (freemap *FreemapStruct) stageRelease(dataOffset uint64) (err error) {
	err = freemap.releaseBlocks(dataOffset, vlayout.StateStaged)
	if nil == err {
		freemap.stats.StagedReleases.Increment()
	}
	return
}

// flushSelf rewrites the whole freemap into the commitCounter'th rotation
// of the self-storage slots, leaves first, and returns the fresh root
// bref. Chains are assigned slot offsets by their depth above the leaves
// and the zone of their base key.
//
func (freemap *FreemapStruct) flushSelf(flushTid uint64, commitCounter uint64) (rootBref *vlayout.BlockReferenceV1Struct, err error) {
	err = freemap.flushSelfNode(freemap.rootChain, flushTid, commitCounter)
	if nil != err {
		return
	}

	// self-slot storage rotates; superseded generations need no release
	_ = freemap.tree.DrainPendingReleases()

	brefCopy := *freemap.rootChain.Bref()
	rootBref = &brefCopy

	err = nil
	return
}

func (freemap *FreemapStruct) flushSelfNode(nodeChain *chain.ChainStruct, flushTid uint64, commitCounter uint64) (err error) {
	var (
		childLevel uint8
		children   []*chain.ChainStruct
		level      uint8
		zoneBase   uint64
	)

	err = freemap.tree.Modify(nodeChain)
	if nil != err {
		return
	}

	if vlayout.TypeFreemapLeaf != nodeChain.Bref().Type {
		children, err = freemap.tree.MaterializeChildren(nodeChain)
		if nil != err {
			return
		}
		childLevel = 0
		for _, childChain := range children {
			err = freemap.flushSelfNode(childChain, flushTid, commitCounter)
			if nil != err {
				return
			}
			err = freemap.tree.RewriteChildSlot(nodeChain, childChain, flushTid)
			if nil != err {
				return
			}
			if childSelfLevel := selfLevel(childChain.Bref()); childSelfLevel >= childLevel {
				childLevel = childSelfLevel + 1
			}
			freemap.tree.Unref(childChain)
		}
	}

	level = selfLevel(nodeChain.Bref())
	if vlayout.TypeFreemapLeaf != nodeChain.Bref().Type && childLevel > level {
		level = childLevel
	}
	if level >= uint8(vlayout.FreemapSelfLevels) {
		level = uint8(vlayout.FreemapSelfLevels) - 1
	}

	zoneBase = vlayout.ZoneBase(nodeChain.Bref().Key)
	if zoneBase >= freemap.volumeSize {
		zoneBase = 0
	}

	slotOffset := vlayout.FreemapSelfSlotOffset(zoneBase, level, commitCounter)
	nodeChain.Bref().DataOffset, err = vlayout.EncodeDataOffset(slotOffset, 15) // 32KiB slots
	if nil != err {
		return
	}

	err = freemap.tree.WriteBack(nodeChain, flushTid)
	return
}

// selfLevel maps a freemap chain to its self-storage level band by the
// width of its covered key range.
func selfLevel(bref *vlayout.BlockReferenceV1Struct) (level uint8) {
	if bref.KeyBits <= vlayout.FreemapLeafKeyBits {
		level = 0
		return
	}
	level = (bref.KeyBits - vlayout.FreemapLeafKeyBits + 7) / 8
	if level >= uint8(vlayout.FreemapSelfLevels) {
		level = uint8(vlayout.FreemapSelfLevels) - 1
	}
	return
}

func (freemap *FreemapStruct) availBytes() (availBytes uint64, err error) {
	var (
		leaf        *vlayout.FreemapLeafV1Struct
		leafChain   *chain.ChainStruct
		regionIndex uint64
		zoneBase    uint64
	)

	for zoneBase = 0; zoneBase < freemap.volumeSize; zoneBase += vlayout.ZoneSize {
		leafChain, leaf, err = freemap.loadLeaf(zoneBase, false)
		if nil != err {
			if blunder.Is(err, blunder.NotFoundError) {
				err = nil
				continue
			}
			return
		}
		for regionIndex = 0; regionIndex < vlayout.RegionsPerLeaf; regionIndex++ {
			availBytes += uint64(leaf.Regions[regionIndex].Avail)
		}
		freemap.tree.Unref(leafChain)
	}

	err = nil
	return
}

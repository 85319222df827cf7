package freemap

import (
	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/halter"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/vlayout"
)

// bulkfree is the three-pass lazy reclamation scan. Each pass is
// individually idempotent; a crash between passes leaves STAGED blocks
// treated as allocated, so re-running the whole scan is always safe.
//
func (freemap *FreemapStruct) bulkfree(topologyTree *chain.ChainTreeStruct, topologyRoot *chain.ChainStruct) (freedBytes uint64, err error) {
	freemap.stats.BulkfreeScans.Increment()

	err = freemap.bulkfreePass1()
	if nil != err {
		return
	}
	halter.Trigger(halter.FreemapBulkfreeAfterPass1)

	err = freemap.bulkfreePass2(topologyTree, topologyRoot)
	if nil != err {
		return
	}
	halter.Trigger(halter.FreemapBulkfreeAfterPass2)

	freedBytes, err = freemap.bulkfreePass3()
	if nil != err {
		return
	}
	freemap.stats.BulkfreeFreedBytes.Add(freedBytes)

	err = nil
	return
}

// bulkfreePass1 flips every ALLOCATED block to STAGED, leaf by leaf.
// Re-running it on STAGED blocks changes nothing.
func (freemap *FreemapStruct) bulkfreePass1() (err error) {
	var (
		blockIndex  uint64
		leaf        *vlayout.FreemapLeafV1Struct
		leafChain   *chain.ChainStruct
		regionIndex uint64
		touched     bool
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

		touched = false
		for regionIndex = 0; regionIndex < vlayout.RegionsPerLeaf; regionIndex++ {
			region := &leaf.Regions[regionIndex]
			for blockIndex = 0; blockIndex < vlayout.BlocksPerRegion; blockIndex++ {
				if vlayout.StateAllocated == region.BlockState(blockIndex) {
					region.SetBlockState(blockIndex, vlayout.StateStaged)
					touched = true
				}
			}
		}

		if touched {
			err = freemap.storeLeaf(leafChain, leaf)
			if nil != err {
				freemap.tree.Unref(leafChain)
				return
			}
		}
		freemap.tree.Unref(leafChain)
	}

	err = nil
	return
}

// bulkfreePass2 walks the live topology with an explicit stack and flips
// every referenced block back STAGED->ALLOCATED.
func (freemap *FreemapStruct) bulkfreePass2(topologyTree *chain.ChainTreeStruct, topologyRoot *chain.ChainStruct) (err error) {
	var (
		children  []*chain.ChainStruct
		nodeChain *chain.ChainStruct
		stack     []*chain.ChainStruct
	)

	topologyTree.Ref(topologyRoot)
	stack = []*chain.ChainStruct{topologyRoot}

	for 0 != len(stack) {
		nodeChain = stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		bref := nodeChain.Bref()
		if 0 != bref.DataOffset && 0 == bref.Flags&vlayout.BrefFlagEmbedded {
			err = freemap.markReferenced(bref.DataOffset)
			if nil != err {
				topologyTree.Unref(nodeChain)
				for _, leftover := range stack {
					topologyTree.Unref(leftover)
				}
				return
			}
		}

		switch bref.Type {
		case vlayout.TypeVolumeRoot, vlayout.TypeObjectRoot, vlayout.TypeIndirect:
			children, err = topologyTree.MaterializeChildren(nodeChain)
			if nil != err {
				topologyTree.Unref(nodeChain)
				for _, leftover := range stack {
					topologyTree.Unref(leftover)
				}
				return
			}
			stack = append(stack, children...)
		}

		topologyTree.Unref(nodeChain)
	}

	err = nil
	return
}

// markReferenced returns the base blocks behind one referenced DataOffset
// to ALLOCATED. A referenced FREE block means the freemap and the topology
// disagree; it is re-allocated with a warning rather than left to be
// handed out twice.
func (freemap *FreemapStruct) markReferenced(dataOffset uint64) (err error) {
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
		touched     bool
		zoneBase    uint64
	)

	byteOffset, radix = vlayout.DecodeDataOffset(dataOffset)
	zoneBase = vlayout.ZoneBase(byteOffset)

	leafChain, leaf, err = freemap.loadLeaf(zoneBase, false)
	if nil != err {
		return
	}
	defer freemap.tree.Unref(leafChain)

	regionIndex = (byteOffset - zoneBase) / vlayout.RegionSize
	region := &leaf.Regions[regionIndex]

	runLength = 1
	if radix > baseBlockRadix {
		runLength = uint64(1) << (radix - baseBlockRadix)
	}
	blockIndex = (byteOffset % vlayout.RegionSize) / vlayout.BaseBlockSize

	touched = false
	for runIndex = 0; runIndex < runLength; runIndex++ {
		state = region.BlockState(blockIndex + runIndex)
		switch state {
		case vlayout.StateStaged:
			region.SetBlockState(blockIndex+runIndex, vlayout.StateAllocated)
			touched = true
		case vlayout.StateAllocated:
			// already re-marked through a shared base block
		case vlayout.StateReserved:
			// self-storage and header areas never appear in the topology,
			// but a reference into them is not the freemap's call to fail
		case vlayout.StateFree:
			logger.Warnf("bulkfree: volume %s references FREE block at 0x%016X; re-allocating it",
				freemap.volumeName, byteOffset+runIndex*vlayout.BaseBlockSize)
			region.SetBlockState(blockIndex+runIndex, vlayout.StateAllocated)
			touched = true
		}
	}

	if touched {
		err = freemap.storeLeaf(leafChain, leaf)
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// bulkfreePass3 frees every block still STAGED and credits Avail. Regions
// left with nothing allocated are unbound from their size class.
func (freemap *FreemapStruct) bulkfreePass3() (freedBytes uint64, err error) {
	var (
		blockIndex  uint64
		leaf        *vlayout.FreemapLeafV1Struct
		leafChain   *chain.ChainStruct
		regionBusy  bool
		regionIndex uint64
		state       uint8
		touched     bool
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

		touched = false
		for regionIndex = 0; regionIndex < vlayout.RegionsPerLeaf; regionIndex++ {
			region := &leaf.Regions[regionIndex]
			regionBusy = false
			for blockIndex = 0; blockIndex < vlayout.BlocksPerRegion; blockIndex++ {
				state = region.BlockState(blockIndex)
				if vlayout.StateStaged == state {
					region.SetBlockState(blockIndex, vlayout.StateFree)
					region.Avail += uint32(vlayout.BaseBlockSize)
					freedBytes += vlayout.BaseBlockSize
					touched = true
				} else if vlayout.StateAllocated == state {
					regionBusy = true
				}
			}
			if !regionBusy && 0 != region.Class {
				// nothing allocated remains; rebind on next use
				region.Class = 0
				region.Linear = 0
				region.Avail = uint32(vlayout.RegionSize)
				for blockIndex = 0; blockIndex < vlayout.BlocksPerRegion; blockIndex++ {
					if vlayout.StateReserved == region.BlockState(blockIndex) {
						region.Avail -= uint32(vlayout.BaseBlockSize)
					}
				}
				touched = true
			}
		}

		if touched {
			err = freemap.storeLeaf(leafChain, leaf)
			if nil != err {
				freemap.tree.Unref(leafChain)
				return
			}
		}
		freemap.tree.Unref(leafChain)
	}

	err = nil
	return
}

package chain

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/vlayout"
)

// The arena holds every live chain of a tree and hands out uint32 handles.
// Slots are recycled through a free list once a chain's refcount reaches
// zero. Arena entries are pointers so a ChainStruct address stays stable
// while the arena grows.

// allocateChain returns a fresh chain with one reference.
func (tree *ChainTreeStruct) allocateChain() (chain *ChainStruct) {
	tree.Lock()

	if 0 != len(tree.freeList) {
		chainIndex := tree.freeList[len(tree.freeList)-1]
		tree.freeList = tree.freeList[:len(tree.freeList)-1]
		chain = tree.arena[chainIndex]
		*chain = ChainStruct{
			tree:       tree,
			chainIndex: chainIndex,
		}
	} else {
		chain = &ChainStruct{
			tree:       tree,
			chainIndex: ChainIndex(len(tree.arena)),
		}
		tree.arena = append(tree.arena, chain)
	}

	chain.parentIndex = ChainIndexNone
	chain.lookupHint = ChainIndexNone
	chain.refCnt = 1
	chain.children = sortedmap.NewLLRBTree(sortedmap.CompareUint64, tree)

	tree.Unlock()
	return
}

// chainByIndex resolves an arena handle; nil if out of range or recycled.
func (tree *ChainTreeStruct) chainByIndex(chainIndex ChainIndex) (chain *ChainStruct) {
	if ChainIndexNone == chainIndex {
		return nil
	}

	tree.Lock()
	defer tree.Unlock()

	if uint32(chainIndex) >= uint32(len(tree.arena)) {
		return nil
	}
	chain = tree.arena[chainIndex]
	if 0 == chain.refCnt {
		chain = nil
	}
	return
}

func (tree *ChainTreeStruct) parentIndexOf(chain *ChainStruct) (parentIndex ChainIndex) {
	tree.Lock()
	parentIndex = chain.parentIndex
	tree.Unlock()
	return
}

func (tree *ChainTreeStruct) unref(chain *ChainStruct) {
	tree.Lock()
	defer tree.Unlock()

	if 0 == chain.refCnt {
		err := fmt.Errorf("chain refcount underflow")
		logger.PanicfWithError(err, "Unref() of chain %v key 0x%016X", chain.chainIndex, chain.bref.Key)
	}

	chain.refCnt--
	if 0 != chain.refCnt {
		return
	}

	// refcount zero implies no children and no dirty state
	numChildren, nonShadowingErr := chain.children.Len()
	if nil != nonShadowingErr {
		logger.PanicfWithError(nonShadowingErr, "children.Len() of chain %v failed", chain.chainIndex)
	}
	if 0 != numChildren {
		err := fmt.Errorf("chain dropped with %v children", numChildren)
		logger.PanicfWithError(err, "Unref() to zero of chain %v key 0x%016X", chain.chainIndex, chain.bref.Key)
	}
	if 0 != chain.flags&(chainFlagDirty|chainFlagSubModified) {
		err := fmt.Errorf("chain dropped while dirty")
		logger.PanicfWithError(err, "Unref() to zero of chain %v key 0x%016X", chain.chainIndex, chain.bref.Key)
	}

	delete(tree.dirtyDomains, chain.chainIndex)

	chain.children = nil
	chain.payload = nil
	chain.stickyErr = nil
	chain.flags = 0
	chain.parentIndex = ChainIndexNone
	chain.bref = vlayout.BlockReferenceV1Struct{}

	tree.freeList = append(tree.freeList, chain.chainIndex)
}

// DropAll releases the cached (clean) chain tree, typically at unmount.
// Any remaining dirty state is an error; callers flush first.
//
func (tree *ChainTreeStruct) DropAll() (err error) {
	tree.Lock()
	defer tree.Unlock()

	for _, chain := range tree.arena {
		if 0 != chain.refCnt && 0 != chain.flags&(chainFlagDirty|chainFlagSubModified) {
			err = blunder.NewError(blunder.DevBusyError,
				"DropAll(): chain %v key 0x%016X still dirty", chain.chainIndex, chain.bref.Key)
			return
		}
	}

	tree.arena = nil
	tree.freeList = nil
	tree.dirtyDomains = make(map[ChainIndex]struct{})

	err = nil
	return
}

// DumpKey/DumpValue let the child maps be dumped through sortedmap.
//
func (tree *ChainTreeStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("0x%016X", key.(uint64))
	err = nil
	return
}

func (tree *ChainTreeStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("%v", value.(ChainIndex))
	err = nil
	return
}

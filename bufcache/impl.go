package bufcache

import (
	"container/list"
	"os"

	"github.com/google/btree"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/bucketstats"
	"github.com/stratafs/stratafs/halter"
	"github.com/stratafs/stratafs/logger"
)

// bufferItem adapts a BufferHandleStruct to the btree offset index
type bufferItem struct {
	bufferHandle *BufferHandleStruct
}

func (item bufferItem) Less(than btree.Item) bool {
	return item.bufferHandle.physOffset < than.(bufferItem).bufferHandle.physOffset
}

func openDevice(volumeName string, devicePath string, create bool, deviceSize uint64) (deviceCache *DeviceCacheStruct, err error) {
	var (
		file      *os.File
		openFlags int
	)

	openFlags = os.O_RDWR
	if create {
		openFlags |= os.O_CREATE
	}

	file, err = os.OpenFile(devicePath, openFlags, 0644)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	if create && 0 != deviceSize {
		err = file.Truncate(int64(deviceSize))
		if nil != err {
			_ = file.Close()
			err = blunder.AddError(err, blunder.IOError)
			return
		}
	}

	maxCleanBuffers := globals.maxCleanBuffersPerDevice
	if 0 == maxCleanBuffers {
		maxCleanBuffers = maxCleanBuffersDefault
	}

	deviceCache = &DeviceCacheStruct{
		volumeName:      volumeName,
		devicePath:      devicePath,
		file:            file,
		maxCleanBuffers: maxCleanBuffers,
		index:           btree.New(32),
		cleanLRU:        list.New(),
	}

	bucketstats.Register("bufcache", volumeName, &deviceCache.stats)

	logger.Tracef("bufcache: opened device %v for volume %v", devicePath, volumeName)

	err = nil
	return
}

func (deviceCache *DeviceCacheStruct) close() (err error) {
	err = deviceCache.flushRange(0, ^uint64(0))
	if nil == err {
		err = deviceCache.sync()
	}

	closeErr := deviceCache.file.Close()
	if nil != closeErr && nil == err {
		err = blunder.AddError(closeErr, blunder.IOError)
	}

	bucketstats.UnRegister("bufcache", deviceCache.volumeName)
	return
}

func (deviceCache *DeviceCacheStruct) get(physOffset uint64, size uint64, readThrough bool) (bufferHandle *BufferHandleStruct, err error) {
	deviceCache.Lock()
	defer deviceCache.Unlock()

	searchItem := bufferItem{bufferHandle: &BufferHandleStruct{physOffset: physOffset}}
	foundItem := deviceCache.index.Get(searchItem)
	if nil != foundItem {
		bufferHandle = foundItem.(bufferItem).bufferHandle

		if uint64(len(bufferHandle.Data)) == size {
			if 0 == bufferHandle.refCnt && nil != bufferHandle.lruElement {
				deviceCache.cleanLRU.Remove(bufferHandle.lruElement)
				bufferHandle.lruElement = nil
			}
			bufferHandle.refCnt++
			deviceCache.stats.GetHits.Increment()
			err = nil
			return
		}

		// a differently sized buffer at the same offset can only be
		// replaced once nothing holds or dirtied it
		if 0 != bufferHandle.refCnt || bufferHandle.dirty {
			bufferHandle = nil
			err = blunder.NewError(blunder.InvalidArgError,
				"Get(0x%016X, %v) conflicts with a busy buffer of size %v",
				physOffset, size, len(foundItem.(bufferItem).bufferHandle.Data))
			return
		}
		if nil != bufferHandle.lruElement {
			deviceCache.cleanLRU.Remove(bufferHandle.lruElement)
		}
		deviceCache.index.Delete(searchItem)
	}

	data := make([]byte, size)
	if readThrough {
		_, err = deviceCache.file.ReadAt(data, int64(physOffset))
		if nil != err {
			bufferHandle = nil
			err = blunder.AddError(err, blunder.IOError)
			return
		}
		deviceCache.stats.GetMisses.Increment()
		deviceCache.stats.DeviceReads.Add(size)
	} else {
		deviceCache.stats.GetForWrites.Increment()
	}

	bufferHandle = &BufferHandleStruct{
		Data:       data,
		physOffset: physOffset,
		refCnt:     1,
		device:     deviceCache,
	}
	deviceCache.index.ReplaceOrInsert(bufferItem{bufferHandle: bufferHandle})

	err = nil
	return
}

func (deviceCache *DeviceCacheStruct) put(bufferHandle *BufferHandleStruct, dirty bool) (err error) {
	deviceCache.Lock()
	defer deviceCache.Unlock()

	if bufferHandle.device != deviceCache {
		err = blunder.NewError(blunder.InvalidArgError, "Put() of a handle from another device")
		return
	}
	if 0 == bufferHandle.refCnt {
		err = blunder.NewError(blunder.InvalidArgError,
			"Put(0x%016X) of an unreferenced handle", bufferHandle.physOffset)
		return
	}

	if dirty {
		bufferHandle.dirty = true
	}
	bufferHandle.refCnt--
	deviceCache.stats.Puts.Increment()

	if 0 == bufferHandle.refCnt && !bufferHandle.dirty {
		bufferHandle.lruElement = deviceCache.cleanLRU.PushBack(bufferHandle)
		deviceCache.evictExcess()
	}

	err = nil
	return
}

// evictExcess drops the oldest clean unreferenced buffers until the cache
// is back under its limit. Caller holds the device lock.
func (deviceCache *DeviceCacheStruct) evictExcess() {
	for uint64(deviceCache.cleanLRU.Len()) > deviceCache.maxCleanBuffers {
		oldestElement := deviceCache.cleanLRU.Front()
		oldestBuffer := oldestElement.Value.(*BufferHandleStruct)

		deviceCache.cleanLRU.Remove(oldestElement)
		oldestBuffer.lruElement = nil
		deviceCache.index.Delete(bufferItem{bufferHandle: oldestBuffer})
		deviceCache.stats.Evictions.Increment()
	}
}

func (deviceCache *DeviceCacheStruct) flushRange(physOffset uint64, size uint64) (err error) {
	var dirtyBuffers []*BufferHandleStruct

	rangeEnd := physOffset + size
	if rangeEnd < physOffset {
		rangeEnd = ^uint64(0)
	}

	deviceCache.Lock()
	defer deviceCache.Unlock()

	deviceCache.index.Ascend(func(treeItem btree.Item) bool {
		candidate := treeItem.(bufferItem).bufferHandle
		candidateEnd := candidate.physOffset + uint64(len(candidate.Data))
		if candidate.dirty && candidate.physOffset < rangeEnd && candidateEnd > physOffset {
			dirtyBuffers = append(dirtyBuffers, candidate)
		}
		return true
	})

	// attempt every dirty buffer in the range; accumulate write errors
	err = nil
	for _, dirtyBuffer := range dirtyBuffers {
		writeErr := deviceCache.writeBuffer(dirtyBuffer)
		if nil != writeErr {
			err = blunder.Or(err, writeErr)
			continue
		}
		dirtyBuffer.dirty = false
		if 0 == dirtyBuffer.refCnt {
			dirtyBuffer.lruElement = deviceCache.cleanLRU.PushBack(dirtyBuffer)
		}
	}
	if nil == err {
		deviceCache.stats.FlushedRanges.Increment()
		deviceCache.evictExcess()
	}
	return
}

// writeBuffer writes one buffer to the device. Caller holds the device
// lock.
func (deviceCache *DeviceCacheStruct) writeBuffer(bufferHandle *BufferHandleStruct) (err error) {
	halter.Trigger(halter.BufcacheWriteBlockEntry)

	if nil != deviceCache.injectedErr {
		err = blunder.AddError(deviceCache.injectedErr, blunder.IOError)
		return
	}

	_, err = deviceCache.file.WriteAt(bufferHandle.Data, int64(bufferHandle.physOffset))
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}
	deviceCache.stats.DeviceWrites.Add(uint64(len(bufferHandle.Data)))

	err = nil
	return
}

func (deviceCache *DeviceCacheStruct) sync() (err error) {
	err = deviceCache.file.Sync()
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}
	return
}

func (deviceCache *DeviceCacheStruct) discard(physOffset uint64, size uint64) (err error) {
	var overlapping []*BufferHandleStruct

	rangeEnd := physOffset + size
	if rangeEnd < physOffset {
		rangeEnd = ^uint64(0)
	}

	deviceCache.Lock()
	defer deviceCache.Unlock()

	deviceCache.index.Ascend(func(treeItem btree.Item) bool {
		candidate := treeItem.(bufferItem).bufferHandle
		candidateEnd := candidate.physOffset + uint64(len(candidate.Data))
		if candidate.physOffset < rangeEnd && candidateEnd > physOffset {
			overlapping = append(overlapping, candidate)
		}
		return true
	})

	// refuse the whole discard if anything in the range is still held
	for _, candidate := range overlapping {
		if 0 != candidate.refCnt {
			err = blunder.NewError(blunder.DevBusyError,
				"Discard(0x%016X, %v) overlaps a buffer with %v references",
				physOffset, size, candidate.refCnt)
			return
		}
	}

	for _, candidate := range overlapping {
		if nil != candidate.lruElement {
			deviceCache.cleanLRU.Remove(candidate.lruElement)
			candidate.lruElement = nil
		}
		deviceCache.index.Delete(bufferItem{bufferHandle: candidate})
		deviceCache.stats.Discards.Increment()
	}

	err = nil
	return
}

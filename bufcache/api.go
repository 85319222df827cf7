// Package bufcache provides the buffer/IO service between the engine and a
// volume's backing device.
//
// All device IO performed by the engine goes through a DeviceCacheStruct.
// Callers Get() a refcounted BufferHandleStruct for a given device offset
// and size; the first Get() reads through to the device, subsequent Get()s
// of the same offset return the cached buffer. Put() drops the reference,
// optionally marking the buffer dirty. Dirty buffers are written back by
// FlushRange()/FlushAll() (the flush engine's commit path) and are never
// evicted. Clean buffers with no references are kept on an LRU and evicted
// once the configured limit is exceeded.
//
package bufcache

import (
	"container/list"
	"os"

	"github.com/google/btree"

	"github.com/stratafs/stratafs/bucketstats"
	"github.com/stratafs/stratafs/trackedlock"
)

// BufferHandleStruct is a refcounted view of one cached device extent.
//
// Data is valid from Get() until the matching Put(). Callers that dirtied
// Data must say so at Put() time; the buffer then stays cached until a
// flush writes it back.
//
type BufferHandleStruct struct {
	Data       []byte
	physOffset uint64
	refCnt     uint32
	dirty      bool
	lruElement *list.Element
	device     *DeviceCacheStruct
}

// PhysOffset returns the device byte offset this handle covers.
//
func (bufferHandle *BufferHandleStruct) PhysOffset() (physOffset uint64) {
	physOffset = bufferHandle.physOffset
	return
}

type statsStruct struct {
	GetHits       bucketstats.Total
	GetMisses     bucketstats.Total
	GetForWrites  bucketstats.Total
	Puts          bucketstats.Total
	Evictions     bucketstats.Total
	Discards      bucketstats.Total
	DeviceReads   bucketstats.Average
	DeviceWrites  bucketstats.Average
	FlushedRanges bucketstats.Total
}

// DeviceCacheStruct is the buffer cache for one backing device.
//
type DeviceCacheStruct struct {
	trackedlock.Mutex
	volumeName      string
	devicePath      string
	file            *os.File
	maxCleanBuffers uint64
	index           *btree.BTree // bufferItem keyed by physOffset
	cleanLRU        *list.List   // refcount-0 clean buffers, oldest first
	injectedErr     error        // returned by device writes when set
	stats           statsStruct
}

// OpenDevice opens (or, when create is true, creates and sizes) the backing
// device at devicePath and returns its cache. volumeName labels the
// per-device statistics group.
//
func OpenDevice(volumeName string, devicePath string, create bool, deviceSize uint64) (deviceCache *DeviceCacheStruct, err error) {
	deviceCache, err = openDevice(volumeName, devicePath, create, deviceSize)
	return
}

// Close flushes all dirty buffers, syncs, and closes the device.
//
func (deviceCache *DeviceCacheStruct) Close() (err error) {
	err = deviceCache.close()
	return
}

// Get returns a handle for the extent [physOffset, physOffset+size),
// reading through to the device on a cache miss.
//
func (deviceCache *DeviceCacheStruct) Get(physOffset uint64, size uint64) (bufferHandle *BufferHandleStruct, err error) {
	bufferHandle, err = deviceCache.get(physOffset, size, true)
	return
}

// GetForWrite returns a zero-filled handle for an extent the caller is
// about to fully overwrite, skipping the device read.
//
func (deviceCache *DeviceCacheStruct) GetForWrite(physOffset uint64, size uint64) (bufferHandle *BufferHandleStruct, err error) {
	bufferHandle, err = deviceCache.get(physOffset, size, false)
	return
}

// Put drops the caller's reference. dirty == true marks the buffer as
// modified; it will reach the device at the next FlushRange()/FlushAll()
// covering it.
//
func (deviceCache *DeviceCacheStruct) Put(bufferHandle *BufferHandleStruct, dirty bool) (err error) {
	err = deviceCache.put(bufferHandle, dirty)
	return
}

// FlushRange writes back every dirty buffer overlapping
// [physOffset, physOffset+size). Write errors are returned but do not stop
// the remaining buffers in the range from being attempted.
//
func (deviceCache *DeviceCacheStruct) FlushRange(physOffset uint64, size uint64) (err error) {
	err = deviceCache.flushRange(physOffset, size)
	return
}

// FlushAll writes back every dirty buffer.
//
func (deviceCache *DeviceCacheStruct) FlushAll() (err error) {
	err = deviceCache.flushRange(0, ^uint64(0))
	return
}

// Sync flushes the device's own write cache.
//
func (deviceCache *DeviceCacheStruct) Sync() (err error) {
	err = deviceCache.sync()
	return
}

// Discard drops every unreferenced buffer overlapping
// [physOffset, physOffset+size), dirty or not. Used after the covered
// blocks have been freed. A referenced buffer in the range is an error
// (blunder.DevBusyError).
//
func (deviceCache *DeviceCacheStruct) Discard(physOffset uint64, size uint64) (err error) {
	err = deviceCache.discard(physOffset, size)
	return
}

// InjectWriteError arranges for subsequent device writes to fail with err
// until cleared with InjectWriteError(nil). Tests use this to exercise the
// flush engine's error aggregation.
//
func (deviceCache *DeviceCacheStruct) InjectWriteError(err error) {
	deviceCache.Lock()
	deviceCache.injectedErr = err
	deviceCache.Unlock()
}

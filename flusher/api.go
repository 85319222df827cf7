// Package flusher is the transaction and flush engine: it drains the
// dirty chains of one volume into a new committed generation.
//
// A flush cycle walks IDLE -> SCANNING -> PROPAGATING -> COMMITTING ->
// IDLE. SCANNING collects the dirty flush domains (the volume root plus
// every registered dirty object root) into an explicit worklist.
// PROPAGATING writes each domain bottom-up: leaves first, check codes
// recomputed, parent block reference slots rewritten, dirty flags
// cleared. COMMITTING writes the freemap strictly before the topology
// (so the committed FreemapTid never exceeds MirrorTid), syncs, then
// writes the next rotating volume-header slot.
//
// One flush runs at a time per volume; Flush() blocks until the
// in-flight cycle finishes. Ordinary mutations only contend on per-chain
// locks. Chains modified after the cycle's high-water tid are left for
// the next cycle. Write errors accumulate into an OR-ed aggregate
// without aborting the remaining independently flushable subtrees.
//
package flusher

import (
	"sync/atomic"

	"github.com/stratafs/stratafs/bucketstats"
	"github.com/stratafs/stratafs/bufcache"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/freemap"
	"github.com/stratafs/stratafs/trackedlock"
	"github.com/stratafs/stratafs/vlayout"
)

// FlushState is the engine's cycle state.
//
type FlushState uint32

const (
	FlushStateIdle FlushState = iota
	FlushStateScanning
	FlushStatePropagating
	FlushStateCommitting
)

func (flushState FlushState) String() (asString string) {
	switch flushState {
	case FlushStateIdle:
		asString = "Idle"
	case FlushStateScanning:
		asString = "Scanning"
	case FlushStatePropagating:
		asString = "Propagating"
	case FlushStateCommitting:
		asString = "Committing"
	default:
		asString = "Unknown"
	}
	return
}

// FlushStatusStruct is a point-in-time report of the engine.
//
type FlushStatusStruct struct {
	State           FlushState
	LastFlushTid    uint64
	CommitCounter   uint64
	LastErr         error
	DegradedNoSpace bool
}

type statsStruct struct {
	FlushCycles    bucketstats.Total
	ChainsWritten  bucketstats.Average
	SubtreeRetries bucketstats.Total
	CommitFailures bucketstats.Total
}

// FlusherStruct drives flushes for one volume.
//
type FlusherStruct struct {
	trackedlock.Mutex // guards header, lastErr, degradedNoSpace

	volumeName    string
	callerID      chain.CallerID
	device        *bufcache.DeviceCacheStruct
	topologyTree  *chain.ChainTreeStruct
	topologyRoot  *chain.ChainStruct
	volumeFreemap *freemap.FreemapStruct
	header        vlayout.VolumeHeaderV1Struct

	state uint32 // atomic FlushState

	flushLock trackedlock.Mutex // serializes flush cycles

	lastErr         error
	degradedNoSpace bool

	stats statsStruct
}

// NewFlusher wires the flush engine to a volume's topology tree, freemap,
// and last committed header.
//
func NewFlusher(volumeName string, device *bufcache.DeviceCacheStruct, topologyTree *chain.ChainTreeStruct, topologyRoot *chain.ChainStruct, volumeFreemap *freemap.FreemapStruct, header *vlayout.VolumeHeaderV1Struct) (flusher *FlusherStruct) {
	flusher = &FlusherStruct{
		volumeName:    volumeName,
		callerID:      chain.GenerateCallerID(),
		device:        device,
		topologyTree:  topologyTree,
		topologyRoot:  topologyRoot,
		volumeFreemap: volumeFreemap,
		header:        *header,
	}
	bucketstats.Register("flusher", volumeName, &flusher.stats)
	return
}

// Close unregisters the engine's stats.
//
func (flusher *FlusherStruct) Close() {
	bucketstats.UnRegister("flusher", flusher.volumeName)
}

// Flush runs one full cycle. It blocks while another cycle is in flight.
// The returned error is the OR-ed aggregate of everything that went wrong;
// subtrees that could be flushed were.
//
func (flusher *FlusherStruct) Flush() (err error) {
	flusher.flushLock.Lock()
	err = flusher.flush()
	flusher.flushLock.Unlock()
	return
}

// FlushStatus reports the engine state, last committed tids, and the last
// aggregate error.
//
func (flusher *FlusherStruct) FlushStatus() (flushStatus FlushStatusStruct) {
	flusher.Lock()
	flushStatus = FlushStatusStruct{
		State:           FlushState(atomic.LoadUint32(&flusher.state)),
		LastFlushTid:    flusher.header.MirrorTid,
		CommitCounter:   flusher.header.CommitCounter,
		LastErr:         flusher.lastErr,
		DegradedNoSpace: flusher.degradedNoSpace,
	}
	flusher.Unlock()
	return
}

// Header returns a copy of the last committed volume header.
//
func (flusher *FlusherStruct) Header() (header vlayout.VolumeHeaderV1Struct) {
	flusher.Lock()
	header = flusher.header
	flusher.Unlock()
	return
}

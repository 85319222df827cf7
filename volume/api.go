// Package volume is the mount layer: it formats devices, mounts volumes
// from their committed headers, and exposes the engine to callers as a
// VolumeHandle.
//
// A mount reads the four rotating header slots and picks the valid slot
// (magic and ICRC verified) with the highest MirrorTid; a torn newest
// header therefore falls back to the previous committed generation. Tids
// resume past the committed ReservedToTid window so no tid is ever
// reissued after a remount.
//
package volume

import (
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/flusher"
	"github.com/stratafs/stratafs/vlayout"
)

// Mode tells Format() what to do when the device already holds a volume.
//
type Mode int

const (
	ModeNew          Mode = iota // fail if a valid volume header exists
	ModeOnlyIfNeeded             // succeed doing nothing if one exists
	ModeReformat                 // overwrite whatever is there
)

// VolumeHandle is the per-volume interface exposed to the object layer.
//
// Chains returned by LookupChain()/CreateChain() carry a reference the
// caller must drop via ReleaseChain(). The root chain is retained for the
// life of the mount and must not be released.
//
type VolumeHandle interface {
	// LookupChain finds the chain at (key, keyBits) below parent,
	// descending split-created intermediates transparently.
	LookupChain(parent *chain.ChainStruct, key uint64, keyBits uint8) (target *chain.ChainStruct, err error)

	// CreateChain inserts a fresh chain at (key, keyBits) below parent,
	// splitting parent if its block reference slots are exhausted.
	CreateChain(parent *chain.ChainStruct, key uint64, keyBits uint8, blockType uint8, payloadSize uint64) (target *chain.ChainStruct, err error)

	// ModifyChain makes target writable for the current transaction,
	// copy-on-write relocating its committed block.
	ModifyChain(target *chain.ChainStruct) (err error)

	// DeleteChain unlinks a childless target from parent. permanent
	// additionally releases its storage.
	DeleteChain(parent *chain.ChainStruct, target *chain.ChainStruct, permanent bool) (err error)

	// ReleaseChain drops the caller's reference.
	ReleaseChain(target *chain.ChainStruct)

	// ReadChainPayload returns a copy of target's payload.
	ReadChainPayload(target *chain.ChainStruct) (payload []byte, err error)

	// WriteChainPayload replaces target's payload through ModifyChain().
	// len(data) must not exceed the chain's payload size.
	WriteChainPayload(target *chain.ChainStruct, data []byte) (err error)

	// RootChain returns the volume root (no reference transferred).
	RootChain() (rootChain *chain.ChainStruct)

	// Sync runs one full flush cycle and blocks until it commits.
	Sync() (err error)

	// SyncSubtree makes everything at or below target durable. The commit
	// unit is the whole volume generation, so this runs a full cycle.
	SyncSubtree(target *chain.ChainStruct) (err error)

	// FlushStatus reports the flush engine state, last committed tids,
	// and the last aggregate error.
	FlushStatus() (flushStatus flusher.FlushStatusStruct)

	// SnapshotBoundary records the current tid as the copy-on-write
	// boundary: chains modified at or before it are preserved.
	SnapshotBoundary() (boundaryTid uint64)

	// SetEmergencyMode permits in-place overwrite of committed blocks
	// when the volume is out of space. Loudly logged, never default.
	SetEmergencyMode(enabled bool)

	// Bulkfree runs the three-pass reclamation scan and returns the
	// bytes returned to FREE.
	Bulkfree() (freedBytes uint64, err error)

	// Header returns a copy of the last committed volume header.
	Header() (header vlayout.VolumeHeaderV1Struct)
}

// FetchVolumeHandle returns the handle of a volume mounted by Up().
//
func FetchVolumeHandle(volumeName string) (volumeHandle VolumeHandle, err error) {
	volumeHandle, err = fetchVolumeHandle(volumeName)
	return
}

// Format prepares the device of volumeNameToFormat per mode: zones, the
// reserved ranges, an empty freemap, and four identical header slots. It
// loads confFile plus confStrings overrides and brings the required
// packages up itself, so it runs standalone (the mkstratafs tool calls
// it directly).
//
func Format(mode Mode, volumeNameToFormat string, confFile string, confStrings []string) (err error) {
	err = format(mode, volumeNameToFormat, confFile, confStrings)
	return
}

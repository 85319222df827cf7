package volume

import (
	"crypto/rand"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/bufcache"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/flusher"
	"github.com/stratafs/stratafs/freemap"
	"github.com/stratafs/stratafs/halter"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/trackedlock"
	"github.com/stratafs/stratafs/vlayout"
)

// tids this far past the last committed flush are never reissued after a
// remount, even if the final header write was lost
const formatTidReserveWindow = uint64(65536)

type volumeStruct struct {
	trackedlock.Mutex

	volumeName    string
	devicePath    string
	device        *bufcache.DeviceCacheStruct
	volumeSize    uint64
	volumeFreemap *freemap.FreemapStruct
	topologyTree  *chain.ChainTreeStruct
	topologyRoot  *chain.ChainStruct
	volumeFlusher *flusher.FlusherStruct
}

func volumeConfSection(volumeName string) (sectionName string) {
	sectionName = "Volume:" + volumeName
	return
}

func fetchVolumeHandle(volumeName string) (volumeHandle VolumeHandle, err error) {
	mountedVolume, ok := globals.volumeMap[volumeName]
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "FetchVolumeHandle(\"%v\") unable to find volume", volumeName)
		return
	}
	volumeHandle = mountedVolume
	err = nil
	return
}

// readBestHeader scans the four rotating header slots and returns the
// valid one with the highest MirrorTid.
func readBestHeader(device *bufcache.DeviceCacheStruct) (header *vlayout.VolumeHeaderV1Struct, err error) {
	var (
		bufferHandle *bufcache.BufferHandleStruct
		candidate    *vlayout.VolumeHeaderV1Struct
		slot         uint64
	)

	for slot = 0; slot < vlayout.VolumeHeaderSlots; slot++ {
		bufferHandle, err = device.Get(vlayout.VolumeHeaderOffset(slot), vlayout.VolumeHeaderSlotSize)
		if nil != err {
			return
		}
		candidate, err = vlayout.UnmarshalVolumeHeaderV1(bufferHandle.Data)
		_ = device.Put(bufferHandle, false)
		if nil != err {
			// torn or never-written slot; the remaining slots decide
			continue
		}
		if nil == header || candidate.MirrorTid > header.MirrorTid {
			header = candidate
		}
	}

	if nil == header {
		err = blunder.NewError(blunder.NotFoundError, "no valid volume header in any slot")
		return
	}

	err = nil
	return
}

func mountVolume(confMap conf.ConfMap, volumeName string) (mountedVolume *volumeStruct, err error) {
	var (
		devicePath string
		header     *vlayout.VolumeHeaderV1Struct
	)

	devicePath, err = confMap.FetchOptionValueString(volumeConfSection(volumeName), "DevicePath")
	if nil != err {
		return
	}

	mountedVolume = &volumeStruct{
		volumeName: volumeName,
		devicePath: devicePath,
	}

	mountedVolume.device, err = bufcache.OpenDevice(volumeName, devicePath, false, 0)
	if nil != err {
		return
	}

	header, err = readBestHeader(mountedVolume.device)
	if nil != err {
		_ = mountedVolume.device.Close()
		err = blunder.AddError(err, blunder.BadReferenceError)
		return
	}
	mountedVolume.volumeSize = header.VolumeSize

	// tids resume past the committed reservation window
	mountedVolume.volumeFreemap, err = freemap.AttachFreemap(volumeName, mountedVolume.device, header.VolumeSize, &header.FreemapBlockRefs[0], header.ReservedToTid)
	if nil != err {
		_ = mountedVolume.device.Close()
		return
	}

	mountedVolume.topologyTree = chain.NewChainTree(volumeName, mountedVolume.device, header.ReservedToTid)
	mountedVolume.topologyTree.SetAllocator(mountedVolume.volumeFreemap)

	mountedVolume.topologyRoot, err = mountedVolume.topologyTree.AttachRoot(&header.RootBlockRefs[0])
	if nil != err {
		mountedVolume.volumeFreemap.Close()
		_ = mountedVolume.device.Close()
		return
	}

	mountedVolume.volumeFlusher = flusher.NewFlusher(volumeName, mountedVolume.device, mountedVolume.topologyTree, mountedVolume.topologyRoot, mountedVolume.volumeFreemap, header)

	logger.Infof("volume %s mounted: generation %v, MirrorTid 0x%016X", volumeName, header.CommitCounter, header.MirrorTid)

	err = nil
	return
}

func unmountVolume(mountedVolume *volumeStruct, flushFirst bool) (err error) {
	if flushFirst {
		err = mountedVolume.volumeFlusher.Flush()
	}
	mountedVolume.volumeFlusher.Close()
	mountedVolume.volumeFreemap.Close()
	err = blunder.Or(err, mountedVolume.device.Close())
	return
}

// VolumeHandle methods

func (mountedVolume *volumeStruct) LookupChain(parent *chain.ChainStruct, key uint64, keyBits uint8) (target *chain.ChainStruct, err error) {
	target, err = mountedVolume.topologyTree.Lookup(parent, key, keyBits)
	return
}

func (mountedVolume *volumeStruct) CreateChain(parent *chain.ChainStruct, key uint64, keyBits uint8, blockType uint8, payloadSize uint64) (target *chain.ChainStruct, err error) {
	target, err = mountedVolume.topologyTree.Create(parent, key, keyBits, blockType, payloadSize)
	return
}

func (mountedVolume *volumeStruct) ModifyChain(target *chain.ChainStruct) (err error) {
	err = mountedVolume.topologyTree.Modify(target)
	return
}

func (mountedVolume *volumeStruct) DeleteChain(parent *chain.ChainStruct, target *chain.ChainStruct, permanent bool) (err error) {
	err = mountedVolume.topologyTree.Delete(parent, target, permanent)
	return
}

func (mountedVolume *volumeStruct) ReleaseChain(target *chain.ChainStruct) {
	mountedVolume.topologyTree.Unref(target)
}

func (mountedVolume *volumeStruct) ReadChainPayload(target *chain.ChainStruct) (payload []byte, err error) {
	var (
		cachedPayload []byte
	)

	cachedPayload, err = target.Payload()
	if nil != err {
		return
	}
	payload = make([]byte, len(cachedPayload))
	copy(payload, cachedPayload)
	err = nil
	return
}

func (mountedVolume *volumeStruct) WriteChainPayload(target *chain.ChainStruct, data []byte) (err error) {
	var (
		payload []byte
	)

	err = mountedVolume.topologyTree.Modify(target)
	if nil != err {
		return
	}
	payload, err = target.Payload()
	if nil != err {
		return
	}
	if len(data) > len(payload) {
		err = blunder.NewError(blunder.InvalidArgError, "WriteChainPayload: %v bytes exceed the chain's %v byte payload", len(data), len(payload))
		return
	}
	copy(payload, data)
	for byteIndex := len(data); byteIndex < len(payload); byteIndex++ {
		payload[byteIndex] = 0
	}

	err = nil
	return
}

func (mountedVolume *volumeStruct) RootChain() (rootChain *chain.ChainStruct) {
	rootChain = mountedVolume.topologyRoot
	return
}

func (mountedVolume *volumeStruct) Sync() (err error) {
	err = mountedVolume.volumeFlusher.Flush()
	return
}

func (mountedVolume *volumeStruct) SyncSubtree(target *chain.ChainStruct) (err error) {
	// the commit unit is the whole generation
	err = mountedVolume.volumeFlusher.Flush()
	return
}

func (mountedVolume *volumeStruct) FlushStatus() (flushStatus flusher.FlushStatusStruct) {
	flushStatus = mountedVolume.volumeFlusher.FlushStatus()
	return
}

func (mountedVolume *volumeStruct) SnapshotBoundary() (boundaryTid uint64) {
	boundaryTid = mountedVolume.topologyTree.SnapshotBoundary()
	return
}

func (mountedVolume *volumeStruct) SetEmergencyMode(enabled bool) {
	if enabled {
		logger.Warnf("volume %s: EMERGENCY overwrite mode enabled", mountedVolume.volumeName)
	}
	mountedVolume.topologyTree.SetEmergencyMode(enabled)
}

func (mountedVolume *volumeStruct) Bulkfree() (freedBytes uint64, err error) {
	freedBytes, err = mountedVolume.volumeFreemap.Bulkfree(mountedVolume.topologyTree, mountedVolume.topologyRoot)
	return
}

func (mountedVolume *volumeStruct) Header() (header vlayout.VolumeHeaderV1Struct) {
	header = mountedVolume.volumeFlusher.Header()
	return
}

// format is the Format() worker: load config, bring the required packages
// up for the duration, honor mode, and lay the volume down.
func format(mode Mode, volumeNameToFormat string, confFile string, confStrings []string) (err error) {
	var (
		confMap conf.ConfMap
	)

	switch mode {
	case ModeNew:
	case ModeOnlyIfNeeded:
	case ModeReformat:
	default:
		err = blunder.NewError(blunder.InvalidArgError, "mode (%v) must be one of ModeNew (%v), ModeOnlyIfNeeded (%v), or ModeReformat (%v)", mode, ModeNew, ModeOnlyIfNeeded, ModeReformat)
		return
	}

	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		return
	}
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		return
	}

	err = logger.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		_ = logger.Down()
	}()

	err = halter.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		_ = halter.Down()
	}()

	err = bufcache.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		_ = bufcache.Down()
	}()

	err = chain.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		_ = chain.Down()
	}()

	err = freemap.Up(confMap)
	if nil != err {
		return
	}
	defer func() {
		_ = freemap.Down()
	}()

	err = formatVolume(confMap, volumeNameToFormat, mode)
	return
}

// FormatVolume lays a fresh volume down on the device of volumeName. The
// caller has the packages up already (tests and Up()-driven reformats).
//
func FormatVolume(confMap conf.ConfMap, volumeName string, mode Mode) (err error) {
	err = formatVolume(confMap, volumeName, mode)
	return
}

func formatVolume(confMap conf.ConfMap, volumeName string, mode Mode) (err error) {
	var (
		device          *bufcache.DeviceCacheStruct
		devicePath      string
		flushTid        uint64
		freemapRootBref *vlayout.BlockReferenceV1Struct
		header          vlayout.VolumeHeaderV1Struct
		headerBuf       []byte
		rootChain       *chain.ChainStruct
		slot            uint64
		topologyTree    *chain.ChainTreeStruct
		volumeFreemap   *freemap.FreemapStruct
		volumeSize      uint64
	)

	devicePath, err = confMap.FetchOptionValueString(volumeConfSection(volumeName), "DevicePath")
	if nil != err {
		return
	}
	volumeSize, err = confMap.FetchOptionValueUint64(volumeConfSection(volumeName), "VolumeSize")
	if nil != err {
		return
	}
	if volumeSize <= vlayout.ZoneReservedSize {
		err = blunder.NewError(blunder.InvalidArgError, "VolumeSize (%v) must exceed the reserved area (%v)", volumeSize, vlayout.ZoneReservedSize)
		return
	}

	device, err = bufcache.OpenDevice(volumeName, devicePath, true, volumeSize)
	if nil != err {
		return
	}

	_, err = readBestHeader(device)
	if nil == err {
		// the device already holds a volume
		switch mode {
		case ModeNew:
			_ = device.Close()
			err = blunder.NewError(blunder.ExistsError, "device %s already holds a volume with mode == ModeNew", devicePath)
			return
		case ModeOnlyIfNeeded:
			_ = device.Close()
			err = nil
			return
		case ModeReformat:
			logger.Infof("volume %s: reformatting device %s", volumeName, devicePath)
		}
	}

	volumeFreemap, err = freemap.NewFreemap(volumeName, device, volumeSize, 0)
	if nil != err {
		_ = device.Close()
		return
	}
	defer volumeFreemap.Close()

	topologyTree = chain.NewChainTree(volumeName, device, 0)
	topologyTree.SetAllocator(volumeFreemap)

	rootChain, err = topologyTree.NewRootChain(vlayout.TypeVolumeRoot, vlayout.BaseBlockSize)
	if nil != err {
		_ = device.Close()
		return
	}

	flushTid = topologyTree.CurrentTid()
	err = topologyTree.WriteBack(rootChain, flushTid)
	if nil != err {
		_ = device.Close()
		return
	}

	freemapRootBref, err = volumeFreemap.FlushSelf(flushTid, 0)
	if nil != err {
		_ = device.Close()
		return
	}

	header = vlayout.VolumeHeaderV1Struct{
		Magic:         vlayout.VolumeHeaderMagic,
		Version:       vlayout.VolumeHeaderVersion,
		VolumeSize:    volumeSize,
		CommitCounter: 0,
		MirrorTid:     flushTid,
		FreemapTid:    flushTid,
		ReservedToTid: flushTid + formatTidReserveWindow,
	}
	_, err = rand.Read(header.VolumeSerial[:])
	if nil != err {
		_ = device.Close()
		err = blunder.AddError(err, blunder.IOError)
		return
	}
	for slot = 0; slot < vlayout.VolumeHeaderSlots; slot++ {
		header.RootBlockRefs[slot] = *rootChain.Bref()
		header.FreemapBlockRefs[slot] = *freemapRootBref
	}

	headerBuf, err = header.MarshalVolumeHeaderV1()
	if nil != err {
		_ = device.Close()
		return
	}

	// four identical slots; the first commit overwrites slot 1
	for slot = 0; slot < vlayout.VolumeHeaderSlots; slot++ {
		bufferHandle, getErr := device.GetForWrite(vlayout.VolumeHeaderOffset(slot), vlayout.VolumeHeaderSlotSize)
		if nil != getErr {
			_ = device.Close()
			err = getErr
			return
		}
		copy(bufferHandle.Data, headerBuf)
		err = device.Put(bufferHandle, true)
		if nil != err {
			_ = device.Close()
			return
		}
	}

	err = device.FlushAll()
	if nil != err {
		_ = device.Close()
		return
	}
	err = device.Sync()
	if nil != err {
		_ = device.Close()
		return
	}

	err = device.Close()
	if nil != err {
		return
	}

	logger.Infof("volume %s formatted on %s: %v bytes, MirrorTid 0x%016X", volumeName, devicePath, volumeSize, flushTid)

	err = nil
	return
}

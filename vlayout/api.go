// Package vlayout specifies the on-disk layout of a StrataFS volume.
//
// A volume is a single device (or file) divided into 1GiB zones. The first
// 4MiB of every zone is reserved at format time: zone 0 holds the four
// rotating volume header slots and every zone holds the rotating freemap
// self-storage slots. All remaining space is managed by the freemap in 16KiB
// base blocks.
//
// The volume header is written to one of four 64KiB slots at device offsets
// slot*64KiB with slot selected by CommitCounter modulo four. At mount time,
// the valid (Magic plus ICRC) slot with the highest MirrorTid is
// authoritative. A torn final header write therefore falls back to the
// previous committed generation.
//
// All block-to-block linkage is via 128-byte BlockReferences. A
// BlockReference carries the covered key range [Key, Key+2^KeyBits), the
// check code of the referenced block, and a DataOffset packing a 60-bit
// device byte offset with the allocation radix in the low 6 bits. Committed
// BlockReferences are immutable; an update writes a new block and a new
// reference.
//
// The freemap tracks space in 32KiB leaves of 256 region descriptors. Each
// region descriptor covers 4MiB (256 base blocks, 2 state bits each) and
// carries an available-byte count, a sub-16KiB linear allocation cursor, and
// a size class binding. Leaves cover 1GiB (KeyBits 30) and sit under up to
// four levels of 256-way freemap nodes (KeyBits 38/46/54/62) rooted in the
// volume header's FreemapBlockRefs.
//
// All multi-byte integers are serialized in little-endian byte order.
//
package vlayout

// Volume header geometry.
//
const (
	VolumeHeaderMagic   uint64 = 0x5354524154414653 // "STRATAFS" (BigEndian)
	VolumeHeaderVersion uint64 = 1

	VolumeHeaderSlotSize uint64 = 64 * 1024
	VolumeHeaderSlots    uint64 = 4
)

// Address-space geometry.
//
const (
	BaseBlockSize uint64 = 16 * 1024
	RegionSize    uint64 = 4 * 1024 * 1024
	ZoneSize      uint64 = 1024 * 1024 * 1024

	// The first 4MiB of every zone is reserved (headers, freemap
	// self-storage).
	ZoneReservedSize uint64 = 4 * 1024 * 1024

	// Rotating freemap self-storage slots begin 256KiB into each zone:
	// 8 slots of 32KiB per freemap level.
	FreemapSelfSlotBase     uint64 = 256 * 1024
	FreemapSelfSlotSize     uint64 = 32 * 1024
	FreemapSelfSlotsPerLevel uint64 = 8
	FreemapSelfLevels       uint64 = 5

	// Allocation radix range: 1KiB..64KiB.
	MinAllocRadix uint8 = 10
	MaxAllocRadix uint8 = 16

	// DataOffset packs the allocation radix in its low 6 bits.
	DataOffsetRadixMask uint64 = 0x3F
)

// BlockReference field values.
//
const (
	TypeInvalid     uint8 = 0
	TypeVolumeRoot  uint8 = 1
	TypeObjectRoot  uint8 = 2
	TypeIndirect    uint8 = 3
	TypeData        uint8 = 4
	TypeDirent      uint8 = 5
	TypeFreemapNode uint8 = 6
	TypeFreemapLeaf uint8 = 7

	BrefFlagEmbedded   uint8 = 0x01
	BrefFlagReleasable uint8 = 0x02

	CheckMethodNone   uint8 = 0
	CheckMethodCity64 uint8 = 1
	CheckMethodSHA256 uint8 = 2

	CompMethodNone   uint8 = 0
	CompMethodSnappy uint8 = 1
	CompMethodLZ4    uint8 = 2
)

// Freemap geometry and 2-bit block states.
//
// StateStaged is treated as allocated by the allocator at all times; only
// pass 3 of a completed bulkfree scan frees it.
//
const (
	FreemapLeafSize uint64 = 32 * 1024
	RegionsPerLeaf  uint64 = 256
	BlocksPerRegion uint64 = 256

	// key range covered by one leaf / by each node level above it
	FreemapLeafKeyBits  uint8 = 30
	FreemapNodeFanout   uint64 = 256
	FreemapMaxNodeLevel uint8 = 4

	StateFree      uint8 = 0
	StateReserved  uint8 = 1
	StateStaged    uint8 = 2
	StateAllocated uint8 = 3
)

// BlockReferenceV1Struct is the 128-byte on-disk block reference.
//
// Methods packs the check method in the high nibble and the compression
// method in the low nibble. VRadix is the log2 of the valid (uncompressed)
// data size. The Check field is zero-padded to 64 bytes regardless of the
// check method's digest size.
//
type BlockReferenceV1Struct struct {
	Type       uint8
	Methods    uint8
	CopyID     uint8
	KeyBits    uint8
	VRadix     uint8
	Flags      uint8
	LeafCount  uint16
	Key        uint64
	MirrorTid  uint64
	ModifyTid  uint64
	DataOffset uint64
	UpdateTid  uint64
	Embedded   [16]uint8
	Check      [64]uint8
}

// BlockReferenceSize is the marshaled size of a BlockReferenceV1Struct.
//
const BlockReferenceSize uint64 = 128

// VolumeHeaderV1Struct is the volume header, marshaled to 1104 bytes and
// zero-padded to the 64KiB slot size. ICRC is the cityhash64 of the
// preceding 1096 marshaled bytes.
//
type VolumeHeaderV1Struct struct {
	Magic            uint64
	Version          uint64
	VolumeSerial     [16]uint8
	VolumeSize       uint64
	CommitCounter    uint64
	MirrorTid        uint64
	FreemapTid       uint64
	ReservedToTid    uint64
	RootBlockRefs    [4]BlockReferenceV1Struct
	FreemapBlockRefs [4]BlockReferenceV1Struct
	ICRC             uint64
}

// VolumeHeaderPackedSize is the marshaled size of a VolumeHeaderV1Struct
// before zero-padding to VolumeHeaderSlotSize.
//
const VolumeHeaderPackedSize uint64 = 1104

// FreemapRegionV1Struct is one 128-byte region descriptor covering 4MiB.
//
// Bitmap holds 2 state bits per 16KiB base block, block 0 in the low bits
// of Bitmap[0]. Avail is the number of allocatable bytes remaining. Linear
// is the byte offset of the sub-16KiB linear allocation cursor within the
// region. Class is the allocation radix bound to the region (0 == unbound).
//
type FreemapRegionV1Struct struct {
	Bitmap   [8]uint64
	Avail    uint32
	Linear   uint32
	Class    uint16
	Reserved [54]uint8
}

// FreemapLeafV1Struct is one 32KiB freemap leaf: 256 region descriptors,
// no leaf header.
//
type FreemapLeafV1Struct struct {
	Regions [256]FreemapRegionV1Struct
}

// MarshalBlockReferenceV1 marshals to exactly BlockReferenceSize bytes.
//
func (blockReferenceV1 *BlockReferenceV1Struct) MarshalBlockReferenceV1() (blockReferenceV1Buf []byte, err error) {
	blockReferenceV1Buf, err = blockReferenceV1.marshalBlockReferenceV1()
	return
}

// UnmarshalBlockReferenceV1 unmarshals from exactly BlockReferenceSize bytes.
//
func UnmarshalBlockReferenceV1(blockReferenceV1Buf []byte) (blockReferenceV1 *BlockReferenceV1Struct, err error) {
	blockReferenceV1, err = unmarshalBlockReferenceV1(blockReferenceV1Buf)
	return
}

// MarshalVolumeHeaderV1 computes ICRC and returns a full 64KiB slot image.
//
func (volumeHeaderV1 *VolumeHeaderV1Struct) MarshalVolumeHeaderV1() (volumeHeaderV1Buf []byte, err error) {
	volumeHeaderV1Buf, err = volumeHeaderV1.marshalVolumeHeaderV1()
	return
}

// UnmarshalVolumeHeaderV1 unmarshals a header slot image, verifying Magic,
// Version, and ICRC. A slot failing verification returns an error; mount
// treats it as invalid and consults the remaining slots.
//
func UnmarshalVolumeHeaderV1(volumeHeaderV1Buf []byte) (volumeHeaderV1 *VolumeHeaderV1Struct, err error) {
	volumeHeaderV1, err = unmarshalVolumeHeaderV1(volumeHeaderV1Buf)
	return
}

// MarshalFreemapLeafV1 marshals to exactly FreemapLeafSize bytes.
//
func (freemapLeafV1 *FreemapLeafV1Struct) MarshalFreemapLeafV1() (freemapLeafV1Buf []byte, err error) {
	freemapLeafV1Buf, err = freemapLeafV1.marshalFreemapLeafV1()
	return
}

// UnmarshalFreemapLeafV1 unmarshals from exactly FreemapLeafSize bytes.
//
func UnmarshalFreemapLeafV1(freemapLeafV1Buf []byte) (freemapLeafV1 *FreemapLeafV1Struct, err error) {
	freemapLeafV1, err = unmarshalFreemapLeafV1(freemapLeafV1Buf)
	return
}

// EncodeMethods packs a check method and a compression method into the
// BlockReference Methods byte.
//
func EncodeMethods(checkMethod uint8, compMethod uint8) (methods uint8) {
	methods = (checkMethod << 4) | (compMethod & 0x0F)
	return
}

// CheckMethod returns the check method from the Methods byte.
//
func (blockReferenceV1 *BlockReferenceV1Struct) CheckMethod() (checkMethod uint8) {
	checkMethod = blockReferenceV1.Methods >> 4
	return
}

// CompMethod returns the compression method from the Methods byte.
//
func (blockReferenceV1 *BlockReferenceV1Struct) CompMethod() (compMethod uint8) {
	compMethod = blockReferenceV1.Methods & 0x0F
	return
}

// EncodeDataOffset packs a device byte offset (which must be aligned to at
// least 1<<radix) with its allocation radix.
//
func EncodeDataOffset(byteOffset uint64, radix uint8) (dataOffset uint64, err error) {
	dataOffset, err = encodeDataOffset(byteOffset, radix)
	return
}

// DecodeDataOffset unpacks a DataOffset into the device byte offset and the
// allocation radix.
//
func DecodeDataOffset(dataOffset uint64) (byteOffset uint64, radix uint8) {
	byteOffset = dataOffset &^ DataOffsetRadixMask
	radix = uint8(dataOffset & DataOffsetRadixMask)
	return
}

// ComputeCheck computes the check code of data under the given method,
// zero-padded to 64 bytes.
//
func ComputeCheck(checkMethod uint8, data []byte) (check [64]uint8, err error) {
	check, err = computeCheck(checkMethod, data)
	return
}

// VerifyCheck recomputes the check code of data and compares it against
// check, returning blunder.CheckError on mismatch.
//
func VerifyCheck(checkMethod uint8, data []byte, check [64]uint8) (err error) {
	err = verifyCheck(checkMethod, data, check)
	return
}

// CompressPayload compresses data under the given method. ok is false if
// the method is CompMethodNone or the data is incompressible, in which case
// the payload must be stored raw (and the stored Methods byte must say so).
//
func CompressPayload(compMethod uint8, data []byte) (compressed []byte, ok bool, err error) {
	compressed, ok, err = compressPayload(compMethod, data)
	return
}

// DecompressPayload reverses CompressPayload given the uncompressed size
// (1 << VRadix of the referencing BlockReference).
//
func DecompressPayload(compMethod uint8, compressed []byte, uncompressedSize int) (data []byte, err error) {
	data, err = decompressPayload(compMethod, compressed, uncompressedSize)
	return
}

// BlockState returns the 2-bit state of base block blockIndex (0..255).
//
func (freemapRegionV1 *FreemapRegionV1Struct) BlockState(blockIndex uint64) (state uint8) {
	state = freemapRegionV1.blockState(blockIndex)
	return
}

// SetBlockState sets the 2-bit state of base block blockIndex (0..255).
//
func (freemapRegionV1 *FreemapRegionV1Struct) SetBlockState(blockIndex uint64, state uint8) {
	freemapRegionV1.setBlockState(blockIndex, state)
}

// VolumeHeaderOffset returns the device offset of header slot (0..3).
//
func VolumeHeaderOffset(slot uint64) (byteOffset uint64) {
	byteOffset = (slot % VolumeHeaderSlots) * VolumeHeaderSlotSize
	return
}

// ZoneBase returns the base offset of the zone containing byteOffset.
//
func ZoneBase(byteOffset uint64) (zoneBase uint64) {
	zoneBase = byteOffset &^ (ZoneSize - 1)
	return
}

// FreemapSelfSlotOffset returns the device offset of the rotation'th
// freemap self-storage slot for the given level within the given zone.
//
func FreemapSelfSlotOffset(zoneBase uint64, level uint8, rotation uint64) (byteOffset uint64) {
	byteOffset = zoneBase + FreemapSelfSlotBase +
		(uint64(level)*FreemapSelfSlotsPerLevel+(rotation%FreemapSelfSlotsPerLevel))*FreemapSelfSlotSize
	return
}

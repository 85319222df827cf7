package vlayout

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
	"github.com/golang/snappy"
	sha256 "github.com/minio/sha256-simd"
	"github.com/pierrec/lz4/v4"

	"github.com/stratafs/stratafs/blunder"
)

// offset (within the marshaled header) of the ICRC field
const volumeHeaderICRCOffset = VolumeHeaderPackedSize - 8

func (blockReferenceV1 *BlockReferenceV1Struct) marshalBlockReferenceV1() (blockReferenceV1Buf []byte, err error) {
	blockReferenceV1Buf, err = cstruct.Pack(blockReferenceV1, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}
	if uint64(len(blockReferenceV1Buf)) != BlockReferenceSize {
		err = blunder.NewError(blunder.InvalidArgError,
			"BlockReferenceV1Struct marshaled to %v bytes (expected %v)",
			len(blockReferenceV1Buf), BlockReferenceSize)
		return
	}

	err = nil
	return
}

func unmarshalBlockReferenceV1(blockReferenceV1Buf []byte) (blockReferenceV1 *BlockReferenceV1Struct, err error) {
	if uint64(len(blockReferenceV1Buf)) != BlockReferenceSize {
		err = blunder.NewError(blunder.InvalidArgError,
			"UnmarshalBlockReferenceV1() called with %v bytes (expected %v)",
			len(blockReferenceV1Buf), BlockReferenceSize)
		return
	}

	blockReferenceV1 = &BlockReferenceV1Struct{}
	_, err = cstruct.Unpack(blockReferenceV1Buf, blockReferenceV1, cstruct.LittleEndian)
	if nil != err {
		blockReferenceV1 = nil
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	err = nil
	return
}

func (volumeHeaderV1 *VolumeHeaderV1Struct) marshalVolumeHeaderV1() (volumeHeaderV1Buf []byte, err error) {
	var packedBuf []byte

	packedBuf, err = cstruct.Pack(volumeHeaderV1, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}
	if uint64(len(packedBuf)) != VolumeHeaderPackedSize {
		err = blunder.NewError(blunder.InvalidArgError,
			"VolumeHeaderV1Struct marshaled to %v bytes (expected %v)",
			len(packedBuf), VolumeHeaderPackedSize)
		return
	}

	volumeHeaderV1.ICRC = cityhash.Hash64(packedBuf[:volumeHeaderICRCOffset])
	binary.LittleEndian.PutUint64(packedBuf[volumeHeaderICRCOffset:], volumeHeaderV1.ICRC)

	volumeHeaderV1Buf = make([]byte, VolumeHeaderSlotSize)
	copy(volumeHeaderV1Buf, packedBuf)

	err = nil
	return
}

func unmarshalVolumeHeaderV1(volumeHeaderV1Buf []byte) (volumeHeaderV1 *VolumeHeaderV1Struct, err error) {
	if uint64(len(volumeHeaderV1Buf)) < VolumeHeaderPackedSize {
		err = blunder.NewError(blunder.InvalidArgError,
			"UnmarshalVolumeHeaderV1() called with %v bytes (expected at least %v)",
			len(volumeHeaderV1Buf), VolumeHeaderPackedSize)
		return
	}

	volumeHeaderV1 = &VolumeHeaderV1Struct{}
	_, err = cstruct.Unpack(volumeHeaderV1Buf[:VolumeHeaderPackedSize], volumeHeaderV1, cstruct.LittleEndian)
	if nil != err {
		volumeHeaderV1 = nil
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	if VolumeHeaderMagic != volumeHeaderV1.Magic {
		err = blunder.NewError(blunder.CheckError,
			"volume header magic 0x%016X (expected 0x%016X)", volumeHeaderV1.Magic, VolumeHeaderMagic)
		volumeHeaderV1 = nil
		return
	}
	if VolumeHeaderVersion != volumeHeaderV1.Version {
		err = blunder.NewError(blunder.CheckError,
			"volume header version %v not supported", volumeHeaderV1.Version)
		volumeHeaderV1 = nil
		return
	}

	computedICRC := cityhash.Hash64(volumeHeaderV1Buf[:volumeHeaderICRCOffset])
	if computedICRC != volumeHeaderV1.ICRC {
		err = blunder.NewError(blunder.CheckError,
			"volume header ICRC 0x%016X (computed 0x%016X)", volumeHeaderV1.ICRC, computedICRC)
		volumeHeaderV1 = nil
		return
	}

	err = nil
	return
}

func (freemapLeafV1 *FreemapLeafV1Struct) marshalFreemapLeafV1() (freemapLeafV1Buf []byte, err error) {
	freemapLeafV1Buf, err = cstruct.Pack(freemapLeafV1, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}
	if uint64(len(freemapLeafV1Buf)) != FreemapLeafSize {
		err = blunder.NewError(blunder.InvalidArgError,
			"FreemapLeafV1Struct marshaled to %v bytes (expected %v)",
			len(freemapLeafV1Buf), FreemapLeafSize)
		return
	}

	err = nil
	return
}

func unmarshalFreemapLeafV1(freemapLeafV1Buf []byte) (freemapLeafV1 *FreemapLeafV1Struct, err error) {
	if uint64(len(freemapLeafV1Buf)) != FreemapLeafSize {
		err = blunder.NewError(blunder.InvalidArgError,
			"UnmarshalFreemapLeafV1() called with %v bytes (expected %v)",
			len(freemapLeafV1Buf), FreemapLeafSize)
		return
	}

	freemapLeafV1 = &FreemapLeafV1Struct{}
	_, err = cstruct.Unpack(freemapLeafV1Buf, freemapLeafV1, cstruct.LittleEndian)
	if nil != err {
		freemapLeafV1 = nil
		err = blunder.AddError(err, blunder.InvalidArgError)
		return
	}

	err = nil
	return
}

func encodeDataOffset(byteOffset uint64, radix uint8) (dataOffset uint64, err error) {
	if radix < MinAllocRadix || radix > MaxAllocRadix {
		err = blunder.NewError(blunder.InvalidArgError,
			"allocation radix %v outside [%v, %v]", radix, MinAllocRadix, MaxAllocRadix)
		return
	}
	if 0 != byteOffset&((uint64(1)<<radix)-1) {
		err = blunder.NewError(blunder.InvalidArgError,
			"byte offset 0x%016X not aligned to radix %v", byteOffset, radix)
		return
	}

	dataOffset = byteOffset | uint64(radix)
	err = nil
	return
}

func computeCheck(checkMethod uint8, data []byte) (check [64]uint8, err error) {
	switch checkMethod {
	case CheckMethodNone:
		// check is already zero
	case CheckMethodCity64:
		binary.LittleEndian.PutUint64(check[0:8], cityhash.Hash64(data))
	case CheckMethodSHA256:
		digest := sha256.Sum256(data)
		copy(check[:], digest[:])
	default:
		err = blunder.NewError(blunder.InvalidArgError, "unknown check method %v", checkMethod)
		return
	}

	err = nil
	return
}

func verifyCheck(checkMethod uint8, data []byte, check [64]uint8) (err error) {
	var computed [64]uint8

	if CheckMethodNone == checkMethod {
		err = nil
		return
	}

	computed, err = computeCheck(checkMethod, data)
	if nil != err {
		return
	}
	if !bytes.Equal(computed[:], check[:]) {
		err = blunder.NewError(blunder.CheckError,
			"check code mismatch (method %v, %v data bytes)", checkMethod, len(data))
		return
	}

	err = nil
	return
}

func compressPayload(compMethod uint8, data []byte) (compressed []byte, ok bool, err error) {
	switch compMethod {
	case CompMethodNone:
		ok = false
	case CompMethodSnappy:
		compressed = snappy.Encode(nil, data)
		ok = len(compressed) < len(data)
		if !ok {
			compressed = nil
		}
	case CompMethodLZ4:
		var (
			compressor lz4.Compressor
			dstLen     int
		)
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		dstLen, err = compressor.CompressBlock(data, dst)
		if nil != err {
			err = blunder.AddError(err, blunder.IOError)
			return
		}
		// dstLen == 0 means incompressible
		ok = dstLen > 0 && dstLen < len(data)
		if ok {
			compressed = dst[:dstLen]
		}
	default:
		err = blunder.NewError(blunder.InvalidArgError, "unknown compression method %v", compMethod)
		return
	}

	err = nil
	return
}

func decompressPayload(compMethod uint8, compressed []byte, uncompressedSize int) (data []byte, err error) {
	switch compMethod {
	case CompMethodNone:
		data = make([]byte, len(compressed))
		copy(data, compressed)
	case CompMethodSnappy:
		data, err = snappy.Decode(nil, compressed)
		if nil != err {
			data = nil
			err = blunder.AddError(err, blunder.CheckError)
			return
		}
	case CompMethodLZ4:
		var dataLen int

		data = make([]byte, uncompressedSize)
		dataLen, err = lz4.UncompressBlock(compressed, data)
		if nil != err {
			data = nil
			err = blunder.AddError(err, blunder.CheckError)
			return
		}
		data = data[:dataLen]
	default:
		err = blunder.NewError(blunder.InvalidArgError, "unknown compression method %v", compMethod)
		return
	}

	if len(data) != uncompressedSize {
		err = blunder.NewError(blunder.CheckError,
			"decompressed to %v bytes (expected %v)", len(data), uncompressedSize)
		data = nil
		return
	}

	err = nil
	return
}

func (freemapRegionV1 *FreemapRegionV1Struct) blockState(blockIndex uint64) (state uint8) {
	word := blockIndex >> 5
	shift := (blockIndex & 0x1F) * 2
	state = uint8((freemapRegionV1.Bitmap[word] >> shift) & 0x3)
	return
}

func (freemapRegionV1 *FreemapRegionV1Struct) setBlockState(blockIndex uint64, state uint8) {
	if blockIndex >= BlocksPerRegion {
		panic(fmt.Sprintf("setBlockState() called with blockIndex %v", blockIndex))
	}
	word := blockIndex >> 5
	shift := (blockIndex & 0x1F) * 2
	freemapRegionV1.Bitmap[word] &^= uint64(0x3) << shift
	freemapRegionV1.Bitmap[word] |= uint64(state&0x3) << shift
}

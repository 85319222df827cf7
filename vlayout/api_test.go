package vlayout

import (
	"bytes"
	"testing"

	"github.com/stratafs/stratafs/blunder"
)

func TestBlockReferenceV1(t *testing.T) {
	var (
		err error
	)

	testBlockReferenceV1 := &BlockReferenceV1Struct{
		Type:       TypeData,
		Methods:    EncodeMethods(CheckMethodCity64, CompMethodNone),
		CopyID:     0,
		KeyBits:    16,
		VRadix:     14,
		Flags:      BrefFlagReleasable,
		LeafCount:  1,
		Key:        0x0000000000000100,
		MirrorTid:  7,
		ModifyTid:  9,
		DataOffset: 0x0000000040004000 | uint64(14),
		UpdateTid:  9,
	}

	testBlockReferenceV1Buf, err := testBlockReferenceV1.MarshalBlockReferenceV1()
	if nil != err {
		t.Fatal(err)
	}
	if uint64(len(testBlockReferenceV1Buf)) != BlockReferenceSize {
		t.Fatalf("MarshalBlockReferenceV1() returned %v bytes", len(testBlockReferenceV1Buf))
	}

	unmarshaled, err := UnmarshalBlockReferenceV1(testBlockReferenceV1Buf)
	if nil != err {
		t.Fatal(err)
	}
	if *unmarshaled != *testBlockReferenceV1 {
		t.Fatalf("UnmarshalBlockReferenceV1() round trip mismatch")
	}
	if CheckMethodCity64 != unmarshaled.CheckMethod() {
		t.Fatalf("CheckMethod() returned %v", unmarshaled.CheckMethod())
	}
	if CompMethodNone != unmarshaled.CompMethod() {
		t.Fatalf("CompMethod() returned %v", unmarshaled.CompMethod())
	}

	byteOffset, radix := DecodeDataOffset(unmarshaled.DataOffset)
	if 0x0000000040004000 != byteOffset {
		t.Fatalf("DecodeDataOffset() returned byteOffset 0x%016X", byteOffset)
	}
	if 14 != radix {
		t.Fatalf("DecodeDataOffset() returned radix %v", radix)
	}

	_, err = UnmarshalBlockReferenceV1(testBlockReferenceV1Buf[:BlockReferenceSize-1])
	if nil == err {
		t.Fatalf("UnmarshalBlockReferenceV1() of short buf should have failed")
	}
}

func TestDataOffsetEncoding(t *testing.T) {
	dataOffset, err := EncodeDataOffset(16*1024, 14)
	if nil != err {
		t.Fatal(err)
	}
	byteOffset, radix := DecodeDataOffset(dataOffset)
	if (16*1024 != byteOffset) || (14 != radix) {
		t.Fatalf("EncodeDataOffset() round trip returned 0x%016X/%v", byteOffset, radix)
	}

	// radix outside [MinAllocRadix, MaxAllocRadix]
	_, err = EncodeDataOffset(16*1024, 9)
	if nil == err {
		t.Fatalf("EncodeDataOffset() with radix 9 should have failed")
	}
	_, err = EncodeDataOffset(16*1024, 17)
	if nil == err {
		t.Fatalf("EncodeDataOffset() with radix 17 should have failed")
	}

	// misaligned offset
	_, err = EncodeDataOffset(16*1024+512, 14)
	if nil == err {
		t.Fatalf("EncodeDataOffset() of misaligned offset should have failed")
	}
}

func TestVolumeHeaderV1(t *testing.T) {
	testVolumeHeaderV1 := &VolumeHeaderV1Struct{
		Magic:         VolumeHeaderMagic,
		Version:       VolumeHeaderVersion,
		VolumeSize:    64 * 1024 * 1024 * 1024,
		CommitCounter: 5,
		MirrorTid:     42,
		FreemapTid:    41,
		ReservedToTid: 43,
	}
	testVolumeHeaderV1.RootBlockRefs[0].Type = TypeVolumeRoot
	testVolumeHeaderV1.FreemapBlockRefs[0].Type = TypeFreemapLeaf

	testVolumeHeaderV1Buf, err := testVolumeHeaderV1.MarshalVolumeHeaderV1()
	if nil != err {
		t.Fatal(err)
	}
	if uint64(len(testVolumeHeaderV1Buf)) != VolumeHeaderSlotSize {
		t.Fatalf("MarshalVolumeHeaderV1() returned %v bytes", len(testVolumeHeaderV1Buf))
	}

	unmarshaled, err := UnmarshalVolumeHeaderV1(testVolumeHeaderV1Buf)
	if nil != err {
		t.Fatal(err)
	}
	if unmarshaled.MirrorTid != testVolumeHeaderV1.MirrorTid ||
		unmarshaled.FreemapTid != testVolumeHeaderV1.FreemapTid ||
		unmarshaled.CommitCounter != testVolumeHeaderV1.CommitCounter {
		t.Fatalf("UnmarshalVolumeHeaderV1() round trip mismatch")
	}
	if TypeVolumeRoot != unmarshaled.RootBlockRefs[0].Type {
		t.Fatalf("RootBlockRefs[0].Type was %v", unmarshaled.RootBlockRefs[0].Type)
	}

	// a flipped byte must fail the ICRC
	corruptBuf := make([]byte, len(testVolumeHeaderV1Buf))
	copy(corruptBuf, testVolumeHeaderV1Buf)
	corruptBuf[100] ^= 0xFF
	_, err = UnmarshalVolumeHeaderV1(corruptBuf)
	if nil == err {
		t.Fatalf("UnmarshalVolumeHeaderV1() of corrupted buf should have failed")
	}
	if blunder.IsNot(err, blunder.CheckError) {
		t.Fatalf("corrupted header error should be CheckError, got %v", err)
	}

	// a bad magic must fail before the ICRC is consulted
	copy(corruptBuf, testVolumeHeaderV1Buf)
	corruptBuf[0] = 0x00
	_, err = UnmarshalVolumeHeaderV1(corruptBuf)
	if nil == err {
		t.Fatalf("UnmarshalVolumeHeaderV1() with bad magic should have failed")
	}
}

func TestFreemapLeafV1(t *testing.T) {
	testFreemapLeafV1 := &FreemapLeafV1Struct{}

	region := &testFreemapLeafV1.Regions[3]
	region.SetBlockState(0, StateReserved)
	region.SetBlockState(7, StateAllocated)
	region.SetBlockState(255, StateStaged)
	region.Avail = uint32(RegionSize - 2*BaseBlockSize)
	region.Class = 14

	testFreemapLeafV1Buf, err := testFreemapLeafV1.MarshalFreemapLeafV1()
	if nil != err {
		t.Fatal(err)
	}
	if uint64(len(testFreemapLeafV1Buf)) != FreemapLeafSize {
		t.Fatalf("MarshalFreemapLeafV1() returned %v bytes", len(testFreemapLeafV1Buf))
	}

	unmarshaled, err := UnmarshalFreemapLeafV1(testFreemapLeafV1Buf)
	if nil != err {
		t.Fatal(err)
	}

	unmarshaledRegion := &unmarshaled.Regions[3]
	if StateReserved != unmarshaledRegion.BlockState(0) {
		t.Fatalf("BlockState(0) was %v", unmarshaledRegion.BlockState(0))
	}
	if StateAllocated != unmarshaledRegion.BlockState(7) {
		t.Fatalf("BlockState(7) was %v", unmarshaledRegion.BlockState(7))
	}
	if StateStaged != unmarshaledRegion.BlockState(255) {
		t.Fatalf("BlockState(255) was %v", unmarshaledRegion.BlockState(255))
	}
	if StateFree != unmarshaledRegion.BlockState(1) {
		t.Fatalf("BlockState(1) was %v", unmarshaledRegion.BlockState(1))
	}

	// state overwrite
	unmarshaledRegion.SetBlockState(7, StateStaged)
	if StateStaged != unmarshaledRegion.BlockState(7) {
		t.Fatalf("BlockState(7) after overwrite was %v", unmarshaledRegion.BlockState(7))
	}
	unmarshaledRegion.SetBlockState(7, StateFree)
	if StateFree != unmarshaledRegion.BlockState(7) {
		t.Fatalf("BlockState(7) after clear was %v", unmarshaledRegion.BlockState(7))
	}
}

func TestCheckCodes(t *testing.T) {
	data := bytes.Repeat([]byte{0xA5, 0x00, 0xFF, 0x12}, 4096)

	for _, checkMethod := range []uint8{CheckMethodCity64, CheckMethodSHA256} {
		check, err := ComputeCheck(checkMethod, data)
		if nil != err {
			t.Fatal(err)
		}

		err = VerifyCheck(checkMethod, data, check)
		if nil != err {
			t.Fatalf("VerifyCheck(method=%v) of valid data failed: %v", checkMethod, err)
		}

		corrupted := make([]byte, len(data))
		copy(corrupted, data)
		corrupted[17] ^= 0x01
		err = VerifyCheck(checkMethod, corrupted, check)
		if nil == err {
			t.Fatalf("VerifyCheck(method=%v) of corrupted data should have failed", checkMethod)
		}
		if blunder.IsNot(err, blunder.CheckError) {
			t.Fatalf("corrupted data error should be CheckError, got %v", err)
		}
	}

	// CheckMethodNone verifies anything
	var zeroCheck [64]uint8
	err := VerifyCheck(CheckMethodNone, data, zeroCheck)
	if nil != err {
		t.Fatal(err)
	}
}

func TestCompression(t *testing.T) {
	compressible := bytes.Repeat([]byte("stratafs freemap region descriptor "), 1024)

	for _, compMethod := range []uint8{CompMethodSnappy, CompMethodLZ4} {
		compressed, ok, err := CompressPayload(compMethod, compressible)
		if nil != err {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("CompressPayload(method=%v) of repetitive data should compress", compMethod)
		}
		if len(compressed) >= len(compressible) {
			t.Fatalf("CompressPayload(method=%v) grew the payload", compMethod)
		}

		decompressed, err := DecompressPayload(compMethod, compressed, len(compressible))
		if nil != err {
			t.Fatal(err)
		}
		if !bytes.Equal(compressible, decompressed) {
			t.Fatalf("DecompressPayload(method=%v) round trip mismatch", compMethod)
		}
	}

	// CompMethodNone never claims compression
	_, ok, err := CompressPayload(CompMethodNone, compressible)
	if nil != err {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("CompressPayload(CompMethodNone) should report ok == false")
	}
}

func TestZoneGeometry(t *testing.T) {
	if 0 != VolumeHeaderOffset(0) {
		t.Fatalf("VolumeHeaderOffset(0) was %v", VolumeHeaderOffset(0))
	}
	if 3*VolumeHeaderSlotSize != VolumeHeaderOffset(3) {
		t.Fatalf("VolumeHeaderOffset(3) was %v", VolumeHeaderOffset(3))
	}
	if VolumeHeaderOffset(1) != VolumeHeaderOffset(5) {
		t.Fatalf("VolumeHeaderOffset() should rotate modulo %v", VolumeHeaderSlots)
	}

	if 0 != ZoneBase(ZoneSize-1) {
		t.Fatalf("ZoneBase(ZoneSize-1) was %v", ZoneBase(ZoneSize-1))
	}
	if ZoneSize != ZoneBase(ZoneSize) {
		t.Fatalf("ZoneBase(ZoneSize) was %v", ZoneBase(ZoneSize))
	}

	// self-storage slots stay inside the zone's reserved area
	lastSlot := FreemapSelfSlotOffset(ZoneSize, uint8(FreemapSelfLevels-1), FreemapSelfSlotsPerLevel-1)
	if lastSlot+FreemapSelfSlotSize > ZoneSize+ZoneReservedSize {
		t.Fatalf("freemap self slot at %v extends past the reserved area", lastSlot)
	}
	if FreemapSelfSlotOffset(0, 0, 0) != FreemapSelfSlotOffset(0, 0, FreemapSelfSlotsPerLevel) {
		t.Fatalf("FreemapSelfSlotOffset() should rotate modulo %v", FreemapSelfSlotsPerLevel)
	}
}

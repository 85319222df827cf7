package utils

import (
	"testing"
)

func TestByteSliceConversions(t *testing.T) {
	u64 := uint64(0x123456789ABCDEF0)

	byteSlice := Uint64ToByteSlice(u64)
	if 8 != len(byteSlice) {
		t.Fatalf("Uint64ToByteSlice() returned %v bytes", len(byteSlice))
	}

	u64Back, ok := ByteSliceToUint64(byteSlice)
	if !ok {
		t.Fatalf("ByteSliceToUint64() failed")
	}
	if u64 != u64Back {
		t.Fatalf("round trip mismatch: %016X != %016X", u64, u64Back)
	}

	_, ok = ByteSliceToUint64(byteSlice[:7])
	if ok {
		t.Fatalf("ByteSliceToUint64() should reject a short slice")
	}

	u32 := uint32(0xDEADBEEF)
	u32Back, ok := ByteSliceToUint32(Uint32ToByteSlice(u32))
	if !ok || u32 != u32Back {
		t.Fatalf("uint32 round trip failed")
	}
}

func TestHexStr(t *testing.T) {
	str := Uint64ToHexStr(0xFEDC)
	if "000000000000FEDC" != str {
		t.Fatalf("Uint64ToHexStr() returned %v", str)
	}

	val, err := HexStrToUint64(str)
	if nil != err {
		t.Fatal(err)
	}
	if 0xFEDC != val {
		t.Fatalf("HexStrToUint64() returned %016X", val)
	}
}

func TestGetFuncPackage(t *testing.T) {
	fn, pkg, gid := GetFuncPackage(0)
	if "TestGetFuncPackage" != fn {
		t.Fatalf("GetFuncPackage() returned fn %v", fn)
	}
	if "utils" != pkg {
		t.Fatalf("GetFuncPackage() returned pkg %v", pkg)
	}
	if 0 == gid {
		t.Fatalf("GetFuncPackage() returned gid 0")
	}
}

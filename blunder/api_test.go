package blunder

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrorValues(t *testing.T) {
	if NotFoundError.Value() != int(unix.ENOENT) {
		t.Fatalf("NotFoundError should map to ENOENT")
	}
	if NoSpaceError.Value() != int(unix.ENOSPC) {
		t.Fatalf("NoSpaceError should map to ENOSPC")
	}
	if RetryNeededError.Value() != int(unix.EAGAIN) {
		t.Fatalf("RetryNeededError should map to EAGAIN")
	}
	if CheckError.Value() < 1000 {
		t.Fatalf("engine-specific errors must live outside the errno space")
	}
}

func TestAddAndCheckError(t *testing.T) {
	err := fmt.Errorf("check code mismatch reading block")
	err = AddError(err, CheckError)

	if !Is(err, CheckError) {
		t.Fatalf("expected error to match CheckError, got errno %v", Errno(err))
	}
	if Is(err, IOError) {
		t.Fatalf("error should not match IOError")
	}
	if IsSuccess(err) {
		t.Fatalf("non-nil error should not be success")
	}
	if IsSuccess(nil) != true {
		t.Fatalf("nil error should be success")
	}
}

func TestNewError(t *testing.T) {
	err := NewError(NoSpaceError, "allocator exhausted for radix %v", 14)

	if !Is(err, NoSpaceError) {
		t.Fatalf("expected NoSpaceError, got errno %v", Errno(err))
	}
	if ErrorString(err) == "" {
		t.Fatalf("ErrorString() should not be empty")
	}

	file, line := Location(err)
	if file == "" || line == 0 {
		t.Fatalf("expected a stacktrace location, got %v:%v", file, line)
	}
}

func TestOrAccumulation(t *testing.T) {
	var aggregate error

	aggregate = Or(aggregate, nil)
	if aggregate != nil {
		t.Fatalf("Or(nil, nil) should remain nil")
	}

	first := NewError(IOError, "write failed at offset 0x10000")
	second := NewError(NoSpaceError, "no space for COW copy")

	aggregate = Or(aggregate, first)
	aggregate = Or(aggregate, second)

	if !Is(aggregate, IOError) {
		t.Fatalf("aggregate should retain the first error's annotation")
	}
}

package halter

import (
	"testing"
)

var (
	testHaltErr error
)

func testHalt(err error) {
	testHaltErr = err
}

func TestAPI(t *testing.T) {
	_ = Up(nil)

	ConfigureTestModeHaltCB(testHalt)

	m1 := Dump()
	if 0 != len(m1) {
		t.Fatalf("Dump() unexpectedly returned length %v map at start-up", len(m1))
	}

	testHaltErr = nil
	Arm("halter.testHaltLabel0", 1)
	if nil == testHaltErr {
		t.Fatalf("Arm() of an unknown label unexpectedly left testHaltErr as nil")
	}

	testHaltErr = nil
	Arm("halter.testHaltLabel1", 0)
	if nil == testHaltErr {
		t.Fatalf("Arm(,0) unexpectedly left testHaltErr as nil")
	}

	testHaltErr = nil
	Arm("halter.testHaltLabel1", 1)
	Arm("halter.testHaltLabel2", 2)
	m2 := Dump()
	if 2 != len(m2) {
		t.Fatalf("Dump() unexpectedly returned length %v map after two Arm() calls", len(m2))
	}
	if 1 != m2["halter.testHaltLabel1"] {
		t.Fatalf("Dump() unexpectedly returned %v for testHaltLabel1", m2["halter.testHaltLabel1"])
	}
	if 2 != m2["halter.testHaltLabel2"] {
		t.Fatalf("Dump() unexpectedly returned %v for testHaltLabel2", m2["halter.testHaltLabel2"])
	}

	Disarm("halter.testHaltLabel1")
	m3 := Dump()
	if 1 != len(m3) {
		t.Fatalf("Dump() unexpectedly returned length %v map after Disarm()", len(m3))
	}

	// first Trigger() only decrements
	testHaltErr = nil
	Trigger(apiTestHaltLabel2)
	if nil != testHaltErr {
		t.Fatalf("Trigger() [case 1] unexpectedly set testHaltErr to %v", testHaltErr)
	}
	m4 := Dump()
	if 1 != m4["halter.testHaltLabel2"] {
		t.Fatalf("Dump() unexpectedly returned %v for testHaltLabel2 after Trigger()", m4["halter.testHaltLabel2"])
	}

	// second Trigger() fires
	Trigger(apiTestHaltLabel2)
	if nil == testHaltErr {
		t.Fatalf("Trigger() [case 2] unexpectedly left testHaltErr as nil")
	}

	// an unarmed trigger is a no-op
	testHaltErr = nil
	Trigger(FlusherCommitBeforeHeader)
	if nil != testHaltErr {
		t.Fatalf("Trigger() of unarmed label unexpectedly set testHaltErr to %v", testHaltErr)
	}

	_ = Down()
}

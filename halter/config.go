package halter

import (
	"sync"

	"github.com/stratafs/stratafs/conf"
)

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]uint32 // key: haltLabel; value: haltAfterCount (remaining)
	triggerNamesToNumbers map[string]uint32
	triggerNumbersToNames map[uint32]string
	testModeHaltCB        func(err error)
}

var globals globalsStruct

// Up initializes the package and must successfully return before any API functions are invoked
func Up(confMap conf.ConfMap) (err error) {
	globals.armedTriggers = make(map[uint32]uint32)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	globals.triggerNumbersToNames = make(map[uint32]string)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
		globals.triggerNumbersToNames[uint32(i)] = s
	}
	globals.testModeHaltCB = nil
	err = nil
	return
}

// Down terminates the halter package
func Down() (err error) {
	// Nothing to do here
	err = nil
	return
}

// ConfigureTestModeHaltCB registers a callback invoked in place of process
// HALT.  Crash-recovery tests use this to simulate a crash at an armed
// trigger point without killing the test process.
func ConfigureTestModeHaltCB(testHalt func(err error)) {
	globals.Lock()
	globals.testModeHaltCB = testHalt
	globals.Unlock()
}

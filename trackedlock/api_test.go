package trackedlock

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/logger"
)

// logBuffer captures logged output for assertions
type logBuffer struct {
	sync.Mutex
	contents strings.Builder
}

func (lb *logBuffer) Write(p []byte) (n int, err error) {
	lb.Lock()
	defer lb.Unlock()
	return lb.contents.Write(p)
}

func (lb *logBuffer) String() string {
	lb.Lock()
	defer lb.Unlock()
	return lb.contents.String()
}

func testSetup(t *testing.T, confStrings []string) (buffer *logBuffer) {
	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatal(err)
	}

	err = logger.Up(confMap)
	if nil != err {
		t.Fatal(err)
	}

	buffer = &logBuffer{}
	logger.AddLogTarget(buffer)

	err = Up(confMap)
	if nil != err {
		t.Fatal(err)
	}
	return
}

func testTeardown(t *testing.T) {
	err := Down()
	if nil != err {
		t.Fatal(err)
	}
	_ = logger.Down()
}

func TestUntrackedLocks(t *testing.T) {
	confStrings := []string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
		"TrackedLock.LockHoldTimeLimit=0s",
		"TrackedLock.LockCheckPeriod=0s",
	}
	_ = testSetup(t, confStrings)
	defer testTeardown(t)

	var (
		mutex   Mutex
		rwMutex RWMutex
	)

	mutex.Lock()
	mutex.Unlock()

	rwMutex.Lock()
	rwMutex.Unlock()

	rwMutex.RLock()
	rwMutex.RLock()
	rwMutex.RUnlock()
	rwMutex.RUnlock()
}

func TestLockHoldWarning(t *testing.T) {
	confStrings := []string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
		"TrackedLock.LockHoldTimeLimit=1s",
		"TrackedLock.LockCheckPeriod=1s",
	}
	buffer := testSetup(t, confStrings)
	defer testTeardown(t)

	var mutex Mutex

	// hold the lock past the limit; the unlock path must log a warning
	mutex.Lock()
	time.Sleep(1100 * time.Millisecond)
	mutex.Unlock()

	if !strings.Contains(buffer.String(), "locked for") {
		t.Fatalf("expected a lock hold warning, got: %v", buffer.String())
	}

	// a quickly released lock must not add another warning
	before := buffer.String()
	mutex.Lock()
	mutex.Unlock()
	if len(buffer.String()) != len(before) {
		t.Fatalf("short hold should not have logged: %v", buffer.String())
	}
}

func TestRWMutexTrackGenericRelease(t *testing.T) {
	confStrings := []string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
		"TrackedLock.LockHoldTimeLimit=10s",
		"TrackedLock.LockCheckPeriod=0s",
	}
	_ = testSetup(t, confStrings)
	defer testTeardown(t)

	var (
		track RWMutexTrack
		lock  sync.RWMutex
	)

	// exclusive acquire released through the generic path
	lock.Lock()
	track.LockTrack(&lock)
	track.ChainUnlockTrack(&lock)
	lock.Unlock()

	// shared acquire released through the generic path
	lock.RLock()
	track.RLockTrack(&lock)
	track.ChainUnlockTrack(&lock)
	lock.RUnlock()
}

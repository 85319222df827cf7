package logger

import (
	"strings"
	"sync"
	"testing"

	"github.com/stratafs/stratafs/conf"
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

func TestLogging(t *testing.T) {
	confStrings := []string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
		"Logging.TraceLevelLogging=logger",
	}

	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatal(err)
	}

	err = Up(confMap)
	if nil != err {
		t.Fatal(err)
	}
	defer func() { _ = Down() }()

	buffer := &logBuffer{}
	AddLogTarget(buffer)

	Infof("flush cycle %v finished", 17)
	if !strings.Contains(buffer.String(), "flush cycle 17 finished") {
		t.Fatalf("Infof() output not captured: %v", buffer.String())
	}
	if !strings.Contains(buffer.String(), "TestLogging") {
		t.Fatalf("log entry should carry the calling function name")
	}

	Warnf("allocator entering relaxed mode")
	if !strings.Contains(buffer.String(), "relaxed mode") {
		t.Fatalf("Warnf() output not captured")
	}

	// Tracing was enabled for package logger above
	Tracef("trace line %v", 1)
	if !strings.Contains(buffer.String(), "trace line 1") {
		t.Fatalf("Tracef() output not captured with tracing enabled")
	}

	// Debug logging was not enabled; Debugf should be suppressed
	Debugf("this should be suppressed")
	if strings.Contains(buffer.String(), "this should be suppressed") {
		t.Fatalf("Debugf() output should have been suppressed")
	}
}

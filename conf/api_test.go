package conf

import (
	"io/ioutil"
	"os"
	"testing"
	"time"
)

func TestConfMapFromStrings(t *testing.T) {
	confStrings := []string{
		"Volume:TestVolume.DevicePath=/tmp/dev0",
		"Volume:TestVolume.VolumeSize=64MB",
		"Volume:TestVolume.EmergencyOverwrite=false",
		"FlushManager.MaxSubtreeRetries=4",
		"Logging.TraceLevelLogging=chain, freemap",
		"TrackedLock.LockHoldTimeLimit=10s",
	}

	confMap, err := MakeConfMapFromStrings(confStrings)
	if nil != err {
		t.Fatal(err)
	}

	devicePath, err := confMap.FetchOptionValueString("Volume:TestVolume", "DevicePath")
	if nil != err {
		t.Fatal(err)
	}
	if "/tmp/dev0" != devicePath {
		t.Fatalf("DevicePath was %v", devicePath)
	}

	volumeSize, err := confMap.FetchOptionValueUint64("Volume:TestVolume", "VolumeSize")
	if nil != err {
		t.Fatal(err)
	}
	if uint64(64*1024*1024) != volumeSize {
		t.Fatalf("VolumeSize was %v", volumeSize)
	}

	emergencyOverwrite, err := confMap.FetchOptionValueBool("Volume:TestVolume", "EmergencyOverwrite")
	if nil != err {
		t.Fatal(err)
	}
	if emergencyOverwrite {
		t.Fatalf("EmergencyOverwrite should have been false")
	}

	maxRetries, err := confMap.FetchOptionValueUint16("FlushManager", "MaxSubtreeRetries")
	if nil != err {
		t.Fatal(err)
	}
	if 4 != maxRetries {
		t.Fatalf("MaxSubtreeRetries was %v", maxRetries)
	}

	traceSlice, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	if nil != err {
		t.Fatal(err)
	}
	if (2 != len(traceSlice)) || ("chain" != traceSlice[0]) || ("freemap" != traceSlice[1]) {
		t.Fatalf("TraceLevelLogging was %v", traceSlice)
	}

	lockHoldTimeLimit, err := confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		t.Fatal(err)
	}
	if 10*time.Second != lockHoldTimeLimit {
		t.Fatalf("LockHoldTimeLimit was %v", lockHoldTimeLimit)
	}
}

func TestConfMapFromFile(t *testing.T) {
	confFileContents := `
# StrataFS test conf file
[StrataFS]
VolumeList = TestVolume

[Volume:TestVolume]            ; trailing comment
DevicePath : /tmp/dev1
VolumeHeaderCopies = 4
EmptyOption =
`

	confFile, err := ioutil.TempFile("", "conf_test_")
	if nil != err {
		t.Fatal(err)
	}
	defer os.Remove(confFile.Name())

	_, err = confFile.WriteString(confFileContents)
	if nil != err {
		t.Fatal(err)
	}
	_ = confFile.Close()

	confMap, err := MakeConfMapFromFile(confFile.Name())
	if nil != err {
		t.Fatal(err)
	}

	volumeList, err := confMap.FetchOptionValueStringSlice("StrataFS", "VolumeList")
	if nil != err {
		t.Fatal(err)
	}
	if (1 != len(volumeList)) || ("TestVolume" != volumeList[0]) {
		t.Fatalf("VolumeList was %v", volumeList)
	}

	copies, err := confMap.FetchOptionValueUint8("Volume:TestVolume", "VolumeHeaderCopies")
	if nil != err {
		t.Fatal(err)
	}
	if 4 != copies {
		t.Fatalf("VolumeHeaderCopies was %v", copies)
	}

	emptyOption, err := confMap.FetchOptionValueStringSlice("Volume:TestVolume", "EmptyOption")
	if nil != err {
		t.Fatal(err)
	}
	if 0 != len(emptyOption) {
		t.Fatalf("EmptyOption was %v", emptyOption)
	}

	// Overrides via UpdateFromString

	err = confMap.UpdateFromString("Volume:TestVolume.DevicePath=/tmp/dev2")
	if nil != err {
		t.Fatal(err)
	}

	devicePath, err := confMap.FetchOptionValueString("Volume:TestVolume", "DevicePath")
	if nil != err {
		t.Fatal(err)
	}
	if "/tmp/dev2" != devicePath {
		t.Fatalf("DevicePath after override was %v", devicePath)
	}

	// Missing option fetches fail

	_, err = confMap.FetchOptionValueString("Volume:TestVolume", "NoSuchOption")
	if nil == err {
		t.Fatalf("fetch of missing option should have failed")
	}
	_, err = confMap.FetchOptionValueString("NoSuchSection", "NoSuchOption")
	if nil == err {
		t.Fatalf("fetch of missing section should have failed")
	}
}

func TestMalformedConfString(t *testing.T) {
	_, err := MakeConfMapFromStrings([]string{"MissingDotAndAssignment"})
	if nil == err {
		t.Fatalf("malformed confString should have failed")
	}

	_, err = MakeConfMapFromStrings([]string{""})
	if nil == err {
		t.Fatalf("empty confString should have failed")
	}
}

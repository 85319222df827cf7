package volume

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/bufcache"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/flusher"
	"github.com/stratafs/stratafs/freemap"
	"github.com/stratafs/stratafs/halter"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/vlayout"
)

const testVolumeSize = uint64(64 * 1024 * 1024)

func testMakeConfMap(t *testing.T, devicePath string) (confMap conf.ConfMap) {
	confStrings := []string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
		"FSGlobals.VolumeList=TestVolume",
		"Volume:TestVolume.DevicePath=" + devicePath,
		"Volume:TestVolume.VolumeSize=67108864",
	}
	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	require.NoError(t, err)
	return
}

func testPackagesUp(t *testing.T, confMap conf.ConfMap) {
	require.NoError(t, logger.Up(confMap))
	require.NoError(t, halter.Up(confMap))
	require.NoError(t, bufcache.Up(confMap))
	require.NoError(t, chain.Up(confMap))
	require.NoError(t, freemap.Up(confMap))
	require.NoError(t, flusher.Up(confMap))
}

func testPackagesDown(t *testing.T) {
	_ = flusher.Down()
	_ = freemap.Down()
	_ = chain.Down()
	_ = bufcache.Down()
	_ = halter.Down()
	_ = logger.Down()
}

func TestFormatModes(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "volume_test_")
	require.NoError(t, err)
	defer func() {
		_ = os.RemoveAll(tempDir)
	}()

	confMap := testMakeConfMap(t, filepath.Join(tempDir, "dev0"))
	testPackagesUp(t, confMap)
	defer testPackagesDown(t)

	require.NoError(t, FormatVolume(confMap, "TestVolume", ModeNew))

	// a second ModeNew refuses the already-formatted device
	err = FormatVolume(confMap, "TestVolume", ModeNew)
	require.Error(t, err)
	assert.True(t, blunder.Is(err, blunder.ExistsError))

	// ModeOnlyIfNeeded leaves it alone
	require.NoError(t, FormatVolume(confMap, "TestVolume", ModeOnlyIfNeeded))

	// ModeReformat lays a fresh volume down
	require.NoError(t, FormatVolume(confMap, "TestVolume", ModeReformat))
}

func TestMountExposesFormattedVolume(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "volume_test_")
	require.NoError(t, err)
	defer func() {
		_ = os.RemoveAll(tempDir)
	}()

	confMap := testMakeConfMap(t, filepath.Join(tempDir, "dev0"))
	testPackagesUp(t, confMap)
	defer testPackagesDown(t)

	require.NoError(t, FormatVolume(confMap, "TestVolume", ModeNew))
	require.NoError(t, Up(confMap))
	defer func() {
		_ = Down()
	}()

	volumeHandle, err := FetchVolumeHandle("TestVolume")
	require.NoError(t, err)

	_, err = FetchVolumeHandle("NoSuchVolume")
	require.Error(t, err)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	rootChain := volumeHandle.RootChain()
	require.NotNil(t, rootChain)
	assert.Equal(t, vlayout.TypeVolumeRoot, rootChain.Bref().Type)

	header := volumeHandle.Header()
	assert.Equal(t, uint64(0), header.CommitCounter)
	assert.Equal(t, testVolumeSize, header.VolumeSize)
}

func TestCreateLookupSurvivesRemount(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "volume_test_")
	require.NoError(t, err)
	defer func() {
		_ = os.RemoveAll(tempDir)
	}()

	confMap := testMakeConfMap(t, filepath.Join(tempDir, "dev0"))
	testPackagesUp(t, confMap)
	defer testPackagesDown(t)

	require.NoError(t, FormatVolume(confMap, "TestVolume", ModeNew))
	require.NoError(t, Up(confMap))

	volumeHandle, err := FetchVolumeHandle("TestVolume")
	require.NoError(t, err)
	rootChain := volumeHandle.RootChain()

	// scenario 3: empty volume misses, create hits
	_, err = volumeHandle.LookupChain(rootChain, 0x100, 12)
	require.Error(t, err)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	target, err := volumeHandle.CreateChain(rootChain, 0x100, 12, vlayout.TypeData, 4096)
	require.NoError(t, err)
	require.NoError(t, volumeHandle.WriteChainPayload(target, []byte("remount me")))
	volumeHandle.ReleaseChain(target)

	require.NoError(t, volumeHandle.Sync())
	assert.Equal(t, uint64(1), volumeHandle.FlushStatus().CommitCounter)

	require.NoError(t, Down())

	// a fresh mount resumes from the committed generation
	require.NoError(t, Up(confMap))
	defer func() {
		_ = Down()
	}()

	volumeHandle, err = FetchVolumeHandle("TestVolume")
	require.NoError(t, err)
	rootChain = volumeHandle.RootChain()

	target, err = volumeHandle.LookupChain(rootChain, 0x100, 12)
	require.NoError(t, err)
	payload, err := volumeHandle.ReadChainPayload(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("remount me"), payload[:10])
	volumeHandle.ReleaseChain(target)
}

func TestTornNewestHeadersFallBackToOldGeneration(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "volume_test_")
	require.NoError(t, err)
	defer func() {
		_ = os.RemoveAll(tempDir)
	}()

	devicePath := filepath.Join(tempDir, "dev0")
	confMap := testMakeConfMap(t, devicePath)
	testPackagesUp(t, confMap)
	defer testPackagesDown(t)

	require.NoError(t, FormatVolume(confMap, "TestVolume", ModeNew))
	require.NoError(t, Up(confMap))

	volumeHandle, err := FetchVolumeHandle("TestVolume")
	require.NoError(t, err)
	target, err := volumeHandle.CreateChain(volumeHandle.RootChain(), 0x100, 12, vlayout.TypeData, 4096)
	require.NoError(t, err)
	volumeHandle.ReleaseChain(target)
	require.NoError(t, volumeHandle.Sync())
	require.NoError(t, Down())

	// scribble over the header slots written after format; mount must
	// fall back to the format-time generation in slots 0 and 3
	file, err := os.OpenFile(devicePath, os.O_RDWR, 0644)
	require.NoError(t, err)
	garbage := make([]byte, 64)
	for byteIndex := range garbage {
		garbage[byteIndex] = 0xA5
	}
	_, err = file.WriteAt(garbage, int64(vlayout.VolumeHeaderOffset(1)))
	require.NoError(t, err)
	_, err = file.WriteAt(garbage, int64(vlayout.VolumeHeaderOffset(2)))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	require.NoError(t, Up(confMap))
	defer func() {
		_ = Down()
	}()

	volumeHandle, err = FetchVolumeHandle("TestVolume")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), volumeHandle.Header().CommitCounter)

	// the chain only existed in the lost generation
	_, err = volumeHandle.LookupChain(volumeHandle.RootChain(), 0x100, 12)
	require.Error(t, err)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
}

func TestBulkfreeThroughHandle(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "volume_test_")
	require.NoError(t, err)
	defer func() {
		_ = os.RemoveAll(tempDir)
	}()

	confMap := testMakeConfMap(t, filepath.Join(tempDir, "dev0"))
	testPackagesUp(t, confMap)
	defer testPackagesDown(t)

	require.NoError(t, FormatVolume(confMap, "TestVolume", ModeNew))
	require.NoError(t, Up(confMap))
	defer func() {
		_ = Down()
	}()

	volumeHandle, err := FetchVolumeHandle("TestVolume")
	require.NoError(t, err)

	// supersede a committed block so a staged release accumulates
	target, err := volumeHandle.CreateChain(volumeHandle.RootChain(), 0x200, 12, vlayout.TypeData, 4096)
	require.NoError(t, err)
	require.NoError(t, volumeHandle.WriteChainPayload(target, []byte("first")))
	require.NoError(t, volumeHandle.Sync())
	require.NoError(t, volumeHandle.WriteChainPayload(target, []byte("second")))
	require.NoError(t, volumeHandle.Sync())
	volumeHandle.ReleaseChain(target)

	freedBytes, err := volumeHandle.Bulkfree()
	require.NoError(t, err)
	assert.True(t, freedBytes >= vlayout.BaseBlockSize)
}

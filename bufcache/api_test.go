package bufcache

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/halter"
	"github.com/stratafs/stratafs/logger"
)

const testDeviceSize = 16 * 1024 * 1024

func testSetup(t *testing.T, extraConfStrings []string) (deviceCache *DeviceCacheStruct, tempDir string) {
	confStrings := []string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
	}
	confStrings = append(confStrings, extraConfStrings...)

	confMap, err := conf.MakeConfMapFromStrings(confStrings)
	require.NoError(t, err)

	require.NoError(t, logger.Up(confMap))
	require.NoError(t, halter.Up(confMap))
	require.NoError(t, Up(confMap))

	tempDir, err = ioutil.TempDir("", "bufcache_test_")
	require.NoError(t, err)

	deviceCache, err = OpenDevice("TestVolume", filepath.Join(tempDir, "dev0"), true, testDeviceSize)
	require.NoError(t, err)

	return
}

func testTeardown(t *testing.T, deviceCache *DeviceCacheStruct, tempDir string) {
	if nil != deviceCache {
		_ = deviceCache.Close()
	}
	_ = os.RemoveAll(tempDir)
	_ = Down()
	_ = halter.Down()
	_ = logger.Down()
}

func TestGetPutReadThrough(t *testing.T) {
	deviceCache, tempDir := testSetup(t, nil)
	defer testTeardown(t, deviceCache, tempDir)

	// write a pattern through a for-write handle
	writeHandle, err := deviceCache.GetForWrite(16*1024, 16*1024)
	require.NoError(t, err)
	for i := range writeHandle.Data {
		writeHandle.Data[i] = byte(i % 251)
	}
	require.NoError(t, deviceCache.Put(writeHandle, true))
	require.NoError(t, deviceCache.FlushAll())

	// a fresh cache must read the same bytes back from the device
	require.NoError(t, deviceCache.Close())
	reopened, err := OpenDevice("TestVolume", filepath.Join(tempDir, "dev0"), false, 0)
	require.NoError(t, err)

	readHandle, err := reopened.Get(16*1024, 16*1024)
	require.NoError(t, err)
	assert.Equal(t, writeHandle.Data, readHandle.Data)
	require.NoError(t, reopened.Put(readHandle, false))

	// second Get() of the same extent is a cache hit on the same buffer
	hitHandle, err := reopened.Get(16*1024, 16*1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reopened.stats.GetHits.TotalGet())
	require.NoError(t, reopened.Put(hitHandle, false))

	require.NoError(t, reopened.Close())
}

func TestDirtyBuffersSurviveEviction(t *testing.T) {
	deviceCache, tempDir := testSetup(t, []string{
		"BufCache.MaxCleanBuffersPerDevice=2",
	})
	defer testTeardown(t, deviceCache, tempDir)

	// dirty a buffer and release it, then churn clean buffers past the limit
	dirtyHandle, err := deviceCache.GetForWrite(0, 16*1024)
	require.NoError(t, err)
	copy(dirtyHandle.Data, []byte("stays cached"))
	require.NoError(t, deviceCache.Put(dirtyHandle, true))

	for i := uint64(1); i <= 8; i++ {
		cleanHandle, getErr := deviceCache.Get(i*16*1024, 16*1024)
		require.NoError(t, getErr)
		require.NoError(t, deviceCache.Put(cleanHandle, false))
	}
	assert.True(t, deviceCache.stats.Evictions.TotalGet() > 0)

	// the dirty buffer must still be found without a device read
	misses := deviceCache.stats.GetMisses.TotalGet()
	foundHandle, err := deviceCache.Get(0, 16*1024)
	require.NoError(t, err)
	assert.Equal(t, misses, deviceCache.stats.GetMisses.TotalGet())
	assert.True(t, bytes.HasPrefix(foundHandle.Data, []byte("stays cached")))
	require.NoError(t, deviceCache.Put(foundHandle, false))
}

func TestFlushRangeAndInjectedErrors(t *testing.T) {
	deviceCache, tempDir := testSetup(t, nil)
	defer testTeardown(t, deviceCache, tempDir)

	inside, err := deviceCache.GetForWrite(32*1024, 16*1024)
	require.NoError(t, err)
	copy(inside.Data, []byte("inside"))
	require.NoError(t, deviceCache.Put(inside, true))

	outside, err := deviceCache.GetForWrite(1024*1024, 16*1024)
	require.NoError(t, err)
	copy(outside.Data, []byte("outside"))
	require.NoError(t, deviceCache.Put(outside, true))

	require.NoError(t, deviceCache.FlushRange(32*1024, 16*1024))
	assert.False(t, inside.dirty)
	assert.True(t, outside.dirty)

	// an injected write error surfaces as IOError and leaves the buffer dirty
	deviceCache.InjectWriteError(fmt.Errorf("device gone"))
	err = deviceCache.FlushAll()
	require.Error(t, err)
	assert.True(t, blunder.Is(err, blunder.IOError))
	assert.True(t, outside.dirty)

	deviceCache.InjectWriteError(nil)
	require.NoError(t, deviceCache.FlushAll())
	assert.False(t, outside.dirty)
}

func TestDiscard(t *testing.T) {
	deviceCache, tempDir := testSetup(t, nil)
	defer testTeardown(t, deviceCache, tempDir)

	heldHandle, err := deviceCache.GetForWrite(64*1024, 16*1024)
	require.NoError(t, err)

	// a held buffer blocks discard of its range
	err = deviceCache.Discard(64*1024, 16*1024)
	require.Error(t, err)
	assert.True(t, blunder.Is(err, blunder.DevBusyError))

	require.NoError(t, deviceCache.Put(heldHandle, true))

	// released (even dirty) buffers are dropped without reaching the device
	require.NoError(t, deviceCache.Discard(64*1024, 16*1024))
	require.NoError(t, deviceCache.FlushAll())

	freshHandle, err := deviceCache.Get(64*1024, 16*1024)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16*1024), freshHandle.Data)
	require.NoError(t, deviceCache.Put(freshHandle, false))
}

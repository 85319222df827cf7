package volume

import (
	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/trackedlock"
)

type globalsStruct struct {
	trackedlock.Mutex
	volumeMap map[string]*volumeStruct // key == volumeStruct.volumeName
}

var globals globalsStruct

// Up mounts every volume named in FSGlobals.VolumeList. The caller brings
// up logger, halter, bufcache, chain, and freemap first (the transitions
// order); a volume failing to mount unwinds the ones already mounted.
//
func Up(confMap conf.ConfMap) (err error) {
	var (
		mountedVolume *volumeStruct
		volumeList    []string
		volumeName    string
	)

	volumeList, err = confMap.FetchOptionValueStringSlice("FSGlobals", "VolumeList")
	if nil != err {
		return
	}

	globals.volumeMap = make(map[string]*volumeStruct)

	for _, volumeName = range volumeList {
		mountedVolume, err = mountVolume(confMap, volumeName)
		if nil != err {
			for _, mountedVolume = range globals.volumeMap {
				_ = unmountVolume(mountedVolume, false)
			}
			globals.volumeMap = nil
			return
		}
		globals.volumeMap[volumeName] = mountedVolume
	}

	err = nil
	return
}

// Down flushes and unmounts every volume. The aggregate of unmount errors
// is returned; every volume is attempted.
//
func Down() (err error) {
	var (
		mountedVolume *volumeStruct
	)

	for _, mountedVolume = range globals.volumeMap {
		err = blunder.Or(err, unmountVolume(mountedVolume, true))
	}
	globals.volumeMap = nil

	return
}

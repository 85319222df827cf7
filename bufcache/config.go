package bufcache

import (
	"github.com/stratafs/stratafs/conf"
)

const maxCleanBuffersDefault = 1024

type globalsStruct struct {
	maxCleanBuffersPerDevice uint64
}

var globals globalsStruct

// Up initializes the package from the confMap.
//
func Up(confMap conf.ConfMap) (err error) {
	globals.maxCleanBuffersPerDevice, err = confMap.FetchOptionValueUint64("BufCache", "MaxCleanBuffersPerDevice")
	if nil != err {
		globals.maxCleanBuffersPerDevice = maxCleanBuffersDefault
	}

	err = nil
	return
}

func Down() (err error) {
	globals.maxCleanBuffersPerDevice = 0

	err = nil
	return
}

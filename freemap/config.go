package freemap

import (
	"github.com/stratafs/stratafs/conf"
)

const relaxedModeThresholdDefault = uint32(4)

type globalsStruct struct {
	relaxedModeThreshold uint32
}

var globals globalsStruct

// Up initializes the package from the confMap.
//
func Up(confMap conf.ConfMap) (err error) {
	globals.relaxedModeThreshold, err = confMap.FetchOptionValueUint32("Freemap", "RelaxedModeThreshold")
	if nil != err {
		globals.relaxedModeThreshold = relaxedModeThresholdDefault
	}

	err = nil
	return
}

func Down() (err error) {
	globals = globalsStruct{}

	err = nil
	return
}

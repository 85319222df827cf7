package flusher

import (
	"github.com/stratafs/stratafs/conf"
)

const (
	subtreeRetryLimitDefault = uint16(4)
	tidReserveWindowDefault  = uint64(65536)
)

type globalsStruct struct {
	subtreeRetryLimit uint16
	tidReserveWindow  uint64
}

var globals globalsStruct

// Up initializes the package from the confMap.
//
func Up(confMap conf.ConfMap) (err error) {
	globals.subtreeRetryLimit, err = confMap.FetchOptionValueUint16("Flusher", "SubtreeRetryLimit")
	if nil != err {
		globals.subtreeRetryLimit = subtreeRetryLimitDefault
	}

	globals.tidReserveWindow, err = confMap.FetchOptionValueUint64("Flusher", "TidReserveWindow")
	if nil != err {
		globals.tidReserveWindow = tidReserveWindowDefault
	}

	err = nil
	return
}

func Down() (err error) {
	globals = globalsStruct{}

	err = nil
	return
}

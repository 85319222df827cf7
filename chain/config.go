package chain

import (
	"github.com/stratafs/stratafs/blunder"
	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/vlayout"
)

const (
	lockRetryLimitDefault = uint16(8)
	maxLookupDepthDefault = uint16(10)
)

type globalsStruct struct {
	lockRetryLimit     uint16
	maxLookupDepth     uint16
	defaultCheckMethod uint8
	defaultCompMethod  uint8
}

var globals globalsStruct

// Up initializes the package from the confMap. All options live in the
// [Chain] section and default sensibly when absent.
//
func Up(confMap conf.ConfMap) (err error) {
	var (
		checkMethodName string
		compMethodName  string
	)

	globals.lockRetryLimit, err = confMap.FetchOptionValueUint16("Chain", "LockRetryLimit")
	if nil != err {
		globals.lockRetryLimit = lockRetryLimitDefault
	}

	globals.maxLookupDepth, err = confMap.FetchOptionValueUint16("Chain", "MaxLookupDepth")
	if nil != err {
		globals.maxLookupDepth = maxLookupDepthDefault
	}

	checkMethodName, err = confMap.FetchOptionValueString("Chain", "DefaultCheckMethod")
	if nil != err {
		checkMethodName = "City64"
	}
	switch checkMethodName {
	case "None":
		globals.defaultCheckMethod = vlayout.CheckMethodNone
	case "City64":
		globals.defaultCheckMethod = vlayout.CheckMethodCity64
	case "SHA256":
		globals.defaultCheckMethod = vlayout.CheckMethodSHA256
	default:
		err = blunder.NewError(blunder.InvalidArgError,
			"[Chain]DefaultCheckMethod %q not one of None|City64|SHA256", checkMethodName)
		return
	}

	compMethodName, err = confMap.FetchOptionValueString("Chain", "DefaultCompMethod")
	if nil != err {
		compMethodName = "None"
	}
	switch compMethodName {
	case "None":
		globals.defaultCompMethod = vlayout.CompMethodNone
	case "Snappy":
		globals.defaultCompMethod = vlayout.CompMethodSnappy
	case "LZ4":
		globals.defaultCompMethod = vlayout.CompMethodLZ4
	default:
		err = blunder.NewError(blunder.InvalidArgError,
			"[Chain]DefaultCompMethod %q not one of None|Snappy|LZ4", compMethodName)
		return
	}

	err = nil
	return
}

func Down() (err error) {
	globals = globalsStruct{}

	err = nil
	return
}

// The sfsdebug program dumps the on-disk state of a StrataFS device: the
// four rotating volume header slots, the committed generation a mount
// would pick, and the freemap's remaining capacity.

package main

import (
	"fmt"
	"os"

	"github.com/stratafs/stratafs/bufcache"
	"github.com/stratafs/stratafs/chain"
	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/freemap"
	"github.com/stratafs/stratafs/halter"
	"github.com/stratafs/stratafs/logger"
	"github.com/stratafs/stratafs/utils"
	"github.com/stratafs/stratafs/vlayout"
)

func usage() {
	fmt.Println("sfsdebug -?")
	fmt.Println("   Prints this help text")
	fmt.Println("sfsdebug DevicePath")
	fmt.Println("   Dumps the volume header slots and freemap capacity of the device")
}

func main() {
	var (
		bestHeader *vlayout.VolumeHeaderV1Struct
		bestSlot   uint64
		err        error
		slot       uint64
	)

	if 2 != len(os.Args) || "-?" == os.Args[1] {
		usage()
		if 2 == len(os.Args) && "-?" == os.Args[1] {
			os.Exit(0)
		}
		os.Exit(1)
	}

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=",
		"Logging.LogToConsole=false",
	})
	if nil != err {
		fmt.Fprintf(os.Stderr, "sfsdebug: %v\n", err)
		os.Exit(1)
	}

	for _, up := range []func(conf.ConfMap) error{logger.Up, halter.Up, bufcache.Up, chain.Up, freemap.Up} {
		err = up(confMap)
		if nil != err {
			fmt.Fprintf(os.Stderr, "sfsdebug: %v\n", err)
			os.Exit(1)
		}
	}

	device, err := bufcache.OpenDevice("sfsdebug", os.Args[1], false, 0)
	if nil != err {
		fmt.Fprintf(os.Stderr, "sfsdebug: failed to open %v: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	for slot = 0; slot < vlayout.VolumeHeaderSlots; slot++ {
		bufferHandle, getErr := device.Get(vlayout.VolumeHeaderOffset(slot), vlayout.VolumeHeaderSlotSize)
		if nil != getErr {
			fmt.Fprintf(os.Stderr, "sfsdebug: failed to read slot %v: %v\n", slot, getErr)
			os.Exit(1)
		}
		header, slotErr := vlayout.UnmarshalVolumeHeaderV1(bufferHandle.Data)
		_ = device.Put(bufferHandle, false)
		if nil != slotErr {
			fmt.Printf("slot %v: INVALID (%v)\n", slot, slotErr)
			continue
		}
		fmt.Printf("slot %v: %v\n", slot, utils.JSONify(header, true))
		if nil == bestHeader || header.MirrorTid > bestHeader.MirrorTid {
			bestHeader = header
			bestSlot = slot
		}
	}

	if nil == bestHeader {
		fmt.Println("no valid volume header in any slot")
		os.Exit(1)
	}

	fmt.Printf("mount would pick slot %v (CommitCounter %v, MirrorTid 0x%016X)\n", bestSlot, bestHeader.CommitCounter, bestHeader.MirrorTid)

	volumeFreemap, err := freemap.AttachFreemap("sfsdebug", device, bestHeader.VolumeSize, &bestHeader.FreemapBlockRefs[0], bestHeader.ReservedToTid)
	if nil != err {
		fmt.Fprintf(os.Stderr, "sfsdebug: failed to attach freemap: %v\n", err)
		os.Exit(1)
	}

	availBytes, err := volumeFreemap.AvailBytes()
	if nil != err {
		fmt.Fprintf(os.Stderr, "sfsdebug: failed to sum freemap capacity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("freemap: %v of %v bytes available\n", availBytes, bestHeader.VolumeSize)

	os.Exit(0)
}

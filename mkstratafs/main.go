// The mkstratafs program is the command line form invoking the volume package's Format() function.

package main

import (
	"fmt"
	"os"

	"github.com/stratafs/stratafs/volume"
)

func usage() {
	fmt.Println("mkstratafs -?")
	fmt.Println("   Prints this help text")
	fmt.Println("mkstratafs -N|-I|-F VolumeNameToFormat ConfFile [ConfFileOverrides]*")
	fmt.Println("   -N indicates that VolumeNameToFormat's device must not already hold a volume")
	fmt.Println("   -I indicates that VolumeNameToFormat should only be formatted if necessary")
	fmt.Println("   -F indicates that VolumeNameToFormat should be formatted regardless")
	fmt.Println("  VolumeNameToFormat indicates which Volume in ConfFile is to be formatted")
	fmt.Println("  ConfFile specifies the .conf file as also passed to sfsdebug et. al.")
	fmt.Println("  ConfFileOverrides is an optional list of modifications to ConfFile to apply")
}

func main() {
	var (
		err  error
		mode volume.Mode
	)

	if (2 == len(os.Args)) && ("-?" == os.Args[1]) {
		usage()
		os.Exit(0)
	}

	if 4 > len(os.Args) {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "-N":
		mode = volume.ModeNew
	case "-I":
		mode = volume.ModeOnlyIfNeeded
	case "-F":
		mode = volume.ModeReformat
	default:
		usage()
		os.Exit(1)
	}

	err = volume.Format(mode, os.Args[2], os.Args[3], os.Args[4:])
	if nil == err {
		os.Exit(0)
	} else {
		fmt.Fprintf(os.Stderr, "mkstratafs: Format() returned error: %v\n", err)
		os.Exit(1)
	}
}

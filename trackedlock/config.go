package trackedlock

import (
	"time"

	"github.com/stratafs/stratafs/conf"
	"github.com/stratafs/stratafs/logger"
)

func parseConfMap(confMap conf.ConfMap) (err error) {

	globals.lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if err != nil {
		globals.lockHoldTimeLimit = time.Duration(0 * time.Second)
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if globals.lockHoldTimeLimit < time.Second && globals.lockHoldTimeLimit != 0 {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less than 1 sec; defaulting to '40s'")
		globals.lockHoldTimeLimit = time.Duration(40 * time.Second)
	}

	globals.lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if err != nil {
		globals.lockCheckPeriod = time.Duration(0 * time.Second)
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if globals.lockCheckPeriod < time.Second && globals.lockCheckPeriod != 0 {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less than 1 sec; defaulting to '20s'")
		globals.lockCheckPeriod = time.Duration(20 * time.Second)
	}

	// log information upto 16 locks
	globals.lockWatcherLocksLogged = 16

	err = nil
	return
}

// Up initializes the package.  It must be called and successfully return
// before locks will be tracked.  Locks can still be used before it is called
// but tracking will not start until the first Lock() call after the package
// is initialized.
//
func Up(confMap conf.ConfMap) (err error) {

	err = parseConfMap(confMap)
	if err != nil {
		// parseConfMap() has logged an error
		return
	}

	globals.mutexMap = make(map[*MutexTrack]interface{}, 128)
	globals.rwMutexMap = make(map[*RWMutexTrack]interface{}, 128)
	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})

	// if the lock checker is disabled or there's no time limit then there's
	// no need to start the watcher
	if globals.lockCheckPeriod == 0 || globals.lockHoldTimeLimit == 0 {
		return
	}

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %d sec  LockCheckPeriod %d sec",
		globals.lockHoldTimeLimit/time.Second, globals.lockCheckPeriod/time.Second)

	// watch the locks to see if they are held too long
	globals.lockCheckTicker = time.NewTicker(globals.lockCheckPeriod)
	globals.lockCheckChan = globals.lockCheckTicker.C
	go lockWatcher()

	return
}

func Down() (err error) {
	// shutdown lock watcher
	if globals.lockCheckTicker != nil {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		globals.stopChan <- struct{}{}
		_ = <-globals.doneChan
	}

	// err is already nil
	return
}

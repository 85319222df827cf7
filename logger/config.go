package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/stratafs/stratafs/conf"
)

var logFile *os.File = nil

// multiWriter mirrors log output to multiple writers
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	defer mw.Unlock()
	mw.writers = append(mw.writers, writer)
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()
	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}
	return
}

var logTargets multiWriter

func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logTargets = multiWriter{writers: make([]io.Writer, 0, 2)}

	// Fetch log file info, if provided
	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
		logTargets.addWriter(logFile)
	}

	// Determine whether we should log to console. Default is false unless
	// no log file was configured.
	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if err != nil {
		logToConsole = "" == logFilePath
		err = nil
	}
	if logToConsole {
		logTargets.addWriter(os.Stderr)
	}

	log.SetOutput(&logTargets)

	// NOTE: We always enable max logging in logrus and decide in
	//       this package whether to emit a given level.
	log.SetLevel(log.DebugLevel)

	// Fetch trace and debug log settings, if provided
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	return nil
}

func Down() (err error) {
	// We open and close our own logfile
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	return
}

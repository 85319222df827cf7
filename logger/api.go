// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package and calling function to all logs.
//
// Logging of trace and debug logs are enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/stratafs/stratafs/utils"
)

type Level int

// Our logging levels - These are the different logging levels supported by this package.
//
// We have more detailed logging levels than the logrus log package.
// As a result, when we do our logging we need to map from our levels
// to the logrus ones before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then calls `os.Exit(1)`.
	// It will exit even if the logging level is set to Panic.
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel; These are general operational entries about what's going on inside the application.
	InfoLevel

	// TraceLevel is used for operational logs that trace success path through the application.
	// Whether these are logged is controlled on a per-package basis by settings in this file.
	// When enabled, these are logged at logrus.InfoLevel.
	TraceLevel

	// DebugLevel is used for very verbose logging, intended to debug internal operations of a
	// particular area. Whether these are logged is controlled on a per-package basis by settings
	// in this file.
	// When enabled, these are logged at logrus.DebugLevel.
	DebugLevel
)

// Enable/disable for trace and debug levels.
// These are defaulted to disabled unless otherwise specified in .conf file
var traceLevelEnabled = false
var debugLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
// If a package is in this map and is set to "true", then tracing for that package is
// considered to be enabled and trace logs for that package will be emitted. If the
// package is in this list and is set to "false", OR if the package is not in this list,
// trace logs for that package will NOT be emitted.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map with a value of false (or true).
//
var packageTraceSettings = map[string]bool{
	"bufcache": false,
	"chain":    false,
	"flusher":  false,
	"freemap":  false,
	"logger":   false,
	"volume":   false,
}

func setTraceLoggingLevel(confStrSlice []string) {
	if len(confStrSlice) == 0 {
		traceLevelEnabled = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				// Package exists in the map
				packageTraceSettings[pkg] = true

				// If any trace level is enabled, need to enable trace level in general.
				// This flag lets us avoid the performance hit of trace-level API calls
				// if the trace level is disabled.
				traceLevelEnabled = true
			}
		}
	}
}

func traceEnabled(pkg string) bool {
	// Return whether tracing is enabled for the specified package.
	// If not found in the package trace map, traces are considered to be turned off.
	if isEnabled, ok := packageTraceSettings[pkg]; ok {
		return isEnabled
	}
	return false
}

// packageDebugSettings controls which packages have debug logging enabled.
var packageDebugSettings = map[string]bool{
	"chain":   false,
	"freemap": false,
}

func setDebugLoggingLevel(confStrSlice []string) {
	if len(confStrSlice) == 0 {
		debugLevelEnabled = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			debugLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageDebugSettings[pkg]; ok {
				packageDebugSettings[pkg] = true
				debugLevelEnabled = true
			}
		}
	}
}

func debugEnabled(pkg string) bool {
	if isEnabled, ok := packageDebugSettings[pkg]; ok {
		return isEnabled
	}
	return false
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

func newLogEntry(level int) (entry *log.Entry, pkg string) {
	// Extract package and function from the call stack
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	entry = log.WithFields(fields)
	return
}

const backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	if (level == DebugLevel) && !debugLevelEnabled {
		return false
	}
	return true
}

func emit(level Level, entry *log.Entry, pkg string, logString string) {
	switch level {
	case PanicLevel:
		entry.Panic(logString)
	case FatalLevel:
		entry.Fatal(logString)
	case ErrorLevel:
		entry.Error(logString)
	case WarnLevel:
		entry.Warn(logString)
	case InfoLevel:
		entry.Info(logString)
	case TraceLevel:
		if traceEnabled(pkg) {
			entry.Info(logString)
		}
	case DebugLevel:
		if debugEnabled(pkg) {
			entry.Debug(logString)
		}
	}
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Error(args ...interface{}) {
	if !logEnabled(ErrorLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(ErrorLevel, entry, pkg, fmt.Sprint(args...))
}

func Info(args ...interface{}) {
	if !logEnabled(InfoLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(InfoLevel, entry, pkg, fmt.Sprint(args...))
}

func Errorf(format string, args ...interface{}) {
	if !logEnabled(ErrorLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(ErrorLevel, entry, pkg, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(FatalLevel, entry, pkg, fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	if !logEnabled(InfoLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(InfoLevel, entry, pkg, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(TraceLevel, entry, pkg, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) {
	if !logEnabled(DebugLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(DebugLevel, entry, pkg, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	if !logEnabled(WarnLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(WarnLevel, entry, pkg, fmt.Sprintf(format, args...))
}

func ErrorWithError(err error, args ...interface{}) {
	if !logEnabled(ErrorLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(ErrorLevel, entry.WithField(errorKey, err), pkg, fmt.Sprint(args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	if !logEnabled(ErrorLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(ErrorLevel, entry.WithField(errorKey, err), pkg, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	if !logEnabled(InfoLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(InfoLevel, entry.WithField(errorKey, err), pkg, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	if !logEnabled(WarnLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(WarnLevel, entry.WithField(errorKey, err), pkg, fmt.Sprintf(format, args...))
}

func TracefWithError(err error, format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(TraceLevel, entry.WithField(errorKey, err), pkg, fmt.Sprintf(format, args...))
}

func PanicfWithError(err error, format string, args ...interface{}) {
	entry, pkg := newLogEntry(backtraceOneLevel)
	emit(PanicLevel, entry.WithField(errorKey, err), pkg, fmt.Sprintf(format, args...))
}

// AddLogTarget adds an additional writer to which logs are mirrored.
// This is primarily used by tests that want to assert on emitted logs.
func AddLogTarget(writer io.Writer) {
	logTargets.addWriter(writer)
}

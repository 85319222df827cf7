// Package utils provides miscellaneous utilities for the StrataFS engine.
package utils

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

func ByteSliceToUint32(byteSlice []byte) (u32 uint32, ok bool) {
	if 4 != len(byteSlice) {
		ok = false
		return
	}

	u32 = binary.LittleEndian.Uint32(byteSlice)
	ok = true

	return
}

func Uint32ToByteSlice(u32 uint32) (byteSlice []byte) {
	byteSlice = make([]byte, 4)

	binary.LittleEndian.PutUint32(byteSlice, u32)

	return
}

func ByteSliceToUint64(byteSlice []byte) (u64 uint64, ok bool) {
	if 8 != len(byteSlice) {
		ok = false
		return
	}

	u64 = binary.LittleEndian.Uint64(byteSlice)
	ok = true

	return
}

func Uint64ToByteSlice(u64 uint64) (byteSlice []byte) {
	byteSlice = make([]byte, 8)

	binary.LittleEndian.PutUint64(byteSlice, u64)

	return
}

// Logging the goroutine context is useful when trying to debug things
// like chain lock ordering.
//
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	return StackTraceToGoId(b)
}

// StackTraceToGoId extracts the goroutine ID from a stack trace produced by
// runtime.Stack(), which starts "goroutine NNN [".
func StackTraceToGoId(buf []byte) uint64 {
	b := bytes.TrimPrefix(buf, []byte("goroutine "))
	idx := bytes.IndexByte(b, ' ')
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseUint(string(b[:idx]), 10, 64)
	return n
}

// GetAFnName returns a string containing calling function and package
func GetAFnName(level int) string {
	// Get the PC and file for the level requested, adding one level to skip this function
	pc, _, _, _ := runtime.Caller(level + 1)
	// Retrieve a Function object this functions parent
	functionObject := runtime.FuncForPC(pc)
	// Regex to extract just the package and function name (and not the module path)
	extractFnName := regexp.MustCompile(`[^\/]*$`)
	return extractFnName.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing calling function, package,
// and goroutine id.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	// Get the combined function and package names of our caller
	funcPkg := GetAFnName(level + 1)

	// Regex to extract the package name (beginning of string to first ".")
	extractPkgName := regexp.MustCompile(`^[^.]*`)
	pkg = extractPkgName.FindString(funcPkg)

	// Regex to extract the function name (end of string to last ".")
	extractFnName := regexp.MustCompile(`[^.]*$`)
	fn = extractFnName.FindString(funcPkg)

	gid = GetGID()

	return fn, pkg, gid
}

// GetFnName returns a string containing the name of the running function and its package.
// This can be useful for debug prints.
func GetFnName() string {
	// Skip this function, and fetch the PC and file for its parent
	return GetAFnName(1)
}

// GetCallerFnName returns a string containing the name of the calling function.
// This can be useful for debug prints.
func GetCallerFnName() string {
	// Skip this function and its caller, and fetch the PC and file for its (grand)parent
	return GetAFnName(2)
}

func Uint64ToHexStr(value uint64) string {
	return fmt.Sprintf("%016X", value)
}

func HexStrToUint64(value string) (uint64, error) {
	return strconv.ParseUint(value, 16, 64)
}

// Stopwatch is a simple duration timer used when logging flush cycle times.
type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()
	sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
	sw.IsRunning = false
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if sw.IsRunning {
		return time.Since(sw.StartTime)
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) ElapsedMs() int64 {
	return int64(sw.Elapsed() / time.Millisecond)
}

func (sw *Stopwatch) ElapsedString() string {
	return sw.Elapsed().String()
}

// JSONify turns an arbitrary struct into its JSON form, used by debug dumps.
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil == err {
		if indentify {
			err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
			if nil == err {
				output = inputJSON.String()
			} else {
				output = fmt.Sprintf("<<<utils.JSONify() InputJSON.Indent() failed: %v>>>", err)
			}
		} else {
			output = string(inputJSONPacked[:])
		}
	} else {
		output = fmt.Sprintf("<<<utils.JSONify() json.Marshal() failed: %v>>>", err)
	}

	return
}

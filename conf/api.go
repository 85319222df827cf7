// Package conf provides .INI-style configuration maps for the StrataFS engine.
package conf

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConfMap is accessed via confMap[section_name][option_name][option_value_index] or via the methods below

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns a newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			err = fmt.Errorf("Error building confMap from conf strings: %v", err)
			return
		}
	}

	err = nil
	return
}

// RegEx components used below:

const assignment = "([ \t]*[=:][ \t]*)"
const dot = "(\\.)"
const leftBracket = "(\\[)"
const rightBracket = "(\\])"
const sectionName = "([0-9A-Za-z_\\-/:\\.]+)"
const separator = "([ \t]+|([ \t]*,[ \t]*))"

const token = "(([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)\\$?)"
const whiteSpace = "([ \t]+)"

// A string to load looks like:
//
//   <section_name_0>.<option_name_0> =
//     or
//   <section_name_1>.<option_name_1> : <value_1>
//     or
//   <section_name_2>.<option_name_2> = <value_2>, <value_3>

var stringRE = regexp.MustCompile("\\A" + token + dot + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var sectionNameOptionNameSeparatorRE = regexp.MustCompile(dot)

// A .conf file to load typically looks like:
//
//   [<section_name_1>]
//   <option_name_0> :
//   <option_name_1> = <value_1>
//   <option_name_2> : <value_2> <value_3>
//
//   # A comment on its own line starting with '#'
//   ; A comment on its own line starting with ';'
//
// One .conf file may include another before/between/after its own sections like:
//
//   .include <included .conf path>

var sectionHeaderLineRE = regexp.MustCompile("\\A" + leftBracket + token + rightBracket + "\\z")
var sectionNameRE = regexp.MustCompile(sectionName)

var optionLineRE = regexp.MustCompile("\\A" + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")

var optionNameOptionValuesSeparatorRE = regexp.MustCompile(assignment)
var optionValueSeparatorRE = regexp.MustCompile(separator)

var includeLineRE = regexp.MustCompile("\\A\\.include" + whiteSpace + token + "\\z")
var includeFilePathSeparatorRE = regexp.MustCompile(whiteSpace)

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	confStringTrimmed := strings.Trim(confString, " \t") // Trim leading & trailing spaces & tabs

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	if !stringRE.MatchString(confStringTrimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	// confStringTrimmed well formed, so extract Section Name, Option Name, and Values

	confStringSectionNameOptionPayloadStrings := sectionNameOptionNameSeparatorRE.Split(confStringTrimmed, 2)

	sectionName := confStringSectionNameOptionPayloadStrings[0]
	optionPayload := confStringSectionNameOptionPayloadStrings[1]

	confStringOptionNameOptionValuesStrings := optionNameOptionValuesSeparatorRE.Split(optionPayload, 2)

	optionName := confStringOptionNameOptionValuesStrings[0]
	optionValues := confStringOptionNameOptionValuesStrings[1]

	optionValuesSplit := optionValueSeparatorRE.Split(optionValues, -1)

	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		optionValuesSplit = []string{}
	}

	section, found := confMap[sectionName]

	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValuesSplit

	err = nil
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on updates
// specified in confStrings (e.g., from extra command-line arguments)
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		absConfFilePath    string
		confFileBytes      []byte
		currentLine        string
		currentSection     ConfMapSection
		currentSectionName string
		found              bool
		lineScanner        *bufio.Scanner
		nestedConfFilePath string
		optionName         string
		optionValues       string
		optionValuesSplit  []string
		splitStrings       []string
	)

	if "-" == confFilePath {
		confFileBytes, err = ioutil.ReadAll(os.Stdin)
		if nil != err {
			return
		}
	} else {
		confFileBytes, err = ioutil.ReadFile(confFilePath)
		if nil != err {
			return
		}
	}

	lineScanner = bufio.NewScanner(strings.NewReader(string(confFileBytes)))

	for lineScanner.Scan() {
		currentLine = lineScanner.Text()

		currentLine = strings.SplitN(currentLine, ";", 2)[0] // Trim comment after ';'
		currentLine = strings.SplitN(currentLine, "#", 2)[0] // Trim comment after '#'
		currentLine = strings.Trim(currentLine, " \t")       // Trim leading & trailing spaces & tabs

		if 0 == len(currentLine) {
			continue
		}

		if includeLineRE.MatchString(currentLine) {
			// Include found

			splitStrings = includeFilePathSeparatorRE.Split(currentLine, 2)

			nestedConfFilePath = splitStrings[1]

			if '/' != nestedConfFilePath[0] {
				// Need to adjust for relative path

				absConfFilePath, err = filepath.Abs(confFilePath)
				if nil != err {
					return
				}

				nestedConfFilePath = filepath.Dir(absConfFilePath) + "/" + nestedConfFilePath
			}

			err = confMap.UpdateFromFile(nestedConfFilePath)
			if nil != err {
				return
			}

			currentSectionName = ""
		} else if sectionHeaderLineRE.MatchString(currentLine) {
			// Section Header found

			currentSectionName = sectionNameRE.FindString(currentLine)
		} else {
			if "" == currentSectionName {
				// Options only allowed within a Section

				err = fmt.Errorf("file %v did not start with a Section Name", confFilePath)
				return
			}

			if !optionLineRE.MatchString(currentLine) {
				err = fmt.Errorf("file %v malformed line '%v'", confFilePath, currentLine)
				return
			}

			// Option Line found, so extract Option Name and Option Values

			splitStrings = optionNameOptionValuesSeparatorRE.Split(currentLine, 2)

			optionName = splitStrings[0]
			optionValues = splitStrings[1]

			optionValuesSplit = optionValueSeparatorRE.Split(optionValues, -1)

			if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
				optionValuesSplit = []string{}
			}

			currentSection, found = confMap[currentSectionName]

			if !found {
				currentSection = make(ConfMapSection)
				confMap[currentSectionName] = currentSection
			}

			currentSection[optionName] = optionValuesSplit
		}
	}

	err = lineScanner.Err()
	return
}

func (confMap ConfMap) fetchOption(sectionName string, optionName string) (option ConfMapOption, err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok = section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	err = nil
	return
}

// FetchOptionValueStringSlice returns [sectionName]optionName's value as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue, err = confMap.fetchOption(sectionName, optionName)
	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	option, err := confMap.fetchOption(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(option) {
		err = fmt.Errorf("[%v]%v must have exactly one value", sectionName, optionName)
		return
	}

	optionValue = option[0]

	err = nil
	return
}

// FetchOptionValueBool returns [sectionName]optionName's value as a bool
//
// Accepted values are the usual spellings of truth: "true"/"false", "yes"/"no", "on"/"off", "1"/"0"
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "true", "yes", "on", "1":
		optionValue = true
	case "false", "no", "off", "0":
		optionValue = false
	default:
		err = fmt.Errorf("[%v]%v has unrecognized bool value '%v'", sectionName, optionName, optionValueString)
		return
	}

	err = nil
	return
}

// FetchOptionValueUint8 returns [sectionName]optionName's value as a uint8
func (confMap ConfMap) FetchOptionValueUint8(sectionName string, optionName string) (optionValue uint8, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, err := strconv.ParseUint(optionValueString, 10, 8)
	if nil != err {
		err = fmt.Errorf("[%v]%v could not be parsed as a uint8: %v", sectionName, optionName, err)
		return
	}

	optionValue = uint8(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint16 returns [sectionName]optionName's value as a uint16
func (confMap ConfMap) FetchOptionValueUint16(sectionName string, optionName string) (optionValue uint16, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, err := strconv.ParseUint(optionValueString, 10, 16)
	if nil != err {
		err = fmt.Errorf("[%v]%v could not be parsed as a uint16: %v", sectionName, optionName, err)
		return
	}

	optionValue = uint16(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's value as a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, err := strconv.ParseUint(optionValueString, 10, 32)
	if nil != err {
		err = fmt.Errorf("[%v]%v could not be parsed as a uint32: %v", sectionName, optionName, err)
		return
	}

	optionValue = uint32(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's value as a uint64
//
// A value with a trailing KB/MB/GB/TB multiplier (e.g. "64KB") is scaled accordingly.
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	var (
		multiplier        uint64
		optionValueString string
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	multiplier = 1

	switch {
	case strings.HasSuffix(optionValueString, "KB"):
		multiplier = 1 << 10
		optionValueString = strings.TrimSuffix(optionValueString, "KB")
	case strings.HasSuffix(optionValueString, "MB"):
		multiplier = 1 << 20
		optionValueString = strings.TrimSuffix(optionValueString, "MB")
	case strings.HasSuffix(optionValueString, "GB"):
		multiplier = 1 << 30
		optionValueString = strings.TrimSuffix(optionValueString, "GB")
	case strings.HasSuffix(optionValueString, "TB"):
		multiplier = 1 << 40
		optionValueString = strings.TrimSuffix(optionValueString, "TB")
	}

	optionValue, err = strconv.ParseUint(optionValueString, 10, 64)
	if nil != err {
		err = fmt.Errorf("[%v]%v could not be parsed as a uint64: %v", sectionName, optionName, err)
		return
	}

	optionValue *= multiplier

	err = nil
	return
}

// FetchOptionValueDuration returns [sectionName]optionName's value as a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		err = fmt.Errorf("[%v]%v could not be parsed as a time.Duration: %v", sectionName, optionName, err)
		return
	}

	err = nil
	return
}

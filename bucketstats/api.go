// Package bucketstats implements easy to use statistics collection and
// reporting, including bucketized statistics.  Statistics start at zero and
// grow as they are added to.
//
// The statistics provided include totaler (with the Totaler interface),
// average (with the Averager interface), and distributions (with the Bucketer
// interface).
//
// Each statistic must have a unique name, "Name".  One or more statistics is
// placed in a structure and registered, with a name, via a call to Register()
// before being used.  The set of the statistics registered can be queried
// using the registered name or individually.
//
package bucketstats

import (
	"math/bits"
	"sync/atomic"
)

type StatStringFormat int

const (
	StatsFormatHumanReadable StatStringFormat = iota
)

// A Totaler can be incremented, or added to, and tracks the total value of
// all values added.
//
// Adding a negative value is not supported.
//
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string)
}

// An Averager is a Totaler with an average (mean) function added.
//
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// Holds information for an individual statistics bucket, consisting of:
//
// Count      the number of values added to the bucket
// RangeLow   the smallest value mapped to the bucket
// RangeHigh  the largest value mapped to the bucket
// NominalVal the nominal value of the bucket (2^n)
// MeanVal    the mean value of values added to the bucket, assuming a
//            uniform distribution
//
type BucketInfo struct {
	Count      uint64
	NominalVal uint64
	MeanVal    uint64
	RangeLow   uint64
	RangeHigh  uint64
}

// A Bucketer is an Averager which also tracks the distribution of values.
//
// DistGet() returns the distribution of values across the buckets as an
// array of BucketInfo.
//
type Bucketer interface {
	Averager
	DistGet() []BucketInfo
}

// Register and initialize a set of statistics.
//
// statsStruct is a pointer to a structure which has one or more fields
// holding statistics.  It may also contain other fields that are not
// bucketstats types.
//
// The combination of pkgName and statsGroupName must be unique.  pkgName is
// typically the name of a package and statsGroupName is the name for the
// group of stats.  One or the other, but not both, can be the empty string.
// Whitespace characters, '"' (double quote), '*' (asterisk), and ':' (colon)
// are not allowed in either name.
//
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics.
//
// Once unregistered, the same or a different set of statistics can be
// registered using the same name.
//
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// Print one or more groups of statistics.
//
// The value of all statistics associated with pkgName and statsGroupName are
// returned as a string, with one statistic per line, according to the
// specified format.
//
// Use "*" to select all package names with a given group name, all groups
// with a given package name, or all groups.
//
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	return sprintStats(stringFmt, pkgName, statsGroupName)
}

// Total is a simple totaler.  It supports the Totaler interface.
//
// Name must be unique within statistics in the structure.  If it is "" then
// Register() will assign a name based on the name of the field.
//
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Total) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// Average counts a number of items and their average size.  It supports the
// Averager interface.
//
// Name must be unique within statistics in the structure.  If it is "" then
// Register() will assign a name based on the name of the field.
//
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Increment() {
	this.Add(1)
}

func (this *Average) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Average) AverageGet() uint64 {
	return atomic.LoadUint64(&this.total) / atomic.LoadUint64(&this.count)
}

func (this *Average) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// BucketLog2Round holds bucketized statistics where the stats value is placed
// in bucket N, determined by round(log2(value) + 1), where round() rounds to
// the nearest integer and value 0 goes in bucket 0 instead of negative
// infinity.
//
// NBucket determines the number of buckets and has a maximum value of 65 and
// a minimum value of 10.  If NBucket is not set it defaults to 65.  It must
// be set before the statistic is registered and cannot be changed afterward.
//
// Name must be unique within statistics in the structure.  If it is "" then
// Register() will assign a name based on the name of the field.
//
// Example mappings of values to buckets:
//
//  Values  Bucket
//       0       0
//       1       1
//       2       2
//   3 - 5       3
//  6 - 11       4
// 12 - 22       5
//     etc.
//
// Note that value 2^n increments the count in bucket n + 1, but the average
// of values in bucket n is very slightly larger than 2^n.
//
type BucketLog2Round struct {
	Name        string
	NBucket     uint
	statBuckets [65]uint32
}

// sqrt(2) as a fixed-point number with 63 fractional bits.  The largest value
// mapped to bucket n+1 is sqrt2Fixed >> (63 - n).
const sqrt2Fixed = uint64(0xB504F333F9DE6485)

// map a value to its log2-rounded bucket index (unclamped)
func bucketLog2RoundIdx(value uint64) (idx uint) {
	if value == 0 {
		return 0
	}
	floorLog2 := uint(bits.Len64(value)) - 1
	idx = floorLog2 + 1
	if value > sqrt2Fixed>>(63-floorLog2) {
		idx += 1
	}
	return
}

func (this *BucketLog2Round) Add(value uint64) {
	idx := bucketLog2RoundIdx(value)
	if idx > this.NBucket-1 {
		idx = this.NBucket - 1
	}
	atomic.AddUint32(&this.statBuckets[idx], 1)
}

func (this *BucketLog2Round) Increment() {
	this.Add(1)
}

func (this *BucketLog2Round) CountGet() uint64 {
	_, count, _, _ := bucketCalcStat(this.DistGet())
	return count
}

func (this *BucketLog2Round) TotalGet() uint64 {
	_, _, sum, _ := bucketCalcStat(this.DistGet())
	return sum
}

func (this *BucketLog2Round) AverageGet() uint64 {
	_, _, _, mean := bucketCalcStat(this.DistGet())
	return mean
}

// Return BucketInfo information for all the buckets.
//
func (this *BucketLog2Round) DistGet() []BucketInfo {
	return bucketDistMake(this.NBucket, this.statBuckets[:])
}

func (this *BucketLog2Round) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return bucketSprint(stringFmt, pkgName, statsGroupName, this.Name, this.DistGet())
}

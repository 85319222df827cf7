package bucketstats

import (
	"math"
	"strings"
	"testing"
)

type testStats struct {
	ReadOps     Total
	WriteBytes  Average
	FlushUsec   BucketLog2Round
	NotAStat    int
	NamedCustom Total `json:"-"`
}

func TestRegisterAndSprint(t *testing.T) {
	var stats testStats

	stats.NamedCustom.Name = "renamed stat"

	Register("bufcache", "TestVolume", &stats)
	defer UnRegister("bufcache", "TestVolume")

	stats.ReadOps.Increment()
	stats.ReadOps.Add(2)
	if 3 != stats.ReadOps.TotalGet() {
		t.Fatalf("ReadOps total was %v", stats.ReadOps.TotalGet())
	}

	stats.WriteBytes.Add(4096)
	stats.WriteBytes.Add(8192)
	if 2 != stats.WriteBytes.CountGet() {
		t.Fatalf("WriteBytes count was %v", stats.WriteBytes.CountGet())
	}
	if 6144 != stats.WriteBytes.AverageGet() {
		t.Fatalf("WriteBytes average was %v", stats.WriteBytes.AverageGet())
	}

	output := SprintStats(StatsFormatHumanReadable, "bufcache", "TestVolume")
	if !strings.Contains(output, "bufcache.TestVolume.ReadOps total:3") {
		t.Fatalf("SprintStats() missing ReadOps: %v", output)
	}
	if !strings.Contains(output, "renamed_stat") {
		t.Fatalf("SprintStats() should scrub the custom name: %v", output)
	}

	// wildcard lookup must find the group as well
	output = SprintStats(StatsFormatHumanReadable, "*", "*")
	if !strings.Contains(output, "WriteBytes") {
		t.Fatalf("wildcard SprintStats() missing WriteBytes: %v", output)
	}
}

func TestBucketLog2RoundMapping(t *testing.T) {
	bucketCases := []struct {
		value  uint64
		bucket uint
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 3},
		{5, 3},
		{6, 4},
		{11, 4},
		{12, 5},
		{22, 5},
		{23, 6},
	}

	for _, bucketCase := range bucketCases {
		idx := bucketLog2RoundIdx(bucketCase.value)
		if bucketCase.bucket != idx {
			t.Errorf("bucketLog2RoundIdx(%v) returned %v expected %v",
				bucketCase.value, idx, bucketCase.bucket)
		}
	}
}

func TestBucketLog2RoundStats(t *testing.T) {
	var stats struct {
		Dist BucketLog2Round
	}

	Register("bucketstats", "log2test", &stats)
	defer UnRegister("bucketstats", "log2test")

	stats.Dist.Add(0)
	stats.Dist.Add(1)
	stats.Dist.Add(7)
	stats.Dist.Increment()
	stats.Dist.Add(math.MaxUint64)

	if 5 != stats.Dist.CountGet() {
		t.Fatalf("CountGet() returned %v", stats.Dist.CountGet())
	}

	dist := stats.Dist.DistGet()
	if uint(len(dist)) != stats.Dist.NBucket {
		t.Fatalf("DistGet() returned %v buckets expected %v", len(dist), stats.Dist.NBucket)
	}
	if 1 != dist[0].Count {
		t.Fatalf("bucket 0 count was %v", dist[0].Count)
	}
	if 2 != dist[1].Count {
		t.Fatalf("bucket 1 count was %v", dist[1].Count)
	}
	if 1 != dist[len(dist)-1].Count {
		t.Fatalf("last bucket count was %v", dist[len(dist)-1].Count)
	}
	if math.MaxUint64 != dist[len(dist)-1].RangeHigh {
		t.Fatalf("last bucket RangeHigh was %v", dist[len(dist)-1].RangeHigh)
	}

	// ranges must tile the value space with no gaps
	for i := 1; i < len(dist); i += 1 {
		if dist[i].RangeLow != dist[i-1].RangeHigh+1 {
			t.Fatalf("bucket %v RangeLow %v does not follow bucket %v RangeHigh %v",
				i, dist[i].RangeLow, i-1, dist[i-1].RangeHigh)
		}
	}
}

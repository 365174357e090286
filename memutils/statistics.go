package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes the blocks of one or more arenas. Byte counts include block headers, so
// AllocationBytes plus the free bytes of every arena always equals BlockBytes minus arena overhead.
type Statistics struct {
	// BlockCount is the number of arenas summed into these statistics
	BlockCount int
	// AllocationCount is the number of blocks currently in use
	AllocationCount int
	// BlockBytes is the total number of bytes handed to the arenas, including alignment padding
	// and arena headers
	BlockBytes int
	// AllocationBytes is the total size of the block records currently in use
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// PrintJson writes these statistics as fields of the provided json object
func (s *Statistics) PrintJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
}

// DetailedStatistics extends Statistics with the size distribution of live blocks and free blocks.
// Adjacent free blocks are reported as separate unused ranges.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	UnusedBytes        int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.UnusedBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedBytes += other.UnusedBytes

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// Fragmentation returns a value between 0 and 1 describing how scattered the free bytes are: 0 means
// all free bytes sit in a single range, values near 1 mean the largest free range is a small share
// of the free bytes.
func (s *DetailedStatistics) Fragmentation() float64 {
	if s.UnusedBytes == 0 {
		return 0
	}

	return 1 - float64(s.UnusedRangeSizeMax)/float64(s.UnusedBytes)
}

// PrintJson writes these statistics as fields of the provided json object
func (s *DetailedStatistics) PrintJson(json *jwriter.ObjectState) {
	s.Statistics.PrintJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)
	json.Name("UnusedBytes").Int(s.UnusedBytes)

	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}

	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}

// DefragmentationStats contains basic metrics for a sweep that merges adjacent free blocks
type DefragmentationStats struct {
	// RegionsMerged is the number of free blocks that were absorbed into a free predecessor
	RegionsMerged int
	// BytesReclaimed is the number of header bytes that became usable payload again
	BytesReclaimed int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.RegionsMerged += stats.RegionsMerged
	s.BytesReclaimed += stats.BytesReclaimed
}

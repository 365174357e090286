package heap

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/fixedheap/memutils"
	"github.com/vkngwrapper/fixedheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Validate walks every block header and reports the first inconsistency found: a header outside the
// arena, a misaligned header, blocks that overlap or leave a gap, or a damaged arena header
func (h *Heap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return err
	}

	return h.metadata.Validate()
}

// CheckCorruption verifies the guard bytes that follow every live allocation and fails with
// memutils.ErrCorruptionDetected if any were overwritten. Guard bytes are only written when the
// debug_mem_utils build tag is present; without it only the block directory is checked.
func (h *Heap) CheckCorruption() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return err
	}

	return h.metadata.CheckCorruption()
}

// CalculateStatistics sums this heap's block statistics into stats. It does not clear stats first, so
// the statistics of several heaps may be gathered into one object.
func (h *Heap) CalculateStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.destroyed {
		return
	}

	h.metadata.AddDetailedStatistics(stats)
}

// Defragment merges every run of adjacent free blocks into a single free block. Live allocations
// never move.
func (h *Heap) Defragment() (memutils.DefragmentationStats, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.checkLive()
	if err != nil {
		return memutils.DefragmentationStats{}, err
	}

	stats, err := h.metadata.MergeFreeRegions()
	if err != nil {
		return stats, err
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "Heap::Defragment",
		slog.Int("RegionsMerged", stats.RegionsMerged),
		slog.Int("BytesReclaimed", stats.BytesReclaimed),
	)

	memutils.DebugValidate(h.metadata)
	return stats, nil
}

// PrintDetailedMap writes a json object describing the heap and every block in it to writer
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	if h.destroyed {
		objState.Name("Destroyed").Bool(true)
		return
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.metadata.AddDetailedStatistics(&stats)

	statsObj := objState.Name("Statistics").Object()
	stats.PrintJson(&statsObj)
	statsObj.End()

	h.metadata.BlockJsonData(&objState)
	h.printDetailedMapBlocks(&objState)
}

func (h *Heap) printDetailedMapBlocks(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = h.metadata.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)

			if free {
				obj.Name("Type").String("Free")
				return nil
			}

			obj.Name("Type").String("Allocation")

			name, ok := h.names.Get(handle)
			if ok {
				obj.Name("Name").String(name)
			}

			return nil
		})
}

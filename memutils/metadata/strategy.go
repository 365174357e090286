package metadata

// CoalescePolicy chooses when adjacent free blocks are merged into a single free block. Every policy
// keeps the block directory valid; they differ only in how quickly fragmented free space is recovered.
type CoalescePolicy uint32

const (
	// CoalesceOnRelease merges a block with free neighbours as soon as it is freed, and merges the
	// remainder of a shrink with a free successor. No two free blocks are ever adjacent under this
	// policy. This is the default.
	CoalesceOnRelease CoalescePolicy = iota
	// CoalesceOnAlloc leaves freed blocks untouched and merges runs of free blocks while an allocation
	// request scans the directory
	CoalesceOnAlloc
	// CoalesceNone never merges free blocks. Freed blocks are only ever reused as-is or split further.
	CoalesceNone
)

var coalescePolicyMapping = map[CoalescePolicy]string{
	CoalesceOnRelease: "CoalesceOnRelease",
	CoalesceOnAlloc:   "CoalesceOnAlloc",
	CoalesceNone:      "CoalesceNone",
}

func (p CoalescePolicy) String() string {
	return coalescePolicyMapping[p]
}

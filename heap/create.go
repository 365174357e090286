package heap

import (
	"io"
	"strings"

	"github.com/vkngwrapper/fixedheap/memutils"
	"github.com/vkngwrapper/fixedheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = map[CreateFlags]string{
	HeapCreateExternallySynchronized: "HeapCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for flag := CreateFlags(1); flag != 0 && flag <= f; flag <<= 1 {
		if f&flag == 0 {
			continue
		}

		name, ok := createFlagsMapping[flag]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// HeapCreateExternallySynchronized ensures that the heap will not be synchronized internally. The
	// consumer must guarantee that it is used from only one goroutine at a time or is synchronized by
	// some other mechanism. CreateOptions.Locker is ignored when this flag is present.
	HeapCreateExternallySynchronized CreateFlags = 1 << iota
)

// CreateOptions contains optional settings when creating a heap. The zero value is a valid set of
// options.
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags

	// Logger receives debug records for failed allocations and relocations, and error records for
	// allocations still live when the heap is destroyed. If nil, nothing is logged.
	Logger *slog.Logger

	// Locker serializes every heap operation. If nil, a new sync.Mutex is used. A single Locker may be
	// shared by several heaps, in which case their operations are serialized together.
	Locker memutils.Locker

	// CoalescePolicy chooses when adjacent free blocks are merged. The zero value merges them as soon
	// as a block is released.
	CoalescePolicy metadata.CoalescePolicy
}

func (o CreateOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package alloc

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/memutils"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// DefaultPooledAllocationCeiling is the largest request served from a shared block when
	// CreateOptions.PooledAllocationCeiling is left at zero
	DefaultPooledAllocationCeiling int = 128 * memutils.MiB
	// DefaultPreferredBlockSize is the block size used on heaps larger than a gigabyte when
	// CreateOptions.PreferredBlockSize is left at zero
	DefaultPreferredBlockSize int = 256 * memutils.MiB

	defaultMemoryPriority float32 = 0.5
	smallHeapMaxSize      int     = 1024 * memutils.MiB
)

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all
// the fields blank.
type CreateOptions struct {
	Flags CreateFlags
	// PooledAllocationCeiling is the largest memory requirement that is sub-allocated from a shared
	// block. Anything larger receives its own device memory allocation.
	PooledAllocationCeiling int
	// PreferredBlockSize is the size of new blocks on heaps larger than a gigabyte. Smaller heaps use
	// an eighth of the heap size.
	PreferredBlockSize int
	// MaxBlocksPerType bounds the number of blocks each memory type may create. Zero means unlimited.
	MaxBlocksPerType int
	// MemoryPriority is chained onto every allocation when VK_EXT_memory_priority is active
	MemoryPriority float32
}

// Strategy is how an allocation's device memory was obtained. It is decided once, when the
// allocation is made.
type Strategy uint8

const (
	StrategyPooled Strategy = iota + 1
	StrategyDedicated
)

var strategyMapping = map[Strategy]string{
	StrategyPooled:    "StrategyPooled",
	StrategyDedicated: "StrategyDedicated",
}

func (s Strategy) String() string {
	return strategyMapping[s]
}

// Placement selects how a free range is chosen inside a block
type Placement uint8

const (
	// PlacementBestFit uses the smallest free range that fits
	PlacementBestFit Placement = iota
	// PlacementFirstFit uses the lowest-offset free range that fits
	PlacementFirstFit
)

// AllocationCreateInfo describes the memory a resource wants
type AllocationCreateInfo struct {
	// RequiredFlags must all be present on the chosen memory type
	RequiredFlags core1_0.MemoryPropertyFlags
	// PreferredFlags are used to break ties between memory types that have all RequiredFlags
	PreferredFlags core1_0.MemoryPropertyFlags
	// NotPreferredFlags count against a memory type that has them
	NotPreferredFlags core1_0.MemoryPropertyFlags
	Placement         Placement
	// Dedicated forces a dedicated allocation regardless of size
	Dedicated bool
}

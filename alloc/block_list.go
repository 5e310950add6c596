package alloc

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/internal/utils"
	"github.com/vkngwrapper/stockpile/memutils"
)

// ErrPoolExhausted is returned when a pooled allocation cannot be placed in an existing block and no
// new block may be created
var ErrPoolExhausted = errors.New("pooled allocator exhausted")

// A new block is at most halved this many times, whether to stay proportionate to the existing
// blocks or to recover from an out-of-memory error
const maxBlockHalvings = 3

type blockListOptions struct {
	useMutex      bool
	typeIndex     int
	blockSize     int
	maxBlockCount int
	priority      float32
}

// memoryBlockList is the set of blocks that pooled allocations of one memory type are carved from.
// blocks is kept roughly sorted from least to most free space so that new allocations pack into
// the fullest block that can hold them.
type memoryBlockList struct {
	owner  *Allocator
	logger *slog.Logger
	lock   utils.RWLocker
	opts   blockListOptions

	blocks  []*memoryBlock
	blockID int
}

func newMemoryBlockList(owner *Allocator, opts blockListOptions) *memoryBlockList {
	return &memoryBlockList{
		owner:  owner,
		logger: owner.logger,
		lock:   utils.NewRWLocker(opts.useMutex),
		opts:   opts,
	}
}

func (l *memoryBlockList) PreferredBlockSize() int { return l.opts.blockSize }

func (l *memoryBlockList) Destroy() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	var err error
	var failed []*memoryBlock
	for _, b := range l.blocks {
		if destroyErr := b.destroy(l.owner); destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
			failed = append(failed, b)
		}
	}
	l.blocks = failed

	return err
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for _, b := range l.blocks {
		b.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) Allocate(size, alignment int, placement Placement, outAlloc *Allocation) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	for _, b := range l.blocks {
		if l.tryPlace(b, size, alignment, placement, outAlloc) {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Placed in existing block", slog.Int("block.id", b.id))
			l.nudgeOrder()
			return nil
		}
	}

	if len(l.blocks) >= l.opts.maxBlockCount {
		return errors.Wrapf(ErrPoolExhausted, "memory type %d already has %d blocks", l.opts.typeIndex, len(l.blocks))
	}

	target, halvings := l.newBlockSize(size)
	b, err := l.createBlock(target)
	for err != nil && halvings < maxBlockHalvings && target/2 >= size {
		target /= 2
		halvings++
		b, err = l.createBlock(target)
	}
	if err != nil {
		return errors.WithSecondaryError(
			errors.Wrapf(ErrPoolExhausted, "could not create a block of %d bytes for memory type %d", target, l.opts.typeIndex),
			err,
		)
	}

	if !l.tryPlace(b, size, alignment, placement, outAlloc) {
		panic("created a new block to hold an allocation but the allocation did not fit")
	}

	l.nudgeOrder()
	return nil
}

// newBlockSize picks the size of the next block for an allocation of the given size. While the list
// holds only small blocks, new blocks start small too, growing toward the preferred size as the
// list fills.
func (l *memoryBlockList) newBlockSize(size int) (target int, halvings int) {
	if size > l.opts.blockSize {
		return size, maxBlockHalvings
	}

	largest := l.largestBlockSize()
	target = l.opts.blockSize
	for halvings < maxBlockHalvings {
		half := target / 2
		if half <= largest || half < size*2 {
			break
		}
		target = half
		halvings++
	}

	return target, halvings
}

func (l *memoryBlockList) largestBlockSize() int {
	largest := 0
	for _, b := range l.blocks {
		if s := b.metadata.Size(); s > largest {
			largest = s
		}
	}
	return largest
}

func (l *memoryBlockList) createBlock(blockSize int) (*memoryBlock, error) {
	info := core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: l.opts.typeIndex,
		AllocationSize:  blockSize,
	}
	if l.owner.extensions.MemoryPriority {
		info.Next = device.MemoryPriorityAllocateInfo{Priority: l.opts.priority}
	}

	memory, err := l.owner.allocateDeviceMemory(info)
	if err != nil {
		return nil, err
	}

	b := &memoryBlock{
		id:              l.blockID,
		memoryTypeIndex: l.opts.typeIndex,
		memory:          memory,
		metadata:        newFreeListMetadata(blockSize),
		logger:          l.logger,
	}
	l.blockID++
	l.blocks = append(l.blocks, b)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", b.id),
		slog.Int("size", blockSize),
		slog.Int("MemoryTypeIndex", l.opts.typeIndex),
	)
	return b, nil
}

func (l *memoryBlockList) tryPlace(b *memoryBlock, size, alignment int, placement Placement, outAlloc *Allocation) bool {
	request, found := b.metadata.CreateAllocationRequest(size, alignment, placement)
	if !found {
		return false
	}

	handle := b.metadata.Alloc(request, outAlloc)
	outAlloc.initBlockAllocation(l, b, handle, alignment, size)
	memutils.DebugValidate(b)
	return true
}

func (l *memoryBlockList) Free(alloc *Allocation) error {
	emptied, err := l.release(alloc)
	if err != nil {
		return err
	}
	if emptied == nil {
		return nil
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", emptied.id))
	if err = emptied.destroy(l.owner); err != nil {
		panic("unexpected failure when destroying an empty memory block: " + err.Error())
	}
	return nil
}

// release frees alloc's region and returns a block that should be destroyed, if any. At most one
// empty block is retained so that alternating alloc/free patterns don't thrash device memory.
func (l *memoryBlockList) release(alloc *Allocation) (*memoryBlock, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	b := alloc.blockData.block
	hadEmpty := l.countEmpty() > 0

	if err := b.metadata.Free(alloc.blockData.handle); err != nil {
		return nil, err
	}
	memutils.DebugValidate(b)
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block",
		slog.Int("block.id", b.id),
		slog.Int("MemoryTypeIndex", l.opts.typeIndex),
	)

	var emptied *memoryBlock
	switch {
	case !hadEmpty:
	case b.metadata.IsEmpty():
		emptied = b
		l.detach(b)
	default:
		if tail := l.blocks[len(l.blocks)-1]; tail.metadata.IsEmpty() {
			emptied = tail
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.nudgeOrder()
	return emptied, nil
}

func (l *memoryBlockList) detach(b *memoryBlock) {
	for i := range l.blocks {
		if l.blocks[i] == b {
			l.blocks = append(l.blocks[:i], l.blocks[i+1:]...)
			return
		}
	}

	panic("attempted to remove a block that does not belong to this block list")
}

func (l *memoryBlockList) countEmpty() int {
	count := 0
	for _, b := range l.blocks {
		if b.metadata.IsEmpty() {
			count++
		}
	}
	return count
}

// nudgeOrder swaps the first out-of-order pair of blocks
func (l *memoryBlockList) nudgeOrder() {
	for i := 0; i+1 < len(l.blocks); i++ {
		if l.blocks[i].metadata.SumFreeSize() > l.blocks[i+1].metadata.SumFreeSize() {
			l.blocks[i], l.blocks[i+1] = l.blocks[i+1], l.blocks[i]
			return
		}
	}
}

func (l *memoryBlockList) PrintDetailedMap(json jwriter.ObjectState) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	blocksObj := json.Name("Blocks").Object()
	defer blocksObj.End()

	for _, b := range l.blocks {
		blockObj := blocksObj.Name(strconv.Itoa(b.id)).Object()
		blockObj.Name("MapReferences").Int(b.memory.References())
		b.metadata.PrintJson(blockObj)
		printRegions(b.metadata, blockObj)
		blockObj.End()
	}
}

func printRegions(md *freeListMetadata, json jwriter.ObjectState) {
	regions := json.Name("Suballocations").Array()
	defer regions.End()

	_ = md.VisitAllRegions(func(offset, size int, allocation *Allocation) error {
		region := regions.Object()
		defer region.End()

		region.Name("Offset").Int(offset)
		if allocation != nil {
			allocation.printParameters(&region)
			return nil
		}
		region.Name("Type").String("Free")
		region.Name("Size").Int(size)
		return nil
	})
}

package alloc

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
)

type memoryBlock struct {
	id              int
	memoryTypeIndex int
	memory          *deviceMemory
	metadata        *freeListMetadata
	logger          *slog.Logger
}

func (b *memoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}

	err := b.metadata.VisitAllRegions(func(offset, size int, allocation *Allocation) error {
		if allocation != nil && allocation.blockData.block != b {
			return errors.Newf("the allocation at offset %d belongs to a different block", offset)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

// destroy frees the block's device memory. It refuses to do so while allocations remain, logging
// each of them instead.
func (b *memoryBlock) destroy(allocator *Allocator) error {
	if !b.metadata.IsEmpty() {
		_ = b.metadata.VisitAllRegions(func(offset, size int, allocation *Allocation) error {
			if allocation != nil {
				logUnreleasedMemory(b.logger, allocation, offset)
			}
			return nil
		})

		return errors.Newf("%d allocations were not freed before the destruction of memory block %d", b.metadata.AllocationCount(), b.id)
	}

	allocator.freeDeviceMemory(b.memoryTypeIndex, b.metadata.Size(), b.memory)
	b.memory = nil
	return nil
}

func logUnreleasedMemory(logger *slog.Logger, allocation *Allocation, offset int) {
	name := allocation.Name()
	if name == "" {
		name = "empty"
	}

	logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", offset),
		slog.Int("size", allocation.Size()),
		slog.String("strategy", allocation.Strategy().String()),
		slog.String("name", name),
	)
}

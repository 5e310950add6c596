package device

import (
	"sync/atomic"
)

// MemoryCounters tracks how many bytes of device memory live buffers and images occupy. Resources add
// their allocation size when created and subtract it when released.
type MemoryCounters struct {
	bufferBytes atomic.Int64
	imageBytes  atomic.Int64
	buffers     atomic.Int32
	images      atomic.Int32
}

func (c *MemoryCounters) AddBuffer(size int) {
	c.bufferBytes.Add(int64(size))
	c.buffers.Add(1)
}

func (c *MemoryCounters) RemoveBuffer(size int) {
	c.bufferBytes.Add(-int64(size))
	c.buffers.Add(-1)
}

func (c *MemoryCounters) AddImage(size int) {
	c.imageBytes.Add(int64(size))
	c.images.Add(1)
}

func (c *MemoryCounters) RemoveImage(size int) {
	c.imageBytes.Add(-int64(size))
	c.images.Add(-1)
}

func (c *MemoryCounters) BufferBytes() int64 { return c.bufferBytes.Load() }
func (c *MemoryCounters) ImageBytes() int64  { return c.imageBytes.Load() }
func (c *MemoryCounters) BufferCount() int   { return int(c.buffers.Load()) }
func (c *MemoryCounters) ImageCount() int    { return int(c.images.Load()) }

// UsedBytes is the total device memory held by live buffers and images
func (c *MemoryCounters) UsedBytes() int64 {
	return c.bufferBytes.Load() + c.imageBytes.Load()
}

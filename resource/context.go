package resource

import (
	"log/slog"

	"github.com/vkngwrapper/stockpile/alloc"
	"github.com/vkngwrapper/stockpile/device"
)

// Context carries everything a buffer or image needs from the outside world. One Context is shared
// by every resource created against the same device.
type Context struct {
	logger    *slog.Logger
	device    device.Device
	allocator *alloc.Allocator
	counters  *device.MemoryCounters
}

func NewContext(logger *slog.Logger, dev device.Device, allocator *alloc.Allocator) *Context {
	return &Context{
		logger:    logger,
		device:    dev,
		allocator: allocator,
		counters:  &device.MemoryCounters{},
	}
}

func (c *Context) Logger() *slog.Logger             { return c.logger }
func (c *Context) Device() device.Device            { return c.device }
func (c *Context) Allocator() *alloc.Allocator      { return c.allocator }
func (c *Context) Counters() *device.MemoryCounters { return c.counters }

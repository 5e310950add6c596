// Package devicetest provides an in-memory device.Device that records everything done to it
package devicetest

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/memutils"
)

// Buffer, Image, ImageView and Memory embed the vkngwrapper interfaces so they can be handed to
// anything expecting a real handle. Calling a vkngwrapper method on them panics: only the Device
// below is allowed to operate on them.
type Buffer struct {
	core1_0.Buffer
	ID     int
	Info   core1_0.BufferCreateInfo
	Memory *Memory
	Offset int
}

type Image struct {
	core1_0.Image
	ID     int
	Info   core1_0.ImageCreateInfo
	Memory *Memory
	Offset int
}

type ImageView struct {
	core1_0.ImageView
	ID   int
	Info core1_0.ImageViewCreateInfo
}

type Memory struct {
	core1_0.DeviceMemory
	ID     int
	Info   core1_0.MemoryAllocateInfo
	Mapped bool
	Freed  bool
	data   []byte
}

// Bytes returns the backing storage of the memory object, allocating it on first use
func (m *Memory) Bytes() []byte {
	if m.data == nil {
		m.data = make([]byte, m.Info.AllocationSize)
	}
	return m.data
}

const (
	MemoryTypeDeviceLocal = iota
	MemoryTypeHostCoherent
	MemoryTypeHostCached
)

type Options struct {
	MemoryTypes   []core1_0.MemoryType
	MemoryHeaps   []core1_0.MemoryHeap
	Limits        core1_0.PhysicalDeviceLimits
	Extensions    device.Extensions
	QueueFamilies device.QueueFamilies
	// Alignment reported in every memory requirement
	Alignment int
	// MemoryTypeBits reported in every memory requirement
	MemoryTypeBits uint32
}

// DefaultOptions describes a discrete GPU with a 1 GiB device-local heap and a 256 MiB host heap
// exposing one coherent and one cached, non-coherent memory type
func DefaultOptions() Options {
	return Options{
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1024 * memutils.MiB, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 256 * memutils.MiB},
		},
		Limits: core1_0.PhysicalDeviceLimits{
			BufferImageGranularity:   1,
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: 4096,
		},
		Extensions:     device.Extensions{DedicatedAllocation: true},
		QueueFamilies:  device.QueueFamilies{Graphics: 0, Compute: 0, Transfer: 1},
		Alignment:      256,
		MemoryTypeBits: 0xffffffff,
	}
}

// Device is a device.Device whose memory lives in Go slices
type Device struct {
	mutex  sync.Mutex
	opts   Options
	nextID int

	Buffers     map[*Buffer]struct{}
	Images      map[*Image]struct{}
	Views       map[*ImageView]struct{}
	Allocations map[*Memory]struct{}

	AllocateInfos []core1_0.MemoryAllocateInfo
	Flushes       []core1_0.MappedMemoryRange
	Invalidates   []core1_0.MappedMemoryRange
	Immediate     []*Recorder

	// FailAllocations makes the next n AllocateMemory calls fail with VK_ERROR_OUT_OF_DEVICE_MEMORY
	FailAllocations int
	// FailBufferCreation makes every CreateBuffer call fail
	FailBufferCreation bool
}

var _ device.Device = &Device{}

func New(opts Options) *Device {
	return &Device{
		opts:        opts,
		Buffers:     make(map[*Buffer]struct{}),
		Images:      make(map[*Image]struct{}),
		Views:       make(map[*ImageView]struct{}),
		Allocations: make(map[*Memory]struct{}),
	}
}

func (d *Device) id() int {
	d.nextID++
	return d.nextID
}

func (d *Device) Properties() *core1_0.PhysicalDeviceProperties {
	limits := d.opts.Limits
	return &core1_0.PhysicalDeviceProperties{
		DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
		Limits:     &limits,
	}
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: d.opts.MemoryTypes,
		MemoryHeaps: d.opts.MemoryHeaps,
	}
}

func (d *Device) QueueFamilies() device.QueueFamilies {
	return d.opts.QueueFamilies
}

func (d *Device) Extensions() device.Extensions {
	return d.opts.Extensions
}

func (d *Device) CreateBuffer(info core1_0.BufferCreateInfo) (core1_0.Buffer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.FailBufferCreation {
		return nil, core1_0.VKErrorOutOfHostMemory.ToError()
	}

	buffer := &Buffer{ID: d.id(), Info: info}
	d.Buffers[buffer] = struct{}{}
	return buffer, nil
}

func (d *Device) DestroyBuffer(buffer core1_0.Buffer) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.Buffers, buffer.(*Buffer))
}

func (d *Device) BufferMemoryRequirements(buffer core1_0.Buffer) core1_0.MemoryRequirements {
	size := buffer.(*Buffer).Info.Size
	return core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(size, d.opts.Alignment),
		Alignment:      d.opts.Alignment,
		MemoryTypeBits: d.opts.MemoryTypeBits,
	}
}

func (d *Device) BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	fakeBuffer := buffer.(*Buffer)
	if fakeBuffer.Memory != nil {
		return errors.New("buffer is already bound")
	}
	fakeBuffer.Memory = memory.(*Memory)
	fakeBuffer.Offset = offset
	return nil
}

func (d *Device) CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	image := &Image{ID: d.id(), Info: info}
	d.Images[image] = struct{}{}
	return image, nil
}

func (d *Device) DestroyImage(image core1_0.Image) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.Images, image.(*Image))
}

// ImageMemoryRequirements reports four bytes per texel across every mip level and array layer
func (d *Device) ImageMemoryRequirements(image core1_0.Image) core1_0.MemoryRequirements {
	info := image.(*Image).Info

	size := 0
	for mip := 0; mip < max(info.MipLevels, 1); mip++ {
		width := max(info.Extent.Width>>mip, 1)
		height := max(info.Extent.Height>>mip, 1)
		depth := max(info.Extent.Depth>>mip, 1)
		size += width * height * depth * 4
	}
	size *= max(info.ArrayLayers, 1)

	return core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(size, d.opts.Alignment),
		Alignment:      d.opts.Alignment,
		MemoryTypeBits: d.opts.MemoryTypeBits,
	}
}

func (d *Device) BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	fakeImage := image.(*Image)
	if fakeImage.Memory != nil {
		return errors.New("image is already bound")
	}
	fakeImage.Memory = memory.(*Memory)
	fakeImage.Offset = offset
	return nil
}

func (d *Device) CreateImageView(info core1_0.ImageViewCreateInfo) (core1_0.ImageView, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	view := &ImageView{ID: d.id(), Info: info}
	d.Views[view] = struct{}{}
	return view, nil
}

func (d *Device) DestroyImageView(view core1_0.ImageView) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.Views, view.(*ImageView))
}

func (d *Device) AllocateMemory(info core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.AllocateInfos = append(d.AllocateInfos, info)
	if d.FailAllocations > 0 {
		d.FailAllocations--
		return nil, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	memory := &Memory{ID: d.id(), Info: info}
	d.Allocations[memory] = struct{}{}
	return memory, nil
}

func (d *Device) FreeMemory(memory core1_0.DeviceMemory) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	fakeMemory := memory.(*Memory)
	fakeMemory.Freed = true
	delete(d.Allocations, fakeMemory)
}

func (d *Device) MapMemory(memory core1_0.DeviceMemory, offset, size int) (unsafe.Pointer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	fakeMemory := memory.(*Memory)
	if fakeMemory.Mapped {
		return nil, core1_0.VKErrorMemoryMapFailed.ToError()
	}
	if offset >= fakeMemory.Info.AllocationSize {
		return nil, core1_0.VKErrorMemoryMapFailed.ToError()
	}

	fakeMemory.Mapped = true
	return unsafe.Pointer(&fakeMemory.Bytes()[offset]), nil
}

func (d *Device) UnmapMemory(memory core1_0.DeviceMemory) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	memory.(*Memory).Mapped = false
}

func (d *Device) FlushMappedMemoryRanges(ranges []core1_0.MappedMemoryRange) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.Flushes = append(d.Flushes, ranges...)
	return nil
}

func (d *Device) InvalidateMappedMemoryRanges(ranges []core1_0.MappedMemoryRange) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.Invalidates = append(d.Invalidates, ranges...)
	return nil
}

func (d *Device) SubmitImmediate(queueFamily int, record func(cmd device.CommandRecorder) error) error {
	recorder := d.NewRecorder(queueFamily)
	err := record(recorder)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.Immediate = append(d.Immediate, recorder)
	return nil
}

// LiveBuffers, LiveImages, LiveViews and LiveAllocations count objects that have been created and
// not yet destroyed
func (d *Device) LiveBuffers() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.Buffers)
}

func (d *Device) LiveImages() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.Images)
}

func (d *Device) LiveViews() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.Views)
}

func (d *Device) LiveAllocations() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.Allocations)
}

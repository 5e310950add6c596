package resource

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/alloc"
	"github.com/vkngwrapper/stockpile/memutils"
)

type ImageCreateInfo struct {
	Name  string
	Image core1_0.ImageCreateInfo
	// MemoryFlags must all be present on the memory type the image is placed in
	MemoryFlags core1_0.MemoryPropertyFlags
	// Dedicated forces the image into its own device memory allocation
	Dedicated bool
}

type viewKey struct {
	subresources core1_0.ImageSubresourceRange
	viewType     core1_0.ImageViewType
}

// Image owns one VkImage, the memory bound to it, the views created from it and the layout and
// queue family of each of its subresources
type Image struct {
	ctx        *Context
	name       string
	handle     core1_0.Image
	allocation *alloc.Allocation
	info       core1_0.ImageCreateInfo

	states   subresourceStates
	views    *swiss.Map[viewKey, core1_0.ImageView]
	released bool
}

// CreateImage creates an image and binds memory to it. Every subresource starts out undefined and
// unowned.
func CreateImage(ctx *Context, info ImageCreateInfo) (*Image, error) {
	ctx.logger.Debug("Image::Create")

	imageInfo := info.Image
	imageInfo.MipLevels = max(imageInfo.MipLevels, 1)
	imageInfo.ArrayLayers = max(imageInfo.ArrayLayers, 1)
	if imageInfo.Extent.Width <= 0 || imageInfo.Extent.Height <= 0 {
		return nil, memutils.ValidationErrorf("image %q has invalid extent %dx%d", info.Name, imageInfo.Extent.Width, imageInfo.Extent.Height)
	}
	if imageInfo.Extent.Depth <= 0 {
		imageInfo.Extent.Depth = 1
	}
	if imageInfo.Samples == 0 {
		imageInfo.Samples = core1_0.Samples1
	}
	imageInfo.InitialLayout = core1_0.ImageLayoutUndefined

	handle, err := ctx.device.CreateImage(imageInfo)
	if err != nil {
		return nil, memutils.NewFatalResourceError("create image "+info.Name, err)
	}

	allocation, err := ctx.allocator.AllocateForImage(info.Name, handle, alloc.AllocationCreateInfo{
		RequiredFlags: info.MemoryFlags,
		Dedicated:     info.Dedicated,
	})
	if err != nil {
		ctx.device.DestroyImage(handle)
		return nil, err
	}

	image := &Image{
		ctx:        ctx,
		name:       info.Name,
		handle:     handle,
		allocation: allocation,
		info:       imageInfo,
		states:     newSubresourceStates(imageInfo.ArrayLayers, imageInfo.MipLevels),
		views:      swiss.NewMap[viewKey, core1_0.ImageView](4),
	}
	ctx.counters.AddImage(allocation.Size())

	ctx.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created image",
		slog.String("name", info.Name),
		slog.Int("width", imageInfo.Extent.Width),
		slog.Int("height", imageInfo.Extent.Height),
		slog.Int("mips", imageInfo.MipLevels),
		slog.Int("layers", imageInfo.ArrayLayers),
		slog.String("strategy", allocation.Strategy().String()),
	)

	return image, nil
}

func (i *Image) Name() string                  { return i.name }
func (i *Image) Handle() core1_0.Image         { return i.handle }
func (i *Image) Allocation() *alloc.Allocation { return i.allocation }
func (i *Image) Format() core1_0.Format        { return i.info.Format }
func (i *Image) Extent() core1_0.Extent3D      { return i.info.Extent }
func (i *Image) MipLevels() int                { return i.info.MipLevels }
func (i *Image) ArrayLayers() int              { return i.info.ArrayLayers }
func (i *Image) Usage() core1_0.ImageUsageFlags {
	return i.info.Usage
}
func (i *Image) IsReleased() bool { return i.released }

// Aspect is the aspect every full-image range uses: depth for depth-stencil attachments, color
// otherwise
func (i *Image) Aspect() core1_0.ImageAspectFlags {
	if i.info.Usage&core1_0.ImageUsageDepthStencilAttachment != 0 {
		return core1_0.ImageAspectDepth
	}
	return core1_0.ImageAspectColor
}

// FullRange covers every mip level and array layer of the image
func (i *Image) FullRange() core1_0.ImageSubresourceRange {
	return core1_0.ImageSubresourceRange{
		AspectMask:     i.Aspect(),
		BaseMipLevel:   0,
		LevelCount:     i.info.MipLevels,
		BaseArrayLayer: 0,
		LayerCount:     i.info.ArrayLayers,
	}
}

// State reports the current layout and owning queue family of one subresource
func (i *Image) State(layer, mip int) (SubresourceState, error) {
	state, err := i.states.at(layer, mip)
	if err != nil {
		return SubresourceState{}, err
	}
	return *state, nil
}

// GetView returns a view over rng, creating it the first time a given range and view type are
// requested
func (i *Image) GetView(rng core1_0.ImageSubresourceRange, viewType core1_0.ImageViewType) (core1_0.ImageView, error) {
	if i.released {
		return nil, validationError(ErrReleased, "cannot create a view of image %q", i.name)
	}

	err := i.states.checkRange(rng)
	if err != nil {
		return nil, err
	}

	key := viewKey{subresources: rng, viewType: viewType}
	view, ok := i.views.Get(key)
	if ok {
		return view, nil
	}

	view, err = i.ctx.device.CreateImageView(core1_0.ImageViewCreateInfo{
		Image:            i.handle,
		ViewType:         viewType,
		Format:           i.info.Format,
		SubresourceRange: rng,
	})
	if err != nil {
		return nil, memutils.NewFatalResourceError("create view of image "+i.name, err)
	}

	i.views.Put(key, view)
	return view, nil
}

// ViewCount is the number of distinct views cached on the image
func (i *Image) ViewCount() int {
	return i.views.Count()
}

// Release destroys the image's views, then the image, then frees its memory
func (i *Image) Release() error {
	i.ctx.logger.Debug("Image::Release")

	if i.released {
		return validationError(ErrReleased, "image %q was already released", i.name)
	}

	i.views.Iter(func(_ viewKey, view core1_0.ImageView) bool {
		i.ctx.device.DestroyImageView(view)
		return false
	})
	i.views = swiss.NewMap[viewKey, core1_0.ImageView](1)

	i.ctx.device.DestroyImage(i.handle)
	i.handle = nil
	i.released = true

	size := i.allocation.Size()
	err := i.allocation.Free()
	if err != nil {
		return errors.Wrapf(err, "failed to free memory of image %q", i.name)
	}

	i.ctx.counters.RemoveImage(size)
	return nil
}

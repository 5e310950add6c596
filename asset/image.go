package asset

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/bindless"
	"github.com/vkngwrapper/stockpile/resource"
)

type ImageInfo struct {
	BaseInfo
	Image *resource.Image
}

// ImageAsset is a sampled texture with one bindless slot once bound
type ImageAsset struct {
	*Base

	image *resource.Image
	table atomic.Pointer[bindless.Table]
	slot  atomic.Uint32
}

var _ Asset = &ImageAsset{}

// NewImageAsset takes ownership of the image. It is released with the asset's last reference.
func NewImageAsset(info ImageInfo) *ImageAsset {
	asset := &ImageAsset{image: info.Image}
	asset.slot.Store(bindless.Invalid)
	asset.Base = newBase(info.BaseInfo, uint64(info.Image.Allocation().Size()), asset.destroy)
	return asset
}

func (a *ImageAsset) Image() *resource.Image { return a.image }
func (a *ImageAsset) Slot() uint32           { return a.slot.Load() }

func (a *ImageAsset) viewType() core1_0.ImageViewType {
	if a.image.ArrayLayers() > 1 {
		return core1_0.ImageViewType2DArray
	}
	return core1_0.ImageViewType2D
}

// View is the view covering the whole image
func (a *ImageAsset) View() (core1_0.ImageView, error) {
	return a.image.GetView(a.image.FullRange(), a.viewType())
}

// AssignBindless acquires a slot and records a descriptor write of the full-image view in
// shader-read-only layout
func (a *ImageAsset) AssignBindless(table *bindless.Table) error {
	if a.slot.Load() != bindless.Invalid {
		return errors.Newf("image %q already has a bindless slot", a.ID())
	}

	view, err := a.View()
	if err != nil {
		return err
	}

	slot, err := table.Acquire()
	if err != nil {
		return err
	}

	err = table.WriteImage(slot, view, core1_0.ImageLayoutShaderReadOnlyOptimal)
	if err != nil {
		return errors.CombineErrors(err, table.Free(slot))
	}

	a.table.Store(table)
	a.slot.Store(slot)
	return nil
}

func (a *ImageAsset) destroy() error {
	var err error
	if table := a.table.Load(); table != nil {
		if slot := a.slot.Swap(bindless.Invalid); slot != bindless.Invalid {
			err = table.Free(slot)
		}
	}

	return errors.CombineErrors(err, a.image.Release())
}

package resource_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/device/devicetest"
	"github.com/vkngwrapper/stockpile/memutils"
	"github.com/vkngwrapper/stockpile/resource"
)

func createImage(t *testing.T, ctx *resource.Context, usage core1_0.ImageUsageFlags, mips, layers int) *resource.Image {
	image, err := resource.CreateImage(ctx, resource.ImageCreateInfo{
		Name: "texture",
		Image: core1_0.ImageCreateInfo{
			ImageType:   core1_0.ImageType2D,
			Format:      core1_0.FormatR8G8B8A8UnsignedNormalized,
			Extent:      core1_0.Extent3D{Width: 64, Height: 64, Depth: 1},
			MipLevels:   mips,
			ArrayLayers: layers,
			Tiling:      core1_0.ImageTilingOptimal,
			Usage:       usage,
		},
		MemoryFlags: core1_0.MemoryPropertyDeviceLocal,
	})
	require.NoError(t, err)
	return image
}

func subresource(layer, mip int) core1_0.ImageSubresourceRange {
	return core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   mip,
		LevelCount:     1,
		BaseArrayLayer: layer,
		LayerCount:     1,
	}
}

func requireState(t *testing.T, image *resource.Image, layer, mip int, layout core1_0.ImageLayout, family int) {
	state, err := image.State(layer, mip)
	require.NoError(t, err)
	require.Equal(t, resource.SubresourceState{Layout: layout, QueueFamily: family}, state, "layer %d mip %d", layer, mip)
}

const sampled = core1_0.ImageUsageSampled | core1_0.ImageUsageTransferDst

func TestImage_CreateAndRelease(t *testing.T) {
	dev, ctx := readyContext(t)

	image := createImage(t, ctx, sampled, 3, 2)
	require.Equal(t, 3, image.MipLevels())
	require.Equal(t, 2, image.ArrayLayers())
	require.Equal(t, 1, dev.LiveImages())
	require.Equal(t, 1, ctx.Counters().ImageCount())

	// 64x64 + 32x32 + 16x16 texels at four bytes each, for two layers
	require.Equal(t, int64(2*4*(64*64+32*32+16*16)), ctx.Counters().ImageBytes())

	for layer := 0; layer < 2; layer++ {
		for mip := 0; mip < 3; mip++ {
			requireState(t, image, layer, mip, core1_0.ImageLayoutUndefined, device.QueueFamilyIgnored)
		}
	}

	require.NoError(t, image.Release())
	require.Equal(t, 0, dev.LiveImages())
	require.Equal(t, int64(0), ctx.Counters().UsedBytes())
	require.True(t, errors.Is(image.Release(), resource.ErrReleased))
}

func TestImage_ReleaseAfterFailedFree(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 1, 1)

	require.NoError(t, image.Allocation().Free())

	err := image.Release()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrValidation))
	require.True(t, image.IsReleased())
	require.Nil(t, image.Handle())
	require.Equal(t, 0, dev.LiveImages())

	require.True(t, errors.Is(image.Release(), resource.ErrReleased))
	require.Equal(t, 0, dev.LiveImages())
}

func TestImage_TransitionIsIdempotent(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 3, 2)
	recorder := dev.NewRecorder(0)

	require.NoError(t, image.TransitionLayout(recorder, core1_0.ImageLayoutTransferDstOptimal, image.FullRange()))
	require.Len(t, recorder.Commands, 1)

	// Every subresource shares its state, so one barrier covers the whole image
	require.Equal(t, []core1_0.ImageMemoryBarrier{{
		SrcAccessMask:       0,
		DstAccessMask:       core1_0.AccessTransferWrite,
		OldLayout:           core1_0.ImageLayoutUndefined,
		NewLayout:           core1_0.ImageLayoutTransferDstOptimal,
		SrcQueueFamilyIndex: device.QueueFamilyIgnored,
		DstQueueFamilyIndex: device.QueueFamilyIgnored,
		Image:               image.Handle(),
		SubresourceRange:    image.FullRange(),
	}}, recorder.Commands[0].ImageBarriers)
	require.Equal(t, core1_0.PipelineStageTopOfPipe, recorder.Commands[0].SrcStageMask)
	require.Equal(t, core1_0.PipelineStageTransfer, recorder.Commands[0].DstStageMask)

	require.NoError(t, image.TransitionLayout(recorder, core1_0.ImageLayoutTransferDstOptimal, image.FullRange()))
	require.Len(t, recorder.Commands, 1)

	require.NoError(t, image.Release())
}

func TestImage_SubresourceIndependence(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 3, 2)
	recorder := dev.NewRecorder(0)

	require.NoError(t, image.TransitionLayout(recorder, core1_0.ImageLayoutTransferDstOptimal, subresource(0, 0)))

	requireState(t, image, 0, 0, core1_0.ImageLayoutTransferDstOptimal, device.QueueFamilyIgnored)
	requireState(t, image, 0, 1, core1_0.ImageLayoutUndefined, device.QueueFamilyIgnored)
	requireState(t, image, 1, 0, core1_0.ImageLayoutUndefined, device.QueueFamilyIgnored)

	require.NoError(t, image.Release())
}

func TestImage_TransitionBatchesUniformRanges(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 3, 3)
	recorder := dev.NewRecorder(0)

	require.NoError(t, image.TransitionLayout(recorder, core1_0.ImageLayoutTransferDstOptimal, subresource(0, 0)))
	require.NoError(t, image.TransitionLayout(recorder, core1_0.ImageLayoutShaderReadOnlyOptimal, image.FullRange()))
	require.Len(t, recorder.Commands, 2)

	barriers := recorder.Commands[1].ImageBarriers
	require.Len(t, barriers, 3)

	// Layer 0 splits at mip 1, layers 1 and 2 are uniform and share a barrier
	require.Equal(t, core1_0.ImageLayoutTransferDstOptimal, barriers[0].OldLayout)
	require.Equal(t, core1_0.AccessTransferWrite, barriers[0].SrcAccessMask)
	require.Equal(t, subresource(0, 0), barriers[0].SubresourceRange)

	require.Equal(t, core1_0.ImageLayoutUndefined, barriers[1].OldLayout)
	require.Equal(t, core1_0.AccessHostWrite|core1_0.AccessTransferWrite, barriers[1].SrcAccessMask)
	require.Equal(t, core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   1,
		LevelCount:     2,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}, barriers[1].SubresourceRange)

	require.Equal(t, core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectColor,
		BaseMipLevel:   0,
		LevelCount:     3,
		BaseArrayLayer: 1,
		LayerCount:     2,
	}, barriers[2].SubresourceRange)

	for _, barrier := range barriers {
		require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, barrier.NewLayout)
		require.Equal(t, core1_0.AccessShaderRead, barrier.DstAccessMask)
	}

	require.NotZero(t, recorder.Commands[1].SrcStageMask&core1_0.PipelineStageTransfer)
	require.NotZero(t, recorder.Commands[1].SrcStageMask&core1_0.PipelineStageHost)
	require.NotZero(t, recorder.Commands[1].DstStageMask&core1_0.PipelineStageFragmentShader)

	for layer := 0; layer < 3; layer++ {
		for mip := 0; mip < 3; mip++ {
			requireState(t, image, layer, mip, core1_0.ImageLayoutShaderReadOnlyOptimal, device.QueueFamilyIgnored)
		}
	}

	require.NoError(t, image.Release())
}

func TestImage_UnsupportedLayout(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 1, 1)
	recorder := dev.NewRecorder(0)

	err := image.TransitionLayout(recorder, core1_0.ImageLayout(0x7fff0000), image.FullRange())
	require.True(t, errors.Is(err, resource.ErrUnsupportedLayout))
	require.True(t, errors.Is(err, memutils.ErrFatal))

	err = image.TransitionLayout(recorder, core1_0.ImageLayoutUndefined, image.FullRange())
	require.True(t, errors.Is(err, resource.ErrUnsupportedLayout))

	err = image.TransitionLayout(recorder, core1_0.ImageLayoutPreInitialized, image.FullRange())
	require.True(t, errors.Is(err, resource.ErrUnsupportedLayout))

	require.Empty(t, recorder.Commands)
	requireState(t, image, 0, 0, core1_0.ImageLayoutUndefined, device.QueueFamilyIgnored)

	require.NoError(t, image.TransitionLayout(recorder, khr_swapchain.ImageLayoutPresentSrc, image.FullRange()))
	require.Equal(t, core1_0.PipelineStageBottomOfPipe, recorder.Commands[0].DstStageMask)

	require.NoError(t, image.Release())
}

func TestImage_FailedRecordingLeavesStateUntouched(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 2, 1)
	recorder := dev.NewRecorder(0)
	recorder.FailBarriers = true

	require.Error(t, image.TransitionLayout(recorder, core1_0.ImageLayoutTransferDstOptimal, image.FullRange()))
	requireState(t, image, 0, 0, core1_0.ImageLayoutUndefined, device.QueueFamilyIgnored)
	requireState(t, image, 0, 1, core1_0.ImageLayoutUndefined, device.QueueFamilyIgnored)

	recorder.FailBarriers = false
	require.NoError(t, image.TransitionLayout(recorder, core1_0.ImageLayoutTransferDstOptimal, image.FullRange()))
	require.Len(t, recorder.Commands, 1)

	require.NoError(t, image.Release())
}

func TestImage_SubresourceOutOfRange(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 2, 1)
	recorder := dev.NewRecorder(0)

	err := image.TransitionLayout(recorder, core1_0.ImageLayoutTransferDstOptimal, subresource(0, 2))
	require.True(t, errors.Is(err, resource.ErrSubresourceOutOfRange))
	require.True(t, errors.Is(err, memutils.ErrValidation))

	err = image.TransitionLayout(recorder, core1_0.ImageLayoutTransferDstOptimal, subresource(1, 0))
	require.True(t, errors.Is(err, resource.ErrSubresourceOutOfRange))

	_, err = image.State(0, -1)
	require.True(t, errors.Is(err, resource.ErrSubresourceOutOfRange))

	require.Empty(t, recorder.Commands)
	require.NoError(t, image.Release())
}

func TestImage_UploadOwnershipTransfer(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 1, 1)
	transfer := dev.NewRecorder(1)

	require.NoError(t, image.PrepareToUpload(transfer, image.FullRange()))
	requireState(t, image, 0, 0, core1_0.ImageLayoutTransferDstOptimal, 1)

	require.NoError(t, image.FinishUpload(transfer, image.FullRange(), 0))
	requireState(t, image, 0, 0, core1_0.ImageLayoutShaderReadOnlyOptimal, 0)

	barriers := transfer.ImageBarriers()
	require.Len(t, barriers, 2)
	require.Equal(t, device.QueueFamilyIgnored, barriers[0].SrcQueueFamilyIndex)
	require.Equal(t, device.QueueFamilyIgnored, barriers[0].DstQueueFamilyIndex)
	require.Equal(t, 1, barriers[1].SrcQueueFamilyIndex)
	require.Equal(t, 0, barriers[1].DstQueueFamilyIndex)

	// A plain transition keeps the owner
	graphics := dev.NewRecorder(0)
	require.NoError(t, image.TransitionLayout(graphics, core1_0.ImageLayoutTransferSrcOptimal, image.FullRange()))
	requireState(t, image, 0, 0, core1_0.ImageLayoutTransferSrcOptimal, 0)
	require.Equal(t, device.QueueFamilyIgnored, graphics.ImageBarriers()[0].SrcQueueFamilyIndex)

	require.NoError(t, image.Release())
}

func TestImage_FinishUploadStorageImage(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, core1_0.ImageUsageStorage|core1_0.ImageUsageTransferDst, 1, 1)
	recorder := dev.NewRecorder(0)

	require.NoError(t, image.PrepareToUpload(recorder, image.FullRange()))
	require.NoError(t, image.FinishUpload(recorder, image.FullRange(), device.QueueFamilyIgnored))
	requireState(t, image, 0, 0, core1_0.ImageLayoutGeneral, 0)
	require.Equal(t, 2, recorder.Count(devicetest.CommandPipelineBarrier))

	require.NoError(t, image.Release())
}

func TestImage_ViewCache(t *testing.T) {
	dev, ctx := readyContext(t)
	image := createImage(t, ctx, sampled, 3, 2)

	first, err := image.GetView(image.FullRange(), core1_0.ImageViewType2DArray)
	require.NoError(t, err)
	second, err := image.GetView(image.FullRange(), core1_0.ImageViewType2DArray)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, dev.LiveViews())

	layerView, err := image.GetView(subresource(1, 0), core1_0.ImageViewType2D)
	require.NoError(t, err)
	require.NotSame(t, first, layerView)
	require.Equal(t, 2, image.ViewCount())

	fake := layerView.(*devicetest.ImageView)
	require.Equal(t, image.Handle(), fake.Info.Image)
	require.Equal(t, subresource(1, 0), fake.Info.SubresourceRange)

	_, err = image.GetView(subresource(2, 0), core1_0.ImageViewType2D)
	require.True(t, errors.Is(err, resource.ErrSubresourceOutOfRange))

	require.NoError(t, image.Release())
	require.Equal(t, 0, dev.LiveViews())
	require.Equal(t, 0, image.ViewCount())
}

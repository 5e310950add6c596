package resource

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/memutils"
	"golang.org/x/exp/slices"
)

// mipRun is a run of consecutive mip levels in one layer that share their current state
type mipRun struct {
	baseMip   int
	mipCount  int
	old       SubresourceState
	newFamily int
}

// layerGroup is a run of consecutive layers whose mip runs are identical
type layerGroup struct {
	baseLayer  int
	layerCount int
	runs       []mipRun
}

// TransitionLayout records the barriers that move every subresource in rng to newLayout. Each
// subresource keeps its owning queue family, and subresources already in newLayout are skipped.
func (i *Image) TransitionLayout(cmd device.CommandRecorder, newLayout core1_0.ImageLayout, rng core1_0.ImageSubresourceRange) error {
	return i.transition(cmd, newLayout, rng, device.QueueFamilyIgnored, true)
}

// TransitionLayoutToFamily is TransitionLayout that also hands every subresource in rng to
// newQueueFamily. Subresources moving between two real families get an ownership transfer.
func (i *Image) TransitionLayoutToFamily(cmd device.CommandRecorder, newLayout core1_0.ImageLayout, rng core1_0.ImageSubresourceRange, newQueueFamily int) error {
	return i.transition(cmd, newLayout, rng, newQueueFamily, false)
}

// PrepareToUpload moves rng into the transfer destination layout, owned by the recording queue family
func (i *Image) PrepareToUpload(cmd device.CommandRecorder, rng core1_0.ImageSubresourceRange) error {
	return i.TransitionLayoutToFamily(cmd, core1_0.ImageLayoutTransferDstOptimal, rng, cmd.QueueFamily())
}

// FinishUpload moves rng into the layout shaders consume it in: shader-read-only for sampled images
// and general for storage-only images. If dstQueueFamily is a different real family than the
// recording one, ownership is released to it.
func (i *Image) FinishUpload(cmd device.CommandRecorder, rng core1_0.ImageSubresourceRange, dstQueueFamily int) error {
	if dstQueueFamily == device.QueueFamilyIgnored {
		dstQueueFamily = cmd.QueueFamily()
	}

	return i.TransitionLayoutToFamily(cmd, i.consumedLayout(), rng, dstQueueFamily)
}

func (i *Image) consumedLayout() core1_0.ImageLayout {
	if i.info.Usage&core1_0.ImageUsageStorage != 0 && i.info.Usage&core1_0.ImageUsageSampled == 0 {
		return core1_0.ImageLayoutGeneral
	}
	return core1_0.ImageLayoutShaderReadOnlyOptimal
}

func (i *Image) transition(
	cmd device.CommandRecorder,
	newLayout core1_0.ImageLayout,
	rng core1_0.ImageSubresourceRange,
	newFamily int,
	keepFamily bool,
) error {
	if i.released {
		return validationError(ErrReleased, "cannot transition image %q", i.name)
	}

	dst, ok := dstScope(newLayout)
	if !ok {
		return memutils.NewFatalResourceError("transition image "+i.name, errors.Wrapf(ErrUnsupportedLayout, "cannot transition into %s", newLayout))
	}

	err := i.states.checkRange(rng)
	if err != nil {
		return err
	}

	var groups []layerGroup
	for layer := rng.BaseArrayLayer; layer < rng.BaseArrayLayer+rng.LayerCount; layer++ {
		runs, err := i.changedRuns(layer, rng, newLayout, newFamily, keepFamily)
		if err != nil {
			return err
		}

		if len(groups) > 0 {
			last := &groups[len(groups)-1]
			if slices.Equal(last.runs, runs) {
				last.layerCount++
				continue
			}
		}
		groups = append(groups, layerGroup{baseLayer: layer, layerCount: 1, runs: runs})
	}

	var srcStages, dstStages core1_0.PipelineStageFlags
	var barriers []core1_0.ImageMemoryBarrier
	for _, group := range groups {
		for _, run := range group.runs {
			src, ok := srcScope(run.old.Layout, newLayout)
			if !ok {
				return memutils.NewFatalResourceError("transition image "+i.name, errors.Wrapf(ErrUnsupportedLayout, "cannot transition out of %s", run.old.Layout))
			}

			srcFamily, dstFamily := ownershipTransfer(run.old.QueueFamily, run.newFamily)
			barriers = append(barriers, core1_0.ImageMemoryBarrier{
				SrcAccessMask:       src.access,
				DstAccessMask:       dst.access,
				OldLayout:           run.old.Layout,
				NewLayout:           newLayout,
				SrcQueueFamilyIndex: srcFamily,
				DstQueueFamilyIndex: dstFamily,
				Image:               i.handle,
				SubresourceRange: core1_0.ImageSubresourceRange{
					AspectMask:     rng.AspectMask,
					BaseMipLevel:   run.baseMip,
					LevelCount:     run.mipCount,
					BaseArrayLayer: group.baseLayer,
					LayerCount:     group.layerCount,
				},
			})
			srcStages |= src.stages
			dstStages |= dst.stages
		}
	}

	if len(barriers) == 0 {
		return nil
	}

	err = cmd.CmdPipelineBarrier(srcStages, dstStages, nil, barriers)
	if err != nil {
		return errors.Wrapf(err, "failed to record layout transition for image %q", i.name)
	}

	// The barriers are in the command buffer, so the table may now reflect them
	for _, group := range groups {
		for layer := group.baseLayer; layer < group.baseLayer+group.layerCount; layer++ {
			for _, run := range group.runs {
				for mip := run.baseMip; mip < run.baseMip+run.mipCount; mip++ {
					state, _ := i.states.at(layer, mip)
					state.Layout = newLayout
					state.QueueFamily = run.newFamily
				}
			}
		}
	}

	i.ctx.logger.LogAttrs(context.Background(), slog.LevelDebug, "Image::Transition",
		slog.String("name", i.name),
		slog.String("layout", newLayout.String()),
		slog.Int("barriers", len(barriers)),
	)
	return nil
}

// changedRuns collects the mip runs of one layer that need a barrier to reach the requested state
func (i *Image) changedRuns(
	layer int,
	rng core1_0.ImageSubresourceRange,
	newLayout core1_0.ImageLayout,
	newFamily int,
	keepFamily bool,
) ([]mipRun, error) {
	var runs []mipRun
	for mip := rng.BaseMipLevel; mip < rng.BaseMipLevel+rng.LevelCount; mip++ {
		state, err := i.states.at(layer, mip)
		if err != nil {
			return nil, err
		}

		targetFamily := newFamily
		if keepFamily {
			targetFamily = state.QueueFamily
		}

		if state.Layout == newLayout && state.QueueFamily == targetFamily {
			continue
		}

		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if last.old == *state && last.baseMip+last.mipCount == mip {
				last.mipCount++
				continue
			}
		}

		runs = append(runs, mipRun{baseMip: mip, mipCount: 1, old: *state, newFamily: targetFamily})
	}

	return runs, nil
}

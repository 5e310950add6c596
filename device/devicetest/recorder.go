package devicetest

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/device"
)

type CommandKind int

const (
	CommandPipelineBarrier CommandKind = iota
	CommandCopyBuffer
	CommandCopyBufferToImage
)

// Command is one recorded command. Only the fields relevant to Kind are set.
type Command struct {
	Kind CommandKind

	SrcStageMask   core1_0.PipelineStageFlags
	DstStageMask   core1_0.PipelineStageFlags
	BufferBarriers []core1_0.BufferMemoryBarrier
	ImageBarriers  []core1_0.ImageMemoryBarrier

	Src          core1_0.Buffer
	DstBuffer    core1_0.Buffer
	DstImage     core1_0.Image
	DstLayout    core1_0.ImageLayout
	BufferCopies []core1_0.BufferCopy
	ImageCopies  []core1_0.BufferImageCopy
}

// Recorder is a device.CommandRecorder that keeps every command. Buffer-to-buffer copies between
// bound fake buffers are carried out immediately so tests can inspect the destination memory.
type Recorder struct {
	Family   int
	Commands []Command

	// FailBarriers makes CmdPipelineBarrier return an error without recording
	FailBarriers bool
}

var _ device.CommandRecorder = &Recorder{}

func (d *Device) NewRecorder(queueFamily int) *Recorder {
	return &Recorder{Family: queueFamily}
}

func (r *Recorder) QueueFamily() int {
	return r.Family
}

func (r *Recorder) CmdPipelineBarrier(
	srcStageMask, dstStageMask core1_0.PipelineStageFlags,
	bufferBarriers []core1_0.BufferMemoryBarrier,
	imageBarriers []core1_0.ImageMemoryBarrier,
) error {
	if r.FailBarriers {
		return errors.New("command buffer is not recording")
	}

	r.Commands = append(r.Commands, Command{
		Kind:           CommandPipelineBarrier,
		SrcStageMask:   srcStageMask,
		DstStageMask:   dstStageMask,
		BufferBarriers: append([]core1_0.BufferMemoryBarrier(nil), bufferBarriers...),
		ImageBarriers:  append([]core1_0.ImageMemoryBarrier(nil), imageBarriers...),
	})
	return nil
}

func (r *Recorder) CmdCopyBuffer(src, dst core1_0.Buffer, regions []core1_0.BufferCopy) error {
	srcBuffer, srcOk := src.(*Buffer)
	dstBuffer, dstOk := dst.(*Buffer)
	if srcOk && dstOk && srcBuffer.Memory != nil && dstBuffer.Memory != nil {
		srcBytes := srcBuffer.Memory.Bytes()
		dstBytes := dstBuffer.Memory.Bytes()
		for _, region := range regions {
			srcStart := srcBuffer.Offset + region.SrcOffset
			dstStart := dstBuffer.Offset + region.DstOffset
			copy(dstBytes[dstStart:dstStart+region.Size], srcBytes[srcStart:srcStart+region.Size])
		}
	}

	r.Commands = append(r.Commands, Command{
		Kind:         CommandCopyBuffer,
		Src:          src,
		DstBuffer:    dst,
		BufferCopies: append([]core1_0.BufferCopy(nil), regions...),
	})
	return nil
}

func (r *Recorder) CmdCopyBufferToImage(src core1_0.Buffer, dst core1_0.Image, layout core1_0.ImageLayout, regions []core1_0.BufferImageCopy) error {
	r.Commands = append(r.Commands, Command{
		Kind:        CommandCopyBufferToImage,
		Src:         src,
		DstImage:    dst,
		DstLayout:   layout,
		ImageCopies: append([]core1_0.BufferImageCopy(nil), regions...),
	})
	return nil
}

// Count returns how many commands of the given kind were recorded
func (r *Recorder) Count(kind CommandKind) int {
	count := 0
	for _, command := range r.Commands {
		if command.Kind == kind {
			count++
		}
	}
	return count
}

// ImageBarriers flattens the image barriers of every recorded pipeline barrier
func (r *Recorder) ImageBarriers() []core1_0.ImageMemoryBarrier {
	var barriers []core1_0.ImageMemoryBarrier
	for _, command := range r.Commands {
		if command.Kind == CommandPipelineBarrier {
			barriers = append(barriers, command.ImageBarriers...)
		}
	}
	return barriers
}

package loader

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/asset"
	"github.com/vkngwrapper/stockpile/bindless"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/resource"
	"github.com/vkngwrapper/stockpile/upload"
)

// ImageUploadTask fills the first mip level of every layer of a texture
type ImageUploadTask struct {
	asset  *asset.ImageAsset
	pixels []byte
	table  *bindless.Table
}

var _ upload.Task = &ImageUploadTask{}

// NewImageUploadTask uploads pixels, laid out layer after layer, into texture. Once the upload
// completes the texture is bound into table, if there is one, and marked ready. The task holds a
// reference to texture until it is released.
func NewImageUploadTask(texture *asset.ImageAsset, pixels []byte, table *bindless.Table) *ImageUploadTask {
	texture.Acquire()
	return &ImageUploadTask{
		asset:  texture,
		pixels: pixels,
		table:  table,
	}
}

func (t *ImageUploadTask) Asset() *asset.ImageAsset { return t.asset }
func (t *ImageUploadTask) UploadSize() int          { return len(t.pixels) }
func (t *ImageUploadTask) Release() error           { return t.asset.Release() }

func (t *ImageUploadTask) Destination() upload.Destination {
	return assetDestination{asset: t.asset, released: t.asset.Image().IsReleased}
}

func (t *ImageUploadTask) UploadDevice(stagingOffset int, staging []byte, cmd device.CommandRecorder, stagingBuffer *resource.Buffer) error {
	image := t.asset.Image()
	copy(staging, t.pixels)

	rng := image.FullRange()
	rng.LevelCount = 1

	err := image.PrepareToUpload(cmd, rng)
	if err != nil {
		return err
	}

	err = cmd.CmdCopyBufferToImage(stagingBuffer.Handle(), image.Handle(), core1_0.ImageLayoutTransferDstOptimal, []core1_0.BufferImageCopy{
		{
			BufferOffset: stagingOffset,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     rng.AspectMask,
				MipLevel:       0,
				BaseArrayLayer: 0,
				LayerCount:     rng.LayerCount,
			},
			ImageExtent: image.Extent(),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to record copy into image %q", image.Name())
	}

	return image.FinishUpload(cmd, rng, device.QueueFamilyIgnored)
}

func (t *ImageUploadTask) FinishCallback() error {
	t.pixels = nil

	if t.table != nil {
		err := t.asset.AssignBindless(t.table)
		if err != nil {
			return err
		}
	}

	t.asset.MarkReady()
	return nil
}

// MeshUploadTask fills a mesh's vertex buffer and, if it has one, its index buffer
type MeshUploadTask struct {
	asset    *asset.MeshAsset
	vertices []byte
	indices  []byte
	table    *bindless.Table
}

var _ upload.Task = &MeshUploadTask{}

// NewMeshUploadTask holds a reference to mesh until it is released
func NewMeshUploadTask(mesh *asset.MeshAsset, vertices, indices []byte, table *bindless.Table) *MeshUploadTask {
	mesh.Acquire()
	return &MeshUploadTask{
		asset:    mesh,
		vertices: vertices,
		indices:  indices,
		table:    table,
	}
}

func (t *MeshUploadTask) Asset() *asset.MeshAsset { return t.asset }
func (t *MeshUploadTask) Release() error          { return t.asset.Release() }

func (t *MeshUploadTask) UploadSize() int {
	return len(t.vertices) + len(t.indices)
}

func (t *MeshUploadTask) Destination() upload.Destination {
	return assetDestination{asset: t.asset, released: t.buffersReleased}
}

func (t *MeshUploadTask) buffersReleased() bool {
	if t.asset.Vertices().IsReleased() {
		return true
	}
	return t.asset.Indices() != nil && t.asset.Indices().IsReleased()
}

// assetDestination is released once nothing but the upload task references the asset, since then
// the cache it was loaded into has already let go of it
type assetDestination struct {
	asset    asset.Asset
	released func() bool
}

func (d assetDestination) Name() string { return string(d.asset.ID()) }

func (d assetDestination) IsReleased() bool {
	return d.asset.RefCount() <= 1 || d.released()
}

func (t *MeshUploadTask) UploadDevice(stagingOffset int, staging []byte, cmd device.CommandRecorder, stagingBuffer *resource.Buffer) error {
	err := uploadBuffer(cmd, stagingBuffer, stagingOffset, t.asset.Vertices(), t.vertices, staging)
	if err != nil || t.asset.Indices() == nil {
		return err
	}

	return uploadBuffer(cmd, stagingBuffer, stagingOffset+len(t.vertices), t.asset.Indices(), t.indices, staging[len(t.vertices):])
}

func uploadBuffer(cmd device.CommandRecorder, stagingBuffer *resource.Buffer, stagingOffset int, dst *resource.Buffer, data, staging []byte) error {
	copy(staging, data)

	err := dst.PrepareToUpload(cmd)
	if err != nil {
		return err
	}

	err = cmd.CmdCopyBuffer(stagingBuffer.Handle(), dst.Handle(), []core1_0.BufferCopy{
		{SrcOffset: stagingOffset, DstOffset: 0, Size: len(data)},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to record copy into buffer %q", dst.Name())
	}

	return dst.FinishUpload(cmd, device.QueueFamilyIgnored)
}

func (t *MeshUploadTask) FinishCallback() error {
	t.vertices = nil
	t.indices = nil

	if t.table != nil {
		err := t.asset.AssignBindless(t.table)
		if err != nil {
			return err
		}
	}

	t.asset.MarkReady()
	return nil
}

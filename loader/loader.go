package loader

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/asset"
	"github.com/vkngwrapper/stockpile/bindless"
	"github.com/vkngwrapper/stockpile/memutils"
	"github.com/vkngwrapper/stockpile/resource"
	"github.com/vkngwrapper/stockpile/upload"
	"golang.org/x/sync/errgroup"
)

// IndexSize is the size of one index. Meshes use 32-bit indices.
const IndexSize = 4

type TextureRequest struct {
	ID         asset.ID
	Data       []byte
	Persistent bool
	Fallback   asset.ID
	// GenerateSRGB stores the texture in an sRGB format so sampling it linearizes the colors
	GenerateSRGB bool
}

type MeshRequest struct {
	ID           asset.ID
	Vertices     []byte
	Indices      []byte
	VertexStride int
	Persistent   bool
	Fallback     asset.ID
}

type Config struct {
	Resources *resource.Context
	Uploader  *upload.Uploader
	Textures  *asset.Cache[*asset.ImageAsset]
	Meshes    *asset.Cache[*asset.MeshAsset]

	// TextureTable and BufferTable receive the bindless slots of loaded assets. Either may be nil.
	TextureTable *bindless.Table
	BufferTable  *bindless.Table

	// DecodeWorkers bounds the number of textures decoded at once. Zero selects GOMAXPROCS.
	DecodeWorkers int
}

// Loader creates assets in a loading state, registers them in their cache and hands their contents
// to the uploader
type Loader struct {
	logger *slog.Logger
	config Config
}

func New(logger *slog.Logger, config Config) *Loader {
	if config.DecodeWorkers <= 0 {
		config.DecodeWorkers = runtime.GOMAXPROCS(0)
	}

	return &Loader{
		logger: logger,
		config: config,
	}
}

type decoded struct {
	pixels *image.NRGBA
	err    error
}

func (l *Loader) decodeAll(ctx context.Context, requests []TextureRequest) []decoded {
	results := make([]decoded, len(requests))

	var group errgroup.Group
	group.SetLimit(l.config.DecodeWorkers)
	for index := range requests {
		index := index
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[index].err = err
				return nil
			}

			pixels, err := DecodeImage(bytes.NewReader(requests[index].Data))
			results[index] = decoded{pixels: pixels, err: err}
			return nil
		})
	}
	_ = group.Wait()

	return results
}

// LoadTextures decodes every request on the worker pool, then creates each texture, caches it as
// loading and queues its upload. The returned slice lines up with requests and holds nil for every
// request that failed. The error combines the failures.
func (l *Loader) LoadTextures(ctx context.Context, requests ...TextureRequest) ([]*asset.ImageAsset, error) {
	textures, tasks, err := l.prepareTextures(ctx, requests)
	l.config.Uploader.Enqueue(tasks...)
	return textures, err
}

// LoadTexturesImmediately is LoadTextures with the uploads submitted and waited on before it returns
func (l *Loader) LoadTexturesImmediately(ctx context.Context, requests ...TextureRequest) ([]*asset.ImageAsset, error) {
	textures, tasks, err := l.prepareTextures(ctx, requests)
	if len(tasks) == 0 {
		return textures, err
	}

	result, uploadErr := l.config.Uploader.ExecuteImmediately(tasks...)
	for _, taskErr := range result.Errors {
		uploadErr = errors.CombineErrors(uploadErr, taskErr)
	}
	return textures, errors.CombineErrors(err, uploadErr)
}

func (l *Loader) prepareTextures(ctx context.Context, requests []TextureRequest) ([]*asset.ImageAsset, []upload.Task, error) {
	l.logger.Debug("Loader::LoadTextures")

	decodedTextures := l.decodeAll(ctx, requests)

	textures := make([]*asset.ImageAsset, len(requests))
	var tasks []upload.Task
	var err error
	for index, request := range requests {
		if decodedTextures[index].err != nil {
			err = errors.CombineErrors(err, errors.Wrapf(decodedTextures[index].err, "texture %q", request.ID))
			continue
		}

		task, createErr := l.createTexture(request, decodedTextures[index].pixels)
		if createErr != nil {
			err = errors.CombineErrors(err, createErr)
			continue
		}

		textures[index] = task.Asset()
		tasks = append(tasks, task)
	}

	return textures, tasks, err
}

// createTexture caches a loading texture along with the task that uploads its pixels. The task
// takes its reference before the cache does, so the texture outlives a Remove racing the load.
func (l *Loader) createTexture(request TextureRequest, pixels *image.NRGBA) (*ImageUploadTask, error) {
	format := core1_0.FormatR8G8B8A8UnsignedNormalized
	if request.GenerateSRGB {
		format = core1_0.FormatR8G8B8A8SRGB
	}

	bounds := pixels.Bounds()
	img, err := resource.CreateImage(l.config.Resources, resource.ImageCreateInfo{
		Name: string(request.ID),
		Image: core1_0.ImageCreateInfo{
			ImageType:   core1_0.ImageType2D,
			Format:      format,
			Extent:      core1_0.Extent3D{Width: bounds.Dx(), Height: bounds.Dy(), Depth: 1},
			MipLevels:   1,
			ArrayLayers: 1,
			Tiling:      core1_0.ImageTilingOptimal,
			Usage:       core1_0.ImageUsageSampled | core1_0.ImageUsageTransferDst,
		},
		MemoryFlags: core1_0.MemoryPropertyDeviceLocal,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "texture %q", request.ID)
	}

	texture := asset.NewImageAsset(asset.ImageInfo{
		BaseInfo: asset.BaseInfo{
			ID:         request.ID,
			Persistent: request.Persistent,
			Fallback:   request.Fallback,
			Loading:    true,
		},
		Image: img,
	})

	task := NewImageUploadTask(texture, pixels.Pix, l.config.TextureTable)

	err = l.config.Textures.Insert(request.ID, texture)
	if err != nil {
		err = errors.CombineErrors(errors.Wrapf(err, "texture %q", request.ID), task.Release())
		return nil, errors.CombineErrors(err, texture.Release())
	}
	return task, nil
}

// LoadMeshes creates each mesh's buffers, caches it as loading and queues its upload. The returned
// slice lines up with requests and holds nil for every request that failed.
func (l *Loader) LoadMeshes(requests ...MeshRequest) ([]*asset.MeshAsset, error) {
	meshes, tasks, err := l.prepareMeshes(requests)
	l.config.Uploader.Enqueue(tasks...)
	return meshes, err
}

// LoadMeshesImmediately is LoadMeshes with the uploads submitted and waited on before it returns
func (l *Loader) LoadMeshesImmediately(requests ...MeshRequest) ([]*asset.MeshAsset, error) {
	meshes, tasks, err := l.prepareMeshes(requests)
	if len(tasks) == 0 {
		return meshes, err
	}

	result, uploadErr := l.config.Uploader.ExecuteImmediately(tasks...)
	for _, taskErr := range result.Errors {
		uploadErr = errors.CombineErrors(uploadErr, taskErr)
	}
	return meshes, errors.CombineErrors(err, uploadErr)
}

func (l *Loader) prepareMeshes(requests []MeshRequest) ([]*asset.MeshAsset, []upload.Task, error) {
	l.logger.Debug("Loader::LoadMeshes")

	meshes := make([]*asset.MeshAsset, len(requests))
	var tasks []upload.Task
	var err error
	for index, request := range requests {
		task, createErr := l.createMesh(request)
		if createErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(createErr, "mesh %q", request.ID))
			continue
		}

		meshes[index] = task.Asset()
		tasks = append(tasks, task)
	}

	return meshes, tasks, err
}

func (l *Loader) createMesh(request MeshRequest) (*MeshUploadTask, error) {
	if request.VertexStride <= 0 || len(request.Vertices) == 0 || len(request.Vertices)%request.VertexStride != 0 {
		return nil, memutils.ValidationErrorf("%d bytes of vertex data do not divide into vertices of %d bytes", len(request.Vertices), request.VertexStride)
	}
	if len(request.Indices)%IndexSize != 0 {
		return nil, memutils.ValidationErrorf("%d bytes of index data do not divide into %d-byte indices", len(request.Indices), IndexSize)
	}

	vertices, err := resource.CreateBuffer(l.config.Resources, resource.BufferCreateInfo{
		Name:        string(request.ID) + ".vertices",
		Usage:       core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageTransferDst,
		MemoryFlags: core1_0.MemoryPropertyDeviceLocal,
		Size:        len(request.Vertices),
	})
	if err != nil {
		return nil, err
	}

	var indices *resource.Buffer
	if len(request.Indices) > 0 {
		indices, err = resource.CreateBuffer(l.config.Resources, resource.BufferCreateInfo{
			Name:        string(request.ID) + ".indices",
			Usage:       core1_0.BufferUsageIndexBuffer | core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageTransferDst,
			MemoryFlags: core1_0.MemoryPropertyDeviceLocal,
			Size:        len(request.Indices),
		})
		if err != nil {
			return nil, errors.CombineErrors(err, vertices.Release())
		}
	}

	mesh := asset.NewMeshAsset(asset.MeshInfo{
		BaseInfo: asset.BaseInfo{
			ID:         request.ID,
			Persistent: request.Persistent,
			Fallback:   request.Fallback,
			Loading:    true,
		},
		Vertices:    vertices,
		Indices:     indices,
		VertexCount: len(request.Vertices) / request.VertexStride,
		IndexCount:  len(request.Indices) / IndexSize,
	})

	task := NewMeshUploadTask(mesh, request.Vertices, request.Indices, l.config.BufferTable)

	err = l.config.Meshes.Insert(request.ID, mesh)
	if err != nil {
		return nil, errors.CombineErrors(errors.CombineErrors(err, task.Release()), mesh.Release())
	}
	return task, nil
}

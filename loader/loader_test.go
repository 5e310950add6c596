package loader_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/alloc"
	"github.com/vkngwrapper/stockpile/asset"
	"github.com/vkngwrapper/stockpile/bindless"
	"github.com/vkngwrapper/stockpile/device/devicetest"
	"github.com/vkngwrapper/stockpile/loader"
	"github.com/vkngwrapper/stockpile/memutils"
	"github.com/vkngwrapper/stockpile/resource"
	"github.com/vkngwrapper/stockpile/upload"
)

type fixture struct {
	dev      *devicetest.Device
	uploader *upload.Uploader
	textures *asset.Cache[*asset.ImageAsset]
	meshes   *asset.Cache[*asset.MeshAsset]
	images   *bindless.Table
	buffers  *bindless.Table
	loader   *loader.Loader
}

func newFixture(t *testing.T) *fixture {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dev := devicetest.New(devicetest.DefaultOptions())

	allocator, err := alloc.New(logger, dev, alloc.CreateOptions{})
	require.NoError(t, err)

	ctx := resource.NewContext(logger, dev, allocator)
	uploader, err := upload.New(logger, ctx, upload.Options{})
	require.NoError(t, err)

	f := &fixture{
		dev:      dev,
		uploader: uploader,
		textures: asset.NewCache[*asset.ImageAsset](logger, "textures", asset.Options{Capacity: 64 * memutils.MiB}),
		meshes:   asset.NewCache[*asset.MeshAsset](logger, "meshes", asset.Options{Capacity: 64 * memutils.MiB}),
		images:   bindless.NewTable("textures", 16),
		buffers:  bindless.NewTable("buffers", 16),
	}
	f.loader = loader.New(logger, loader.Config{
		Resources:     ctx,
		Uploader:      uploader,
		Textures:      f.textures,
		Meshes:        f.meshes,
		TextureTable:  f.images,
		BufferTable:   f.buffers,
		DecodeWorkers: 2,
	})

	t.Cleanup(func() {
		require.NoError(t, f.textures.Clear())
		require.NoError(t, f.meshes.Clear())
		require.NoError(t, uploader.Destroy())
		require.NoError(t, allocator.Destroy())
		require.Equal(t, 0, dev.LiveAllocations())
	})
	return f
}

func (f *fixture) loadFallback(t *testing.T) *asset.ImageAsset {
	textures, err := f.loader.LoadTexturesImmediately(context.Background(), loader.TextureRequest{
		ID:         "white",
		Data:       encodePNG(t, checkerboard(1, 1)),
		Persistent: true,
	})
	require.NoError(t, err)
	require.False(t, textures[0].IsLoading())
	return textures[0]
}

func TestLoader_TextureEndToEnd(t *testing.T) {
	f := newFixture(t)
	white := f.loadFallback(t)

	// 50x50 texels at four bytes each
	textures, err := f.loader.LoadTextures(context.Background(), loader.TextureRequest{
		ID:       "bricks",
		Data:     encodePNG(t, checkerboard(50, 50)),
		Fallback: "white",
	})
	require.NoError(t, err)
	bricks := textures[0]
	require.True(t, bricks.IsLoading())
	require.Equal(t, 1, f.uploader.Pending())

	ready, ok := f.textures.GetReadyAsset("bricks")
	require.True(t, ok)
	require.Same(t, white, ready)

	recorder := f.dev.NewRecorder(0)
	result, err := f.uploader.Flush(recorder)
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Equal(t, 1, result.TaskCount())
	require.Equal(t, 10000, result.StagingBytes)

	require.Equal(t, 1, recorder.Count(devicetest.CommandCopyBufferToImage))
	require.Equal(t, 2, recorder.Count(devicetest.CommandPipelineBarrier))
	for _, command := range recorder.Commands {
		if command.Kind == devicetest.CommandCopyBufferToImage {
			require.Len(t, command.ImageCopies, 1)
			require.Equal(t, 0, command.ImageCopies[0].BufferOffset)
			require.Equal(t, core1_0.Extent3D{Width: 50, Height: 50, Depth: 1}, command.ImageCopies[0].ImageExtent)
			require.Equal(t, core1_0.ImageLayoutTransferDstOptimal, command.DstLayout)
		}
	}

	barriers := recorder.ImageBarriers()
	require.Len(t, barriers, 2)
	require.Equal(t, core1_0.ImageLayoutUndefined, barriers[0].OldLayout)
	require.Equal(t, core1_0.ImageLayoutTransferDstOptimal, barriers[0].NewLayout)
	require.Equal(t, core1_0.ImageLayoutTransferDstOptimal, barriers[1].OldLayout)
	require.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, barriers[1].NewLayout)

	require.True(t, bricks.IsLoading())
	require.Equal(t, bindless.Invalid, bricks.Slot())

	require.NoError(t, f.uploader.Complete(result))
	require.False(t, bricks.IsLoading())
	require.NotEqual(t, bindless.Invalid, bricks.Slot())

	ready, ok = f.textures.GetReadyAsset("bricks")
	require.True(t, ok)
	require.Same(t, bricks, ready)
}

func TestLoader_FailedDecodeDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	f.loadFallback(t)

	textures, err := f.loader.LoadTextures(context.Background(),
		loader.TextureRequest{ID: "broken", Data: []byte("garbage"), Fallback: "white"},
		loader.TextureRequest{ID: "bricks", Data: encodePNG(t, checkerboard(8, 8)), Fallback: "white", GenerateSRGB: true},
	)
	require.Error(t, err)
	require.Nil(t, textures[0])
	require.NotNil(t, textures[1])
	require.Equal(t, core1_0.FormatR8G8B8A8SRGB, textures[1].Image().Format())
	require.False(t, f.textures.Contains("broken"))
	require.Equal(t, 1, f.uploader.Pending())
}

func TestLoader_MissingFallbackReleasesTexture(t *testing.T) {
	f := newFixture(t)

	textures, err := f.loader.LoadTextures(context.Background(), loader.TextureRequest{
		ID:   "bricks",
		Data: encodePNG(t, checkerboard(8, 8)),
	})
	require.True(t, errors.Is(err, asset.ErrMissingFallback))
	require.Nil(t, textures[0])
	require.Equal(t, 0, f.dev.LiveImages())
	require.Equal(t, 0, f.uploader.Pending())
}

func TestLoader_CanceledContext(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	textures, err := f.loader.LoadTextures(ctx, loader.TextureRequest{
		ID:         "white",
		Data:       encodePNG(t, checkerboard(1, 1)),
		Persistent: true,
	})
	require.True(t, errors.Is(err, context.Canceled))
	require.Nil(t, textures[0])
}

func TestLoader_MeshImmediately(t *testing.T) {
	f := newFixture(t)

	vertices := make([]byte, 3*12)
	for i := range vertices {
		vertices[i] = byte(i)
	}
	indices := []byte{0, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0}

	meshes, err := f.loader.LoadMeshesImmediately(loader.MeshRequest{
		ID:           "triangle",
		Vertices:     vertices,
		Indices:      indices,
		VertexStride: 12,
		Persistent:   true,
	})
	require.NoError(t, err)

	triangle := meshes[0]
	require.False(t, triangle.IsLoading())
	require.Equal(t, 3, triangle.VertexCount())
	require.Equal(t, 3, triangle.IndexCount())
	require.NotEqual(t, bindless.Invalid, triangle.VertexSlot())
	require.NotEqual(t, bindless.Invalid, triangle.IndexSlot())
	require.Equal(t, 2, f.buffers.InUse())

	require.Len(t, f.dev.Immediate, 1)
	require.Equal(t, 2, f.dev.Immediate[0].Count(devicetest.CommandCopyBuffer))

	vertexBuffer := triangle.Vertices().Handle().(*devicetest.Buffer)
	require.Equal(t, vertices, vertexBuffer.Memory.Bytes()[vertexBuffer.Offset:vertexBuffer.Offset+len(vertices)])
	indexBuffer := triangle.Indices().Handle().(*devicetest.Buffer)
	require.Equal(t, indices, indexBuffer.Memory.Bytes()[indexBuffer.Offset:indexBuffer.Offset+len(indices)])
}

func TestLoader_MeshValidation(t *testing.T) {
	f := newFixture(t)

	meshes, err := f.loader.LoadMeshes(
		loader.MeshRequest{ID: "bad-stride", Vertices: make([]byte, 10), VertexStride: 12, Persistent: true},
		loader.MeshRequest{ID: "bad-indices", Vertices: make([]byte, 12), Indices: make([]byte, 6), VertexStride: 12, Persistent: true},
		loader.MeshRequest{ID: "points", Vertices: make([]byte, 24), VertexStride: 12, Persistent: true},
	)
	require.True(t, errors.Is(err, memutils.ErrValidation))
	require.Nil(t, meshes[0])
	require.Nil(t, meshes[1])
	require.NotNil(t, meshes[2])
	require.Nil(t, meshes[2].Indices())
	require.Equal(t, 1, f.uploader.Pending())
	// The static staging buffer and the vertex buffer of "points"
	require.Equal(t, 2, f.dev.LiveBuffers())
}

func TestLoader_RemovedWhileUploading(t *testing.T) {
	f := newFixture(t)

	_, err := f.loader.LoadMeshesImmediately(loader.MeshRequest{
		ID:           "cube",
		Vertices:     make([]byte, 8*12),
		Indices:      make([]byte, 36*loader.IndexSize),
		VertexStride: 12,
		Persistent:   true,
	})
	require.NoError(t, err)

	meshes, err := f.loader.LoadMeshes(loader.MeshRequest{
		ID:           "rock",
		Vertices:     make([]byte, 24*12),
		Indices:      make([]byte, 60*loader.IndexSize),
		VertexStride: 12,
		Fallback:     "cube",
	})
	require.NoError(t, err)
	rock := meshes[0]
	require.Equal(t, 2, rock.RefCount())

	result, err := f.uploader.Flush(f.dev.NewRecorder(0))
	require.NoError(t, err)
	require.Equal(t, 1, result.TaskCount())
	buffersInFlight := f.dev.LiveBuffers()

	removed, err := f.meshes.Remove("rock")
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, rock.Vertices().IsReleased())
	require.Equal(t, buffersInFlight, f.dev.LiveBuffers())

	err = f.uploader.Complete(result)
	require.True(t, errors.Is(err, upload.ErrDanglingDestination))
	require.True(t, rock.IsLoading())
	require.True(t, rock.Vertices().IsReleased())
	require.True(t, rock.Indices().IsReleased())
	require.Equal(t, buffersInFlight-2, f.dev.LiveBuffers())
	// Only the cube's vertex and index buffers are bound
	require.Equal(t, 2, f.buffers.InUse())
}

func TestLoader_TextureRemovedBeforeFlush(t *testing.T) {
	f := newFixture(t)
	f.loadFallback(t)

	_, err := f.loader.LoadTextures(context.Background(), loader.TextureRequest{
		ID:       "bricks",
		Data:     encodePNG(t, checkerboard(8, 8)),
		Fallback: "white",
	})
	require.NoError(t, err)
	require.Equal(t, 2, f.dev.LiveImages())

	removed, err := f.textures.Remove("bricks")
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 2, f.dev.LiveImages())

	result, err := f.uploader.Flush(f.dev.NewRecorder(0))
	require.NoError(t, err)
	require.Equal(t, 0, result.TaskCount())
	require.Len(t, result.Errors, 1)
	require.True(t, errors.Is(result.Errors[0], upload.ErrDanglingDestination))
	require.Equal(t, 1, f.dev.LiveImages())
	require.NoError(t, f.uploader.Complete(result))
}

// Package stockpile wires device memory allocation, GPU asset caches, bindless tables and the upload
// pipeline into a single Manager
package stockpile

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/stockpile/alloc"
	"github.com/vkngwrapper/stockpile/asset"
	"github.com/vkngwrapper/stockpile/bindless"
	"github.com/vkngwrapper/stockpile/device"
	"github.com/vkngwrapper/stockpile/loader"
	"github.com/vkngwrapper/stockpile/resource"
	"github.com/vkngwrapper/stockpile/upload"
)

type Manager struct {
	logger   *slog.Logger
	settings Settings

	allocator    *alloc.Allocator
	resources    *resource.Context
	uploader     *upload.Uploader
	textures     *asset.Cache[*asset.ImageAsset]
	meshes       *asset.Cache[*asset.MeshAsset]
	textureTable *bindless.Table
	bufferTable  *bindless.Table
	loader       *loader.Loader
}

func New(logger *slog.Logger, dev device.Device, settings Settings) (*Manager, error) {
	logger.Debug("Manager::New")

	err := settings.Validate()
	if err != nil {
		return nil, err
	}

	allocator, err := alloc.New(logger, dev, alloc.CreateOptions{
		PooledAllocationCeiling: settings.PooledAllocationCeiling,
		PreferredBlockSize:      settings.PreferredBlockSize,
		MaxBlocksPerType:        settings.MaxBlocksPerType,
		MemoryPriority:          settings.MemoryPriority,
	})
	if err != nil {
		return nil, err
	}

	resources := resource.NewContext(logger, dev, allocator)
	uploader, err := upload.New(logger, resources, upload.Options{StaticStagingSize: settings.StaticStagingSize})
	if err != nil {
		return nil, errors.CombineErrors(err, allocator.Destroy())
	}

	m := &Manager{
		logger:       logger,
		settings:     settings,
		allocator:    allocator,
		resources:    resources,
		uploader:     uploader,
		textures:     asset.NewCache[*asset.ImageAsset](logger, "textures", asset.Options(settings.TextureCache)),
		meshes:       asset.NewCache[*asset.MeshAsset](logger, "meshes", asset.Options(settings.MeshCache)),
		textureTable: bindless.NewTable("textures", settings.Bindless.Textures),
		bufferTable:  bindless.NewTable("buffers", settings.Bindless.Buffers),
	}
	m.loader = loader.New(logger, loader.Config{
		Resources:     resources,
		Uploader:      uploader,
		Textures:      m.textures,
		Meshes:        m.meshes,
		TextureTable:  m.textureTable,
		BufferTable:   m.bufferTable,
		DecodeWorkers: settings.DecodeWorkers,
	})
	return m, nil
}

func (m *Manager) Settings() Settings                        { return m.settings }
func (m *Manager) Allocator() *alloc.Allocator               { return m.allocator }
func (m *Manager) Resources() *resource.Context              { return m.resources }
func (m *Manager) Uploader() *upload.Uploader                { return m.uploader }
func (m *Manager) Textures() *asset.Cache[*asset.ImageAsset] { return m.textures }
func (m *Manager) Meshes() *asset.Cache[*asset.MeshAsset]    { return m.meshes }
func (m *Manager) TextureTable() *bindless.Table             { return m.textureTable }
func (m *Manager) BufferTable() *bindless.Table              { return m.bufferTable }

// LoadTexture decodes a texture, caches it as loading and queues its upload for the next Flush
func (m *Manager) LoadTexture(ctx context.Context, request loader.TextureRequest) (*asset.ImageAsset, error) {
	textures, err := m.loader.LoadTextures(ctx, request)
	return textures[0], err
}

// LoadMesh caches a mesh as loading and queues its upload for the next Flush
func (m *Manager) LoadMesh(request loader.MeshRequest) (*asset.MeshAsset, error) {
	meshes, err := m.loader.LoadMeshes(request)
	return meshes[0], err
}

// LoadEngineAssets loads persistent textures and meshes and waits for their uploads to finish.
// They are typically the fallbacks every later asset depends on.
func (m *Manager) LoadEngineAssets(ctx context.Context, textures []loader.TextureRequest, meshes []loader.MeshRequest) error {
	m.logger.Debug("Manager::LoadEngineAssets")

	textureRequests := make([]loader.TextureRequest, len(textures))
	for index, request := range textures {
		request.Persistent = true
		textureRequests[index] = request
	}
	meshRequests := make([]loader.MeshRequest, len(meshes))
	for index, request := range meshes {
		request.Persistent = true
		meshRequests[index] = request
	}

	var err error
	if len(textureRequests) > 0 {
		_, err = m.loader.LoadTexturesImmediately(ctx, textureRequests...)
	}
	if len(meshRequests) > 0 {
		_, meshErr := m.loader.LoadMeshesImmediately(meshRequests...)
		err = errors.CombineErrors(err, meshErr)
	}
	return err
}

// Flush records queued uploads into cmd. Pass the result to Complete once the submission has finished.
func (m *Manager) Flush(cmd device.CommandRecorder) (upload.FlushResult, error) {
	return m.uploader.Flush(cmd)
}

func (m *Manager) Complete(result upload.FlushResult) error {
	return m.uploader.Complete(result)
}

// Destroy drops every cached asset and then the uploader and allocator. Queued uploads are dropped
// and every FlushResult must already have been completed. Assets still referenced outside the caches
// are reported by the allocator as unreleased memory.
func (m *Manager) Destroy() error {
	m.logger.Debug("Manager::Destroy")

	err := m.textures.Clear()
	err = errors.CombineErrors(err, m.meshes.Clear())
	err = errors.CombineErrors(err, m.uploader.Destroy())
	return errors.CombineErrors(err, m.allocator.Destroy())
}

package stockpile

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/stockpile/memutils"
	"github.com/vkngwrapper/stockpile/upload"
	"gopkg.in/yaml.v3"
)

type CacheSettings struct {
	Capacity   uint64 `yaml:"capacity"`
	Elasticity uint64 `yaml:"elasticity"`
}

// BindlessSettings sizes the descriptor arrays assets are bound into
type BindlessSettings struct {
	Textures int `yaml:"textures"`
	Buffers  int `yaml:"buffers"`
}

// Settings configures a Manager. Zero values in the allocator fields fall back to the allocator's
// own defaults.
type Settings struct {
	PooledAllocationCeiling int     `yaml:"pooledAllocationCeiling"`
	PreferredBlockSize      int     `yaml:"preferredBlockSize"`
	MaxBlocksPerType        int     `yaml:"maxBlocksPerType"`
	MemoryPriority          float32 `yaml:"memoryPriority"`

	StaticStagingSize int `yaml:"staticStagingSize"`

	MeshCache    CacheSettings    `yaml:"meshCache"`
	TextureCache CacheSettings    `yaml:"textureCache"`
	Bindless     BindlessSettings `yaml:"bindless"`

	DecodeWorkers int `yaml:"decodeWorkers"`
}

func DefaultSettings() Settings {
	return Settings{
		StaticStagingSize: upload.DefaultStaticStagingSize,
		MeshCache: CacheSettings{
			Capacity:   256 * memutils.MiB,
			Elasticity: 32 * memutils.MiB,
		},
		TextureCache: CacheSettings{
			Capacity:   512 * memutils.MiB,
			Elasticity: 64 * memutils.MiB,
		},
		Bindless: BindlessSettings{
			Textures: 4096,
			Buffers:  8192,
		},
	}
}

// LoadSettings reads YAML settings on top of DefaultSettings. Keys that do not name a setting are
// an error.
func LoadSettings(r io.Reader) (Settings, error) {
	settings := DefaultSettings()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	err := decoder.Decode(&settings)
	if err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, errors.Wrap(err, "failed to parse settings")
	}

	return settings, settings.Validate()
}

func LoadSettingsFile(path string) (Settings, error) {
	file, err := os.Open(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "failed to open settings file %q", path)
	}
	defer file.Close()

	return LoadSettings(file)
}

func (s Settings) Validate() error {
	if s.PooledAllocationCeiling < 0 || s.PreferredBlockSize < 0 || s.MaxBlocksPerType < 0 {
		return memutils.ValidationErrorf("allocator settings may not be negative")
	}
	if s.MemoryPriority < 0 || s.MemoryPriority > 1 {
		return memutils.ValidationErrorf("memory priority %f is outside of [0, 1]", s.MemoryPriority)
	}
	if s.StaticStagingSize < 0 {
		return memutils.ValidationErrorf("static staging size %d may not be negative", s.StaticStagingSize)
	}
	if s.Bindless.Textures <= 0 || s.Bindless.Buffers <= 0 {
		return memutils.ValidationErrorf("bindless tables need at least one slot, got %d textures and %d buffers",
			s.Bindless.Textures, s.Bindless.Buffers)
	}
	if s.DecodeWorkers < 0 {
		return memutils.ValidationErrorf("decode workers %d may not be negative", s.DecodeWorkers)
	}
	return nil
}

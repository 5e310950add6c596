package asset

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/stockpile/memutils"
	"golang.org/x/exp/slices"
)

var (
	// ErrDuplicateAsset is returned when an id is inserted while another asset is cached under it.
	// The cached asset is left untouched.
	ErrDuplicateAsset = errors.New("asset id is already cached")
	// ErrCapacityExceeded is returned when a persistent asset would push the persistent total past
	// capacity plus elasticity
	ErrCapacityExceeded = errors.New("cache capacity exceeded")
	// ErrMissingFallback is returned when a loading, non-persistent asset is inserted without a ready
	// fallback in the cache
	ErrMissingFallback = errors.New("loading asset has no ready fallback")
)

type Options struct {
	// Capacity is the number of bytes the cache aims to stay under
	Capacity uint64
	// Elasticity is how far past Capacity the cache may go before it must act
	Elasticity uint64
}

type entry[T Asset] struct {
	asset    T
	lastUsed uint64
}

// Cache maps ids to reference-counted assets. Persistent assets are never evicted; transient assets
// are reclaimed least recently used first once nothing outside the cache references them.
//
// The cache's mutex protects only its own bookkeeping. Assets are destroyed after it is released.
type Cache[T Asset] struct {
	logger     *slog.Logger
	name       string
	capacity   uint64
	elasticity uint64

	mutex           sync.Mutex
	entries         *swiss.Map[ID, *entry[T]]
	persistentBytes uint64
	transientBytes  uint64
	clock           uint64
}

func NewCache[T Asset](logger *slog.Logger, name string, options Options) *Cache[T] {
	return &Cache[T]{
		logger:     logger,
		name:       name,
		capacity:   options.Capacity,
		elasticity: options.Elasticity,
		entries:    swiss.NewMap[ID, *entry[T]](64),
	}
}

func (c *Cache[T]) Name() string { return c.name }

// limit is the bound neither persistent nor transient bytes may stay above
func (c *Cache[T]) limit() uint64 {
	return c.capacity + c.elasticity
}

func (c *Cache[T]) touch(e *entry[T]) {
	c.clock++
	e.lastUsed = c.clock
}

func (c *Cache[T]) Contains(id ID) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, ok := c.entries.Get(id)
	return ok
}

func (c *Cache[T]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.entries.Count()
}

func (c *Cache[T]) PersistentAssetSize() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.persistentBytes
}

func (c *Cache[T]) TransientAssetSize() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.transientBytes
}

// Insert hands the caller's reference to asset over to the cache. On error the caller keeps it.
func (c *Cache[T]) Insert(id ID, asset T) error {
	c.logger.Debug("Cache::Insert")

	if asset.ID() != id {
		return memutils.ValidationErrorf("asset %q cannot be cached under id %q", asset.ID(), id)
	}

	evicted, err := c.insertWithLock(id, asset)
	if err != nil {
		return err
	}

	return c.releaseEvicted(evicted)
}

func (c *Cache[T]) insertWithLock(id ID, asset T) ([]T, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.entries.Get(id); exists {
		return nil, errors.Wrapf(ErrDuplicateAsset, "cache %q, id %q", c.name, id)
	}

	size := asset.Size()
	if asset.IsPersistent() {
		if c.persistentBytes+size > c.limit() {
			return nil, errors.Wrapf(ErrCapacityExceeded, "cache %q holds %d persistent bytes, inserting %q adds %d more, the limit is %d",
				c.name, c.persistentBytes, id, size, c.limit())
		}
	} else if asset.IsLoading() {
		fallbackID, hasFallback := asset.Fallback()
		var fallback *entry[T]
		if hasFallback {
			fallback, hasFallback = c.entries.Get(fallbackID)
		}
		if !hasFallback || fallback.asset.IsLoading() {
			return nil, errors.Wrapf(ErrMissingFallback, "cache %q, id %q, fallback %q", c.name, id, fallbackID)
		}
	}

	e := &entry[T]{asset: asset}
	c.touch(e)
	c.entries.Put(id, e)

	if asset.IsPersistent() {
		c.persistentBytes += size
		return nil, nil
	}

	c.transientBytes += size
	if c.transientBytes > c.limit() {
		return c.reclaimWithLock(c.capacity), nil
	}
	return nil, nil
}

// TryGet returns the asset cached under id, whether or not it has finished loading
func (c *Cache[T]) TryGet(id ID) (T, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.entries.Get(id)
	if !ok {
		var zero T
		return zero, false
	}

	c.touch(e)
	return e.asset, true
}

// GetReadyAsset resolves id to something that can be drawn: the asset itself once it has loaded,
// otherwise its fallback. It fails if neither is ready.
func (c *Cache[T]) GetReadyAsset(id ID) (T, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var zero T
	e, ok := c.entries.Get(id)
	if !ok {
		return zero, false
	}
	c.touch(e)

	if !e.asset.IsLoading() {
		return e.asset, true
	}

	fallbackID, ok := e.asset.Fallback()
	if !ok {
		return zero, false
	}

	fallback, ok := c.entries.Get(fallbackID)
	if !ok || fallback.asset.IsLoading() {
		return zero, false
	}

	c.touch(fallback)
	return fallback.asset, true
}

// Acquire is TryGet that also takes a reference for the caller, who must Release it
func (c *Cache[T]) Acquire(id ID) (T, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.entries.Get(id)
	if !ok {
		var zero T
		return zero, false
	}

	c.touch(e)
	e.asset.Acquire()
	return e.asset, true
}

// Remove drops the cache's reference to the asset under id
func (c *Cache[T]) Remove(id ID) (bool, error) {
	c.mutex.Lock()
	e, ok := c.entries.Get(id)
	if ok {
		c.removeWithLock(id, e)
	}
	c.mutex.Unlock()

	if !ok {
		return false, nil
	}
	return true, e.asset.Release()
}

func (c *Cache[T]) removeWithLock(id ID, e *entry[T]) {
	c.entries.Delete(id)
	if e.asset.IsPersistent() {
		c.persistentBytes -= e.asset.Size()
	} else {
		c.transientBytes -= e.asset.Size()
	}
}

// Clear drops the cache's reference to every asset
func (c *Cache[T]) Clear() error {
	c.logger.Debug("Cache::Clear")

	c.mutex.Lock()
	assets := make([]T, 0, c.entries.Count())
	c.entries.Iter(func(_ ID, e *entry[T]) bool {
		assets = append(assets, e.asset)
		return false
	})
	c.entries = swiss.NewMap[ID, *entry[T]](64)
	c.persistentBytes = 0
	c.transientBytes = 0
	c.mutex.Unlock()

	return c.releaseEvicted(assets)
}

// Reclaim evicts transient assets, least recently used first, until transient bytes are at or below
// targetBytes. Only ready assets that nothing outside the cache references and that no loading asset
// falls back on are candidates. It returns the number of evicted assets.
func (c *Cache[T]) Reclaim(targetBytes uint64) (int, error) {
	c.mutex.Lock()
	evicted := c.reclaimWithLock(targetBytes)
	c.mutex.Unlock()

	return len(evicted), c.releaseEvicted(evicted)
}

func (c *Cache[T]) reclaimWithLock(targetBytes uint64) []T {
	if c.transientBytes <= targetBytes {
		return nil
	}

	pinned := make(map[ID]struct{})
	c.entries.Iter(func(_ ID, e *entry[T]) bool {
		if e.asset.IsLoading() {
			if fallbackID, ok := e.asset.Fallback(); ok {
				pinned[fallbackID] = struct{}{}
			}
		}
		return false
	})

	var candidates []*entry[T]
	c.entries.Iter(func(id ID, e *entry[T]) bool {
		_, isPinned := pinned[id]
		if !isPinned && !e.asset.IsPersistent() && !e.asset.IsLoading() && e.asset.RefCount() == 1 {
			candidates = append(candidates, e)
		}
		return false
	})

	slices.SortFunc(candidates, func(a, b *entry[T]) bool {
		return a.lastUsed < b.lastUsed
	})

	var evicted []T
	for _, candidate := range candidates {
		if c.transientBytes <= targetBytes {
			break
		}

		c.removeWithLock(candidate.asset.ID(), candidate)
		evicted = append(evicted, candidate.asset)
	}

	if len(evicted) > 0 {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Reclaimed assets",
			slog.String("cache", c.name),
			slog.Int("count", len(evicted)),
			slog.Uint64("transientBytes", c.transientBytes),
		)
	}
	return evicted
}

func (c *Cache[T]) releaseEvicted(assets []T) error {
	var err error
	for _, asset := range assets {
		releaseErr := asset.Release()
		if releaseErr != nil {
			c.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release asset",
				slog.String("cache", c.name),
				slog.String("id", string(asset.ID())),
				slog.Any("error", releaseErr),
			)
			err = errors.CombineErrors(err, releaseErr)
		}
	}
	return err
}

// BuildStatsString produces a JSON summary of the cache and, if detailed is set, every entry in it
func (c *Cache[T]) BuildStatsString(detailed bool) string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Name").String(c.name)
	obj.Name("Capacity").Int(int(c.capacity))
	obj.Name("Elasticity").Int(int(c.elasticity))
	obj.Name("PersistentBytes").Int(int(c.persistentBytes))
	obj.Name("TransientBytes").Int(int(c.transientBytes))
	obj.Name("Count").Int(c.entries.Count())

	if detailed {
		ids := make([]ID, 0, c.entries.Count())
		c.entries.Iter(func(id ID, _ *entry[T]) bool {
			ids = append(ids, id)
			return false
		})
		slices.Sort(ids)

		arr := obj.Name("Assets").Array()
		for _, id := range ids {
			e, _ := c.entries.Get(id)

			assetObj := arr.Object()
			assetObj.Name("ID").String(string(id))
			assetObj.Name("Size").Int(int(e.asset.Size()))
			assetObj.Name("Persistent").Bool(e.asset.IsPersistent())
			assetObj.Name("Loading").Bool(e.asset.IsLoading())
			assetObj.Name("References").Int(e.asset.RefCount())
			if fallback, ok := e.asset.Fallback(); ok {
				assetObj.Name("Fallback").String(string(fallback))
			}
			assetObj.End()
		}
		arr.End()
	}

	obj.End()
	return string(writer.Bytes())
}

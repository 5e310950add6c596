// Package asset holds GPU-resident meshes and textures and the caches that own them
package asset

import (
	"sync/atomic"

	"github.com/vkngwrapper/stockpile/memutils"
)

// ID is the stable identifier an asset is cached under
type ID string

// Asset is the capability every cached GPU asset provides
type Asset interface {
	ID() ID
	// IsLoading reports whether the asset's upload is still outstanding
	IsLoading() bool
	IsPersistent() bool
	// Fallback is the id of the asset to draw while this one is loading
	Fallback() (ID, bool)
	// Size is the number of bytes of device memory the asset occupies
	Size() uint64

	Acquire()
	// Release drops one reference and destroys the asset's GPU resources when it was the last one
	Release() error
	RefCount() int
}

// Base implements the bookkeeping half of Asset. A new Base holds a single reference that belongs to
// its creator.
type Base struct {
	id         ID
	persistent bool
	fallback   ID
	size       uint64

	loading atomic.Bool
	refs    atomic.Int32
	destroy func() error
}

type BaseInfo struct {
	ID         ID
	Persistent bool
	// Fallback is empty for assets that have none
	Fallback ID
	Loading  bool
}

func newBase(info BaseInfo, size uint64, destroy func() error) *Base {
	base := &Base{
		id:         info.ID,
		persistent: info.Persistent,
		fallback:   info.Fallback,
		size:       size,
		destroy:    destroy,
	}
	base.loading.Store(info.Loading)
	base.refs.Store(1)
	return base
}

// NewBase builds the shared state of an Asset implemented outside this package. destroy runs when
// the last reference is released.
func NewBase(info BaseInfo, size uint64, destroy func() error) *Base {
	return newBase(info, size, destroy)
}

func (b *Base) ID() ID             { return b.id }
func (b *Base) IsLoading() bool    { return b.loading.Load() }
func (b *Base) IsPersistent() bool { return b.persistent }
func (b *Base) Size() uint64       { return b.size }
func (b *Base) RefCount() int      { return int(b.refs.Load()) }

func (b *Base) Fallback() (ID, bool) {
	return b.fallback, b.fallback != ""
}

// MarkReady clears the loading flag. Consumers resolving through Cache.GetReadyAsset see the asset
// itself from then on.
func (b *Base) MarkReady() {
	b.loading.Store(false)
}

func (b *Base) Acquire() {
	b.refs.Add(1)
}

func (b *Base) Release() error {
	refs := b.refs.Add(-1)
	if refs < 0 {
		b.refs.Add(1)
		return memutils.ValidationErrorf("asset %q was released more times than it was acquired", b.id)
	}
	if refs > 0 || b.destroy == nil {
		return nil
	}

	return b.destroy()
}

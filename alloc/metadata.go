package alloc

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/stockpile/memutils"
)

type regionHandle uint64

const noRegionHandle regionHandle = 0

// region is a contiguous byte range of a block, either free or owned by exactly one allocation.
// Regions form a doubly linked list ordered by offset and two free regions are never adjacent.
type region struct {
	offset     int
	size       int
	handle     regionHandle
	allocation *Allocation

	prev *region
	next *region
}

func (r *region) isFree() bool {
	return r.handle == noRegionHandle
}

type allocationRequest struct {
	region *region
	offset int
	size   int
}

// freeListMetadata tracks which parts of a block are in use
type freeListMetadata struct {
	size            int
	sumFreeSize     int
	allocationCount int

	head       *region
	handles    *swiss.Map[regionHandle, *region]
	nextHandle regionHandle
}

var _ memutils.Validatable = &freeListMetadata{}

func newFreeListMetadata(size int) *freeListMetadata {
	return &freeListMetadata{
		size:        size,
		sumFreeSize: size,
		head:        &region{offset: 0, size: size},
		handles:     swiss.NewMap[regionHandle, *region](16),
		nextHandle:  1,
	}
}

func (m *freeListMetadata) Size() int            { return m.size }
func (m *freeListMetadata) SumFreeSize() int     { return m.sumFreeSize }
func (m *freeListMetadata) AllocationCount() int { return m.allocationCount }
func (m *freeListMetadata) IsEmpty() bool        { return m.allocationCount == 0 }

// CreateAllocationRequest finds room for size bytes at the given alignment without modifying the
// metadata. The request is only valid until the next Alloc or Free.
func (m *freeListMetadata) CreateAllocationRequest(size, alignment int, placement Placement) (allocationRequest, bool) {
	if size <= 0 || size > m.sumFreeSize {
		return allocationRequest{}, false
	}

	var best allocationRequest
	found := false

	for r := m.head; r != nil; r = r.next {
		if !r.isFree() || r.size < size {
			continue
		}

		alignedOffset := memutils.AlignUp(r.offset, alignment)
		padding := alignedOffset - r.offset
		if padding+size > r.size {
			continue
		}

		if placement == PlacementFirstFit {
			return allocationRequest{region: r, offset: alignedOffset, size: size}, true
		}

		if !found || r.size < best.region.size {
			best = allocationRequest{region: r, offset: alignedOffset, size: size}
			found = true
		}
	}

	return best, found
}

// Alloc commits a request returned from CreateAllocationRequest and returns the handle of the new
// allocated region
func (m *freeListMetadata) Alloc(request allocationRequest, allocation *Allocation) regionHandle {
	r := request.region
	memutils.DebugAssert(r != nil && r.isFree(), "allocation request does not point to a free region")

	padding := request.offset - r.offset
	if padding > 0 {
		before := &region{offset: r.offset, size: padding, prev: r.prev, next: r}
		if r.prev != nil {
			r.prev.next = before
		} else {
			m.head = before
		}
		r.prev = before
		r.offset = request.offset
		r.size -= padding
	}

	if r.size > request.size {
		after := &region{offset: r.offset + request.size, size: r.size - request.size, prev: r, next: r.next}
		if r.next != nil {
			r.next.prev = after
		}
		r.next = after
		r.size = request.size
	}

	r.handle = m.nextHandle
	m.nextHandle++
	r.allocation = allocation
	m.handles.Put(r.handle, r)

	m.sumFreeSize -= r.size
	m.allocationCount++

	return r.handle
}

// Free returns the region owned by handle to the free list and merges it with free neighbors
func (m *freeListMetadata) Free(handle regionHandle) error {
	r, ok := m.handles.Get(handle)
	if !ok {
		return errors.Newf("no allocated region exists for handle %d", handle)
	}
	m.handles.Delete(handle)

	r.handle = noRegionHandle
	r.allocation = nil
	m.sumFreeSize += r.size
	m.allocationCount--

	if r.next != nil && r.next.isFree() {
		m.mergeWithNext(r)
	}
	if r.prev != nil && r.prev.isFree() {
		m.mergeWithNext(r.prev)
	}

	return nil
}

func (m *freeListMetadata) mergeWithNext(r *region) {
	next := r.next
	r.size += next.size
	r.next = next.next
	if next.next != nil {
		next.next.prev = r
	}
}

func (m *freeListMetadata) AllocationOffset(handle regionHandle) (int, error) {
	r, ok := m.handles.Get(handle)
	if !ok {
		return 0, errors.Newf("no allocated region exists for handle %d", handle)
	}
	return r.offset, nil
}

// VisitAllRegions calls visit for every region in offset order. allocation is nil for free regions.
func (m *freeListMetadata) VisitAllRegions(visit func(offset, size int, allocation *Allocation) error) error {
	for r := m.head; r != nil; r = r.next {
		err := visit(r.offset, r.size, r.allocation)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *freeListMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for r := m.head; r != nil; r = r.next {
		if r.isFree() {
			stats.AddUnusedRange(r.size)
		} else {
			stats.AddAllocation(r.size)
		}
	}
}

func (m *freeListMetadata) PrintJson(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.sumFreeSize)
	json.Name("Allocations").Int(m.allocationCount)
}

func (m *freeListMetadata) Validate() error {
	offset := 0
	freeSize := 0
	allocationCount := 0
	var prev *region

	for r := m.head; r != nil; r = r.next {
		if r.prev != prev {
			return errors.Newf("region at offset %d has a broken back link", r.offset)
		}
		if r.offset != offset {
			return errors.Newf("region at offset %d should begin at offset %d", r.offset, offset)
		}
		if r.size <= 0 {
			return errors.Newf("region at offset %d has invalid size %d", r.offset, r.size)
		}

		if r.isFree() {
			if prev != nil && prev.isFree() {
				return errors.Newf("free regions at offsets %d and %d were not merged", prev.offset, r.offset)
			}
			if r.allocation != nil {
				return errors.Newf("free region at offset %d still points to an allocation", r.offset)
			}
			freeSize += r.size
		} else {
			indexed, ok := m.handles.Get(r.handle)
			if !ok || indexed != r {
				return errors.Newf("allocated region at offset %d is missing from the handle map", r.offset)
			}
			allocationCount++
		}

		offset += r.size
		prev = r
	}

	if offset != m.size {
		return errors.Newf("regions cover %d bytes but the block is %d bytes", offset, m.size)
	}
	if freeSize != m.sumFreeSize {
		return errors.Newf("free regions sum to %d bytes but %d are recorded", freeSize, m.sumFreeSize)
	}
	if allocationCount != m.allocationCount || m.handles.Count() != allocationCount {
		return errors.Newf("found %d allocated regions but %d are recorded", allocationCount, m.allocationCount)
	}

	return nil
}

package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeListMetadata_AllocAndCoalesce(t *testing.T) {
	md := newFreeListMetadata(1024)
	require.NoError(t, md.Validate())

	var allocs [3]Allocation
	var handles [3]regionHandle
	for i := range allocs {
		request, found := md.CreateAllocationRequest(256, 64, PlacementFirstFit)
		require.True(t, found)
		require.Equal(t, i*256, request.offset)

		handles[i] = md.Alloc(request, &allocs[i])
		require.NoError(t, md.Validate())
	}

	require.Equal(t, 3, md.AllocationCount())
	require.Equal(t, 256, md.SumFreeSize())

	// Free the middle, then the first: the two must merge into a single region
	require.NoError(t, md.Free(handles[1]))
	require.NoError(t, md.Validate())
	require.NoError(t, md.Free(handles[0]))
	require.NoError(t, md.Validate())

	var regions []int
	_ = md.VisitAllRegions(func(offset, size int, allocation *Allocation) error {
		regions = append(regions, size)
		return nil
	})
	require.Equal(t, []int{512, 256, 256}, regions)

	require.NoError(t, md.Free(handles[2]))
	require.NoError(t, md.Validate())
	require.True(t, md.IsEmpty())
	require.Equal(t, 1024, md.SumFreeSize())

	regions = regions[:0]
	_ = md.VisitAllRegions(func(offset, size int, allocation *Allocation) error {
		regions = append(regions, size)
		return nil
	})
	require.Equal(t, []int{1024}, regions)
}

func TestFreeListMetadata_AlignmentPadding(t *testing.T) {
	md := newFreeListMetadata(1024)

	var first, second Allocation
	request, found := md.CreateAllocationRequest(10, 1, PlacementBestFit)
	require.True(t, found)
	md.Alloc(request, &first)

	request, found = md.CreateAllocationRequest(100, 256, PlacementBestFit)
	require.True(t, found)
	require.Equal(t, 256, request.offset)
	handle := md.Alloc(request, &second)
	require.NoError(t, md.Validate())

	offset, err := md.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, 256, offset)
	require.Equal(t, 1024-110, md.SumFreeSize())
}

func TestFreeListMetadata_BestFitPrefersSmallestHole(t *testing.T) {
	md := newFreeListMetadata(1000)

	var allocs [4]Allocation
	sizes := []int{300, 100, 150, 450}
	handles := make([]regionHandle, len(sizes))
	for i, size := range sizes {
		request, found := md.CreateAllocationRequest(size, 1, PlacementFirstFit)
		require.True(t, found)
		handles[i] = md.Alloc(request, &allocs[i])
	}

	// Holes of 300 at offset 0 and 150 at offset 400
	require.NoError(t, md.Free(handles[0]))
	require.NoError(t, md.Free(handles[2]))
	require.NoError(t, md.Validate())

	request, found := md.CreateAllocationRequest(120, 1, PlacementFirstFit)
	require.True(t, found)
	require.Equal(t, 0, request.offset)

	request, found = md.CreateAllocationRequest(120, 1, PlacementBestFit)
	require.True(t, found)
	require.Equal(t, 400, request.offset)

	require.NoError(t, md.Free(handles[1]))
	require.NoError(t, md.Validate())
	require.Equal(t, 550, md.SumFreeSize())

	_, found = md.CreateAllocationRequest(1000, 1, PlacementBestFit)
	require.False(t, found)
}

func TestFreeListMetadata_RejectsUnknownHandle(t *testing.T) {
	md := newFreeListMetadata(128)

	require.Error(t, md.Free(42))
	_, err := md.AllocationOffset(42)
	require.Error(t, err)
}

func TestFreeListMetadata_NoRoom(t *testing.T) {
	md := newFreeListMetadata(128)

	_, found := md.CreateAllocationRequest(129, 1, PlacementBestFit)
	require.False(t, found)
	_, found = md.CreateAllocationRequest(0, 1, PlacementBestFit)
	require.False(t, found)
	_, found = md.CreateAllocationRequest(100, 64, PlacementBestFit)
	require.True(t, found)
	_, found = md.CreateAllocationRequest(100, 128, PlacementBestFit)
	require.True(t, found)
}

package asset

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/stockpile/bindless"
	"github.com/vkngwrapper/stockpile/resource"
)

type MeshInfo struct {
	BaseInfo
	Vertices    *resource.Buffer
	Indices     *resource.Buffer
	VertexCount int
	IndexCount  int
}

// MeshAsset is a vertex buffer and an index buffer, each with its own bindless slot once bound
type MeshAsset struct {
	*Base

	vertices    *resource.Buffer
	indices     *resource.Buffer
	vertexCount int
	indexCount  int

	table      atomic.Pointer[bindless.Table]
	vertexSlot atomic.Uint32
	indexSlot  atomic.Uint32
}

var _ Asset = &MeshAsset{}

// NewMeshAsset takes ownership of both buffers. They are released with the asset's last reference.
func NewMeshAsset(info MeshInfo) *MeshAsset {
	mesh := &MeshAsset{
		vertices:    info.Vertices,
		indices:     info.Indices,
		vertexCount: info.VertexCount,
		indexCount:  info.IndexCount,
	}
	mesh.vertexSlot.Store(bindless.Invalid)
	mesh.indexSlot.Store(bindless.Invalid)

	size := uint64(info.Vertices.Allocation().Size())
	if info.Indices != nil {
		size += uint64(info.Indices.Allocation().Size())
	}
	mesh.Base = newBase(info.BaseInfo, size, mesh.destroy)
	return mesh
}

func (m *MeshAsset) Vertices() *resource.Buffer { return m.vertices }
func (m *MeshAsset) Indices() *resource.Buffer  { return m.indices }
func (m *MeshAsset) VertexCount() int           { return m.vertexCount }
func (m *MeshAsset) IndexCount() int            { return m.indexCount }
func (m *MeshAsset) VertexSlot() uint32         { return m.vertexSlot.Load() }
func (m *MeshAsset) IndexSlot() uint32          { return m.indexSlot.Load() }

// AssignBindless acquires a slot for each buffer and records one descriptor write per slot
func (m *MeshAsset) AssignBindless(table *bindless.Table) error {
	if m.vertexSlot.Load() != bindless.Invalid {
		return errors.Newf("mesh %q already has bindless slots", m.ID())
	}

	vertexSlot, err := table.Acquire()
	if err != nil {
		return err
	}

	indexSlot := bindless.Invalid
	if m.indices != nil {
		indexSlot, err = table.Acquire()
		if err != nil {
			return errors.CombineErrors(err, table.Free(vertexSlot))
		}
	}

	err = table.WriteBuffer(vertexSlot, m.vertices.Handle(), 0, m.vertices.Size())
	if err == nil && m.indices != nil {
		err = table.WriteBuffer(indexSlot, m.indices.Handle(), 0, m.indices.Size())
	}
	if err != nil {
		err = errors.CombineErrors(err, table.Free(vertexSlot))
		if indexSlot != bindless.Invalid {
			err = errors.CombineErrors(err, table.Free(indexSlot))
		}
		return err
	}

	m.table.Store(table)
	m.vertexSlot.Store(vertexSlot)
	m.indexSlot.Store(indexSlot)
	return nil
}

func (m *MeshAsset) destroy() error {
	var err error
	if table := m.table.Load(); table != nil {
		err = table.Free(m.vertexSlot.Swap(bindless.Invalid))
		if indexSlot := m.indexSlot.Swap(bindless.Invalid); indexSlot != bindless.Invalid {
			err = errors.CombineErrors(err, table.Free(indexSlot))
		}
	}

	err = errors.CombineErrors(err, m.vertices.Release())
	if m.indices != nil {
		err = errors.CombineErrors(err, m.indices.Release())
	}
	return err
}

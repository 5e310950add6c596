// Package bindless hands out slots in shader-indexed descriptor arrays and records the descriptor
// writes the renderer must apply to them
package bindless

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/stockpile/memutils"
)

// Invalid is the slot of an asset that has not been bound yet
const Invalid = ^uint32(0)

// ErrTableFull is returned from Acquire when every slot is in use
var ErrTableFull = errors.New("bindless table is full")

type WriteKind uint8

const (
	WriteBuffer WriteKind = iota + 1
	WriteImage
)

// Write is one pending descriptor update. Every call to WriteBuffer or WriteImage produces its own
// record, so two writes recorded back to back never share state.
type Write struct {
	Kind WriteKind
	Slot uint32

	Buffer core1_0.Buffer
	Offset int
	Range  int

	ImageView   core1_0.ImageView
	ImageLayout core1_0.ImageLayout
}

// Table is one descriptor array. Freed slots are reused most recent first.
type Table struct {
	name     string
	capacity int

	mutex  sync.Mutex
	next   uint32
	free   []uint32
	inUse  map[uint32]struct{}
	writes []Write
}

func NewTable(name string, capacity int) *Table {
	return &Table{
		name:     name,
		capacity: capacity,
		inUse:    make(map[uint32]struct{}),
	}
}

func (t *Table) Name() string  { return t.name }
func (t *Table) Capacity() int { return t.capacity }

func (t *Table) InUse() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.inUse)
}

func (t *Table) Acquire() (uint32, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var slot uint32
	if len(t.free) > 0 {
		slot = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	} else if int(t.next) < t.capacity {
		slot = t.next
		t.next++
	} else {
		return Invalid, errors.Wrapf(ErrTableFull, "table %q has %d slots", t.name, t.capacity)
	}

	t.inUse[slot] = struct{}{}
	return slot, nil
}

// Free returns a slot to the table. Pending writes to the slot are dropped.
func (t *Table) Free(slot uint32) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.inUse[slot]; !ok {
		return memutils.ValidationErrorf("slot %d of table %q is not in use", slot, t.name)
	}
	delete(t.inUse, slot)
	t.free = append(t.free, slot)

	pending := t.writes[:0]
	for _, write := range t.writes {
		if write.Slot != slot {
			pending = append(pending, write)
		}
	}
	t.writes = pending

	return nil
}

func (t *Table) WriteBuffer(slot uint32, buffer core1_0.Buffer, offset, size int) error {
	return t.record(Write{
		Kind:   WriteBuffer,
		Slot:   slot,
		Buffer: buffer,
		Offset: offset,
		Range:  size,
	})
}

func (t *Table) WriteImage(slot uint32, view core1_0.ImageView, layout core1_0.ImageLayout) error {
	return t.record(Write{
		Kind:        WriteImage,
		Slot:        slot,
		ImageView:   view,
		ImageLayout: layout,
	})
}

func (t *Table) record(write Write) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.inUse[write.Slot]; !ok {
		return memutils.ValidationErrorf("cannot write slot %d of table %q, which is not in use", write.Slot, t.name)
	}

	t.writes = append(t.writes, write)
	return nil
}

// Writes returns a copy of the pending writes in the order they were recorded
func (t *Table) Writes() []Write {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return append([]Write(nil), t.writes...)
}

// ClearWrites drops the pending writes once the renderer has applied them
func (t *Table) ClearWrites() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.writes = nil
}

// Package storage implements StorageBuffer[HeaderT, ElementT], the
// typed, growable, handle-swap compacting array that backs every
// per-submesh and per-mesh-manager GPU table in this engine (spec.md
// §4.7). Deletion swaps the last live element into the deleted slot
// and rewrites that element's handle in place, so every element stays
// packed contiguously at the buffer's front and the GPU side never
// sees a fragmented free list.
package storage

import (
	"fmt"
	"unsafe"

	"github.com/kestrelgfx/kestrel/gpu"
)

// Handle is a heap-allocated cell holding the current index of an
// element inside a Buffer. Deletion elsewhere in the buffer may
// rewrite this cell's value; the handle itself stays valid until its
// own element is deleted (spec.md §8, testable property 1).
type Handle[E any] struct {
	index int
}

// Value returns the handle's current index into its Buffer. It
// changes when this handle's element, being the last live one, is
// moved into the slot vacated by another element's deletion.
func (h *Handle[E]) Value() int { return h.index }

// Buffer is a GPU buffer laid out as one optional HeaderT followed by
// a capacity-sized array of ElementT, with a CPU-side list of live
// Handles pointing at populated slots. HeaderT may be struct{} when
// no header is needed (spec.md §3, §4.7).
type Buffer[HeaderT, ElementT any] struct {
	ctx      *gpu.Context
	buf      *gpu.Buffer
	usage    gpu.Usage
	headerSz int
	elemSz   int
	cap      int
	len      int
	handles  []*Handle[ElementT]
}

// New creates a Buffer with the given initial element capacity,
// backed by a CpuWrite buffer (compacting deletion relies on a host
// memcpy, which requires host-visible memory — spec.md §4.7).
func New[HeaderT, ElementT any](ctx *gpu.Context, usage gpu.Usage, capacity int) (*Buffer[HeaderT, ElementT], error) {
	if capacity < 1 {
		capacity = 1
	}
	var h HeaderT
	var e ElementT
	headerSz := int(unsafe.Sizeof(h))
	elemSz := int(unsafe.Sizeof(e))

	size := int64(headerSz + elemSz*capacity)
	buf, err := gpu.NewBuffer(ctx, size, usage|gpu.UStorage, gpu.CpuWrite)
	if err != nil {
		return nil, fmt.Errorf("storage: backing buffer: %w", err)
	}
	return &Buffer[HeaderT, ElementT]{
		ctx: ctx, buf: buf, usage: usage, headerSz: headerSz, elemSz: elemSz, cap: capacity,
	}, nil
}

// Len returns the number of live elements.
func (b *Buffer[HeaderT, ElementT]) Len() int { return b.len }

// Cap returns the current element capacity.
func (b *Buffer[HeaderT, ElementT]) Cap() int { return b.cap }

// GPUBuffer returns the backing gpu.Buffer, for descriptor writes and
// device-address lookups.
func (b *Buffer[HeaderT, ElementT]) GPUBuffer() *gpu.Buffer { return b.buf }

// SetHeader writes the header region. It is a no-op when HeaderT is
// the zero-size type struct{} (spec.md §4.7).
func (b *Buffer[HeaderT, ElementT]) SetHeader(h HeaderT) {
	if b.headerSz == 0 {
		return
	}
	dst := b.buf.Bytes()[:b.headerSz]
	copy(dst, asBytes(&h, b.headerSz))
}

// Header reads back the header region. Valid only on host-visible
// buffers, which this type always is (spec.md §8, testable
// property 7).
func (b *Buffer[HeaderT, ElementT]) Header() HeaderT {
	var h HeaderT
	if b.headerSz == 0 {
		return h
	}
	src := b.buf.Bytes()[:b.headerSz]
	copyBytes(&h, src)
	return h
}

// CreateElement appends e, growing the backing buffer first if full,
// and returns a fresh Handle whose current value is the new index
// (spec.md §4.7).
func (b *Buffer[HeaderT, ElementT]) CreateElement(rec *gpu.Recorder, e ElementT) (*Handle[ElementT], error) {
	if b.len >= b.cap {
		if err := b.Reserve(rec, b.cap+b.cap/2+1); err != nil {
			return nil, err
		}
	}
	idx := b.len
	b.writeElement(idx, e)
	b.len++
	h := &Handle[ElementT]{index: idx}
	b.handles = append(b.handles, h)
	return h, nil
}

// CreateElements batch-appends es as a single memcpy, growing first
// if necessary (spec.md §4.7). It returns one Handle per element, in
// order.
func (b *Buffer[HeaderT, ElementT]) CreateElements(rec *gpu.Recorder, es []ElementT) ([]*Handle[ElementT], error) {
	if b.len+len(es) > b.cap {
		need := b.len + len(es)
		newCap := b.cap
		for newCap < need {
			newCap = newCap + newCap/2 + 1
		}
		if err := b.Reserve(rec, newCap); err != nil {
			return nil, err
		}
	}
	out := make([]*Handle[ElementT], len(es))
	base := b.len
	for i, e := range es {
		b.writeElement(base+i, e)
		h := &Handle[ElementT]{index: base + i}
		b.handles = append(b.handles, h)
		out[i] = h
	}
	b.len += len(es)
	return out, nil
}

// SetElement overwrites the element at h's current index.
func (b *Buffer[HeaderT, ElementT]) SetElement(e ElementT, h *Handle[ElementT]) {
	b.writeElement(h.index, e)
}

// Element reads back the element at h's current index.
func (b *Buffer[HeaderT, ElementT]) Element(h *Handle[ElementT]) ElementT {
	var e ElementT
	copyBytes(&e, b.elementBytes(h.index))
	return e
}

// DeleteElement removes h's element. If it is not the last live
// element, the last element is copied into the vacated slot via host
// memcpy (valid because this buffer is always CpuWrite — spec.md §4.7;
// no redundant GPU-side copy is issued) and the handle that used to
// own that last slot is rewritten to point at h's old index. h itself
// is invalidated.
func (b *Buffer[HeaderT, ElementT]) DeleteElement(h *Handle[ElementT]) {
	last := b.len - 1
	idx := h.index
	if idx != last {
		copy(b.elementBytes(idx), b.elementBytes(last))
		b.rewriteHandleForIndex(last, idx)
	}
	b.removeHandle(h)
	b.len--
	h.index = -1
}

func (b *Buffer[HeaderT, ElementT]) rewriteHandleForIndex(oldIndex, newIndex int) {
	for _, h := range b.handles {
		if h.index == oldIndex {
			h.index = newIndex
			return
		}
	}
}

func (b *Buffer[HeaderT, ElementT]) removeHandle(h *Handle[ElementT]) {
	for i, x := range b.handles {
		if x == h {
			b.handles[i] = b.handles[len(b.handles)-1]
			b.handles = b.handles[:len(b.handles)-1]
			return
		}
	}
}

// Reserve grows the buffer to hold at least newCap elements: it
// allocates a new backing buffer, copies the filled prefix, and
// queues the old buffer for deferred destruction once the recorder's
// submission completes (spec.md §4.7). Handle values are unaffected;
// only the buffer's own identity changes.
func (b *Buffer[HeaderT, ElementT]) Reserve(rec *gpu.Recorder, newCap int) error {
	if newCap <= b.cap {
		return nil
	}
	size := int64(b.headerSz + b.elemSz*newCap)
	newBuf, err := gpu.NewBuffer(b.ctx, size, b.usage|gpu.UStorage, gpu.CpuWrite)
	if err != nil {
		return fmt.Errorf("storage: growing buffer to cap %d: %w", newCap, err)
	}
	filled := b.headerSz + b.elemSz*b.len
	copy(newBuf.Bytes()[:filled], b.buf.Bytes()[:filled])
	rec.DeferDestroy(b.buf)
	b.buf = newBuf
	b.cap = newCap
	return nil
}

func (b *Buffer[HeaderT, ElementT]) writeElement(idx int, e ElementT) {
	copy(b.elementBytes(idx), asBytes(&e, b.elemSz))
}

func (b *Buffer[HeaderT, ElementT]) elementBytes(idx int) []byte {
	off := b.headerSz + b.elemSz*idx
	return b.buf.Bytes()[off : off+b.elemSz]
}

func asBytes[T any](v *T, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}

func copyBytes[T any](dst *T, src []byte) {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(src)), src)
}

// Package mesh implements the bindless indirect mesh system: a
// MeshManager owning shared vertex/index megabuffers plus an
// indirect-command and submesh-pointer StorageBuffer pair, and the
// Submesh/Mesh types that insert and remove draw instances from them
// in O(1) via storage.Handle's swap-compaction (spec.md §4.8).
//
// The vertex/index megabuffers grow geometrically, the same 1.5x
// growth policy storage.Buffer uses for its own element array, so a
// submesh upload that would overflow either megabuffer triggers one
// reallocation-and-copy instead of a fixed-size failure.
package mesh

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/internal/bitm"
	"github.com/kestrelgfx/kestrel/material"
	"github.com/kestrelgfx/kestrel/storage"
)

// IndirectCommand mirrors VkDrawIndexedIndirectCommand's layout
// exactly, so the indirect StorageBuffer's bytes can be submitted to
// vkCmdDrawIndexedIndirectCount without conversion.
type IndirectCommand struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	VertexOffset  int32
	FirstInstance uint32
}

// submeshPtrElem is one element of the submesh-pointer StorageBuffer:
// the device address of the submesh's own data buffer, index-parallel
// with the indirect-command buffer.
type submeshPtrElem struct {
	Addr vk.DeviceAddress
}

// instancePtrElem is one element of a Submesh's own data buffer: the
// device address of a Mesh's per-instance uniform buffer.
type instancePtrElem struct {
	Addr vk.DeviceAddress
}

// submeshHeader is the header prefix of a Submesh's data buffer.
type submeshHeader struct {
	Material material.Handle
	_        [12]byte // pad to 16 bytes for std430 alignment
}

const initialInstanceCapacity = 32

// Submesh is one drawable batch: a material, an indirect-draw-command
// handle into the MeshManager's shared buffer, and its own
// StorageBuffer of per-instance data-buffer addresses (spec.md §3).
type Submesh struct {
	material material.Handle
	instances *storage.Buffer[submeshHeader, instancePtrElem]
	indirectHandle *storage.Handle[IndirectCommand]
	ptrHandle      *storage.Handle[submeshPtrElem]
}

// Material returns the submesh's material handle.
func (s *Submesh) Material() material.Handle { return s.material }

// CreateInstance appends ptr (the device address of a Mesh's instance
// buffer) to the submesh's array and returns a handle whose value is
// the row index for that instance (spec.md §4.8).
func (s *Submesh) CreateInstance(rec *gpu.Recorder, ptr vk.DeviceAddress) (*storage.Handle[instancePtrElem], error) {
	return s.instances.CreateElement(rec, instancePtrElem{Addr: ptr})
}

// RemoveInstance deletes a previously created instance reference.
func (s *Submesh) RemoveInstance(h *storage.Handle[instancePtrElem]) {
	s.instances.DeleteElement(h)
}

// InstanceCount returns the number of live instances referencing this
// submesh.
func (s *Submesh) InstanceCount() int { return s.instances.Len() }

// Mesh<Vertex,Instance> owns one per-instance uniform buffer and the
// set of submesh-instance handles created on its behalf (spec.md §3).
type Mesh[Vertex, Instance any] struct {
	instanceBuf *gpu.Buffer
	live        map[*Submesh]*storage.Handle[instancePtrElem]
}

// InstanceDeviceAddress returns the device address submeshes store
// when this mesh calls UseSubmesh.
func (m *Mesh[Vertex, Instance]) InstanceDeviceAddress() vk.DeviceAddress {
	return m.instanceBuf.DeviceAddress()
}

// SetInstance overwrites the mesh's instance record.
func (m *Mesh[Vertex, Instance]) SetInstance(v Instance) {
	copy(m.instanceBuf.Bytes(), asBytes(&v))
}

// UseSubmesh registers this mesh's instance data with submesh,
// calling Submesh.CreateInstance with the mesh's own device address
// and tracking the resulting handle in the mesh's live set (spec.md
// §4.8).
func (m *Mesh[Vertex, Instance]) UseSubmesh(rec *gpu.Recorder, sm *Submesh) error {
	h, err := sm.CreateInstance(rec, m.InstanceDeviceAddress())
	if err != nil {
		return fmt.Errorf("mesh: use_submesh: %w", err)
	}
	m.live[sm] = h
	return nil
}

// StopUsingSubmesh removes this mesh's instance reference from sm, if
// present.
func (m *Mesh[Vertex, Instance]) StopUsingSubmesh(sm *Submesh) {
	h, ok := m.live[sm]
	if !ok {
		return
	}
	sm.RemoveInstance(h)
	delete(m.live, sm)
}

// Destroy releases the mesh's instance buffer. It does not remove the
// mesh from any submesh it is still using; call StopUsingSubmesh
// first for each live submesh.
func (m *Mesh[Vertex, Instance]) Destroy() {
	if m == nil || m.instanceBuf == nil {
		return
	}
	m.instanceBuf.Destroy()
	*m = Mesh[Vertex, Instance]{}
}

// Manager owns the shared vertex/index megabuffers plus the
// indirect-command and submesh-pointer StorageBuffers that back every
// Submesh created through it (spec.md §4.8).
type Manager[Vertex, Instance any] struct {
	ctx *gpu.Context

	vertexBuf *gpu.Buffer
	indexBuf  *gpu.Buffer
	usedV     int // vertices
	usedI     int // indices

	indirect *storage.Buffer[struct{}, IndirectCommand]
	ptrs     *storage.Buffer[struct{}, submeshPtrElem]
	count    *gpu.Buffer // CpuWrite, one uint32: live submesh count

	slots bitm.Bitm[uint32] // tracks megabuffer growth extents

	submeshes []*Submesh
}

// NewManager creates a MeshManager with the given initial vertex
// and index megabuffer capacities, both counted in elements.
func NewManager[Vertex, Instance any](ctx *gpu.Context, vertexCap, indexCap int) (*Manager[Vertex, Instance], error) {
	var v Vertex
	vertexStride := int(unsafe.Sizeof(v))

	vbuf, err := gpu.NewBuffer(ctx, int64(vertexCap*vertexStride), gpu.UVertex|gpu.UTransferDst, gpu.CpuWrite)
	if err != nil {
		return nil, fmt.Errorf("mesh: vertex megabuffer: %w", err)
	}
	ibuf, err := gpu.NewBuffer(ctx, int64(indexCap*4), gpu.UIndex|gpu.UTransferDst, gpu.CpuWrite)
	if err != nil {
		vbuf.Destroy()
		return nil, fmt.Errorf("mesh: index megabuffer: %w", err)
	}
	indirect, err := storage.New[struct{}, IndirectCommand](ctx, gpu.UIndirect|gpu.UDeviceAddress, 64)
	if err != nil {
		return nil, fmt.Errorf("mesh: indirect buffer: %w", err)
	}
	ptrs, err := storage.New[struct{}, submeshPtrElem](ctx, gpu.UStorage|gpu.UDeviceAddress, 64)
	if err != nil {
		return nil, fmt.Errorf("mesh: submesh-pointer buffer: %w", err)
	}
	count, err := gpu.NewBuffer(ctx, 4, gpu.UStorage, gpu.CpuWrite)
	if err != nil {
		return nil, fmt.Errorf("mesh: count buffer: %w", err)
	}

	m := &Manager[Vertex, Instance]{
		ctx: ctx, vertexBuf: vbuf, indexBuf: ibuf,
		indirect: indirect, ptrs: ptrs, count: count,
	}
	m.slots.Grow(1)
	return m, nil
}

// CreateSubmesh uploads verts/idx into the shared megabuffers
// (growing them first if the append would overflow), appends an
// indirect draw command describing the new range, and constructs a
// Submesh with its own per-instance-pointer array (spec.md §4.8).
func (m *Manager[Vertex, Instance]) CreateSubmesh(rec *gpu.Recorder, mat material.Handle, verts []Vertex, idx []uint32) (*Submesh, error) {
	var v Vertex
	vertexStride := int64(unsafe.Sizeof(v))
	vertBytes := int64(len(verts)) * vertexStride
	idxBytes := int64(len(idx)) * 4

	if int64(m.usedV)*vertexStride+vertBytes > m.vertexBuf.Size() {
		if err := m.growVertex(rec, int64(m.usedV)+int64(len(verts))); err != nil {
			return nil, err
		}
	}
	if int64(m.usedI*4)+idxBytes > m.indexBuf.Size() {
		if err := m.growIndex(rec, int64(m.usedI)+int64(len(idx))); err != nil {
			return nil, err
		}
	}

	usedVBefore := m.usedV
	usedIBefore := m.usedI

	if err := rec.Upload(m.vertexBuf, int64(m.usedV)*vertexStride, vertexBytes(verts)); err != nil {
		return nil, fmt.Errorf("mesh: uploading vertices: %w", err)
	}
	if err := rec.Upload(m.indexBuf, int64(m.usedI)*4, indexBytes(idx)); err != nil {
		return nil, fmt.Errorf("mesh: uploading indices: %w", err)
	}
	m.usedV += len(verts)
	m.usedI += len(idx)

	cmd := IndirectCommand{
		IndexCount:   uint32(len(idx)),
		FirstIndex:   uint32(usedIBefore),
		VertexOffset: int32(usedVBefore),
	}
	indirectHandle, err := m.indirect.CreateElement(rec, cmd)
	if err != nil {
		return nil, fmt.Errorf("mesh: appending indirect command: %w", err)
	}

	instances, err := storage.New[submeshHeader, instancePtrElem](m.ctx, gpu.UStorage|gpu.UDeviceAddress, initialInstanceCapacity)
	if err != nil {
		return nil, fmt.Errorf("mesh: submesh instance buffer: %w", err)
	}
	instances.SetHeader(submeshHeader{Material: mat})

	ptrHandle, err := m.ptrs.CreateElement(rec, submeshPtrElem{Addr: instances.GPUBuffer().DeviceAddress()})
	if err != nil {
		return nil, fmt.Errorf("mesh: appending submesh pointer: %w", err)
	}

	sm := &Submesh{material: mat, instances: instances, indirectHandle: indirectHandle, ptrHandle: ptrHandle}
	m.submeshes = append(m.submeshes, sm)
	m.writeCount()
	return sm, nil
}

// RemoveSubmesh deletes sm's entries from the indirect and
// submesh-pointer buffers. Any mesh still using sm should call
// Mesh.StopUsingSubmesh first.
func (m *Manager[Vertex, Instance]) RemoveSubmesh(sm *Submesh) {
	m.indirect.DeleteElement(sm.indirectHandle)
	m.ptrs.DeleteElement(sm.ptrHandle)
	for i, s := range m.submeshes {
		if s == sm {
			m.submeshes[i] = m.submeshes[len(m.submeshes)-1]
			m.submeshes = m.submeshes[:len(m.submeshes)-1]
			break
		}
	}
	m.writeCount()
}

// NewMesh creates a Mesh backed by its own per-instance uniform
// buffer.
func (m *Manager[Vertex, Instance]) NewMesh() (*Mesh[Vertex, Instance], error) {
	var inst Instance
	buf, err := gpu.NewBuffer(m.ctx, int64(unsafe.Sizeof(inst)), gpu.UUniform|gpu.UDeviceAddress, gpu.CpuWrite)
	if err != nil {
		return nil, fmt.Errorf("mesh: instance buffer: %w", err)
	}
	return &Mesh[Vertex, Instance]{instanceBuf: buf, live: map[*Submesh]*storage.Handle[instancePtrElem]{}}, nil
}

// Draw binds the shared vertex/index buffers and issues one
// drawIndexedIndirectCount covering every live submesh, pushing the
// submesh-pointer buffer's device address as a push constant so the
// vertex shader can resolve submesh_i to a material and instance
// pointer (spec.md §4.8).
func (m *Manager[Vertex, Instance]) Draw(rec *gpu.Recorder, layout *gpu.PipelineLayout, pushStages vk.ShaderStageFlagBits) {
	rec.BindVertexBuffers([]*gpu.Buffer{m.vertexBuf}, []int64{0})
	rec.BindIndexBuffer(m.indexBuf, 0)

	addr := m.ptrs.GPUBuffer().DeviceAddress()
	var addrBytes [8]byte
	*(*vk.DeviceAddress)(unsafe.Pointer(&addrBytes[0])) = addr
	rec.PushConstants(layout, pushStages, addrBytes[:])

	rec.DrawIndexedIndirectCount(m.indirect.GPUBuffer(), 0, m.count, 0, uint32(len(m.submeshes)), uint32(unsafe.Sizeof(IndirectCommand{})))
}

func (m *Manager[Vertex, Instance]) writeCount() {
	n := uint32(len(m.submeshes))
	b := m.count.Bytes()
	if len(b) >= 4 {
		*(*uint32)(unsafe.Pointer(&b[0])) = n
	}
}

func (m *Manager[Vertex, Instance]) growVertex(rec *gpu.Recorder, needElems int64) error {
	var v Vertex
	stride := int64(unsafe.Sizeof(v))
	curElems := m.vertexBuf.Size() / stride
	newElems := curElems + curElems/2 + 1
	for newElems < needElems {
		newElems = newElems + newElems/2 + 1
	}
	newBuf, err := gpu.NewBuffer(m.ctx, newElems*stride, gpu.UVertex|gpu.UTransferDst, gpu.CpuWrite)
	if err != nil {
		return fmt.Errorf("mesh: growing vertex megabuffer: %w", err)
	}
	copy(newBuf.Bytes(), m.vertexBuf.Bytes()[:int64(m.usedV)*stride])
	rec.DeferDestroy(m.vertexBuf)
	m.vertexBuf = newBuf
	m.slots.Grow(1)
	return nil
}

func (m *Manager[Vertex, Instance]) growIndex(rec *gpu.Recorder, needElems int64) error {
	curElems := m.indexBuf.Size() / 4
	newElems := curElems + curElems/2 + 1
	for newElems < needElems {
		newElems = newElems + newElems/2 + 1
	}
	newBuf, err := gpu.NewBuffer(m.ctx, newElems*4, gpu.UIndex|gpu.UTransferDst, gpu.CpuWrite)
	if err != nil {
		return fmt.Errorf("mesh: growing index megabuffer: %w", err)
	}
	copy(newBuf.Bytes(), m.indexBuf.Bytes()[:int64(m.usedI)*4])
	rec.DeferDestroy(m.indexBuf)
	m.indexBuf = newBuf
	return nil
}

// Destroy releases every GPU resource the manager owns. Submeshes
// created through it are invalidated.
func (m *Manager[Vertex, Instance]) Destroy() {
	if m == nil || m.vertexBuf == nil {
		return
	}
	m.vertexBuf.Destroy()
	m.indexBuf.Destroy()
	m.count.Destroy()
	m.indirect.GPUBuffer().Destroy()
	m.ptrs.GPUBuffer().Destroy()
	for _, sm := range m.submeshes {
		sm.instances.GPUBuffer().Destroy()
	}
	*m = Manager[Vertex, Instance]{}
}

func asBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

func vertexBytes[V any](vs []V) []byte {
	if len(vs) == 0 {
		return nil
	}
	var z V
	return unsafe.Slice((*byte)(unsafe.Pointer(&vs[0])), int(unsafe.Sizeof(z))*len(vs))
}

func indexBytes(idx []uint32) []byte {
	if len(idx) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&idx[0])), 4*len(idx))
}

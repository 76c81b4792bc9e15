package gpu

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// Buffer owns one device memory allocation (spec.md §3). Its memory
// property flags are derived from one of three memory classes
// (device-local, host-visible CPU-write, host-visible CPU-read)
// rather than taken as a raw flag bitmask, so callers name intent
// instead of Vulkan memory-type internals.
type Buffer struct {
	ctx    *Context
	handle vk.Buffer
	mem    vk.DeviceMemory
	size   int64
	class  MemoryClass
	usage  Usage
	mapped unsafe.Pointer
	addr   vk.DeviceAddress
}

// NewBuffer creates a Buffer of the given size, usage and memory
// class. Exactly one device allocation backs it for its lifetime
// (spec.md §3 invariant).
func NewBuffer(ctx *Context, size int64, usage Usage, class MemoryClass) (*Buffer, error) {
	var vkUsage vk.BufferUsageFlagBits
	if usage&UVertex != 0 {
		vkUsage |= vk.BufferUsageVertexBufferBit
	}
	if usage&UIndex != 0 {
		vkUsage |= vk.BufferUsageIndexBufferBit
	}
	if usage&UIndirect != 0 {
		vkUsage |= vk.BufferUsageIndirectBufferBit
	}
	if usage&UUniform != 0 {
		vkUsage |= vk.BufferUsageUniformBufferBit
	}
	if usage&UStorage != 0 {
		vkUsage |= vk.BufferUsageStorageBufferBit
	}
	if usage&UTransferSrc != 0 {
		vkUsage |= vk.BufferUsageTransferSrcBit
	}
	if usage&UTransferDst != 0 {
		vkUsage |= vk.BufferUsageTransferDstBit
	}
	if usage&UDeviceAddress != 0 {
		vkUsage |= vk.BufferUsageShaderDeviceAddressBit
	}

	info := &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(vkUsage),
		SharingMode: vk.SharingModeExclusive,
	}
	var handle vk.Buffer
	if err := checkResult(vk.CreateBuffer(ctx.device, info, nil, &handle)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateBuffer: %w", err)
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(ctx.device, handle, &req)
	req.Deref()

	hostVisible := class != DeviceLocal
	mem, err := allocateMemory(ctx, req, hostVisible, usage&UDeviceAddress != 0)
	if err != nil {
		vk.DestroyBuffer(ctx.device, handle, nil)
		return nil, err
	}
	if err := checkResult(vk.BindBufferMemory(ctx.device, handle, mem, 0)); err != nil {
		vk.FreeMemory(ctx.device, mem, nil)
		vk.DestroyBuffer(ctx.device, handle, nil)
		return nil, fmt.Errorf("gpu: vkBindBufferMemory: %w", err)
	}

	b := &Buffer{ctx: ctx, handle: handle, mem: mem, size: size, class: class, usage: usage}

	if hostVisible {
		if err := b.Map(); err != nil {
			b.Destroy()
			return nil, err
		}
	}
	if usage&UDeviceAddress != 0 {
		b.addr = vk.GetBufferDeviceAddress(ctx.device, &vk.BufferDeviceAddressInfo{
			SType:  vk.StructureTypeBufferDeviceAddressInfo,
			Buffer: handle,
		})
	}
	return b, nil
}

// Handle returns the underlying vk.Buffer.
func (b *Buffer) Handle() vk.Buffer { return b.handle }

// Size returns the buffer's requested size in bytes.
func (b *Buffer) Size() int64 { return b.size }

// Class returns the buffer's memory class.
func (b *Buffer) Class() MemoryClass { return b.class }

// Map maps the buffer's memory, which Bytes then exposes. It is a
// no-op on DeviceLocal buffers (returns nil) and idempotent otherwise —
// calling it twice keeps the existing mapping without remapping
// (spec.md §3 invariant).
func (b *Buffer) Map() error {
	if b.class == DeviceLocal {
		return nil
	}
	if b.mapped != nil {
		return nil
	}
	var p unsafe.Pointer
	if err := checkResult(vk.MapMemory(b.ctx.device, b.mem, 0, vk.DeviceSize(b.size), 0, &p)); err != nil {
		return fmt.Errorf("gpu: vkMapMemory: %w", err)
	}
	b.mapped = p
	return nil
}

// Unmap releases the mapping established by Map. It must be called
// before the buffer is destroyed if the buffer is still mapped
// (spec.md §3 invariant).
func (b *Buffer) Unmap() {
	if b.mapped == nil {
		return
	}
	vk.UnmapMemory(b.ctx.device, b.mem)
	b.mapped = nil
}

// Bytes returns a slice of length Size backed by the buffer's mapped
// memory, or nil if the buffer is not host-visible or not currently
// mapped.
func (b *Buffer) Bytes() []byte {
	if b.mapped == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.mapped), b.size)
}

// DeviceAddress returns the buffer's GPU-visible pointer. It is
// defined only when UDeviceAddress was set at creation; otherwise it
// returns 0 explicitly — this is tested behavior, not an error
// (spec.md §4.2).
func (b *Buffer) DeviceAddress() vk.DeviceAddress { return b.addr }

// Destroy releases the buffer and its backing memory.
func (b *Buffer) Destroy() {
	if b == nil || b.handle == nil {
		return
	}
	b.Unmap()
	vk.DestroyBuffer(b.ctx.device, b.handle, nil)
	vk.FreeMemory(b.ctx.device, b.mem, nil)
	*b = Buffer{}
}

// allocateMemory picks a memory type satisfying req's type bits and
// the requested visibility, then allocates it. When addressable is
// set, VkMemoryAllocateFlagsInfo requests the device-address bit, per
// spec.md §4.2.
func allocateMemory(ctx *Context, req vk.MemoryRequirements, hostVisible, addressable bool) (vk.DeviceMemory, error) {
	var props vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(ctx.phys, &props)
	props.Deref()

	want := vk.MemoryPropertyFlags(0)
	if hostVisible {
		want = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	} else {
		want = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	}

	// Host-visible requests try a device-local host-visible type first,
	// then fall back to any host-visible coherent type.
	candidates := []vk.MemoryPropertyFlags{want}
	if hostVisible {
		candidates = []vk.MemoryPropertyFlags{want | vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit), want}
	}
	typeIndex := -1
	for _, flags := range candidates {
		for i := uint32(0); i < props.MemoryTypeCount && typeIndex < 0; i++ {
			if req.MemoryTypeBits&(1<<i) == 0 {
				continue
			}
			mt := props.MemoryTypes[i]
			if mt.PropertyFlags&flags == flags {
				typeIndex = int(i)
			}
		}
	}
	if typeIndex < 0 {
		return nil, fmt.Errorf("gpu: no memory type satisfies requirements (bits=%x)", req.MemoryTypeBits)
	}

	info := &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: uint32(typeIndex),
	}
	if addressable {
		info.PNext = unsafe.Pointer(&vk.MemoryAllocateFlagsInfo{
			SType: vk.StructureTypeMemoryAllocateFlagsInfo,
			Flags: vk.MemoryAllocateFlags(vk.MemoryAllocateDeviceAddressBit),
		})
	}
	var mem vk.DeviceMemory
	if err := checkResult(vk.AllocateMemory(ctx.device, info, nil, &mem)); err != nil {
		return nil, fmt.Errorf("gpu: vkAllocateMemory: %w", err)
	}
	return mem, nil
}

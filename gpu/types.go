// Package gpu implements the resource and pipeline layer of the
// rendering core: device bootstrap, typed buffers/images, a command
// recorder, per-queue workers, shader reflection and pipeline
// assembly. It targets Vulkan 1.3-class hardware directly (explicit
// command buffers, descriptor sets, dynamic rendering, buffer device
// addresses) through github.com/goki/vulkan.
//
// There is only one backend, so Context plays both the driver-handle
// and device-capability roles directly rather than sitting behind a
// separate backend-selection interface.
package gpu

import vk "github.com/goki/vulkan"

// Destroyer is the interface that wraps the Destroy method. Types
// that implement it hold Vulkan handles that must be released
// explicitly; the Go garbage collector does not know about them.
type Destroyer interface {
	Destroy()
}

// MemoryClass selects the allocation strategy for a Buffer or Image.
type MemoryClass int

const (
	// DeviceLocal is fast device-local memory. Buffer.Map returns
	// nil; data must move through staging buffers or direct GPU
	// copies.
	DeviceLocal MemoryClass = iota
	// CpuWrite is host-visible memory, device-local when available,
	// optimized for sequential CPU writes (upload buffers, the
	// per-frame UBOs, StorageBuffer backing stores).
	CpuWrite
	// CpuReadWrite is host-visible memory suited to random-access CPU
	// reads (readback buffers). Its memory type is chosen as for
	// CpuWrite: device-local when available.
	CpuReadWrite
)

// Usage is a bitmask of valid uses for a Buffer.
type Usage int

// Buffer usage flags.
const (
	UVertex Usage = 1 << iota
	UIndex
	UIndirect
	UUniform
	UStorage
	UTransferSrc
	UTransferDst
	// UDeviceAddress marks a buffer as eligible for
	// vkGetBufferDeviceAddress. Buffer.DeviceAddress is only valid
	// when this bit was set at creation time.
	UDeviceAddress
)

// ImageUsage is a bitmask of valid uses for an Image.
type ImageUsage int

const (
	IUSampled ImageUsage = 1 << iota
	IUStorage
	IUColorTarget
	IUDepthTarget
	IUTransferSrc
	IUTransferDst
)

// ImageType is the dimensionality of an Image.
type ImageType int

const (
	Image1D ImageType = iota
	Image2D
	Image3D
	ImageCube
)

// Layout is the type of an image layout, tracked authoritatively by
// the engine (transitions update both the GPU barrier and this value
// in lockstep — spec.md §8, testable property 3).
type Layout int32

const (
	LayoutUndefined Layout = iota
	LayoutColorAttachment
	LayoutDepthAttachment
	LayoutShaderReadOnly
	LayoutGeneral
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresentSrc
)

// Subresource identifies a single image view's range within an
// Image, and is the key used by the per-image view cache (spec.md §3,
// §8 testable property 4).
type Subresource struct {
	ViewType   vk.ImageViewType
	BaseMip    int
	MipCount   int
	BaseLayer  int
	LayerCount int
}

// Dim3D is a three-dimensional size, in texels.
type Dim3D struct {
	Width, Height, Depth int
}

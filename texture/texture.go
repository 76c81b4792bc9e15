// Package texture owns the engine's bindless texture array: a
// fixed-width table of combined-image-samplers, slot 0 reserved for a
// 1x1 placeholder, and the free-slot bookkeeping used when textures
// are registered and released (spec.md §3, §4.9).
//
// Slot tracking uses internal/bitvec rather than internal/bitm (used
// by mesh for megabuffer growth extents): bitvec's iterator support
// (All) is a better fit for rebuilding descriptor writes after a batch
// of registrations than bitm's plain search API.
package texture

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/internal/bitvec"
)

// TableSize is the width of the bindless combined-image-sampler array
// (spec.md §4.9).
const TableSize = 128

// Handle indexes into the bindless texture table. ImageUndefined (0)
// is the reserved placeholder slot.
type Handle uint32

// ImageUndefined is the sentinel returned when the table is full
// (spec.md §7).
const ImageUndefined Handle = 0

// Manager owns every registered Image plus its view and the sampler
// used to read it, and assigns stable Handles from a free-slot bit
// vector.
type Manager struct {
	ctx      *gpu.Context
	images   [TableSize]*gpu.Image
	samplers [TableSize]vk.Sampler
	slots    bitvec.V[uint32]
	linear   vk.Sampler
}

// NewManager creates a Manager with slot 0 filled by a 1x1 white
// placeholder, matching the rest of the bindless array's initial
// contents until real textures are registered (spec.md §4.9).
func NewManager(ctx *gpu.Context, rec *gpu.Recorder) (*Manager, error) {
	linear, err := newLinearSampler(ctx)
	if err != nil {
		return nil, err
	}
	m := &Manager{ctx: ctx, linear: linear}
	m.slots.Grow(TableSize / 32)

	placeholder, err := uploadPixel(ctx, rec, [4]byte{255, 255, 255, 255})
	if err != nil {
		return nil, fmt.Errorf("texture: placeholder: %w", err)
	}
	m.slots.Set(0)
	m.images[0] = placeholder
	m.samplers[0] = linear
	return m, nil
}

// Register uploads pixel data into a new 2D image and assigns it the
// next free slot. It returns ImageUndefined when the table is full
// (spec.md §7 overflow policy).
func (m *Manager) Register(rec *gpu.Recorder, width, height int, pixels []byte, srgb bool) (Handle, error) {
	idx, ok := m.slots.Search()
	if !ok || idx >= TableSize {
		return ImageUndefined, nil
	}
	format := vk.FormatR8g8b8a8Unorm
	if srgb {
		format = vk.FormatR8g8b8a8Srgb
	}
	img, err := gpu.NewImage(m.ctx, gpu.ImageOptions{
		Type: gpu.Image2D, Format: format,
		Extent: gpu.Dim3D{Width: width, Height: height, Depth: 1},
		MipLevels: mipCount(width, height), Layers: 1,
		Usage: gpu.IUSampled | gpu.IUTransferDst | gpu.IUTransferSrc,
	})
	if err != nil {
		return ImageUndefined, fmt.Errorf("texture: creating image: %w", err)
	}
	if err := uploadAndMip(m.ctx, rec, img, pixels); err != nil {
		return ImageUndefined, err
	}
	m.slots.Set(idx)
	m.images[idx] = img
	m.samplers[idx] = m.linear
	return Handle(idx), nil
}

// Release frees the image at h's slot, making it available for reuse.
// Slot 0 can never be released.
func (m *Manager) Release(h Handle) {
	if h == 0 || int(h) >= TableSize {
		return
	}
	if img := m.images[h]; img != nil {
		img.Destroy()
		m.images[h] = nil
	}
	m.slots.Unset(int(h))
}

// Destroy releases every registered image and the shared linear
// sampler.
func (m *Manager) Destroy() {
	if m == nil {
		return
	}
	for i := range m.images {
		if m.images[i] != nil {
			m.images[i].Destroy()
		}
	}
	destroySampler(m.ctx, m.linear)
	*m = Manager{}
}

// WriteDescriptors writes every live slot into the given descriptor
// binding of layout, including the slot-0 placeholder for every slot
// that has never been registered — the remaining slots start filled
// with it, per spec.md §4.9.
func (m *Manager) WriteDescriptors(layout *gpu.PipelineLayout, setIndex, binding int) error {
	for i := 0; i < TableSize; i++ {
		img := m.images[i]
		sampler := m.samplers[i]
		if img == nil {
			img = m.images[0]
			sampler = m.samplers[0]
		}
		view, err := img.FullView(vk.ImageViewType2d)
		if err != nil {
			return fmt.Errorf("texture: view for slot %d: %w", i, err)
		}
		layout.WriteImage(setIndex, binding, i, gpu.DescCombinedImageSampler, view, sampler, vk.ImageLayoutShaderReadOnlyOptimal)
	}
	return nil
}

func mipCount(w, h int) int {
	n := 1
	for w > 1 || h > 1 {
		w /= 2
		h /= 2
		n++
	}
	return n
}

func newLinearSampler(ctx *gpu.Context) (vk.Sampler, error) {
	info := &vk.SamplerCreateInfo{
		SType: vk.StructureTypeSamplerCreateInfo,
		MagFilter: vk.FilterLinear, MinFilter: vk.FilterLinear,
		MipmapMode: vk.SamplerMipmapModeLinear,
		AddressModeU: vk.SamplerAddressModeRepeat, AddressModeV: vk.SamplerAddressModeRepeat, AddressModeW: vk.SamplerAddressModeRepeat,
		MaxLod: 16,
	}
	var s vk.Sampler
	if err := checkSampler(vk.CreateSampler(ctx.Device(), info, nil, &s)); err != nil {
		return nil, err
	}
	return s, nil
}

func checkSampler(res vk.Result) error {
	if res == vk.Success {
		return nil
	}
	return fmt.Errorf("texture: vkCreateSampler: %d", res)
}

func destroySampler(ctx *gpu.Context, s vk.Sampler) {
	if s != nil {
		vk.DestroySampler(ctx.Device(), s, nil)
	}
}

func uploadPixel(ctx *gpu.Context, rec *gpu.Recorder, rgba [4]byte) (*gpu.Image, error) {
	img, err := gpu.NewImage(ctx, gpu.ImageOptions{
		Type: gpu.Image2D, Format: vk.FormatR8g8b8a8Unorm,
		Extent: gpu.Dim3D{Width: 1, Height: 1, Depth: 1}, MipLevels: 1, Layers: 1,
		Usage: gpu.IUSampled | gpu.IUTransferDst,
	})
	if err != nil {
		return nil, err
	}
	if err := uploadAndMip(ctx, rec, img, rgba[:]); err != nil {
		return nil, err
	}
	return img, nil
}

// uploadAndMip stages pixels into img's base level and generates its
// mip chain, leaving img in ShaderReadOnly layout.
func uploadAndMip(ctx *gpu.Context, rec *gpu.Recorder, img *gpu.Image, pixels []byte) error {
	staging, err := gpu.NewBuffer(ctx, int64(len(pixels)), gpu.UTransferSrc, gpu.CpuWrite)
	if err != nil {
		return fmt.Errorf("texture: staging buffer: %w", err)
	}
	copy(staging.Bytes(), pixels)

	rec.TransitionLayout(img, gpu.LayoutTransferDst)
	rec.CopyBufferToImage(img, staging, 0)
	if img.MipLevels() > 1 {
		rec.GenerateMips(img)
	} else {
		rec.TransitionLayout(img, gpu.LayoutShaderReadOnly)
	}
	rec.DeferDestroy(staging)
	return nil
}

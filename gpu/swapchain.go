package gpu

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/internal/logx"
)

// Swapchain owns the presentable images and the semaphores used to
// synchronize acquisition and presentation with the graphics queue.
// Rebuilding on resize or VK_SUBOPTIMAL_KHR is handled by Rebuild
// rather than requiring the caller to tear down and recreate the
// whole struct (spec.md §6).
type Swapchain struct {
	ctx     *Context
	surface vk.Surface
	handle  vk.Swapchain

	format     vk.Format
	extent     Dim3D
	images     []*Image
	imageAcq   []vk.Semaphore
	renderDone []vk.Semaphore
}

// NewSwapchain creates a swapchain for the given surface, preferring
// an sRGB format and FIFO present mode (vsync-locked, always
// supported — spec.md §6).
func NewSwapchain(ctx *Context, surface vk.Surface, width, height int) (*Swapchain, error) {
	s := &Swapchain{ctx: ctx, surface: surface}
	if err := s.build(width, height); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Swapchain) build(width, height int) error {
	var caps vk.SurfaceCapabilities
	vk.GetPhysicalDeviceSurfaceCapabilities(s.ctx.phys, s.surface, &caps)
	caps.Deref()

	var fmtCount uint32
	vk.GetPhysicalDeviceSurfaceFormats(s.ctx.phys, s.surface, &fmtCount, nil)
	formats := make([]vk.SurfaceFormat, fmtCount)
	vk.GetPhysicalDeviceSurfaceFormats(s.ctx.phys, s.surface, &fmtCount, formats)
	chosen := formats[0]
	for _, f := range formats {
		f.Deref()
		if f.Format == vk.FormatB8g8r8a8Srgb && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			chosen = f
			break
		}
	}
	chosen.Deref()

	imgCount := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && imgCount > caps.MaxImageCount {
		imgCount = caps.MaxImageCount
	}

	extent := vk.Extent2D{Width: uint32(width), Height: uint32(height)}
	if caps.CurrentExtent.Width != 0xFFFFFFFF {
		extent = caps.CurrentExtent
	}

	info := &vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          s.surface,
		MinImageCount:    imgCount,
		ImageFormat:      chosen.Format,
		ImageColorSpace:  chosen.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      vk.PresentModeFifo,
		Clipped:          vk.Bool32(1),
		OldSwapchain:     s.handle,
	}
	var handle vk.Swapchain
	if err := checkResult(vk.CreateSwapchain(s.ctx.device, info, nil, &handle)); err != nil {
		return fmt.Errorf("gpu: vkCreateSwapchainKHR: %w", err)
	}
	if s.handle != nil {
		s.destroyImages()
		vk.DestroySwapchain(s.ctx.device, s.handle, nil)
	}
	s.handle = handle
	s.format = chosen.Format
	s.extent = Dim3D{Width: int(extent.Width), Height: int(extent.Height), Depth: 1}

	var n uint32
	vk.GetSwapchainImages(s.ctx.device, handle, &n, nil)
	raw := make([]vk.Image, n)
	vk.GetSwapchainImages(s.ctx.device, handle, &n, raw)
	s.images = make([]*Image, n)
	for i, img := range raw {
		s.images[i] = wrapSwapchainImage(s.ctx, img, s.format, s.extent)
	}

	if s.imageAcq == nil {
		s.imageAcq = make([]vk.Semaphore, n)
		s.renderDone = make([]vk.Semaphore, n)
		semInfo := &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
		for i := range s.imageAcq {
			vk.CreateSemaphore(s.ctx.device, semInfo, nil, &s.imageAcq[i])
			vk.CreateSemaphore(s.ctx.device, semInfo, nil, &s.renderDone[i])
		}
	}

	logx.Infof("gpu: swapchain built %dx%d, %d images, format=%d", extent.Width, extent.Height, n, chosen.Format)
	return nil
}

// ImageCount returns the number of presentable images, used by the
// renderer to cycle its per-frame acquire/render-done semaphore slot
// instead of assuming a fixed triple-buffer depth.
func (s *Swapchain) ImageCount() int { return len(s.images) }

// Format returns the swapchain's negotiated surface format.
func (s *Swapchain) Format() vk.Format { return s.format }

// Extent returns the current swapchain extent.
func (s *Swapchain) Extent() Dim3D { return s.extent }

// AcquireNext acquires the next presentable image, returning its
// index and the Image wrapper. ok is false when the swapchain is
// out-of-date and must be rebuilt before retrying.
func (s *Swapchain) AcquireNext(frameSlot int) (index uint32, img *Image, ok bool, err error) {
	res := vk.AcquireNextImage(s.ctx.device, s.handle, ^uint64(0), s.imageAcq[frameSlot], nil, &index)
	switch res {
	case vk.Success, vk.Suboptimal:
		return index, s.images[index], true, nil
	case vk.ErrorOutOfDate:
		return 0, nil, false, nil
	default:
		return 0, nil, false, fmt.Errorf("gpu: vkAcquireNextImageKHR: %w", checkResult(res))
	}
}

// AcquireSemaphore returns the semaphore AcquireNext signals for the
// given frame slot.
func (s *Swapchain) AcquireSemaphore(frameSlot int) vk.Semaphore { return s.imageAcq[frameSlot] }

// RenderDoneSemaphore returns the semaphore Present waits on for the
// given frame slot.
func (s *Swapchain) RenderDoneSemaphore(frameSlot int) vk.Semaphore { return s.renderDone[frameSlot] }

// Present queues the given image index for presentation. ok is false
// when the swapchain is out-of-date or suboptimal and should be
// rebuilt before the next frame.
func (s *Swapchain) Present(worker *QueueWorker, frameSlot int, imageIndex uint32) (ok bool, err error) {
	info := vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{s.renderDone[frameSlot]},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{s.handle},
		PImageIndices:      []uint32{imageIndex},
	}
	res := vk.QueuePresent(worker.Queue(), &info)
	switch res {
	case vk.Success:
		return true, nil
	case vk.Suboptimal, vk.ErrorOutOfDate:
		return false, nil
	default:
		return false, fmt.Errorf("gpu: vkQueuePresentKHR: %w", checkResult(res))
	}
}

// Rebuild recreates the swapchain at the given dimensions, reusing
// the existing acquire/present semaphores. Called whenever AcquireNext
// or Present reports the swapchain is stale.
func (s *Swapchain) Rebuild(width, height int) error {
	return s.build(width, height)
}

func (s *Swapchain) destroyImages() {
	for _, img := range s.images {
		for _, v := range img.views {
			vk.DestroyImageView(s.ctx.device, v, nil)
		}
	}
	s.images = nil
}

// Destroy releases the swapchain, its images' views, and its
// semaphores. The swapchain's own vk.Image handles are owned by the
// swapchain itself and are not individually destroyed.
func (s *Swapchain) Destroy() {
	if s == nil || s.handle == nil {
		return
	}
	s.destroyImages()
	for _, sem := range s.imageAcq {
		vk.DestroySemaphore(s.ctx.device, sem, nil)
	}
	for _, sem := range s.renderDone {
		vk.DestroySemaphore(s.ctx.device, sem, nil)
	}
	vk.DestroySwapchain(s.ctx.device, s.handle, nil)
	*s = Swapchain{}
}

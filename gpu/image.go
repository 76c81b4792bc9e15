package gpu

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// Image owns a device image, its memory, and a cache of the image
// views created against it. The view cache is keyed by Subresource so
// that repeated requests for the same mip/layer range return the same
// vk.ImageView instead of leaking duplicates (spec.md §8, testable
// property 4).
//
// Layout and queue-family ownership are tracked here, authoritatively,
// rather than queried back from the driver: every transition that
// changes them must go through CommandRecorder so the two stay in
// lockstep (spec.md §8, testable property 3).
type Image struct {
	ctx    *Context
	handle vk.Image
	mem    vk.DeviceMemory
	format vk.Format
	typ    ImageType
	extent Dim3D
	mipCnt int
	layers int
	usage  ImageUsage
	aspect vk.ImageAspectFlagBits

	layout      Layout
	queueFamily uint32 // family currently owning the image; ^uint32(0) if none yet

	views map[Subresource]vk.ImageView
}

// ImageOptions configures NewImage.
type ImageOptions struct {
	Type      ImageType
	Format    vk.Format
	Extent    Dim3D
	MipLevels int
	Layers    int
	Usage     ImageUsage
	Samples   vk.SampleCountFlagBits
}

// NewImage creates a device-local image. Images in this engine are
// always DeviceLocal; CPU-visible image staging goes through a Buffer
// and a recorder copy instead (spec.md §4.3).
func NewImage(ctx *Context, opts ImageOptions) (*Image, error) {
	if opts.MipLevels < 1 {
		opts.MipLevels = 1
	}
	if opts.Layers < 1 {
		opts.Layers = 1
	}
	if opts.Samples == 0 {
		opts.Samples = vk.SampleCount1Bit
	}

	var vkUsage vk.ImageUsageFlagBits
	if opts.Usage&IUSampled != 0 {
		vkUsage |= vk.ImageUsageSampledBit
	}
	if opts.Usage&IUStorage != 0 {
		vkUsage |= vk.ImageUsageStorageBit
	}
	if opts.Usage&IUColorTarget != 0 {
		vkUsage |= vk.ImageUsageColorAttachmentBit
	}
	if opts.Usage&IUDepthTarget != 0 {
		vkUsage |= vk.ImageUsageDepthStencilAttachmentBit
	}
	if opts.Usage&IUTransferSrc != 0 {
		vkUsage |= vk.ImageUsageTransferSrcBit
	}
	if opts.Usage&IUTransferDst != 0 {
		vkUsage |= vk.ImageUsageTransferDstBit
	}

	vkType := vk.ImageType2d
	if opts.Type == Image3D {
		vkType = vk.ImageType3d
	} else if opts.Type == Image1D {
		vkType = vk.ImageType1d
	}

	flags := vk.ImageCreateFlags(0)
	arrayLayers := uint32(opts.Layers)
	if opts.Type == ImageCube {
		flags = vk.ImageCreateFlags(vk.ImageCreateCubeCompatibleBit)
		arrayLayers = uint32(opts.Layers) * 6
	}

	info := &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		Flags:     flags,
		ImageType: vkType,
		Format:    opts.Format,
		Extent: vk.Extent3D{
			Width:  uint32(opts.Extent.Width),
			Height: uint32(opts.Extent.Height),
			Depth:  uint32(max(opts.Extent.Depth, 1)),
		},
		MipLevels:     uint32(opts.MipLevels),
		ArrayLayers:   arrayLayers,
		Samples:       opts.Samples,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vkUsage),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}

	var handle vk.Image
	if err := checkResult(vk.CreateImage(ctx.device, info, nil, &handle)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateImage: %w", err)
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(ctx.device, handle, &req)
	req.Deref()

	mem, err := allocateMemory(ctx, req, false, false)
	if err != nil {
		vk.DestroyImage(ctx.device, handle, nil)
		return nil, err
	}
	if err := checkResult(vk.BindImageMemory(ctx.device, handle, mem, 0)); err != nil {
		vk.FreeMemory(ctx.device, mem, nil)
		vk.DestroyImage(ctx.device, handle, nil)
		return nil, fmt.Errorf("gpu: vkBindImageMemory: %w", err)
	}

	aspect := vk.ImageAspectFlagBits(vk.ImageAspectColorBit)
	if opts.Usage&IUDepthTarget != 0 {
		aspect = vk.ImageAspectFlagBits(vk.ImageAspectDepthBit)
	}

	return &Image{
		ctx:         ctx,
		handle:      handle,
		mem:         mem,
		format:      opts.Format,
		typ:         opts.Type,
		extent:      opts.Extent,
		mipCnt:      opts.MipLevels,
		layers:      opts.Layers,
		usage:       opts.Usage,
		aspect:      aspect,
		layout:      LayoutUndefined,
		queueFamily: ^uint32(0),
		views:       make(map[Subresource]vk.ImageView),
	}, nil
}

// wrapSwapchainImage adapts a swapchain-owned vk.Image (no memory to
// free, no aspect ambiguity) into the same Image type so recorder
// barrier code has one path instead of two.
func wrapSwapchainImage(ctx *Context, handle vk.Image, format vk.Format, extent Dim3D) *Image {
	return &Image{
		ctx:         ctx,
		handle:      handle,
		format:      format,
		typ:         Image2D,
		extent:      extent,
		mipCnt:      1,
		layers:      1,
		usage:       IUColorTarget,
		aspect:      vk.ImageAspectFlagBits(vk.ImageAspectColorBit),
		layout:      LayoutUndefined,
		queueFamily: ^uint32(0),
		views:       make(map[Subresource]vk.ImageView),
	}
}

// Handle returns the underlying vk.Image.
func (im *Image) Handle() vk.Image { return im.handle }

// Format returns the image's pixel format.
func (im *Image) Format() vk.Format { return im.format }

// Extent returns the image's base-mip dimensions.
func (im *Image) Extent() Dim3D { return im.extent }

// MipLevels returns the image's mip count.
func (im *Image) MipLevels() int { return im.mipCnt }

// Layers returns the image's array layer count (for ImageCube, the
// number of cubes; the image holds 6 array layers per cube).
func (im *Image) Layers() int { return im.layers }

// Layout returns the image's last-recorded layout.
func (im *Image) Layout() Layout { return im.layout }

// setLayout is called exclusively by CommandRecorder after it has
// recorded the matching pipeline barrier.
func (im *Image) setLayout(l Layout, family uint32) {
	im.layout = l
	im.queueFamily = family
}

// View returns a cached vk.ImageView for the given subresource range,
// creating it on first request.
func (im *Image) View(sub Subresource) (vk.ImageView, error) {
	if v, ok := im.views[sub]; ok {
		return v, nil
	}
	info := &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    im.handle,
		ViewType: sub.ViewType,
		Format:   im.format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(im.aspect),
			BaseMipLevel:   uint32(sub.BaseMip),
			LevelCount:     uint32(sub.MipCount),
			BaseArrayLayer: uint32(sub.BaseLayer),
			LayerCount:     uint32(sub.LayerCount),
		},
	}
	var view vk.ImageView
	if err := checkResult(vk.CreateImageView(im.ctx.device, info, nil, &view)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateImageView: %w", err)
	}
	im.views[sub] = view
	return view, nil
}

// FullView returns the view covering every mip level and array layer,
// the common case for sampled textures and render targets.
func (im *Image) FullView(viewType vk.ImageViewType) (vk.ImageView, error) {
	layers := im.layers
	if im.typ == ImageCube {
		layers *= 6
	}
	return im.View(Subresource{
		ViewType:   viewType,
		BaseMip:    0,
		MipCount:   im.mipCnt,
		BaseLayer:  0,
		LayerCount: layers,
	})
}

// Destroy releases every cached view, the image, and its memory. Not
// called on swapchain-wrapped images, whose handle is owned by the
// swapchain.
func (im *Image) Destroy() {
	if im == nil || im.handle == nil {
		return
	}
	for _, v := range im.views {
		vk.DestroyImageView(im.ctx.device, v, nil)
	}
	if im.mem != nil {
		vk.DestroyImage(im.ctx.device, im.handle, nil)
		vk.FreeMemory(im.ctx.device, im.mem, nil)
	}
	*im = Image{}
}


package renderer

import (
	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
)

// GBuffer owns the deferred geometry pass's three render targets —
// albedo, normal, and material (metallic/roughness) — packed as three
// layers of one 2D-array image, plus the shared depth target (spec.md
// §4.9). A single backing image keeps the three MRTs' lifetimes and
// memory allocation together; per-layer views are what the geometry
// pass writes to, and the full-array view is what the lighting pass
// samples from.
type GBuffer struct {
	color *gpu.Image
	depth *gpu.Image

	colorViews [3]vk.ImageView
	arrayView  vk.ImageView
	depthView  vk.ImageView

	width, height int
}

const (
	gbufAlbedo = iota
	gbufNormal
	gbufMaterial
)

// newGBuffer creates the geometry-pass render targets at the given
// extent.
func newGBuffer(ctx *gpu.Context, width, height int) (*GBuffer, error) {
	color, err := gpu.NewImage(ctx, gpu.ImageOptions{
		Type:   gpu.Image2D,
		Format: vk.FormatR16g16b16a16Sfloat,
		Extent: gpu.Dim3D{Width: width, Height: height, Depth: 1},
		Layers: 3,
		Usage:  gpu.IUColorTarget | gpu.IUSampled,
	})
	if err != nil {
		return nil, err
	}
	depth, err := gpu.NewImage(ctx, gpu.ImageOptions{
		Type:   gpu.Image2D,
		Format: vk.FormatD32Sfloat,
		Extent: gpu.Dim3D{Width: width, Height: height, Depth: 1},
		Usage:  gpu.IUDepthTarget | gpu.IUSampled,
	})
	if err != nil {
		color.Destroy()
		return nil, err
	}

	g := &GBuffer{color: color, depth: depth, width: width, height: height}
	for i := 0; i < 3; i++ {
		v, err := color.View(gpu.Subresource{
			ViewType: vk.ImageViewType2d, BaseMip: 0, MipCount: 1, BaseLayer: i, LayerCount: 1,
		})
		if err != nil {
			g.Destroy()
			return nil, err
		}
		g.colorViews[i] = v
	}
	arrayView, err := color.FullView(vk.ImageViewType2dArray)
	if err != nil {
		g.Destroy()
		return nil, err
	}
	g.arrayView = arrayView
	depthView, err := depth.FullView(vk.ImageViewType2d)
	if err != nil {
		g.Destroy()
		return nil, err
	}
	g.depthView = depthView
	return g, nil
}

// beginGeometry starts the dynamic-rendering pass writing all three
// MRT layers and the depth target, clearing every attachment.
func (g *GBuffer) beginGeometry(rec *gpu.Recorder) {
	rec.TransitionLayout(g.color, gpu.LayoutColorAttachment)
	rec.TransitionLayout(g.depth, gpu.LayoutDepthAttachment)

	clear := [4]float32{}
	targets := make([]gpu.RenderTarget, 3)
	for i, v := range g.colorViews {
		targets[i] = gpu.RenderTarget{View: v, Layout: vk.ImageLayoutColorAttachmentOptimal, Clear: &clear}
	}
	clearDS := [2]float32{1, 0}
	rec.BeginRendering(gpu.Dim3D{Width: g.width, Height: g.height, Depth: 1}, targets,
		&gpu.RenderTarget{View: g.depthView, Layout: vk.ImageLayoutDepthAttachmentOptimal, ClearDS: &clearDS})
}

// endGeometry ends the geometry pass and transitions the targets for
// sampling by the lighting pass.
func (g *GBuffer) endGeometry(rec *gpu.Recorder) {
	rec.EndRendering()
	rec.TransitionLayout(g.color, gpu.LayoutShaderReadOnly)
	rec.TransitionLayout(g.depth, gpu.LayoutShaderReadOnly)
}

// WriteDescriptors binds the GBuffer's array view and the depth
// target's view into the lighting pass's descriptor set.
func (g *GBuffer) WriteDescriptors(layout *gpu.PipelineLayout, setIndex, gbufBinding, depthBinding int, sampler vk.Sampler) {
	layout.WriteImage(setIndex, gbufBinding, 0, gpu.DescCombinedImageSampler, g.arrayView, sampler, vk.ImageLayoutShaderReadOnlyOptimal)
	layout.WriteImage(setIndex, depthBinding, 0, gpu.DescCombinedImageSampler, g.depthView, sampler, vk.ImageLayoutShaderReadOnlyOptimal)
}

func (g *GBuffer) Destroy() {
	if g == nil {
		return
	}
	g.color.Destroy()
	g.depth.Destroy()
	*g = GBuffer{}
}

package renderer

import (
	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/light"
	"github.com/kestrelgfx/kestrel/linear"
)

// shadowMips is the mip count of the shadow-map color array: mip 0
// holds the raw per-texel distance written by the shadow pass, mip 1
// is the output target of the ShadowBlur pipeline, which the frame
// never dispatches (spec.md §6 shadow-map format).
const shadowMips = 2

// ShadowSystem owns the shadow pass's scratch depth target, the
// per-light shadow-map color array, and the blur pipeline, which is
// built and wired with descriptor bindings but never actually
// dispatched (DESIGN.md open-question decision: kept wired, never
// invoked).
type ShadowSystem struct {
	depth *gpu.Image

	maps       *gpu.Image
	layerViews [light.ShadowSlotCount]vk.ImageView // mip 0, one layer, for render targets
	mip0View   vk.ImageView                        // full array, mip 0 only
	mip1View   vk.ImageView                        // full array, mip 1 only
	arrayView  vk.ImageView                        // full array, both mips, for sampling

	pipeline     *gpu.GraphicsPipeline
	layout       *gpu.PipelineLayout
	blurPipeline *gpu.ComputePipeline
	blurLayout   *gpu.PipelineLayout

	vpUBO *gpu.Buffer // current light's view-proj, rewritten before each beginPass
}

func newShadowSystem(ctx *gpu.Context, shaders *shaderSet) (*ShadowSystem, error) {
	depth, err := gpu.NewImage(ctx, gpu.ImageOptions{
		Type:   gpu.Image2D,
		Format: vk.FormatD32Sfloat,
		Extent: gpu.Dim3D{Width: light.ShadowMapSize, Height: light.ShadowMapSize, Depth: 1},
		Usage:  gpu.IUDepthTarget,
	})
	if err != nil {
		return nil, err
	}
	maps, err := gpu.NewImage(ctx, gpu.ImageOptions{
		Type:      gpu.Image2D,
		Format:    vk.FormatR32g32b32a32Sfloat,
		Extent:    gpu.Dim3D{Width: light.ShadowMapSize, Height: light.ShadowMapSize, Depth: 1},
		MipLevels: shadowMips,
		Layers:    light.ShadowSlotCount,
		Usage:     gpu.IUColorTarget | gpu.IUSampled | gpu.IUStorage,
	})
	if err != nil {
		depth.Destroy()
		return nil, err
	}

	s := &ShadowSystem{depth: depth, maps: maps}

	for i := 0; i < light.ShadowSlotCount; i++ {
		v, err := maps.View(gpu.Subresource{ViewType: vk.ImageViewType2d, BaseMip: 0, MipCount: 1, BaseLayer: i, LayerCount: 1})
		if err != nil {
			s.Destroy()
			return nil, err
		}
		s.layerViews[i] = v
	}
	mip0, err := maps.View(gpu.Subresource{ViewType: vk.ImageViewType2dArray, BaseMip: 0, MipCount: 1, BaseLayer: 0, LayerCount: light.ShadowSlotCount})
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.mip0View = mip0
	mip1, err := maps.View(gpu.Subresource{ViewType: vk.ImageViewType2dArray, BaseMip: 1, MipCount: 1, BaseLayer: 0, LayerCount: light.ShadowSlotCount})
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.mip1View = mip1
	arrayView, err := maps.FullView(vk.ImageViewType2dArray)
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.arrayView = arrayView

	layout, err := gpu.NewPipelineLayout(ctx, []*gpu.Shader{shaders.shadowVert, shaders.shadowFrag})
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.layout = layout
	pipeline, err := gpu.NewGraphicsPipeline(ctx, gpu.GraphicsPipelineOptions{
		Vertex: shaders.shadowVert, Fragment: shaders.shadowFrag, Layout: layout,
		VertexBindings: vertexBindings(),
		ColorFormats:   []vk.Format{vk.FormatR32g32b32a32Sfloat},
		DepthFormat:    vk.FormatD32Sfloat,
		DepthTest:      true, DepthWrite: true,
		CullMode: vk.CullModeFrontBit,
	})
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.pipeline = pipeline

	vpUBO, err := gpu.NewBuffer(ctx, 64, gpu.UUniform, gpu.CpuWrite)
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.vpUBO = vpUBO
	s.layout.WriteBuffer(0, 0, gpu.DescUniformBuffer, s.vpUBO, 0, 64)

	blurLayout, err := gpu.NewPipelineLayout(ctx, []*gpu.Shader{shaders.shadowBlurComp})
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.blurLayout = blurLayout
	blurPipeline, err := gpu.NewComputePipeline(ctx, shaders.shadowBlurComp, blurLayout)
	if err != nil {
		s.Destroy()
		return nil, err
	}
	s.blurPipeline = blurPipeline

	// TODO(shadow-blur): the blur pipeline above is built and its
	// descriptors are wired by bindBlurDescriptors, but Frame never
	// dispatches it — mip 1 is sampled with whatever content
	// GenerateMips-style box filtering would have produced, which this
	// pass does not run. Left unresolved per spec.md §9.
	s.bindBlurDescriptors()

	return s, nil
}

func (s *ShadowSystem) bindBlurDescriptors() {
	s.blurLayout.WriteImage(0, 0, 0, gpu.DescStorageImage, s.mip0View, nil, vk.ImageLayoutGeneral)
	s.blurLayout.WriteImage(0, 1, 0, gpu.DescStorageImage, s.mip1View, nil, vk.ImageLayoutGeneral)
}

// beginPass writes viewProj into the shared per-light UBO and begins
// rendering that light's shadow map into slot's layer.
func (s *ShadowSystem) beginPass(rec *gpu.Recorder, slot int32, viewProj *linear.M4) {
	copy(s.vpUBO.Bytes(), structBytes(flattenPtr(viewProj), 64))

	rec.TransitionLayout(s.maps, gpu.LayoutColorAttachment)
	rec.TransitionLayout(s.depth, gpu.LayoutDepthAttachment)
	clear := [4]float32{1, 1, 1, 1}
	clearDS := [2]float32{1, 0}
	depthView, _ := s.depth.View(gpu.Subresource{ViewType: vk.ImageViewType2d, BaseMip: 0, MipCount: 1, BaseLayer: 0, LayerCount: 1})
	rec.BeginRendering(gpu.Dim3D{Width: light.ShadowMapSize, Height: light.ShadowMapSize, Depth: 1},
		[]gpu.RenderTarget{{View: s.layerViews[slot], Layout: vk.ImageLayoutColorAttachmentOptimal, Clear: &clear}},
		&gpu.RenderTarget{View: depthView, Layout: vk.ImageLayoutDepthAttachmentOptimal, ClearDS: &clearDS})
	rec.BindGraphicsPipeline(s.pipeline)
	rec.SetViewportScissor(light.ShadowMapSize, light.ShadowMapSize)
}

func (s *ShadowSystem) endPass(rec *gpu.Recorder) {
	rec.EndRendering()
}

// finish transitions the shadow-map array for sampling by the
// lighting pass, once every registered light's pass has recorded.
func (s *ShadowSystem) finish(rec *gpu.Recorder) {
	rec.TransitionLayout(s.maps, gpu.LayoutShaderReadOnly)
}

// WriteDescriptors binds the shadow-map array into the lighting
// pass's descriptor set.
func (s *ShadowSystem) WriteDescriptors(layout *gpu.PipelineLayout, setIndex, binding int, sampler vk.Sampler) {
	layout.WriteImage(setIndex, binding, 0, gpu.DescCombinedImageSampler, s.arrayView, sampler, vk.ImageLayoutShaderReadOnlyOptimal)
}

func (s *ShadowSystem) Destroy() {
	if s == nil {
		return
	}
	s.pipeline.Destroy()
	s.layout.Destroy()
	s.blurPipeline.Destroy()
	s.blurLayout.Destroy()
	s.vpUBO.Destroy()
	s.depth.Destroy()
	s.maps.Destroy()
	*s = ShadowSystem{}
}

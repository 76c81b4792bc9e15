package texture

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/linear"
	"github.com/kestrelgfx/kestrel/loader"
)

// Cube/LUT sizes for the one-shot IBL bake (spec.md §4.10).
const (
	envCubeSize    = 256
	envCubeMips    = 5
	irradianceSize = 32
	prefilterSize  = 128
	prefilterMips  = 5
	brdfLUTSize    = 512
)

// IBLSet is the four baked images an equirectangular environment map
// produces. Every image ends in ShaderReadOnlyOptimal, ready to wire
// into the lighting pipeline's IBL descriptor slots (cube irradiance,
// cube prefilter, 2D LUT) and the env-map pipeline's skybox slot
// (spec.md §4.10).
type IBLSet struct {
	EnvCube        *gpu.Image
	EnvCubeView    vk.ImageView
	Irradiance     *gpu.Image
	IrradianceView vk.ImageView
	Prefilter      *gpu.Image
	PrefilterView  vk.ImageView
	BRDFLUT        *gpu.Image
	BRDFLUTView    vk.ImageView

	sampler vk.Sampler
}

// Destroy releases the baked images, their sampling views, and the
// sampler wired into them.
func (s *IBLSet) Destroy(ctx *gpu.Context) {
	if s == nil {
		return
	}
	s.EnvCube.Destroy()
	s.Irradiance.Destroy()
	s.Prefilter.Destroy()
	s.BRDFLUT.Destroy()
	destroySampler(ctx, s.sampler)
	*s = IBLSet{}
}

// BakeIBL runs the one-shot equirectangular→cube, irradiance
// convolution, specular prefilter, and BRDF LUT passes described in
// spec.md §4.10, recording all four into a single command buffer
// submitted and waited on before returning. name is looked up through
// env for the source equirectangular HDR image.
func BakeIBL(ctx *gpu.Context, worker *gpu.QueueWorker, shaders loader.ShaderSource, env loader.EnvMapSource, name string) (*IBLSet, error) {
	sh, err := loadIBLShaders(ctx, shaders)
	if err != nil {
		return nil, fmt.Errorf("texture: ibl shaders: %w", err)
	}
	defer destroyIBLShaders(sh)

	width, height, rgb32f, err := env.EnvMap(name)
	if err != nil {
		return nil, fmt.Errorf("texture: loading env map %q: %w", name, err)
	}

	b := &iblBake{ctx: ctx, shaders: sh}
	defer b.destroyScratch()

	if err := b.uploadEquirect(worker, width, height, rgb32f); err != nil {
		return nil, err
	}
	set := &IBLSet{}

	sampler, err := newLinearSampler(ctx)
	if err != nil {
		return nil, err
	}
	set.sampler = sampler
	b.equirectSampler = sampler

	if err := b.buildCubePipelines(); err != nil {
		set.Destroy(ctx)
		return nil, err
	}
	if err := b.buildBRDFPipeline(); err != nil {
		set.Destroy(ctx)
		return nil, err
	}

	rec, err := worker.Begin()
	if err != nil {
		set.Destroy(ctx)
		return nil, err
	}

	set.EnvCube, set.EnvCubeView, err = b.bakeEnvCube(rec)
	if err != nil {
		set.Destroy(ctx)
		return nil, err
	}
	set.Irradiance, set.IrradianceView, err = b.bakeIrradiance(rec)
	if err != nil {
		set.Destroy(ctx)
		return nil, err
	}
	set.Prefilter, set.PrefilterView, err = b.bakePrefilter(rec)
	if err != nil {
		set.Destroy(ctx)
		return nil, err
	}
	set.BRDFLUT, set.BRDFLUTView, err = b.bakeBRDFLUT(rec)
	if err != nil {
		set.Destroy(ctx)
		return nil, err
	}

	if err := worker.Submit(rec, nil, nil, nil); err != nil {
		set.Destroy(ctx)
		return nil, err
	}
	if err := worker.Wait(); err != nil {
		set.Destroy(ctx)
		return nil, err
	}

	return set, nil
}

type iblShaders struct {
	cubeVert       *gpu.Shader
	equirectFrag   *gpu.Shader
	irradianceFrag *gpu.Shader
	prefilterFrag  *gpu.Shader
	brdfVert       *gpu.Shader
	brdfFrag       *gpu.Shader
}

func loadIBLShaders(ctx *gpu.Context, src loader.ShaderSource) (*iblShaders, error) {
	load := func(stage vk.ShaderStageFlagBits, name string) (*gpu.Shader, error) {
		spirv, err := src.Shader(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return gpu.NewShader(ctx, stage, spirv)
	}
	s := &iblShaders{}
	var err error
	if s.cubeVert, err = load(vk.ShaderStageVertexBit, "CubeMap.vert"); err != nil {
		return nil, err
	}
	if s.equirectFrag, err = load(vk.ShaderStageFragmentBit, "EquirectangularToCubeMap.frag"); err != nil {
		return nil, err
	}
	if s.irradianceFrag, err = load(vk.ShaderStageFragmentBit, "Irradiance.frag"); err != nil {
		return nil, err
	}
	if s.prefilterFrag, err = load(vk.ShaderStageFragmentBit, "Prefilter.frag"); err != nil {
		return nil, err
	}
	if s.brdfVert, err = load(vk.ShaderStageVertexBit, "BRDF.vert"); err != nil {
		return nil, err
	}
	if s.brdfFrag, err = load(vk.ShaderStageFragmentBit, "BRDF.frag"); err != nil {
		return nil, err
	}
	return s, nil
}

func destroyIBLShaders(s *iblShaders) {
	if s == nil {
		return
	}
	s.cubeVert.Destroy()
	s.equirectFrag.Destroy()
	s.irradianceFrag.Destroy()
	s.prefilterFrag.Destroy()
	s.brdfVert.Destroy()
	s.brdfFrag.Destroy()
}

// iblBake holds the scratch objects (equirect source image, pipelines,
// layouts) that only live for the duration of one bake.
type iblBake struct {
	ctx     *gpu.Context
	shaders *iblShaders

	equirect        *gpu.Image
	equirectView    vk.ImageView
	equirectSampler vk.Sampler

	cubeLayout       *gpu.PipelineLayout
	equirectPipe     *gpu.GraphicsPipeline
	irradiancePipe   *gpu.GraphicsPipeline
	prefilterPipe    *gpu.GraphicsPipeline
	brdfLayout       *gpu.PipelineLayout
	brdfPipe         *gpu.GraphicsPipeline
}

func (b *iblBake) destroyScratch() {
	b.equirect.Destroy()
	if b.equirectPipe != nil {
		b.equirectPipe.Destroy()
	}
	if b.irradiancePipe != nil {
		b.irradiancePipe.Destroy()
	}
	if b.prefilterPipe != nil {
		b.prefilterPipe.Destroy()
	}
	if b.cubeLayout != nil {
		b.cubeLayout.Destroy()
	}
	if b.brdfPipe != nil {
		b.brdfPipe.Destroy()
	}
	if b.brdfLayout != nil {
		b.brdfLayout.Destroy()
	}
}

// uploadEquirect stages the decoded RGB float triples into an
// R32G32B32A32_SFLOAT 2D image (alpha padded to 1), sampled by the
// equirectangular-to-cube pass.
func (b *iblBake) uploadEquirect(worker *gpu.QueueWorker, width, height int, rgb32f []float32) error {
	img, err := gpu.NewImage(b.ctx, gpu.ImageOptions{
		Type: gpu.Image2D, Format: vk.FormatR32g32b32a32Sfloat,
		Extent: gpu.Dim3D{Width: width, Height: height, Depth: 1},
		Usage:  gpu.IUSampled | gpu.IUTransferDst,
	})
	if err != nil {
		return fmt.Errorf("texture: equirect image: %w", err)
	}
	b.equirect = img

	px := len(rgb32f) / 3
	rgba := make([]float32, px*4)
	for i := 0; i < px; i++ {
		rgba[i*4] = rgb32f[i*3]
		rgba[i*4+1] = rgb32f[i*3+1]
		rgba[i*4+2] = rgb32f[i*3+2]
		rgba[i*4+3] = 1
	}

	rec, err := worker.Begin()
	if err != nil {
		return err
	}
	staging, err := gpu.NewBuffer(b.ctx, int64(len(rgba)*4), gpu.UTransferSrc, gpu.CpuWrite)
	if err != nil {
		return fmt.Errorf("texture: equirect staging: %w", err)
	}
	copy(staging.Bytes(), floatsToBytes(rgba))

	rec.TransitionLayout(img, gpu.LayoutTransferDst)
	rec.CopyBufferToImage(img, staging, 0)
	rec.TransitionLayout(img, gpu.LayoutShaderReadOnly)
	rec.DeferDestroy(staging)

	if err := worker.Submit(rec, nil, nil, nil); err != nil {
		return err
	}
	if err := worker.Wait(); err != nil {
		return err
	}

	view, err := img.FullView(vk.ImageViewType2d)
	if err != nil {
		return fmt.Errorf("texture: equirect view: %w", err)
	}
	b.equirectView = view
	return nil
}

func (b *iblBake) buildCubePipelines() error {
	layout, err := gpu.NewPipelineLayout(b.ctx, []*gpu.Shader{
		b.shaders.cubeVert, b.shaders.equirectFrag, b.shaders.irradianceFrag, b.shaders.prefilterFrag,
	})
	if err != nil {
		return fmt.Errorf("texture: cube pipeline layout: %w", err)
	}
	b.cubeLayout = layout
	layout.WriteImage(0, 0, 0, gpu.DescCombinedImageSampler, b.equirectView, b.equirectSampler, vk.ImageLayoutShaderReadOnlyOptimal)

	b.equirectPipe, err = gpu.NewGraphicsPipeline(b.ctx, gpu.GraphicsPipelineOptions{
		Vertex: b.shaders.cubeVert, Fragment: b.shaders.equirectFrag, Layout: layout,
		ColorFormats: []vk.Format{vk.FormatR16g16b16a16Sfloat},
	})
	if err != nil {
		return fmt.Errorf("texture: equirect pipeline: %w", err)
	}
	b.irradiancePipe, err = gpu.NewGraphicsPipeline(b.ctx, gpu.GraphicsPipelineOptions{
		Vertex: b.shaders.cubeVert, Fragment: b.shaders.irradianceFrag, Layout: layout,
		ColorFormats: []vk.Format{vk.FormatR16g16b16a16Sfloat},
	})
	if err != nil {
		return fmt.Errorf("texture: irradiance pipeline: %w", err)
	}
	b.prefilterPipe, err = gpu.NewGraphicsPipeline(b.ctx, gpu.GraphicsPipelineOptions{
		Vertex: b.shaders.cubeVert, Fragment: b.shaders.prefilterFrag, Layout: layout,
		ColorFormats: []vk.Format{vk.FormatR16g16b16a16Sfloat},
	})
	if err != nil {
		return fmt.Errorf("texture: prefilter pipeline: %w", err)
	}
	return nil
}

func (b *iblBake) buildBRDFPipeline() error {
	layout, err := gpu.NewPipelineLayout(b.ctx, []*gpu.Shader{b.shaders.brdfVert, b.shaders.brdfFrag})
	if err != nil {
		return fmt.Errorf("texture: brdf pipeline layout: %w", err)
	}
	b.brdfLayout = layout
	pipe, err := gpu.NewGraphicsPipeline(b.ctx, gpu.GraphicsPipelineOptions{
		Vertex: b.shaders.brdfVert, Fragment: b.shaders.brdfFrag, Layout: layout,
		ColorFormats: []vk.Format{vk.FormatR32g32Sfloat},
		Topology:     vk.PrimitiveTopologyTriangleStrip,
	})
	if err != nil {
		return fmt.Errorf("texture: brdf pipeline: %w", err)
	}
	b.brdfPipe = pipe
	return nil
}

// renderCubeFaces draws pipe into every face of mip of img using
// proj*view for face f, with an optional extra push-constant tail
// (e.g. roughness) appended after the 64-byte matrix.
func (b *iblBake) renderCubeFaces(rec *gpu.Recorder, img *gpu.Image, pipe *gpu.GraphicsPipeline, mip, size int, extra []byte) error {
	proj := cubeProjection()
	views := cubeFaceViews()
	for f := 0; f < 6; f++ {
		view, err := img.View(gpu.Subresource{ViewType: vk.ImageViewType2d, BaseMip: mip, MipCount: 1, BaseLayer: f, LayerCount: 1})
		if err != nil {
			return fmt.Errorf("texture: cube face view (mip %d face %d): %w", mip, f, err)
		}
		clear := [4]float32{0, 0, 0, 1}
		rec.BeginRendering(gpu.Dim3D{Width: size, Height: size, Depth: 1},
			[]gpu.RenderTarget{{View: view, Layout: vk.ImageLayoutColorAttachmentOptimal, Clear: &clear}}, nil)
		rec.BindGraphicsPipeline(pipe)
		rec.SetViewportScissor(size, size)

		var vp linear.M4
		vp.Mul(&proj, &views[f])
		flat := flattenM4(&vp)
		push := append([]byte{}, unsafe.Slice((*byte)(unsafe.Pointer(&flat)), 64)...)
		push = append(push, extra...)
		rec.PushConstants(b.cubeLayout, vk.ShaderStageVertexBit|vk.ShaderStageFragmentBit, push)

		rec.Draw(36, 1)
		rec.EndRendering()
	}
	return nil
}

func (b *iblBake) bakeEnvCube(rec *gpu.Recorder) (*gpu.Image, vk.ImageView, error) {
	img, err := gpu.NewImage(b.ctx, gpu.ImageOptions{
		Type: gpu.ImageCube, Format: vk.FormatR16g16b16a16Sfloat,
		Extent: gpu.Dim3D{Width: envCubeSize, Height: envCubeSize, Depth: 1},
		MipLevels: envCubeMips, Layers: 1,
		Usage: gpu.IUColorTarget | gpu.IUSampled | gpu.IUTransferSrc | gpu.IUTransferDst,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("texture: env cube image: %w", err)
	}
	rec.TransitionLayout(img, gpu.LayoutColorAttachment)
	if err := b.renderCubeFaces(rec, img, b.equirectPipe, 0, envCubeSize, nil); err != nil {
		img.Destroy()
		return nil, nil, err
	}
	rec.TransitionLayout(img, gpu.LayoutTransferDst)
	rec.GenerateMips(img)

	view, err := img.FullView(vk.ImageViewTypeCube)
	if err != nil {
		img.Destroy()
		return nil, nil, fmt.Errorf("texture: env cube view: %w", err)
	}
	return img, view, nil
}

func (b *iblBake) bakeIrradiance(rec *gpu.Recorder) (*gpu.Image, vk.ImageView, error) {
	img, err := gpu.NewImage(b.ctx, gpu.ImageOptions{
		Type: gpu.ImageCube, Format: vk.FormatR16g16b16a16Sfloat,
		Extent: gpu.Dim3D{Width: irradianceSize, Height: irradianceSize, Depth: 1},
		MipLevels: 1, Layers: 1,
		Usage: gpu.IUColorTarget | gpu.IUSampled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("texture: irradiance image: %w", err)
	}
	rec.TransitionLayout(img, gpu.LayoutColorAttachment)
	if err := b.renderCubeFaces(rec, img, b.irradiancePipe, 0, irradianceSize, nil); err != nil {
		img.Destroy()
		return nil, nil, err
	}
	rec.TransitionLayout(img, gpu.LayoutShaderReadOnly)

	view, err := img.FullView(vk.ImageViewTypeCube)
	if err != nil {
		img.Destroy()
		return nil, nil, fmt.Errorf("texture: irradiance view: %w", err)
	}
	return img, view, nil
}

func (b *iblBake) bakePrefilter(rec *gpu.Recorder) (*gpu.Image, vk.ImageView, error) {
	img, err := gpu.NewImage(b.ctx, gpu.ImageOptions{
		Type: gpu.ImageCube, Format: vk.FormatR16g16b16a16Sfloat,
		Extent: gpu.Dim3D{Width: prefilterSize, Height: prefilterSize, Depth: 1},
		MipLevels: prefilterMips, Layers: 1,
		Usage: gpu.IUColorTarget | gpu.IUSampled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("texture: prefilter image: %w", err)
	}
	rec.TransitionLayout(img, gpu.LayoutColorAttachment)
	for m := 0; m < prefilterMips; m++ {
		size := prefilterSize >> m
		if size < 1 {
			size = 1
		}
		roughness := float32(m) / float32(prefilterMips-1)
		extra := unsafe.Slice((*byte)(unsafe.Pointer(&roughness)), 4)
		if err := b.renderCubeFaces(rec, img, b.prefilterPipe, m, size, extra); err != nil {
			img.Destroy()
			return nil, nil, err
		}
	}
	rec.TransitionLayout(img, gpu.LayoutShaderReadOnly)

	view, err := img.FullView(vk.ImageViewTypeCube)
	if err != nil {
		img.Destroy()
		return nil, nil, fmt.Errorf("texture: prefilter view: %w", err)
	}
	return img, view, nil
}

func (b *iblBake) bakeBRDFLUT(rec *gpu.Recorder) (*gpu.Image, vk.ImageView, error) {
	img, err := gpu.NewImage(b.ctx, gpu.ImageOptions{
		Type: gpu.Image2D, Format: vk.FormatR32g32Sfloat,
		Extent: gpu.Dim3D{Width: brdfLUTSize, Height: brdfLUTSize, Depth: 1},
		MipLevels: 1, Layers: 1,
		Usage: gpu.IUColorTarget | gpu.IUSampled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("texture: brdf lut image: %w", err)
	}
	view, err := img.FullView(vk.ImageViewType2d)
	if err != nil {
		img.Destroy()
		return nil, nil, fmt.Errorf("texture: brdf lut view: %w", err)
	}

	rec.TransitionLayout(img, gpu.LayoutColorAttachment)
	clear := [4]float32{0, 0, 0, 0}
	rec.BeginRendering(gpu.Dim3D{Width: brdfLUTSize, Height: brdfLUTSize, Depth: 1},
		[]gpu.RenderTarget{{View: view, Layout: vk.ImageLayoutColorAttachmentOptimal, Clear: &clear}}, nil)
	rec.BindGraphicsPipeline(b.brdfPipe)
	rec.SetViewportScissor(brdfLUTSize, brdfLUTSize)
	rec.Draw(4, 1)
	rec.EndRendering()
	rec.TransitionLayout(img, gpu.LayoutShaderReadOnly)

	return img, view, nil
}

// cubeProjection is the shared 90°-FOV, aspect-1 projection every
// cube face is rendered with.
func cubeProjection() linear.M4 {
	var p linear.M4
	p.Perspective(float32(1.5707963), 1, 0.1, 10)
	return p
}

// cubeFaceViews are the six view matrices looking from the origin
// down each cube face's axis, matching the standard +X,-X,+Y,-Y,+Z,-Z
// cubemap face order.
func cubeFaceViews() [6]linear.M4 {
	eye := linear.V3{0, 0, 0}
	dirs := [6]linear.V3{
		{1, 0, 0}, {-1, 0, 0},
		{0, 1, 0}, {0, -1, 0},
		{0, 0, 1}, {0, 0, -1},
	}
	ups := [6]linear.V3{
		{0, -1, 0}, {0, -1, 0},
		{0, 0, 1}, {0, 0, -1},
		{0, -1, 0}, {0, -1, 0},
	}
	var out [6]linear.M4
	for i := range dirs {
		out[i].LookAt(&eye, &dirs[i], &ups[i])
	}
	return out
}

func floatsToBytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}

// flattenM4 lays m out column-major, matching the GLSL mat4 layout
// the cube/BRDF shaders read (same convention as light/layout.go's
// flatten and renderer/util.go's flattenM4).
func flattenM4(m *linear.M4) [16]float32 {
	var out [16]float32
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			out[c*4+r] = m[c][r]
		}
	}
	return out
}

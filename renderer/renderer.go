// Package renderer assembles the GPU-resource primitives in gpu,
// storage, mesh, texture, material and light into the engine's
// deferred, physically-based frame graph: a shadow pass per
// shadow-casting light, a geometry pass writing the GBuffer, a
// lighting pass resolving it against the light and shadow-map
// uniforms, and an optional environment-map background pass
// (spec.md §4.9).
//
// Setup (building pipelines, samplers, and per-resource managers once)
// and per-frame recording are kept as separate phases, with every
// pass's render targets and descriptor sets built in NewRenderer so
// that Frame only ever records commands.
package renderer

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/light"
	"github.com/kestrelgfx/kestrel/linear"
	"github.com/kestrelgfx/kestrel/loader"
	"github.com/kestrelgfx/kestrel/material"
	"github.com/kestrelgfx/kestrel/mesh"
	"github.com/kestrelgfx/kestrel/texture"
)

// shaderSet holds every SPIR-V module the frame graph needs, loaded
// once at setup time through the loader.ShaderSource boundary.
type shaderSet struct {
	shadowVert, shadowFrag *gpu.Shader
	shadowBlurComp         *gpu.Shader
	geomVert, geomFrag     *gpu.Shader
	lightVert, lightFrag   *gpu.Shader
	envVert, envFrag       *gpu.Shader
}

func loadShaders(ctx *gpu.Context, src loader.ShaderSource) (*shaderSet, error) {
	load := func(stage vk.ShaderStageFlagBits, name string) (*gpu.Shader, error) {
		bytes, err := src.Shader(name)
		if err != nil {
			return nil, fmt.Errorf("renderer: loading shader %q: %w", name, err)
		}
		return gpu.NewShader(ctx, stage, bytes)
	}
	var s shaderSet
	var err error
	if s.shadowVert, err = load(vk.ShaderStageVertexBit, "Shadow.vert"); err != nil {
		return nil, err
	}
	if s.shadowFrag, err = load(vk.ShaderStageFragmentBit, "Shadow.frag"); err != nil {
		return nil, err
	}
	if s.shadowBlurComp, err = load(vk.ShaderStageComputeBit, "ShadowBlur.comp"); err != nil {
		return nil, err
	}
	if s.geomVert, err = load(vk.ShaderStageVertexBit, "Geometry.vert"); err != nil {
		return nil, err
	}
	if s.geomFrag, err = load(vk.ShaderStageFragmentBit, "Geometry.frag"); err != nil {
		return nil, err
	}
	if s.lightVert, err = load(vk.ShaderStageVertexBit, "Lighting.vert"); err != nil {
		return nil, err
	}
	if s.lightFrag, err = load(vk.ShaderStageFragmentBit, "Lighting.frag"); err != nil {
		return nil, err
	}
	if s.envVert, err = load(vk.ShaderStageVertexBit, "EnvMap.vert"); err != nil {
		return nil, err
	}
	if s.envFrag, err = load(vk.ShaderStageFragmentBit, "EnvMap.frag"); err != nil {
		return nil, err
	}
	return &s, nil
}

// Descriptor set indices and bindings. Set 0 is geometry-pass
// per-draw data (camera + bindless textures + materials); set 1 is
// the lighting pass's GBuffer + shadow-map + light-uniform inputs.
const (
	setGeometry = 0
	bindCamera  = 0
	bindTexture = 1
	bindMaterial = 2

	setLighting     = 1
	bindLCamera     = 0
	bindLCameraPos  = 1
	bindLLights     = 2
	bindLGBuffer    = 3
	bindLDepth      = 4
	bindLShadowMaps = 5
	bindLEnvCube    = 6
	bindLIrradiance = 7
	bindLPrefilter  = 8
	bindLBRDFLUT    = 9
)

const maxMaterials = 256

type gpuCamera struct {
	ViewProj [16]float32
	View     [16]float32
	Proj     [16]float32
}

type gpuCameraPos struct {
	Position [3]float32
	_        float32
}

// Camera describes the view the frame is rendered from.
type Camera struct {
	View, Proj linear.M4
	Position   linear.V3
}

// Renderer owns every long-lived GPU resource the frame graph needs
// and records one frame's full pass sequence into a single primary
// command buffer per call to Frame (spec.md §4.9 — see DESIGN.md for
// why this replaces a literal three-secondary-buffer scheme).
type Renderer struct {
	ctx    *gpu.Context
	worker *gpu.QueueWorker
	sc     *gpu.Swapchain

	width, height int

	samplerLinear vk.Sampler
	samplerShadow vk.Sampler

	shaders *shaderSet

	gbuf   *GBuffer
	shadow *ShadowSystem

	queries *QueryPools

	cameraUBO *gpu.Buffer
	camposUBO *gpu.Buffer

	materials    *material.Manager
	materialsBuf *gpu.Buffer

	textures *texture.Manager
	lights   *light.Manager

	geomLayout  *gpu.PipelineLayout
	geomPipe    *gpu.GraphicsPipeline
	lightLayout *gpu.PipelineLayout
	lightPipe   *gpu.GraphicsPipeline
	envLayout   *gpu.PipelineLayout
	envPipe     *gpu.GraphicsPipeline

	meshes *mesh.Manager[Vertex, Instance]

	envCubeView vk.ImageView // nil until SetEnvironment/SetIBL wires one in
	ibl         *texture.IBLSet

	frameSlot int
}

// Options configures NewRenderer.
type Options struct {
	Surface vk.Surface
	Width, Height int
	Shaders loader.ShaderSource
	VertexCapacity, IndexCapacity int
}

// NewRenderer builds every pipeline, render target, and resource
// manager the frame graph needs (spec.md §4.9 setup).
func NewRenderer(ctx *gpu.Context, opts Options) (*Renderer, error) {
	r := &Renderer{ctx: ctx, width: opts.Width, height: opts.Height}

	worker, err := gpu.NewQueueWorker(ctx, ctx.Graphics)
	if err != nil {
		return nil, fmt.Errorf("renderer: queue worker: %w", err)
	}
	r.worker = worker

	sc, err := gpu.NewSwapchain(ctx, opts.Surface, opts.Width, opts.Height)
	if err != nil {
		r.Destroy()
		return nil, fmt.Errorf("renderer: swapchain: %w", err)
	}
	r.sc = sc

	r.samplerLinear, err = newLinearSampler(ctx)
	if err != nil {
		r.Destroy()
		return nil, err
	}
	r.samplerShadow, err = newShadowSampler(ctx)
	if err != nil {
		r.Destroy()
		return nil, err
	}

	shaders, err := loadShaders(ctx, opts.Shaders)
	if err != nil {
		r.Destroy()
		return nil, err
	}
	r.shaders = shaders

	r.gbuf, err = newGBuffer(ctx, opts.Width, opts.Height)
	if err != nil {
		r.Destroy()
		return nil, err
	}
	r.shadow, err = newShadowSystem(ctx, shaders)
	if err != nil {
		r.Destroy()
		return nil, err
	}
	r.queries, err = newQueryPools(ctx)
	if err != nil {
		r.Destroy()
		return nil, err
	}

	r.cameraUBO, err = gpu.NewBuffer(ctx, int64(sizeofGpuCamera()), gpu.UUniform, gpu.CpuWrite)
	if err != nil {
		r.Destroy()
		return nil, err
	}
	r.camposUBO, err = gpu.NewBuffer(ctx, int64(sizeofGpuCameraPos()), gpu.UUniform, gpu.CpuWrite)
	if err != nil {
		r.Destroy()
		return nil, err
	}

	r.materials = material.NewManager()
	r.materialsBuf, err = gpu.NewBuffer(ctx, int64(maxMaterials*sizeofMaterial()), gpu.UStorage, gpu.CpuWrite)
	if err != nil {
		r.Destroy()
		return nil, err
	}

	r.lights, err = light.NewManager(ctx)
	if err != nil {
		r.Destroy()
		return nil, err
	}

	rec, err := worker.Begin()
	if err != nil {
		r.Destroy()
		return nil, err
	}
	r.textures, err = texture.NewManager(ctx, rec)
	if err != nil {
		r.Destroy()
		return nil, err
	}
	if err := worker.Submit(rec, nil, nil, nil); err != nil {
		r.Destroy()
		return nil, err
	}
	if err := worker.Wait(); err != nil {
		r.Destroy()
		return nil, err
	}

	r.meshes, err = mesh.NewManager[Vertex, Instance](ctx, opts.VertexCapacity, opts.IndexCapacity)
	if err != nil {
		r.Destroy()
		return nil, err
	}

	if err := r.buildPipelines(); err != nil {
		r.Destroy()
		return nil, err
	}
	r.writeStaticDescriptors()

	return r, nil
}

func (r *Renderer) buildPipelines() error {
	geomLayout, err := gpu.NewPipelineLayout(r.ctx, []*gpu.Shader{r.shaders.geomVert, r.shaders.geomFrag})
	if err != nil {
		return err
	}
	r.geomLayout = geomLayout
	geomPipe, err := gpu.NewGraphicsPipeline(r.ctx, gpu.GraphicsPipelineOptions{
		Vertex: r.shaders.geomVert, Fragment: r.shaders.geomFrag, Layout: geomLayout,
		VertexBindings: vertexBindings(),
		ColorFormats:   []vk.Format{vk.FormatR16g16b16a16Sfloat, vk.FormatR16g16b16a16Sfloat, vk.FormatR16g16b16a16Sfloat},
		DepthFormat:    vk.FormatD32Sfloat,
		DepthTest:      true, DepthWrite: true,
		CullMode: vk.CullModeBackBit,
	})
	if err != nil {
		return err
	}
	r.geomPipe = geomPipe

	lightLayout, err := gpu.NewPipelineLayout(r.ctx, []*gpu.Shader{r.shaders.lightVert, r.shaders.lightFrag})
	if err != nil {
		return err
	}
	r.lightLayout = lightLayout
	lightPipe, err := gpu.NewGraphicsPipeline(r.ctx, gpu.GraphicsPipelineOptions{
		Vertex: r.shaders.lightVert, Fragment: r.shaders.lightFrag, Layout: lightLayout,
		ColorFormats: []vk.Format{r.sc.Format()},
		Topology:     vk.PrimitiveTopologyTriangleStrip,
	})
	if err != nil {
		return err
	}
	r.lightPipe = lightPipe

	envLayout, err := gpu.NewPipelineLayout(r.ctx, []*gpu.Shader{r.shaders.envVert, r.shaders.envFrag})
	if err != nil {
		return err
	}
	r.envLayout = envLayout
	envPipe, err := gpu.NewGraphicsPipeline(r.ctx, gpu.GraphicsPipelineOptions{
		Vertex: r.shaders.envVert, Fragment: r.shaders.envFrag, Layout: envLayout,
		ColorFormats: []vk.Format{r.sc.Format()},
		DepthFormat:  vk.FormatD32Sfloat,
		DepthTest:    true, DepthWrite: false,
		CullMode: vk.CullModeFrontBit,
	})
	if err != nil {
		return err
	}
	r.envPipe = envPipe
	return nil
}

// writeStaticDescriptors binds the resources that never change
// identity across a Renderer's lifetime (buffers, the bindless
// texture table, the GBuffer/shadow-map views).
func (r *Renderer) writeStaticDescriptors() {
	r.geomLayout.WriteBuffer(setGeometry, bindCamera, gpu.DescUniformBuffer, r.cameraUBO, 0, r.cameraUBO.Size())
	r.geomLayout.WriteBuffer(setGeometry, bindMaterial, gpu.DescStorageBuffer, r.materialsBuf, 0, r.materialsBuf.Size())
	r.textures.WriteDescriptors(r.geomLayout, setGeometry, bindTexture)

	r.lightLayout.WriteBuffer(setLighting, bindLCamera, gpu.DescUniformBuffer, r.cameraUBO, 0, r.cameraUBO.Size())
	r.lightLayout.WriteBuffer(setLighting, bindLCameraPos, gpu.DescUniformBuffer, r.camposUBO, 0, r.camposUBO.Size())
	r.lightLayout.WriteBuffer(setLighting, bindLLights, gpu.DescUniformBuffer, r.lights.UniformBuffer(), 0, r.lights.UniformBuffer().Size())
	r.gbuf.WriteDescriptors(r.lightLayout, setLighting, bindLGBuffer, bindLDepth, r.samplerLinear)
	r.shadow.WriteDescriptors(r.lightLayout, setLighting, bindLShadowMaps, r.samplerShadow)
}

// SetEnvironment wires a baked environment cube map's view into the
// env-map background pass. Until called, the env-map pass is skipped.
func (r *Renderer) SetEnvironment(view vk.ImageView) {
	r.envCubeView = view
	r.envLayout.WriteImage(0, 0, 0, gpu.DescCombinedImageSampler, view, r.samplerLinear, vk.ImageLayoutShaderReadOnlyOptimal)
}

// SetIBL wires a texture.BakeIBL result into the lighting pass's
// irradiance/prefilter/BRDF-LUT slots and the env-map pass's skybox
// slot in one call, taking ownership of set (spec.md §4.10). The
// previously wired set, if any, is released.
func (r *Renderer) SetIBL(set *texture.IBLSet) {
	if r.ibl != nil {
		r.ibl.Destroy(r.ctx)
	}
	r.ibl = set
	r.lightLayout.WriteImage(setLighting, bindLIrradiance, 0, gpu.DescCombinedImageSampler, set.IrradianceView, r.samplerLinear, vk.ImageLayoutShaderReadOnlyOptimal)
	r.lightLayout.WriteImage(setLighting, bindLPrefilter, 0, gpu.DescCombinedImageSampler, set.PrefilterView, r.samplerLinear, vk.ImageLayoutShaderReadOnlyOptimal)
	r.lightLayout.WriteImage(setLighting, bindLBRDFLUT, 0, gpu.DescCombinedImageSampler, set.BRDFLUTView, r.samplerLinear, vk.ImageLayoutShaderReadOnlyOptimal)
	r.SetEnvironment(set.EnvCubeView)
}

// CreateMaterial registers m and re-uploads the full material table.
func (r *Renderer) CreateMaterial(m material.Material) material.Handle {
	h := r.materials.Create(m)
	records := r.materials.Records()
	copy(r.materialsBuf.Bytes(), materialsBytes(records))
	return h
}

// Meshes returns the mesh manager, for callers building submeshes and
// instances.
func (r *Renderer) Meshes() *mesh.Manager[Vertex, Instance] { return r.meshes }

// Textures returns the bindless texture manager.
func (r *Renderer) Textures() *texture.Manager { return r.textures }

// Lights returns the light manager.
func (r *Renderer) Lights() *light.Manager { return r.lights }

func (r *Renderer) updateCamera(cam Camera) {
	block := gpuCamera{
		ViewProj: flattenM4(mulM4(&cam.Proj, &cam.View)),
		View:     flattenM4(&cam.View),
		Proj:     flattenM4(&cam.Proj),
	}
	copy(r.cameraUBO.Bytes(), structBytes(&block, sizeofGpuCamera()))
	pos := gpuCameraPos{Position: [3]float32{cam.Position[0], cam.Position[1], cam.Position[2]}}
	copy(r.camposUBO.Bytes(), structBytes(&pos, sizeofGpuCameraPos()))
}

// ShadowCaster identifies one light's shadow-map slot and the
// light-space matrix to render it with; Frame's caller assembles this
// list from whatever lights it registered shadow maps for via
// light.Manager's Register*Shadow calls.
type ShadowCaster struct {
	Slot     int32
	ViewProj linear.M4
}

// Frame records and submits one frame: the shadow pass for every
// registered shadow-casting light, the geometry pass into the
// GBuffer, the lighting pass resolving it to the acquired swapchain
// image, and — when an environment cube has been wired in — the
// background env-map pass, then presents (spec.md §4.9 per-frame).
func (r *Renderer) Frame(cam Camera, casters []ShadowCaster) (FrameStats, error) {
	r.updateCamera(cam)
	r.lights.Upload()

	idx, img, ok, err := r.sc.AcquireNext(r.frameSlot)
	if err != nil {
		return FrameStats{}, fmt.Errorf("renderer: acquire: %w", err)
	}
	if !ok {
		if err := r.sc.Rebuild(r.width, r.height); err != nil {
			return FrameStats{}, err
		}
		return FrameStats{}, nil
	}

	rec, err := r.worker.Begin()
	if err != nil {
		return FrameStats{}, err
	}

	r.queries.resetAll(rec)
	r.queries.timestamp(rec, tsFrameStart)

	for _, caster := range casters {
		if caster.Slot < 0 {
			continue
		}
		rec.BeginQuery(r.queries.shadowStats, 0)
		r.shadow.beginPass(rec, caster.Slot, &caster.ViewProj)
		rec.BindDescriptorSet(r.shadow.layout, vk.PipelineBindPointGraphics, 0)
		r.meshes.Draw(rec, r.shadow.layout, vk.ShaderStageVertexBit)
		r.shadow.endPass(rec)
		rec.EndQuery(r.queries.shadowStats, 0)
	}
	r.shadow.finish(rec)
	r.queries.timestamp(rec, tsAfterShadow)

	rec.BeginQuery(r.queries.geomStats, 0)
	r.gbuf.beginGeometry(rec)
	rec.BindGraphicsPipeline(r.geomPipe)
	rec.SetViewportScissor(r.width, r.height)
	rec.BindDescriptorSet(r.geomLayout, vk.PipelineBindPointGraphics, setGeometry)
	r.meshes.Draw(rec, r.geomLayout, vk.ShaderStageVertexBit)
	r.gbuf.endGeometry(rec)
	rec.EndQuery(r.queries.geomStats, 0)
	r.queries.timestamp(rec, tsAfterGeometry)

	rec.TransitionLayout(img, gpu.LayoutColorAttachment)
	clear := [4]float32{0, 0, 0, 1}
	rec.BeginRendering(r.sc.Extent(), []gpu.RenderTarget{{
		View: mustSwapchainView(img), Layout: vk.ImageLayoutColorAttachmentOptimal, Clear: &clear,
	}}, nil)

	rec.BeginQuery(r.queries.lightStats, 0)
	rec.BindGraphicsPipeline(r.lightPipe)
	rec.SetViewportScissor(r.width, r.height)
	rec.BindDescriptorSet(r.lightLayout, vk.PipelineBindPointGraphics, setLighting)
	rec.Draw(4, 1)
	rec.EndQuery(r.queries.lightStats, 0)
	r.queries.timestamp(rec, tsAfterLighting)

	if r.envCubeView != nil {
		rec.BindGraphicsPipeline(r.envPipe)
		rec.BindDescriptorSet(r.envLayout, vk.PipelineBindPointGraphics, 0)
		rec.Draw(36, 1)
	}

	rec.EndRendering()
	rec.TransitionLayout(img, gpu.LayoutPresentSrc)

	waitStage := []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)}
	if err := r.worker.Submit(rec, []vk.Semaphore{r.sc.AcquireSemaphore(r.frameSlot)}, waitStage,
		[]vk.Semaphore{r.sc.RenderDoneSemaphore(r.frameSlot)}); err != nil {
		return FrameStats{}, err
	}
	presentOK, err := r.sc.Present(r.worker, r.frameSlot, idx)
	if err != nil {
		return FrameStats{}, err
	}
	if !presentOK {
		if err := r.sc.Rebuild(r.width, r.height); err != nil {
			return FrameStats{}, err
		}
	}

	r.frameSlot = (r.frameSlot + 1) % r.sc.ImageCount()

	if err := r.worker.Wait(); err != nil {
		return FrameStats{}, err
	}
	return r.queries.readback()
}

func mustSwapchainView(img *gpu.Image) vk.ImageView {
	v, err := img.FullView(vk.ImageViewType2d)
	if err != nil {
		panic(fmt.Sprintf("renderer: swapchain image view: %v", err))
	}
	return v
}

// Destroy releases every resource the Renderer owns, in reverse
// dependency order.
func (r *Renderer) Destroy() {
	if r == nil {
		return
	}
	r.geomPipe.Destroy()
	r.geomLayout.Destroy()
	r.lightPipe.Destroy()
	r.lightLayout.Destroy()
	r.envPipe.Destroy()
	r.envLayout.Destroy()
	r.meshes.Destroy()
	r.lights.Destroy()
	r.textures.Destroy()
	if r.ibl != nil {
		r.ibl.Destroy(r.ctx)
	}
	r.materialsBuf.Destroy()
	r.cameraUBO.Destroy()
	r.camposUBO.Destroy()
	r.queries.Destroy()
	r.shadow.Destroy()
	r.gbuf.Destroy()
	destroySampler(r.ctx, r.samplerLinear)
	destroySampler(r.ctx, r.samplerShadow)
	destroyShaders(r.shaders)
	r.sc.Destroy()
	r.worker.Destroy()
	*r = Renderer{}
}

func destroyShaders(s *shaderSet) {
	if s == nil {
		return
	}
	for _, sh := range []*gpu.Shader{s.shadowVert, s.shadowFrag, s.shadowBlurComp, s.geomVert, s.geomFrag, s.lightVert, s.lightFrag, s.envVert, s.envFrag} {
		sh.Destroy()
	}
}

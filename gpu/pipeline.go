package gpu

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// VertexBinding describes one vertex buffer binding's stride and the
// attributes read from it.
type VertexBinding struct {
	Binding   int
	Stride    int
	Instanced bool
	Attribs   []VertexAttrib
}

// VertexAttrib binds one shader input Location to an offset within a
// VertexBinding's stride.
type VertexAttrib struct {
	Location int
	Format   vk.Format
	Offset   int
}

// GraphicsPipelineOptions configures NewGraphicsPipeline. Depth test,
// blend, and cull mode are fixed-function choices the builder exposes
// directly rather than through a generic state-block struct, since
// this engine only ever needs a handful of combinations (opaque
// geometry, alpha-blended UI, shadow depth-only).
type GraphicsPipelineOptions struct {
	Vertex   *Shader
	Fragment *Shader
	Layout   *PipelineLayout

	VertexBindings []VertexBinding

	ColorFormats []vk.Format
	DepthFormat  vk.Format // FormatUndefined if no depth attachment

	DepthTest  bool
	DepthWrite bool
	Blend      bool
	CullMode   vk.CullModeFlagBits
	Topology   vk.PrimitiveTopology
}

// GraphicsPipeline is a built VkPipeline for dynamic rendering
// (spec.md §4.7, §9 — no VkRenderPass/VkFramebuffer objects).
type GraphicsPipeline struct {
	ctx    *Context
	handle vk.Pipeline
	layout *PipelineLayout
}

// NewGraphicsPipeline validates the vertex shader's reflected input
// locations against VertexBindings (spec.md §8, testable scenario S4:
// every location the shader declares must resolve to exactly one
// attribute, and no two attributes within a binding may start at the
// same offset) then builds the pipeline.
func NewGraphicsPipeline(ctx *Context, opts GraphicsPipelineOptions) (*GraphicsPipeline, error) {
	if err := validateVertexInputs(opts.Vertex.ReflectInfo().Inputs, opts.VertexBindings); err != nil {
		return nil, err
	}

	var bindings []vk.VertexInputBindingDescription
	var attribs []vk.VertexInputAttributeDescription
	for _, b := range opts.VertexBindings {
		rate := vk.VertexInputRateVertex
		if b.Instanced {
			rate = vk.VertexInputRateInstance
		}
		bindings = append(bindings, vk.VertexInputBindingDescription{
			Binding: uint32(b.Binding), Stride: uint32(b.Stride), InputRate: rate,
		})
		for _, a := range b.Attribs {
			attribs = append(attribs, vk.VertexInputAttributeDescription{
				Location: uint32(a.Location), Binding: uint32(b.Binding),
				Format: a.Format, Offset: uint32(a.Offset),
			})
		}
	}
	vertexInput := &vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   uint32(len(bindings)),
		PVertexBindingDescriptions:      bindings,
		VertexAttributeDescriptionCount: uint32(len(attribs)),
		PVertexAttributeDescriptions:    attribs,
	}

	topology := opts.Topology
	if topology == 0 {
		topology = vk.PrimitiveTopologyTriangleList
	}
	inputAssembly := &vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: topology,
	}

	viewportState := &vk.PipelineViewportStateCreateInfo{
		SType: vk.StructureTypePipelineViewportStateCreateInfo, ViewportCount: 1, ScissorCount: 1,
	}

	cull := opts.CullMode
	raster := &vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		CullMode:    vk.CullModeFlags(cull),
		FrontFace:   vk.FrontFaceCounterClockwise,
		LineWidth:   1,
	}

	multisample := &vk.PipelineMultisampleStateCreateInfo{
		SType: vk.StructureTypePipelineMultisampleStateCreateInfo, RasterizationSamples: vk.SampleCount1Bit,
	}

	depthStencil := &vk.PipelineDepthStencilStateCreateInfo{
		SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:  vk.Bool32(boolToInt(opts.DepthTest)),
		DepthWriteEnable: vk.Bool32(boolToInt(opts.DepthWrite)),
		DepthCompareOp:   vk.CompareOpLess,
	}

	blendAttachments := make([]vk.PipelineColorBlendAttachmentState, len(opts.ColorFormats))
	for i := range blendAttachments {
		a := vk.PipelineColorBlendAttachmentState{
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit | vk.ColorComponentBBit | vk.ColorComponentABit),
		}
		if opts.Blend {
			a.BlendEnable = vk.Bool32(1)
			a.SrcColorBlendFactor = vk.BlendFactorSrcAlpha
			a.DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
			a.ColorBlendOp = vk.BlendOpAdd
			a.SrcAlphaBlendFactor = vk.BlendFactorOne
			a.DstAlphaBlendFactor = vk.BlendFactorZero
			a.AlphaBlendOp = vk.BlendOpAdd
		}
		blendAttachments[i] = a
	}
	colorBlend := &vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: uint32(len(blendAttachments)),
		PAttachments:    blendAttachments,
	}

	dynStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	dynamicState := &vk.PipelineDynamicStateCreateInfo{
		SType: vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynStates)), PDynamicStates: dynStates,
	}

	renderingInfo := &vk.PipelineRenderingCreateInfo{
		SType:                vk.StructureTypePipelineRenderingCreateInfo,
		ColorAttachmentCount: uint32(len(opts.ColorFormats)),
		PColorAttachmentFormats: opts.ColorFormats,
		DepthAttachmentFormat:   opts.DepthFormat,
	}

	stages := []vk.PipelineShaderStageCreateInfo{opts.Vertex.stageInfo(), opts.Fragment.stageInfo()}

	info := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		PNext:               unsafe.Pointer(renderingInfo),
		StageCount:          uint32(len(stages)),
		PStages:             stages,
		PVertexInputState:   vertexInput,
		PInputAssemblyState: inputAssembly,
		PViewportState:      viewportState,
		PRasterizationState: raster,
		PMultisampleState:   multisample,
		PDepthStencilState:  depthStencil,
		PColorBlendState:    colorBlend,
		PDynamicState:       dynamicState,
		Layout:              opts.Layout.handle,
	}
	pipelines := make([]vk.Pipeline, 1)
	if err := checkResult(vk.CreateGraphicsPipelines(ctx.device, nil, 1, []vk.GraphicsPipelineCreateInfo{info}, nil, pipelines)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateGraphicsPipelines: %w", err)
	}
	return &GraphicsPipeline{ctx: ctx, handle: pipelines[0], layout: opts.Layout}, nil
}

// validateVertexInputs checks that every location the vertex shader
// declares is covered by exactly one VertexAttrib across all
// bindings, that the bound attribute supplies the same number of
// components the shader declares (a vertex buffer may still narrow
// their bit width, e.g. packing a vec4 input as R16G16B16A16_SFLOAT —
// the input assembler converts on read, so only the component count
// has to agree), and that no two attributes in the same binding
// start at the same offset (spec.md §8, testable scenario S4).
// Attributes whose byte ranges overlap but start at different offsets
// are not detected.
func validateVertexInputs(declared []VertexInput, bindings []VertexBinding) error {
	offsetsByBinding := map[int][]VertexAttrib{}
	locationSeen := map[int]bool{}
	for _, b := range bindings {
		offsetsByBinding[b.Binding] = append(offsetsByBinding[b.Binding], b.Attribs...)
		for _, a := range b.Attribs {
			if locationSeen[a.Location] {
				return fmt.Errorf("gpu: vertex location %d bound by more than one attribute", a.Location)
			}
			locationSeen[a.Location] = true
		}
	}
	attribByLocation := map[int]VertexAttrib{}
	for _, b := range bindings {
		for _, a := range b.Attribs {
			attribByLocation[a.Location] = a
		}
	}
	for _, d := range declared {
		if !locationSeen[d.Location] {
			return fmt.Errorf("gpu: vertex shader location %d has no matching attribute binding", d.Location)
		}
		a := attribByLocation[d.Location]
		dn, dok := formatComponents(d.Format)
		an, aok := formatComponents(a.Format)
		if dok && aok && dn != an {
			return fmt.Errorf("gpu: vertex location %d declares %d components but binding supplies format %d (%d components)",
				d.Location, dn, a.Format, an)
		}
	}
	for binding, attrs := range offsetsByBinding {
		for i := range attrs {
			for j := range attrs {
				if i == j {
					continue
				}
				if attrs[i].Offset == attrs[j].Offset {
					return fmt.Errorf("gpu: binding %d attributes %d and %d share offset %d",
						binding, attrs[i].Location, attrs[j].Location, attrs[i].Offset)
				}
			}
		}
	}
	return nil
}

// formatComponents returns the number of numeric components a vertex
// format carries, for every format this engine's shaders or vertex
// layouts currently use. Unrecognized formats report ok=false so
// validateVertexInputs skips the comparison rather than rejecting a
// format it doesn't know about.
func formatComponents(f vk.Format) (int, bool) {
	switch f {
	case vk.FormatR32Sfloat, vk.FormatR32Sint, vk.FormatR32Uint:
		return 1, true
	case vk.FormatR32g32Sfloat, vk.FormatR32g32Sint, vk.FormatR32g32Uint, vk.FormatR16g16Sfloat:
		return 2, true
	case vk.FormatR32g32b32Sfloat, vk.FormatR32g32b32Sint, vk.FormatR32g32b32Uint:
		return 3, true
	case vk.FormatR32g32b32a32Sfloat, vk.FormatR32g32b32a32Sint, vk.FormatR32g32b32a32Uint,
		vk.FormatR16g16b16a16Sfloat:
		return 4, true
	default:
		return 0, false
	}
}

// Handle returns the underlying vk.Pipeline.
func (p *GraphicsPipeline) Handle() vk.Pipeline { return p.handle }

// Layout returns the pipeline's PipelineLayout.
func (p *GraphicsPipeline) Layout() *PipelineLayout { return p.layout }

// Destroy releases the pipeline. Its PipelineLayout is owned
// separately and is not destroyed here, since several pipelines
// sharing a layout is the common case (spec.md §4.7).
func (p *GraphicsPipeline) Destroy() {
	if p == nil || p.handle == nil {
		return
	}
	vk.DestroyPipeline(p.ctx.device, p.handle, nil)
	*p = GraphicsPipeline{}
}

// ComputePipeline wraps a single compute shader stage.
type ComputePipeline struct {
	ctx    *Context
	handle vk.Pipeline
	layout *PipelineLayout
}

// NewComputePipeline builds a compute pipeline from a single shader.
func NewComputePipeline(ctx *Context, shader *Shader, layout *PipelineLayout) (*ComputePipeline, error) {
	info := vk.ComputePipelineCreateInfo{
		SType:  vk.StructureTypeComputePipelineCreateInfo,
		Stage:  shader.stageInfo(),
		Layout: layout.handle,
	}
	pipelines := make([]vk.Pipeline, 1)
	if err := checkResult(vk.CreateComputePipelines(ctx.device, nil, 1, []vk.ComputePipelineCreateInfo{info}, nil, pipelines)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateComputePipelines: %w", err)
	}
	return &ComputePipeline{ctx: ctx, handle: pipelines[0], layout: layout}, nil
}

// Handle returns the underlying vk.Pipeline.
func (p *ComputePipeline) Handle() vk.Pipeline { return p.handle }

// Layout returns the pipeline's PipelineLayout.
func (p *ComputePipeline) Layout() *PipelineLayout { return p.layout }

// Destroy releases the pipeline.
func (p *ComputePipeline) Destroy() {
	if p == nil || p.handle == nil {
		return
	}
	vk.DestroyPipeline(p.ctx.device, p.handle, nil)
	*p = ComputePipeline{}
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

package renderer

import (
	"unsafe"

	"golang.org/x/image/math/f16"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/linear"
)

// Vertex is the engine's default per-vertex layout: 28 bytes packed
// as half-float position/tangent/normal plus a half-float UV pair
// (spec.md §6). golang.org/x/image/math/f16 supplies the half-float
// conversion.
type Vertex struct {
	Position [4]f16.F16
	Tangent  [4]f16.F16
	Normal   [4]f16.F16
	UV       [2]f16.F16
}

// NewVertex packs full-precision attributes into the engine's
// half-float vertex layout.
func NewVertex(pos, tangent, normal *linear.V3, u, v float32) Vertex {
	return Vertex{
		Position: packV3(pos),
		Tangent:  packV3(tangent),
		Normal:   packV3(normal),
		UV:       [2]f16.F16{f16.F16FromFloat32(u), f16.F16FromFloat32(v)},
	}
}

func packV3(v *linear.V3) [4]f16.F16 {
	return [4]f16.F16{
		f16.F16FromFloat32(v[0]), f16.F16FromFloat32(v[1]), f16.F16FromFloat32(v[2]), 0,
	}
}

// Instance is the engine's default per-instance data: one model
// matrix, column-major (spec.md §6).
type Instance struct {
	Model [16]float32
}

// NewInstance flattens m into the column-major layout the vertex
// shader expects.
func NewInstance(m *linear.M4) Instance {
	var out Instance
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			out.Model[c*4+r] = m[c][r]
		}
	}
	return out
}

// vertexBindings describes the default Vertex layout's single
// binding to gpu.NewGraphicsPipeline.
func vertexBindings() []gpu.VertexBinding {
	return []gpu.VertexBinding{{
		Binding: 0,
		Stride:  int(unsafe.Sizeof(Vertex{})),
		Attribs: []gpu.VertexAttrib{
			{Location: 0, Format: vk.FormatR16g16b16a16Sfloat, Offset: 0},
			{Location: 1, Format: vk.FormatR16g16b16a16Sfloat, Offset: 8},
			{Location: 2, Format: vk.FormatR16g16b16a16Sfloat, Offset: 16},
			{Location: 3, Format: vk.FormatR16g16Sfloat, Offset: 24},
		},
	}}
}

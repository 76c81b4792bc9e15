package gpu

import (
	"encoding/binary"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/require"
)

// spirvBuilder assembles a minimal, well-formed SPIR-V word stream by
// hand, just enough of the binary format for reflect to walk: a
// 5-word header followed by instructions of (wordCount<<16 | opcode)
// plus operands.
type spirvBuilder struct {
	words []uint32
}

func newSpirvBuilder(bound uint32) *spirvBuilder {
	return &spirvBuilder{words: []uint32{0x07230203, 0x00010300, 0, bound, 0}}
}

func (b *spirvBuilder) emit(op uint32, operands ...uint32) {
	b.words = append(b.words, (uint32(1+len(operands))<<16)|op)
	b.words = append(b.words, operands...)
}

func (b *spirvBuilder) bytes() []byte {
	out := make([]byte, len(b.words)*4)
	for i, w := range b.words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// TestReflectDerivesVertexInputFormats builds a module with three
// vertex Input variables at locations {0: vec3, 1: vec2, 2: vec4},
// all 32-bit float, and checks that reflect reports the matching
// vk.Format/size per location and that SynthesizeVertexBinding packs
// them with prefix-sum offsets and the combined stride (spec.md §8,
// scenario S4).
func TestReflectDerivesVertexInputFormats(t *testing.T) {
	b := newSpirvBuilder(30)
	const (
		tFloat = 1
		tVec3  = 2
		tVec2  = 3
		tVec4  = 4
		pVec3  = 10
		pVec2  = 11
		pVec4  = 12
		vPos   = 20
		vUV    = 21
		vTan   = 22
	)
	b.emit(opTypeFloat, tFloat, 32)
	b.emit(opTypeVector, tVec3, tFloat, 3)
	b.emit(opTypeVector, tVec2, tFloat, 2)
	b.emit(opTypeVector, tVec4, tFloat, 4)
	b.emit(opTypePointer, pVec3, storageClassInput, tVec3)
	b.emit(opTypePointer, pVec2, storageClassInput, tVec2)
	b.emit(opTypePointer, pVec4, storageClassInput, tVec4)
	b.emit(opVariable, pVec3, vPos, storageClassInput)
	b.emit(opVariable, pVec2, vUV, storageClassInput)
	b.emit(opVariable, pVec4, vTan, storageClassInput)
	b.emit(opDecorate, vPos, decorationLocation, 0)
	b.emit(opDecorate, vUV, decorationLocation, 1)
	b.emit(opDecorate, vTan, decorationLocation, 2)

	info, err := reflect(b.bytes(), vk.ShaderStageVertexBit)
	require.NoError(t, err)
	require.Len(t, info.Inputs, 3)

	byLoc := map[int]VertexInput{}
	for _, in := range info.Inputs {
		byLoc[in.Location] = in
	}
	require.Equal(t, vk.FormatR32g32b32Sfloat, byLoc[0].Format)
	require.Equal(t, 12, byLoc[0].Size)
	require.Equal(t, vk.FormatR32g32Sfloat, byLoc[1].Format)
	require.Equal(t, 8, byLoc[1].Size)
	require.Equal(t, vk.FormatR32g32b32a32Sfloat, byLoc[2].Format)
	require.Equal(t, 16, byLoc[2].Size)

	binding := SynthesizeVertexBinding(0, info.Inputs)
	require.Equal(t, 36, binding.Stride)
	require.Len(t, binding.Attribs, 3)
	require.Equal(t, 0, binding.Attribs[0].Offset)
	require.Equal(t, 12, binding.Attribs[1].Offset)
	require.Equal(t, 20, binding.Attribs[2].Offset)
}

// TestReflectIgnoresFragmentStageInputs checks that Input variables
// are only collected for the vertex stage; a fragment shader's inputs
// (fed by the rasterizer, not a vertex buffer) never appear in
// ReflectInfo.Inputs.
func TestReflectIgnoresFragmentStageInputs(t *testing.T) {
	b := newSpirvBuilder(20)
	b.emit(opTypeFloat, 1, 32)
	b.emit(opTypeVector, 2, 1, 4)
	b.emit(opTypePointer, 10, storageClassInput, 2)
	b.emit(opVariable, 10, 11, storageClassInput)
	b.emit(opDecorate, 11, decorationLocation, 0)

	info, err := reflect(b.bytes(), vk.ShaderStageFragmentBit)
	require.NoError(t, err)
	require.Empty(t, info.Inputs)
}

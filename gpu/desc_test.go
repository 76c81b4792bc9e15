package gpu

import (
	"errors"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/require"
)

// TestPipelineLayoutMergesAgreeingDescriptors checks that two shaders
// declaring the same (set, binding) with matching kind and count are
// accepted by NewPipelineLayout without ErrDescriptorMismatch.
func TestPipelineLayoutMergesAgreeingDescriptors(t *testing.T) {
	vert := &Shader{ctx: tCtx, stage: vk.ShaderStageVertexBit, info: ReflectInfo{
		Descriptors: []DescriptorBinding{{Set: 0, Binding: 0, Kind: DescUniformBuffer, Count: 1}},
	}}
	frag := &Shader{ctx: tCtx, stage: vk.ShaderStageFragmentBit, info: ReflectInfo{
		Descriptors: []DescriptorBinding{{Set: 0, Binding: 0, Kind: DescUniformBuffer, Count: 1}},
	}}

	pl, err := NewPipelineLayout(tCtx, []*Shader{vert, frag})
	require.NoError(t, err)
	defer pl.Destroy()
}

// TestPipelineLayoutMergeFatalOnKindMismatch checks that two shaders
// declaring the same (set, binding) with different descriptor kinds
// fail NewPipelineLayout with ErrDescriptorMismatch rather than
// silently picking one (spec.md §8, testable property 5).
func TestPipelineLayoutMergeFatalOnKindMismatch(t *testing.T) {
	vert := &Shader{ctx: tCtx, stage: vk.ShaderStageVertexBit, info: ReflectInfo{
		Descriptors: []DescriptorBinding{{Set: 0, Binding: 0, Kind: DescUniformBuffer, Count: 1}},
	}}
	frag := &Shader{ctx: tCtx, stage: vk.ShaderStageFragmentBit, info: ReflectInfo{
		Descriptors: []DescriptorBinding{{Set: 0, Binding: 0, Kind: DescStorageBuffer, Count: 1}},
	}}

	_, err := NewPipelineLayout(tCtx, []*Shader{vert, frag})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDescriptorMismatch))
}

// TestPipelineLayoutMergeFatalOnCountMismatch checks the same fatal
// behavior for a mismatched array count at the same (set, binding).
func TestPipelineLayoutMergeFatalOnCountMismatch(t *testing.T) {
	vert := &Shader{ctx: tCtx, stage: vk.ShaderStageVertexBit, info: ReflectInfo{
		Descriptors: []DescriptorBinding{{Set: 1, Binding: 2, Kind: DescCombinedImageSampler, Count: 4}},
	}}
	frag := &Shader{ctx: tCtx, stage: vk.ShaderStageFragmentBit, info: ReflectInfo{
		Descriptors: []DescriptorBinding{{Set: 1, Binding: 2, Kind: DescCombinedImageSampler, Count: 8}},
	}}

	_, err := NewPipelineLayout(tCtx, []*Shader{vert, frag})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDescriptorMismatch))
}

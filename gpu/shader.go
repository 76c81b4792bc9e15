package gpu

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// Shader wraps a single SPIR-V module together with the reflection
// data extracted from it. Reflection lets PipelineLayout merge
// several shaders' descriptor requirements without a hand-authored
// binding table (spec.md §4.6).
type Shader struct {
	ctx    *Context
	module vk.ShaderModule
	stage  vk.ShaderStageFlagBits
	info   ReflectInfo
}

// NewShader loads a SPIR-V binary (already compiled offline; this
// module does no GLSL/HLSL compilation, and expects .spv blobs
// shipped alongside the rest of the asset pipeline) and reflects it.
func NewShader(ctx *Context, stage vk.ShaderStageFlagBits, spirv []byte) (*Shader, error) {
	if len(spirv)%4 != 0 {
		return nil, fmt.Errorf("gpu: spirv blob length %d not a multiple of 4", len(spirv))
	}
	info := &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(spirv)),
		PCode:    spirvWords(spirv),
	}
	var module vk.ShaderModule
	if err := checkResult(vk.CreateShaderModule(ctx.device, info, nil, &module)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateShaderModule: %w", err)
	}
	refl, err := reflect(spirv, stage)
	if err != nil {
		vk.DestroyShaderModule(ctx.device, module, nil)
		return nil, fmt.Errorf("gpu: reflecting shader: %w", err)
	}
	return &Shader{ctx: ctx, module: module, stage: stage, info: refl}, nil
}

// Stage returns the shader's pipeline stage.
func (s *Shader) Stage() vk.ShaderStageFlagBits { return s.stage }

// ReflectInfo returns the descriptor/push-constant/interface
// information extracted from the module at load time.
func (s *Shader) ReflectInfo() ReflectInfo { return s.info }

// stageInfo builds the VkPipelineShaderStageCreateInfo this shader
// contributes to a pipeline.
func (s *Shader) stageInfo() vk.PipelineShaderStageCreateInfo {
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  s.stage,
		Module: s.module,
		PName:  safeCString("main"),
	}
}

// Destroy releases the shader module. Reflection data needs no
// cleanup; it holds no Vulkan handles.
func (s *Shader) Destroy() {
	if s == nil || s.module == nil {
		return
	}
	vk.DestroyShaderModule(s.ctx.device, s.module, nil)
	*s = Shader{}
}

// spirvWords reinterprets a little-endian byte slice as the uint32
// words vk.ShaderModuleCreateInfo.PCode expects.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return words
}

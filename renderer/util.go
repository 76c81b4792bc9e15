package renderer

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/linear"
	"github.com/kestrelgfx/kestrel/material"
)

// flattenM4 lays m out column-major, matching the GLSL mat4 layout
// every shader in this package reads.
func flattenM4(m *linear.M4) [16]float32 {
	var out [16]float32
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			out[c*4+r] = m[c][r]
		}
	}
	return out
}

func flattenPtr(m *linear.M4) *[16]float32 {
	out := flattenM4(m)
	return &out
}

func mulM4(l, r *linear.M4) *linear.M4 {
	var out linear.M4
	out.Mul(l, r)
	return &out
}

func structBytes[T any](v *T, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}

func sizeofGpuCamera() int    { var v gpuCamera; return int(unsafe.Sizeof(v)) }
func sizeofGpuCameraPos() int { var v gpuCameraPos; return int(unsafe.Sizeof(v)) }
func sizeofMaterial() int     { var v material.Material; return int(unsafe.Sizeof(v)) }

func materialsBytes(ms []material.Material) []byte {
	if len(ms) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&ms[0])), sizeofMaterial()*len(ms))
}

func newLinearSampler(ctx *gpu.Context) (vk.Sampler, error) {
	info := &vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    vk.FilterLinear,
		MinFilter:    vk.FilterLinear,
		MipmapMode:   vk.SamplerMipmapModeLinear,
		AddressModeU: vk.SamplerAddressModeClampToEdge,
		AddressModeV: vk.SamplerAddressModeClampToEdge,
		AddressModeW: vk.SamplerAddressModeClampToEdge,
		MaxLod:       16,
	}
	return createSampler(ctx, info)
}

// newShadowSampler builds a plain linear sampler for the shadow-map
// array; this engine's shadow test samples the stored distance in the
// shader rather than relying on a hardware depth-compare sampler,
// since the shadow map is a color (distance) target, not a depth
// attachment view (spec.md §6).
func newShadowSampler(ctx *gpu.Context) (vk.Sampler, error) {
	info := &vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    vk.FilterLinear,
		MinFilter:    vk.FilterLinear,
		MipmapMode:   vk.SamplerMipmapModeNearest,
		AddressModeU: vk.SamplerAddressModeClampToBorder,
		AddressModeV: vk.SamplerAddressModeClampToBorder,
		AddressModeW: vk.SamplerAddressModeClampToBorder,
		BorderColor:  vk.BorderColorFloatOpaqueWhite,
		MaxLod:       float32(shadowMips - 1),
	}
	return createSampler(ctx, info)
}

func createSampler(ctx *gpu.Context, info *vk.SamplerCreateInfo) (vk.Sampler, error) {
	var s vk.Sampler
	if res := vk.CreateSampler(ctx.Device(), info, nil, &s); res != vk.Success {
		return nil, fmt.Errorf("gpu: vkCreateSampler: %d", res)
	}
	return s, nil
}

func destroySampler(ctx *gpu.Context, s vk.Sampler) {
	if s != nil {
		vk.DestroySampler(ctx.Device(), s, nil)
	}
}

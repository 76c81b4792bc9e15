package gpu

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// descriptor pool sizing, fixed per spec.md §4.6 rather than computed
// from actual usage: the engine's shader set is small and known ahead
// of time, so a generous fixed pool avoids a second allocation pass.
const (
	poolUniformBuffers        = 64
	poolStorageBuffers        = 64
	poolCombinedImageSamplers = 128
	poolStorageImages         = 128
)

// PipelineLayout merges the descriptor requirements of every shader
// stage handed to NewPipelineLayout into one VkPipelineLayout, one
// VkDescriptorSetLayout per set index, and one bound VkDescriptorSet
// per set index allocated from a dedicated UPDATE_AFTER_BIND pool
// (spec.md §4.6).
//
// When two stages both declare a binding at the same (set, binding),
// their descriptor kind and element count must agree; a mismatch is a
// programmer error in the shader pair and is fatal rather than
// silently resolved (spec.md §8, testable property 5).
type PipelineLayout struct {
	ctx    *Context
	handle vk.PipelineLayout
	pool   vk.DescriptorPool

	setLayouts []vk.DescriptorSetLayout
	sets       []vk.DescriptorSet

	pushStages vk.ShaderStageFlagBits
	pushBytes  int
}

type mergedBinding struct {
	kind   DescriptorKind
	count  int
	stages vk.ShaderStageFlagBits
}

// NewPipelineLayout reflects and merges every shader's descriptor
// usage, then builds the Vulkan objects.
func NewPipelineLayout(ctx *Context, shaders []*Shader) (*PipelineLayout, error) {
	merged := map[int]map[int]*mergedBinding{} // set -> binding -> info
	var pushStages vk.ShaderStageFlagBits
	pushBytes := 0

	for _, sh := range shaders {
		info := sh.ReflectInfo()
		if info.PushConstBytes > 0 {
			pushStages |= sh.stage
			if info.PushConstBytes > pushBytes {
				pushBytes = info.PushConstBytes
			}
		}
		for _, d := range info.Descriptors {
			if merged[d.Set] == nil {
				merged[d.Set] = map[int]*mergedBinding{}
			}
			existing, ok := merged[d.Set][d.Binding]
			if !ok {
				merged[d.Set][d.Binding] = &mergedBinding{kind: d.Kind, count: d.Count, stages: sh.stage}
				continue
			}
			if existing.kind != d.Kind || existing.count != d.Count {
				return nil, fmt.Errorf("%w: set %d binding %d (%v/%d vs %v/%d)",
					ErrDescriptorMismatch, d.Set, d.Binding, existing.kind, existing.count, d.Kind, d.Count)
			}
			existing.stages |= sh.stage
		}
	}

	maxSet := -1
	for set := range merged {
		if set > maxSet {
			maxSet = set
		}
	}

	pl := &PipelineLayout{ctx: ctx, pushStages: pushStages, pushBytes: pushBytes}

	for set := 0; set <= maxSet; set++ {
		bindings := merged[set]
		var vkBindings []vk.DescriptorSetLayoutBinding
		for binding, info := range bindings {
			vkBindings = append(vkBindings, vk.DescriptorSetLayoutBinding{
				Binding:         uint32(binding),
				DescriptorType:  vkDescriptorType(info.kind),
				DescriptorCount: uint32(info.count),
				StageFlags:      vk.ShaderStageFlags(info.stages),
			})
		}
		bindingFlags := make([]vk.DescriptorBindingFlags, len(vkBindings))
		for i := range bindingFlags {
			bindingFlags[i] = vk.DescriptorBindingFlags(vk.DescriptorBindingUpdateAfterBindBit | vk.DescriptorBindingPartiallyBoundBit)
		}
		flagsInfo := &vk.DescriptorSetLayoutBindingFlagsCreateInfo{
			SType:         vk.StructureTypeDescriptorSetLayoutBindingFlagsCreateInfo,
			BindingCount:  uint32(len(bindingFlags)),
			PBindingFlags: bindingFlags,
		}
		layoutInfo := &vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			Flags:        vk.DescriptorSetLayoutCreateFlags(vk.DescriptorSetLayoutCreateUpdateAfterBindPoolBit),
			BindingCount: uint32(len(vkBindings)),
			PBindings:    vkBindings,
		}
		layoutInfo.PNext = unsafe.Pointer(flagsInfo)

		var setLayout vk.DescriptorSetLayout
		if err := checkResult(vk.CreateDescriptorSetLayout(ctx.device, layoutInfo, nil, &setLayout)); err != nil {
			pl.Destroy()
			return nil, fmt.Errorf("gpu: vkCreateDescriptorSetLayout(set=%d): %w", set, err)
		}
		pl.setLayouts = append(pl.setLayouts, setLayout)
	}

	pool, err := newDescriptorPool(ctx, len(pl.setLayouts))
	if err != nil {
		pl.Destroy()
		return nil, err
	}
	pl.pool = pool

	if len(pl.setLayouts) > 0 {
		allocInfo := &vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     pool,
			DescriptorSetCount: uint32(len(pl.setLayouts)),
			PSetLayouts:        pl.setLayouts,
		}
		sets := make([]vk.DescriptorSet, len(pl.setLayouts))
		if err := checkResult(vk.AllocateDescriptorSets(ctx.device, allocInfo, sets)); err != nil {
			pl.Destroy()
			return nil, fmt.Errorf("gpu: vkAllocateDescriptorSets: %w", err)
		}
		pl.sets = sets
	}

	var pushRanges []vk.PushConstantRange
	if pushBytes > 0 {
		pushRanges = []vk.PushConstantRange{{
			StageFlags: vk.ShaderStageFlags(pushStages),
			Offset:     0,
			Size:       uint32(pushBytes),
		}}
	}
	plInfo := &vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(pl.setLayouts)),
		PSetLayouts:            pl.setLayouts,
		PushConstantRangeCount: uint32(len(pushRanges)),
		PPushConstantRanges:    pushRanges,
	}
	var handle vk.PipelineLayout
	if err := checkResult(vk.CreatePipelineLayout(ctx.device, plInfo, nil, &handle)); err != nil {
		pl.Destroy()
		return nil, fmt.Errorf("gpu: vkCreatePipelineLayout: %w", err)
	}
	pl.handle = handle
	return pl, nil
}

func vkDescriptorType(k DescriptorKind) vk.DescriptorType {
	switch k {
	case DescUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	case DescStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	case DescCombinedImageSampler:
		return vk.DescriptorTypeCombinedImageSampler
	case DescStorageImage:
		return vk.DescriptorTypeStorageImage
	default:
		return vk.DescriptorTypeUniformBuffer
	}
}

func newDescriptorPool(ctx *Context, setCount int) (vk.DescriptorPool, error) {
	sizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: poolUniformBuffers},
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: poolStorageBuffers},
		{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: poolCombinedImageSamplers},
		{Type: vk.DescriptorTypeStorageImage, DescriptorCount: poolStorageImages},
	}
	info := &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateUpdateAfterBindBit),
		MaxSets:       uint32(max(setCount, 1)),
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	if err := checkResult(vk.CreateDescriptorPool(ctx.device, info, nil, &pool)); err != nil {
		return nil, fmt.Errorf("gpu: vkCreateDescriptorPool: %w", err)
	}
	return pool, nil
}

// WriteBuffer updates a uniform/storage buffer binding in the set for
// the given set index.
func (pl *PipelineLayout) WriteBuffer(setIndex, binding int, kind DescriptorKind, buf *Buffer, offset, size int64) {
	info := vk.DescriptorBufferInfo{Buffer: buf.handle, Offset: vk.DeviceSize(offset), Range: vk.DeviceSize(size)}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          pl.sets[setIndex],
		DstBinding:      uint32(binding),
		DescriptorCount: 1,
		DescriptorType:  vkDescriptorType(kind),
		PBufferInfo:     []vk.DescriptorBufferInfo{info},
	}
	vk.UpdateDescriptorSets(pl.ctx.device, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

// WriteImage updates a sampled/storage image binding at the given
// array element within a binding.
func (pl *PipelineLayout) WriteImage(setIndex, binding, arrayElem int, kind DescriptorKind, view vk.ImageView, sampler vk.Sampler, layout vk.ImageLayout) {
	info := vk.DescriptorImageInfo{ImageView: view, Sampler: sampler, ImageLayout: layout}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          pl.sets[setIndex],
		DstBinding:      uint32(binding),
		DstArrayElement: uint32(arrayElem),
		DescriptorCount: 1,
		DescriptorType:  vkDescriptorType(kind),
		PImageInfo:      []vk.DescriptorImageInfo{info},
	}
	vk.UpdateDescriptorSets(pl.ctx.device, 1, []vk.WriteDescriptorSet{write}, 0, nil)
}

// Handle returns the underlying vk.PipelineLayout.
func (pl *PipelineLayout) Handle() vk.PipelineLayout { return pl.handle }

// Destroy releases the pipeline layout, its set layouts, and its
// descriptor pool (which implicitly frees every set allocated from
// it).
func (pl *PipelineLayout) Destroy() {
	if pl == nil {
		return
	}
	if pl.handle != nil {
		vk.DestroyPipelineLayout(pl.ctx.device, pl.handle, nil)
	}
	for _, l := range pl.setLayouts {
		vk.DestroyDescriptorSetLayout(pl.ctx.device, l, nil)
	}
	if pl.pool != nil {
		vk.DestroyDescriptorPool(pl.ctx.device, pl.pool, nil)
	}
	*pl = PipelineLayout{}
}

package gpu

import (
	"encoding/binary"
	"fmt"
	"sort"

	vk "github.com/goki/vulkan"
)

// DescriptorKind is the subset of VkDescriptorType this reflector
// recognizes. Sampler arrays, input attachments, and acceleration
// structures are out of scope for this engine's shaders (spec.md
// §4.6) and are skipped rather than rejected, so a shader using them
// for something this reflector doesn't care about still loads.
type DescriptorKind int

const (
	DescUniformBuffer DescriptorKind = iota
	DescStorageBuffer
	DescCombinedImageSampler
	DescStorageImage
)

// DescriptorBinding is one (set, binding) pair a shader references.
type DescriptorBinding struct {
	Set     int
	Binding int
	Kind    DescriptorKind
	Count   int // array size; 1 for a scalar binding
}

// VertexInput describes one Input-storage-class variable with a
// Location decoration, used to validate a GraphicsPipeline's vertex
// input bindings against the vertex shader's actual interface
// (spec.md §8, testable scenario S4).
type VertexInput struct {
	Location int
	Format   vk.Format
	Size     int // bytes; used to synthesize a tightly packed binding
}

// ReflectInfo is everything PipelineLayout and GraphicsPipeline need
// from a compiled shader module, extracted once at load time instead
// of re-walked per pipeline build.
type ReflectInfo struct {
	Descriptors    []DescriptorBinding
	PushConstBytes int
	Inputs         []VertexInput // only populated for vertex-stage shaders
}

// spirv op codes this reflector understands. Everything else is
// skipped by its operand word count, which SPIR-V's instruction
// header always encodes, so an unrecognized opcode never desyncs the
// walk.
const (
	opName               = 5
	opMemberName         = 6
	opDecorate           = 71
	opMemberDecorate     = 72
	opTypeVector         = 23
	opTypeMatrix         = 24
	opTypeImage          = 25
	opTypeSampledImage   = 27
	opTypeArray          = 28
	opTypeRuntimeArray   = 29
	opTypeStruct         = 30
	opTypePointer        = 32
	opVariable           = 59
	opTypeFloat          = 22
	opTypeInt            = 21
	opConstant           = 43
)

const (
	decorationBinding       = 33
	decorationDescriptorSet = 34
	decorationLocation      = 30
)

const (
	storageClassUniformConstant = 0
	storageClassInput           = 1
	storageClassUniform         = 2
	storageClassOutput          = 3
	storageClassPushConstant    = 9
	storageClassStorageBuffer   = 12
)

// spirvType records the handful of fields this reflector needs from
// a SPIR-V type declaration, keyed by result id.
type spirvType struct {
	op        uint32
	elem      uint32 // pointee/element type id, where applicable
	storage   uint32 // for OpTypePointer
	arrayLen  int    // for OpTypeArray; 0 if unknown/runtime
	memberCnt int    // for OpTypeStruct
	width     int    // bit width, for OpTypeFloat/OpTypeInt
	signed    bool   // signedness, for OpTypeInt
	compCount int    // component count, for OpTypeVector
}

// reflect walks a SPIR-V module's binary once, collecting decorations
// and the type/variable graph needed to resolve each resource
// variable to a DescriptorBinding or VertexInput. It implements just
// enough of the SPIR-V specification for this engine's shader
// conventions; it is not a general-purpose SPIR-V reflector.
func reflect(spirv []byte, stage vk.ShaderStageFlagBits) (ReflectInfo, error) {
	if len(spirv) < 20 {
		return ReflectInfo{}, fmt.Errorf("gpu: spirv blob too short")
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}
	if words[0] != 0x07230203 {
		return ReflectInfo{}, fmt.Errorf("gpu: bad spirv magic %#x", words[0])
	}

	types := map[uint32]spirvType{}
	bindingDeco := map[uint32]int{}
	setDeco := map[uint32]int{}
	locationDeco := map[uint32]int{}
	varStorage := map[uint32]uint32{}
	varType := map[uint32]uint32{}
	constants := map[uint32]int{}

	i := 5 // skip header: magic, version, generator, bound, schema
	for i < len(words) {
		instr := words[i]
		wordCount := int(instr >> 16)
		op := instr & 0xFFFF
		if wordCount == 0 {
			break
		}
		switch op {
		case opDecorate:
			target := words[i+1]
			deco := words[i+2]
			switch deco {
			case decorationBinding:
				bindingDeco[target] = int(words[i+3])
			case decorationDescriptorSet:
				setDeco[target] = int(words[i+3])
			case decorationLocation:
				locationDeco[target] = int(words[i+3])
			}
		case opTypePointer:
			id := words[i+1]
			storage := words[i+2]
			pointee := words[i+3]
			types[id] = spirvType{op: op, storage: storage, elem: pointee}
		case opConstant:
			constants[words[i+2]] = int(words[i+3])
		case opTypeArray:
			id := words[i+1]
			elem := words[i+2]
			types[id] = spirvType{op: op, elem: elem, arrayLen: constants[words[i+3]]}
		case opTypeRuntimeArray:
			id := words[i+1]
			elem := words[i+2]
			types[id] = spirvType{op: op, elem: elem, arrayLen: 0}
		case opTypeStruct:
			id := words[i+1]
			types[id] = spirvType{op: op, memberCnt: wordCount - 2}
		case opTypeImage, opTypeSampledImage:
			id := words[i+1]
			types[id] = spirvType{op: op}
		case opTypeFloat:
			id := words[i+1]
			types[id] = spirvType{op: op, width: int(words[i+2])}
		case opTypeInt:
			id := words[i+1]
			types[id] = spirvType{op: op, width: int(words[i+2]), signed: words[i+3] != 0}
		case opTypeVector:
			id := words[i+1]
			compType := words[i+2]
			compCount := int(words[i+3])
			types[id] = spirvType{op: op, elem: compType, compCount: compCount}
		case opVariable:
			resultType := words[i+1]
			id := words[i+2]
			storage := words[i+3]
			varType[id] = resultType
			varStorage[id] = storage
		}
		i += wordCount
	}

	var out ReflectInfo
	for id, storage := range varStorage {
		rt, ok := types[varType[id]]
		if !ok || rt.op != opTypePointer {
			continue
		}
		pointee := types[rt.elem]

		switch storage {
		case storageClassUniformConstant, storageClassUniform, storageClassStorageBuffer:
			set, hasSet := setDeco[id]
			binding, hasBinding := bindingDeco[id]
			if !hasSet || !hasBinding {
				continue
			}
			kind, count, ok := classifyDescriptor(pointee, storage, types)
			if !ok {
				continue
			}
			out.Descriptors = append(out.Descriptors, DescriptorBinding{
				Set: set, Binding: binding, Kind: kind, Count: count,
			})
		case storageClassPushConstant:
			out.PushConstBytes = max(out.PushConstBytes, estimatePushConstantSize(pointee))
		case storageClassInput:
			if stage != vk.ShaderStageVertexBit {
				continue
			}
			loc, ok := locationDeco[id]
			if !ok || loc > 32 {
				continue // locations >32 unsupported by this engine's vertex layout (spec.md §4.6)
			}
			format, size, ok := vertexFormat(pointee, types)
			if !ok {
				continue // unrecognized scalar/vector component type; shader won't validate against a pipeline's bindings
			}
			out.Inputs = append(out.Inputs, VertexInput{Location: loc, Format: format, Size: size})
		}
	}
	return out, nil
}

// vertexFormat derives the vk.Format and byte size of a vertex input
// variable from its pointee type: a scalar OpTypeFloat/OpTypeInt, or
// an OpTypeVector of one of those. Only 32-bit components are
// supported, matching every vertex attribute this engine's shaders
// declare (spec.md §4.6).
func vertexFormat(t spirvType, types map[uint32]spirvType) (vk.Format, int, bool) {
	switch t.op {
	case opTypeFloat:
		if t.width != 32 {
			return 0, 0, false
		}
		return vk.FormatR32Sfloat, 4, true
	case opTypeInt:
		if t.width != 32 {
			return 0, 0, false
		}
		if t.signed {
			return vk.FormatR32Sint, 4, true
		}
		return vk.FormatR32Uint, 4, true
	case opTypeVector:
		comp := types[t.elem]
		if comp.width != 32 {
			return 0, 0, false
		}
		isFloat := comp.op == opTypeFloat
		isInt := comp.op == opTypeInt
		if !isFloat && !isInt {
			return 0, 0, false
		}
		size := 4 * t.compCount
		switch {
		case isFloat && t.compCount == 2:
			return vk.FormatR32g32Sfloat, size, true
		case isFloat && t.compCount == 3:
			return vk.FormatR32g32b32Sfloat, size, true
		case isFloat && t.compCount == 4:
			return vk.FormatR32g32b32a32Sfloat, size, true
		case isInt && comp.signed && t.compCount == 2:
			return vk.FormatR32g32Sint, size, true
		case isInt && comp.signed && t.compCount == 3:
			return vk.FormatR32g32b32Sint, size, true
		case isInt && comp.signed && t.compCount == 4:
			return vk.FormatR32g32b32a32Sint, size, true
		case isInt && !comp.signed && t.compCount == 2:
			return vk.FormatR32g32Uint, size, true
		case isInt && !comp.signed && t.compCount == 3:
			return vk.FormatR32g32b32Uint, size, true
		case isInt && !comp.signed && t.compCount == 4:
			return vk.FormatR32g32b32a32Uint, size, true
		}
		return 0, 0, false
	default:
		return 0, 0, false
	}
}

// SynthesizeVertexBinding builds a single, tightly packed
// VertexBinding from a vertex shader's reflected inputs, ordering
// attributes by Location and assigning each a prefix-sum offset
// (spec.md §8, testable scenario S4). Callers that need multiple
// bindings or instance-rate attributes still build a VertexBinding by
// hand; this only covers the common single-buffer interleaved case.
func SynthesizeVertexBinding(binding int, inputs []VertexInput) VertexBinding {
	ordered := make([]VertexInput, len(inputs))
	copy(ordered, inputs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Location < ordered[j].Location })

	attribs := make([]VertexAttrib, len(ordered))
	offset := 0
	for i, in := range ordered {
		attribs[i] = VertexAttrib{Location: in.Location, Format: in.Format, Offset: offset}
		offset += in.Size
	}
	return VertexBinding{Binding: binding, Stride: offset, Attribs: attribs}
}

func classifyDescriptor(pointee spirvType, storage uint32, types map[uint32]spirvType) (DescriptorKind, int, bool) {
	count := 1
	t := pointee
	if t.op == opTypeArray || t.op == opTypeRuntimeArray {
		count = t.arrayLen
		if count == 0 {
			count = 1
		}
		t = types[t.elem]
	}
	switch t.op {
	case opTypeSampledImage:
		return DescCombinedImageSampler, count, true
	case opTypeImage:
		return DescStorageImage, count, true
	case opTypeStruct:
		if storage == storageClassStorageBuffer {
			return DescStorageBuffer, count, true
		}
		return DescUniformBuffer, count, true
	default:
		return 0, 0, false
	}
}

func estimatePushConstantSize(t spirvType) int {
	// Conservative fixed estimate: this engine's push-constant blocks
	// are capped well under the 128-byte guaranteed minimum
	// (spec.md §4.6), so an exact member-offset walk isn't needed to
	// validate against Limits.MaxPushConstantsSize.
	if t.memberCnt == 0 {
		return 0
	}
	return t.memberCnt * 16
}

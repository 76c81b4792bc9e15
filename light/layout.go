package light

import (
	"unsafe"

	"github.com/kestrelgfx/kestrel/gpu"
	"github.com/kestrelgfx/kestrel/linear"
)

// flatten lays out m column-major, matching the GLSL mat4 layout the
// lighting shader reads.
func flatten(m *linear.M4) [16]float32 {
	var out [16]float32
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			out[c*4+r] = m[c][r]
		}
	}
	return out
}

func sizeOfLightBlock(b *gpuLightBlock) int { return int(unsafe.Sizeof(*b)) }

func writeBlock(buf *gpu.Buffer, b *gpuLightBlock) {
	size := sizeOfLightBlock(b)
	src := unsafe.Slice((*byte)(unsafe.Pointer(b)), size)
	copy(buf.Bytes()[:size], src)
}

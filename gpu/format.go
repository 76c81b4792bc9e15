package gpu

import vk "github.com/goki/vulkan"

// PixelFmt is the engine-facing pixel format enumeration, decoupled
// from vk.Format so callers outside this package never need to import
// github.com/goki/vulkan just to name a render-target format.
type PixelFmt int

const (
	FmtUndefined PixelFmt = iota
	FmtRGBA8Unorm
	FmtRGBA8Srgb
	FmtBGRA8Unorm
	FmtBGRA8Srgb
	FmtRGBA16Float
	FmtRGBA32Float
	FmtRG16Float
	FmtR32Float
	FmtD32Float
	FmtD24UnormS8Uint
)

var pixelFmtTable = map[PixelFmt]vk.Format{
	FmtRGBA8Unorm:     vk.FormatR8g8b8a8Unorm,
	FmtRGBA8Srgb:      vk.FormatR8g8b8a8Srgb,
	FmtBGRA8Unorm:     vk.FormatB8g8r8a8Unorm,
	FmtBGRA8Srgb:      vk.FormatB8g8r8a8Srgb,
	FmtRGBA16Float:    vk.FormatR16g16b16a16Sfloat,
	FmtRGBA32Float:    vk.FormatR32g32b32a32Sfloat,
	FmtRG16Float:      vk.FormatR16g16Sfloat,
	FmtR32Float:       vk.FormatR32Sfloat,
	FmtD32Float:       vk.FormatD32Sfloat,
	FmtD24UnormS8Uint: vk.FormatD24UnormS8Uint,
}

var vkFormatTable = func() map[vk.Format]PixelFmt {
	m := make(map[vk.Format]PixelFmt, len(pixelFmtTable))
	for k, v := range pixelFmtTable {
		m[v] = k
	}
	return m
}()

// convPixelFmt converts an engine PixelFmt to its vk.Format, mirroring
// driver/vk/conv.go's convPixelFmt.
func convPixelFmt(f PixelFmt) vk.Format {
	if vf, ok := pixelFmtTable[f]; ok {
		return vf
	}
	return vk.FormatUndefined
}

// convFromVkFormat is the inverse of convPixelFmt, used when wrapping
// a swapchain's negotiated surface format.
func convFromVkFormat(vf vk.Format) PixelFmt {
	if f, ok := vkFormatTable[vf]; ok {
		return f
	}
	return FmtUndefined
}

// IsDepthFormat reports whether f carries a depth aspect.
func IsDepthFormat(f PixelFmt) bool {
	return f == FmtD32Float || f == FmtD24UnormS8Uint
}

// HasStencil reports whether f carries a stencil aspect.
func HasStencil(f PixelFmt) bool {
	return f == FmtD24UnormS8Uint
}

package texture

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFlatHDR assembles a minimal Radiance file with a width < 8 (so
// DecodeHDR takes the flat-encoding path, not RLE) and the given
// per-pixel RGBE quads, row-major.
func buildFlatHDR(width, height int, quads [][4]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("#?RADIANCE\n")
	buf.WriteString("FORMAT=32-bit_rle_rgbe\n")
	buf.WriteString("\n")
	buf.WriteString("-Y " + itoa(height) + " +X " + itoa(width) + "\n")
	for _, q := range quads {
		buf.Write(q[:])
	}
	return buf.Bytes()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// TestDecodeHDRFlatEncoding checks a small (width < 8, so
// flat-encoded) image decodes to the expected linear RGB values.
func TestDecodeHDRFlatEncoding(t *testing.T) {
	// One fully-saturated red texel: R=255, G=0, B=0, E=128 (exponent
	// bias 128 means a scale factor of 2^(128-136) applied to each
	// mantissa byte — see rgbeToFloat).
	quads := [][4]byte{
		{255, 0, 0, 128},
		{0, 0, 0, 0}, // E==0 encodes pure black regardless of mantissa
	}
	data := buildFlatHDR(2, 1, quads)

	img, err := DecodeHDR(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 2, img.Width)
	require.Equal(t, 1, img.Height)
	require.Len(t, img.Pix, 6)

	r, g, b := img.Pix[0], img.Pix[1], img.Pix[2]
	require.InDelta(t, float32(1.0), r, 0.01)
	require.Equal(t, float32(0), g)
	require.Equal(t, float32(0), b)

	r2, g2, b2 := img.Pix[3], img.Pix[4], img.Pix[5]
	require.Equal(t, float32(0), r2)
	require.Equal(t, float32(0), g2)
	require.Equal(t, float32(0), b2)
}

// TestDecodeHDRRejectsMissingMagic checks that a file lacking the
// "#?" Radiance magic is rejected instead of silently misparsed.
func TestDecodeHDRRejectsMissingMagic(t *testing.T) {
	_, err := DecodeHDR(strings.NewReader("not a radiance file\n"))
	require.Error(t, err)
}

// TestDecodeHDRRejectsUnsupportedResolution checks that a resolution
// line outside the supported "-Y h +X w" orientation is rejected
// rather than silently misinterpreted (spec.md §4.10 treats env maps
// as top-row-first equirectangular only).
func TestDecodeHDRRejectsUnsupportedResolution(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("#?RADIANCE\n\n")
	buf.WriteString("+X 4 -Y 4\n")
	_, err := DecodeHDR(&buf)
	require.Error(t, err)
}

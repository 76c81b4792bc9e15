package texture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// HDRImage is a decoded Radiance RGBE image: width*height float32
// RGB triples (no alpha), row-major, top row first.
type HDRImage struct {
	Width, Height int
	Pix           []float32 // len == Width*Height*3
}

// DecodeHDR reads a Radiance (.hdr/.pic) RGBE-encoded image, the
// format IBL environment maps are supplied in (spec.md §4.10). No
// pack repo ships an HDR decoder — golang.org/x/image covers
// PNG/JPEG/BMP/TIFF/WebP, not Radiance RGBE — so this is a direct,
// stdlib-only port of the format's well-known layout.
func DecodeHDR(r io.Reader) (*HDRImage, error) {
	br := bufio.NewReader(r)

	if err := skipHeader(br); err != nil {
		return nil, fmt.Errorf("texture: hdr header: %w", err)
	}
	width, height, err := readResolution(br)
	if err != nil {
		return nil, fmt.Errorf("texture: hdr resolution: %w", err)
	}

	img := &HDRImage{Width: width, Height: height, Pix: make([]float32, width*height*3)}
	row := make([]byte, width*4)
	for y := 0; y < height; y++ {
		if err := readScanline(br, row, width); err != nil {
			return nil, fmt.Errorf("texture: hdr scanline %d: %w", y, err)
		}
		for x := 0; x < width; x++ {
			r, g, b, e := row[x*4], row[x*4+1], row[x*4+2], row[x*4+3]
			rf, gf, bf := rgbeToFloat(r, g, b, e)
			i := (y*width + x) * 3
			img.Pix[i] = rf
			img.Pix[i+1] = gf
			img.Pix[i+2] = bf
		}
	}
	return img, nil
}

func rgbeToFloat(r, g, b, e byte) (float32, float32, float32) {
	if e == 0 {
		return 0, 0, 0
	}
	f := float32(math.Ldexp(1, int(e)-(128+8)))
	return float32(r) * f, float32(g) * f, float32(b) * f
}

// skipHeader consumes the "#?RADIANCE" magic and variable-declaration
// lines up to the blank line that ends the header.
func skipHeader(br *bufio.Reader) error {
	first, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	if !strings.HasPrefix(first, "#?") {
		return errors.New("missing Radiance magic")
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// readResolution parses a line of the form "-Y <height> +X <width>".
// Flipped/rotated orientations are not supported (spec.md §4.10 treats
// environment maps as equirectangular, top-row-first).
func readResolution(br *bufio.Reader) (width, height int, err error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "-Y" || fields[2] != "+X" {
		return 0, 0, fmt.Errorf("unsupported resolution line %q", strings.TrimSpace(line))
	}
	height, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	width, err = strconv.Atoi(fields[3])
	if err != nil {
		return 0, 0, err
	}
	if width <= 0 || height <= 0 {
		return 0, 0, errors.New("non-positive dimension")
	}
	return width, height, nil
}

// readScanline fills dst (len == width*4, RGBE quads) for one row,
// handling both the legacy flat encoding and the newer per-channel
// run-length encoding Radiance uses for scanlines at least 8 and at
// most 0x7fff pixels wide.
func readScanline(br *bufio.Reader, dst []byte, width int) error {
	if width < 8 || width > 0x7fff {
		return readFlat(br, dst, width)
	}
	var head [4]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return err
	}
	if head[0] != 2 || head[1] != 2 || (int(head[2])<<8|int(head[3])) != width {
		// Not new-style RLE; the 4 bytes already read are the first
		// RGBE quad of a flat-encoded scanline.
		dst[0], dst[1], dst[2], dst[3] = head[0], head[1], head[2], head[3]
		return readFlat(br, dst[4:], width-1)
	}
	for c := 0; c < 4; c++ {
		if err := readRLEChannel(br, dst, c, width); err != nil {
			return err
		}
	}
	return nil
}

func readFlat(br *bufio.Reader, dst []byte, width int) error {
	for x := 0; x < width; x++ {
		var q [4]byte
		if _, err := io.ReadFull(br, q[:]); err != nil {
			return err
		}
		copy(dst[x*4:x*4+4], q[:])
	}
	return nil
}

func readRLEChannel(br *bufio.Reader, dst []byte, channel, width int) error {
	x := 0
	for x < width {
		n, err := br.ReadByte()
		if err != nil {
			return err
		}
		if n > 128 {
			count := int(n) - 128
			v, err := br.ReadByte()
			if err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				dst[(x+i)*4+channel] = v
			}
			x += count
		} else {
			count := int(n)
			for i := 0; i < count; i++ {
				v, err := br.ReadByte()
				if err != nil {
					return err
				}
				dst[(x+i)*4+channel] = v
			}
			x += count
		}
	}
	return nil
}

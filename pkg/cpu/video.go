package cpu

import (
	"image"
	"image/png"
	"os"

	"github.com/kadeangell/hackvm/pkg/memory"
)

// Display dimensions: one framebuffer byte per pixel, row-major.
const (
	DisplayWidth  = 128
	DisplayHeight = 128
)

// rgb332ToRGBA expands an RGB332 byte to four RGBA bytes with rounding
// (channel * 255 / channel-max, rounded to nearest).
func rgb332ToRGBA(val byte) (r, g, b, a byte) {
	r3 := uint16(val>>5) & 0x07
	g3 := uint16(val>>2) & 0x07
	b2 := uint16(val) & 0x03
	r = byte((r3*255 + 3) / 7)
	g = byte((g3*255 + 3) / 7)
	b = byte((b2*255 + 1) / 3)
	a = 0xFF
	return
}

// FramebufferRGBA decodes the framebuffer into a 128×128 RGBA8888 byte slice
// (length 128*128*4) ready for the host's pixel upload.
func (c *CPU) FramebufferRGBA() []byte {
	fb := c.Mem.Framebuffer()
	pixels := make([]byte, DisplayWidth*DisplayHeight*4)
	for i := 0; i < memory.FramebufferSize; i++ {
		r, g, b, a := rgb332ToRGBA(fb[i])
		pixels[i*4+0] = r
		pixels[i*4+1] = g
		pixels[i*4+2] = b
		pixels[i*4+3] = a
	}
	return pixels
}

// FramebufferImage returns the framebuffer as an *image.RGBA.
func (c *CPU) FramebufferImage() *image.RGBA {
	return &image.RGBA{
		Pix:    c.FramebufferRGBA(),
		Stride: DisplayWidth * 4,
		Rect:   image.Rect(0, 0, DisplayWidth, DisplayHeight),
	}
}

// SaveScreenshot encodes the current framebuffer as a PNG and writes it to filename.
func (c *CPU) SaveScreenshot(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, c.FramebufferImage())
}

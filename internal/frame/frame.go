// Package frame holds the decoded frame representation and the deterministic
// per-frame signals derived from it: quality, noise, lighting, weather, time
// of day, camera estimate and motion. Nothing in here calls a model or uses
// randomness, so identical pixels always produce identical signals.
package frame

import (
	"image"
	"image/color"
)

// Frame is a decoded picture with interleaved channels, row-major.
// Three-channel frames are stored BGR, one-channel frames are luma.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// Valid reports whether the dimensions, channel count and pixel buffer agree.
func (f Frame) Valid() bool {
	if f.Width <= 0 || f.Height <= 0 {
		return false
	}
	if f.Channels != 1 && f.Channels != 3 {
		return false
	}
	return len(f.Pix) == f.Width*f.Height*f.Channels
}

// FromImage converts a decoded image into a BGR frame. Grayscale images keep
// a single channel.
func FromImage(img image.Image) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if g, ok := img.(*image.Gray); ok {
		pix := make([]uint8, w*h)
		for y := 0; y < h; y++ {
			off := g.PixOffset(b.Min.X, b.Min.Y+y)
			copy(pix[y*w:(y+1)*w], g.Pix[off:off+w])
		}
		return Frame{Width: w, Height: h, Channels: 1, Pix: pix}
	}

	// Decoded JPEGs land here; reading the planes directly skips the
	// per-pixel interface conversion.
	if yc, ok := img.(*image.YCbCr); ok {
		pix := make([]uint8, 0, w*h*3)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				ci := yc.COffset(x, y)
				r, g, bl := color.YCbCrToRGB(yc.Y[yc.YOffset(x, y)], yc.Cb[ci], yc.Cr[ci])
				pix = append(pix, bl, g, r)
			}
		}
		return Frame{Width: w, Height: h, Channels: 3, Pix: pix}
	}

	pix := make([]uint8, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			pix = append(pix, c.B, c.G, c.R)
		}
	}
	return Frame{Width: w, Height: h, Channels: 3, Pix: pix}
}

// Image returns the frame as an RGBA image, used when a frame has to be
// re-encoded for an external capability.
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	if !f.Valid() {
		return img
	}
	for i, p := 0, 0; i < f.Width*f.Height; i++ {
		o := i * 4
		if f.Channels == 1 {
			v := f.Pix[i]
			img.Pix[o], img.Pix[o+1], img.Pix[o+2] = v, v, v
		} else {
			img.Pix[o] = f.Pix[p+2]
			img.Pix[o+1] = f.Pix[p+1]
			img.Pix[o+2] = f.Pix[p]
			p += 3
		}
		img.Pix[o+3] = 0xff
	}
	return img
}

// Gray is a single-channel luma plane.
type Gray struct {
	Width  int
	Height int
	Pix    []uint8
}

func (g Gray) valid() bool {
	return g.Width > 0 && g.Height > 0 && len(g.Pix) == g.Width*g.Height
}

// Gray converts the frame to luma using the BT.601 weights
// 0.299 R + 0.587 G + 0.114 B. An invalid frame yields an empty plane.
func (f Frame) Gray() Gray {
	if !f.Valid() {
		return Gray{}
	}
	n := f.Width * f.Height
	pix := make([]uint8, n)
	if f.Channels == 1 {
		copy(pix, f.Pix)
		return Gray{Width: f.Width, Height: f.Height, Pix: pix}
	}
	for i := 0; i < n; i++ {
		b := uint32(f.Pix[i*3])
		g := uint32(f.Pix[i*3+1])
		r := uint32(f.Pix[i*3+2])
		pix[i] = uint8((299*r + 587*g + 114*b + 500) / 1000)
	}
	return Gray{Width: f.Width, Height: f.Height, Pix: pix}
}

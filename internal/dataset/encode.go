package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/tiff"

	"github.com/banshee-data/sim-capture/internal/simulator"
)

// Depth encodings.
const (
	DepthPNG  = "png"
	DepthTIFF = "tiff"
)

// depthScale converts metres to the 16-bit millimetre units written to disk.
const depthScale = 1000.0

// ColourImage converts a raw colour buffer to an opaque image. Alpha, when
// present, is dropped so the encoded file carries three colour channels.
func ColourImage(raw *simulator.RawImage) (image.Image, error) {
	if !raw.Valid() {
		return nil, fmt.Errorf("colour buffer does not match %dx%dx%d", raw.Width, raw.Height, raw.Channels)
	}
	img := image.NewNRGBA(image.Rect(0, 0, raw.Width, raw.Height))
	switch raw.Channels {
	case 3, 4:
		for i, o := 0, 0; i < raw.Width*raw.Height; i, o = i+1, o+raw.Channels {
			img.Pix[i*4+0] = raw.Pix[o+0]
			img.Pix[i*4+1] = raw.Pix[o+1]
			img.Pix[i*4+2] = raw.Pix[o+2]
			img.Pix[i*4+3] = 0xff
		}
	default:
		return nil, fmt.Errorf("colour buffer has %d channels, want 3 or 4", raw.Channels)
	}
	return img, nil
}

// AnnotationImage converts a raw annotation buffer without altering its channels.
func AnnotationImage(raw *simulator.RawImage) (image.Image, error) {
	if !raw.Valid() {
		return nil, fmt.Errorf("annotation buffer does not match %dx%dx%d", raw.Width, raw.Height, raw.Channels)
	}
	rect := image.Rect(0, 0, raw.Width, raw.Height)
	switch raw.Channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, raw.Pix)
		return img, nil
	case 3:
		img := image.NewNRGBA(rect)
		for i := 0; i < raw.Width*raw.Height; i++ {
			copy(img.Pix[i*4:i*4+3], raw.Pix[i*3:i*3+3])
			img.Pix[i*4+3] = 0xff
		}
		return img, nil
	case 4:
		img := image.NewNRGBA(rect)
		copy(img.Pix, raw.Pix)
		return img, nil
	}
	return nil, fmt.Errorf("annotation buffer has %d channels", raw.Channels)
}

// DepthImage converts metres to a 16-bit grayscale image in millimetres,
// clamped to the representable range.
func DepthImage(d *simulator.DepthImage) (*image.Gray16, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("depth buffer does not match %dx%d", d.Width, d.Height)
	}
	img := image.NewGray16(image.Rect(0, 0, d.Width, d.Height))
	for i, v := range d.Values {
		mm := float64(v) * depthScale
		switch {
		case math.IsNaN(mm) || mm < 0:
			mm = 0
		case mm > math.MaxUint16:
			mm = math.MaxUint16
		}
		img.SetGray16(i%d.Width, i/d.Width, color.Gray16{Y: uint16(math.Round(mm))})
	}
	return img, nil
}

func encodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

func encodeDepth(w io.Writer, img image.Image, format string) error {
	if format == DepthTIFF {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return png.Encode(w, img)
}

func depthExt(format string) string {
	if format == DepthTIFF {
		return "tiff"
	}
	return "png"
}

package tesseract

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// images narrower than this are upscaled before recognition
	minRecognitionWidth = 1200
	maxUpscaleFactor    = 4.0
)

// prepareImage runs the preprocessing chain on encoded image bytes.
// Undecodable input is passed through untouched for Tesseract to try.
func prepareImage(data []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	out, err := encodePNG(preprocessImage(img))
	if err != nil {
		return data
	}
	return out
}

// preprocessImage converts to grayscale, stretches contrast, sharpens and
// upscales small inputs
func preprocessImage(img image.Image) *image.Gray {
	gray := toGray(img)
	stretchContrast(gray)
	gray = sharpen(gray)
	return upscale(gray)
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x-b.Min.X, y-b.Min.Y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

// stretchContrast maps the darkest pixel to 0 and the lightest to 255
func stretchContrast(img *image.Gray) {
	lo, hi := uint8(255), uint8(0)
	for _, v := range img.Pix {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi <= lo {
		return
	}
	span := int(hi) - int(lo)
	for i, v := range img.Pix {
		img.Pix[i] = uint8((int(v) - int(lo)) * 255 / span)
	}
}

// sharpen applies a 3x3 unsharp kernel; borders are copied as-is
func sharpen(img *image.Gray) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	copy(out.Pix, img.Pix)
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return out
	}

	at := func(x, y int) int { return int(img.Pix[y*img.Stride+x]) }
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := 5*at(x, y) - at(x-1, y) - at(x+1, y) - at(x, y-1) - at(x, y+1)
			out.Pix[y*out.Stride+x] = uint8(max(0, min(255, v)))
		}
	}
	return out
}

func upscale(img *image.Gray) *image.Gray {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || w >= minRecognitionWidth {
		return img
	}
	factor := min(float64(minRecognitionWidth)/float64(w), maxUpscaleFactor)
	dst := image.NewGray(image.Rect(0, 0, int(float64(w)*factor), int(float64(h)*factor)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Package imaging converts arbitrary image files into bounded-dimension
// inline representations suitable for embedding in a message body.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

const jpegQuality = 80

// DecodeError marks input that is not a decodable image. Callers treat it
// as attachment-rejecting and non-fatal.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "not a decodable image: " + e.Reason
}

// Encode decodes src, scales it down so both dimensions fit within
// maxWidth x maxHeight (aspect ratio preserved, never upscaled), and
// returns the result as a base64 JPEG data URI.
func Encode(src []byte, maxWidth, maxHeight int) (string, error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return "", fmt.Errorf("bounds must be positive, got %dx%d", maxWidth, maxHeight)
	}

	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return "", &DecodeError{Reason: err.Error()}
	}

	img = fit(img, maxWidth, maxHeight)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// fit scales img to fit within the bounds. Images already within bounds are
// returned unchanged.
func fit(img image.Image, maxWidth, maxHeight int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxWidth && h <= maxHeight {
		return img
	}

	scale := float64(maxWidth) / float64(w)
	if s := float64(maxHeight) / float64(h); s < scale {
		scale = s
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

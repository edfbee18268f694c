package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"strings"
	"testing"
)

// newTestPNG encodes a white WxH image as PNG bytes.
func newTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, image.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// decodeDataURI extracts the image behind a data:image/jpeg;base64 URI.
func decodeDataURI(t *testing.T, uri string) image.Image {
	t.Helper()
	const prefix = "data:image/jpeg;base64,"
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("unexpected data URI prefix: %.40s", uri)
	}
	raw, err := base64.StdEncoding.DecodeString(uri[len(prefix):])
	if err != nil {
		t.Fatal(err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestEncode_DownscalesToBounds(t *testing.T) {
	src := newTestPNG(t, 1600, 400)
	uri, err := Encode(src, 800, 800)
	if err != nil {
		t.Fatal(err)
	}
	img := decodeDataURI(t, uri)
	b := img.Bounds()
	if b.Dx() > 800 || b.Dy() > 800 {
		t.Errorf("output exceeds bounds: %dx%d", b.Dx(), b.Dy())
	}
	// Aspect ratio 4:1 should survive the rescale.
	if b.Dx() != 800 || b.Dy() != 200 {
		t.Errorf("expected 800x200, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestEncode_NeverUpscales(t *testing.T) {
	src := newTestPNG(t, 100, 50)
	uri, err := Encode(src, 800, 800)
	if err != nil {
		t.Fatal(err)
	}
	img := decodeDataURI(t, uri)
	b := img.Bounds()
	if b.Dx() != 100 || b.Dy() != 50 {
		t.Errorf("image was rescaled: expected 100x50, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestEncode_BothDimensionsGated(t *testing.T) {
	src := newTestPNG(t, 400, 1600)
	uri, err := Encode(src, 800, 800)
	if err != nil {
		t.Fatal(err)
	}
	b := decodeDataURI(t, uri).Bounds()
	if b.Dx() != 200 || b.Dy() != 800 {
		t.Errorf("expected 200x800, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestEncode_NotAnImage(t *testing.T) {
	_, err := Encode([]byte("definitely not an image"), 800, 800)
	if err == nil {
		t.Fatal("expected error for non-image input")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Errorf("expected DecodeError, got %T: %v", err, err)
	}
}

func TestEncode_InvalidBounds(t *testing.T) {
	src := newTestPNG(t, 10, 10)
	if _, err := Encode(src, 0, 800); err == nil {
		t.Error("expected error for zero width bound")
	}
	if _, err := Encode(src, 800, -1); err == nil {
		t.Error("expected error for negative height bound")
	}
	// Bounds errors must not be decode errors: the input was fine.
	_, err := Encode(src, 0, 0)
	var de *DecodeError
	if errors.As(err, &de) {
		t.Error("bounds error should not be a DecodeError")
	}
}

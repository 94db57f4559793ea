// Package photo normalizes capture photos before they are queued.
package photo

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

const (
	// MaxWidth and MaxHeight bound the normalized image.
	MaxWidth  = 640
	MaxHeight = 480

	// Quality is the JPEG encoder quality.
	Quality = 85
)

// ErrUnsupported is returned for payloads that are not png, jpeg or webp.
var ErrUnsupported = errors.New("photo must be png, jpeg, or webp")

// Normalize decodes a capture photo, scales it down to fit within
// MaxWidth x MaxHeight keeping the aspect ratio, and re-encodes it as JPEG.
// Images already inside the bounds are re-encoded without scaling.
func Normalize(raw []byte) ([]byte, error) {
	switch http.DetectContentType(raw) {
	case "image/png", "image/jpeg", "image/webp":
	default:
		return nil, ErrUnsupported
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		decoded, webpErr := webp.Decode(bytes.NewReader(raw))
		if webpErr != nil {
			return nil, fmt.Errorf("decode photo: %w", err)
		}
		img = decoded
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, errors.New("invalid image dimensions")
	}

	w, h := Fit(bounds.Dx(), bounds.Dy())
	out := img
	if w != bounds.Dx() || h != bounds.Dy() {
		resized := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, xdraw.Over, nil)
		out = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, fmt.Errorf("encode photo: %w", err)
	}
	return buf.Bytes(), nil
}

// Fit returns the size of a width x height image scaled down to fit the
// bounds, first by width then by height.
func Fit(width, height int) (int, int) {
	if width > MaxWidth {
		height = height * MaxWidth / width
		width = MaxWidth
	}
	if height > MaxHeight {
		width = width * MaxHeight / height
		height = MaxHeight
	}
	return max(width, 1), max(height, 1)
}

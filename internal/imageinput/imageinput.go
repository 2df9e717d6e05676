// Package imageinput turns the base64 images clients upload into provider
// inputs, rejecting anything that does not decode as an image.
package imageinput

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/provadorai/provador/internal/provider"
)

// DefaultMaxEdge bounds the longest side of an image sent to a provider.
const DefaultMaxEdge = 2048

var (
	ErrMissingImage = errors.New("image is required")
	ErrInvalidImage = errors.New("image could not be decoded")
)

// Decode parses a base64 image, optionally wrapped in a data URL, verifies it
// decodes, and downscales it when its longest edge exceeds maxEdge (0 disables
// resizing). Downscaled images are re-encoded as JPEG.
func Decode(s string, maxEdge int) (provider.Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return provider.Image{}, ErrMissingImage
	}
	if i := strings.IndexByte(s, ','); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return provider.Image{}, fmt.Errorf("%w: bad base64: %v", ErrInvalidImage, err)
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return provider.Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	b := img.Bounds()
	if maxEdge > 0 && (b.Dx() > maxEdge || b.Dy() > maxEdge) {
		return encodeJPEG(imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos))
	}

	return provider.Image{Data: data, MIMEType: http.DetectContentType(data)}, nil
}

func encodeJPEG(img image.Image) (provider.Image, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return provider.Image{}, fmt.Errorf("encode resized image: %w", err)
	}
	return provider.Image{Data: buf.Bytes(), MIMEType: "image/jpeg"}, nil
}

// DataURL renders img as a data URL.
func DataURL(img provider.Image) string {
	mime := img.MIMEType
	if mime == "" {
		mime = http.DetectContentType(img.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Extension returns a file extension for the image's media type.
func Extension(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}

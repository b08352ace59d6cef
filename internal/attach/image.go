package attach

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	_ "golang.org/x/image/webp"
)

const jpegQuality = 85

// EncodeImageFile decodes an image and re-encodes it as a data URL.
func EncodeImageFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return EncodeImage(img)
}

// EncodeImage keeps transparency as PNG and stores opaque images as JPEG.
func EncodeImage(img image.Image) (string, error) {
	var (
		buf  bytes.Buffer
		mime string
	)
	if hasTransparency(img) {
		mime = "image/png"
		if err := png.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("encode png: %w", err)
		}
	} else {
		mime = "image/jpeg"
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return "", fmt.Errorf("encode jpeg: %w", err)
		}
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func hasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

var ErrNotDataURL = errors.New("not a base64 image data URL")

// DecodeDataURL parses "data:image/<fmt>;base64,<payload>" and returns the
// bytes with a file extension for the format.
func DecodeDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "data:image/") {
		return nil, "", ErrNotDataURL
	}
	header, payload, ok := strings.Cut(s, ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, "", ErrNotDataURL
	}
	format := strings.TrimSuffix(strings.TrimPrefix(header, "data:image/"), ";base64")
	ext := "." + format
	if format == "jpeg" {
		ext = ".jpg"
	}
	if _, ok := kindsByExt[ext]; !ok {
		return nil, "", fmt.Errorf("%w: image/%s", ErrUnsupported, format)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	return data, ext, nil
}

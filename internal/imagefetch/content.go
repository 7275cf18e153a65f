package imagefetch

import (
	"bytes"
	"fmt"
	"image"
	// Decoders registered for byte sniffing.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// IsImageType reports whether a declared content type is an image/* type.
func IsImageType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

// SniffImage verifies that body decodes as the image it claims to be. It only
// reads the image header. SVG documents are accepted when they carry an <svg>
// root element; other formats must be known to the registered decoders.
func SniffImage(contentType string, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if mediaType == "image/svg+xml" {
		if bytes.Contains(bytes.ToLower(body[:min(len(body), 4096)]), []byte("<svg")) {
			return nil
		}
		return fmt.Errorf("svg body has no <svg> element")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%s image has invalid dimensions %dx%d", format, cfg.Width, cfg.Height)
	}
	return nil
}

// CheckContent applies the content gate to a captured response. The declared
// header must name an image type; when sniff is set the body must also decode.
func CheckContent(contentType string, body []byte, sniff bool) error {
	if !IsImageType(contentType) {
		return newError(KindNotAnImage, "URL does not point to an image", nil)
	}
	if !sniff {
		return nil
	}
	if err := SniffImage(contentType, body); err != nil {
		return newError(KindNotAnImage, "URL does not point to a valid image", err)
	}
	return nil
}

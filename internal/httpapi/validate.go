package httpapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

// errBadRequest flags a validation failure that the caller maps to 400.
var errBadRequest = errors.New("bad request")

// errPayloadTooLarge flags the one validation failure that maps to 413.
var errPayloadTooLarge = errors.New("payload too large")

const maxRichContentBytes = 10 * 1024 * 1024 // 10 MiB, per the rich-text content bound

var allowedContentTypes = map[string]bool{
	"text":  true,
	"rich":  true,
	"image": true,
}

// validatePasteContent enforces the per-content-type constraints from the
// data model: non-empty trimmed text, a size bound on rich HTML, and a
// structurally valid image behind the optional data-URL prefix. The decoded
// image bytes are discarded — only the original base64 string is ever
// stored.
func validatePasteContent(contentType, content string) error {
	if !allowedContentTypes[contentType] {
		return fmt.Errorf("%w: unknown content_type %q", errBadRequest, contentType)
	}
	switch contentType {
	case "text":
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("%w: text content must not be empty", errBadRequest)
		}
	case "rich":
		if len(content) > maxRichContentBytes {
			return fmt.Errorf("%w: rich content exceeds %d bytes", errPayloadTooLarge, maxRichContentBytes)
		}
	case "image":
		if err := validateImageContent(content); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	return nil
}

func validateImageContent(content string) error {
	b64 := content
	if idx := strings.Index(content, ";base64,"); idx >= 0 && strings.HasPrefix(content, "data:") {
		b64 = content[idx+len(";base64,"):]
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("invalid base64 image content: %w", err)
	}
	if _, _, err := image.DecodeConfig(strings.NewReader(string(decoded))); err != nil {
		return fmt.Errorf("not a recognizable PNG/JPEG/GIF image: %w", err)
	}
	return nil
}

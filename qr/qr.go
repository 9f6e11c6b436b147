// Package qr renders raw scan codes into displayable images.
package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// Renderer turns the raw auth code into something a frontend can display.
// A render failure must never abort a connection attempt; callers fall back
// to forwarding the raw code.
type Renderer interface {
	Render(code string) ([]byte, error)
}

// PNGRenderer encodes codes as PNG QR images.
type PNGRenderer struct {
	// Size is the image edge in pixels; <= 0 uses 256.
	Size int
}

// Render returns PNG bytes for the code.
func (r PNGRenderer) Render(code string) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("empty code")
	}
	size := r.Size
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

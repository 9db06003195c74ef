package utils

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// DefaultQRSize is the edge length in pixels of rendered pairing images.
const DefaultQRSize = 256

// QRDataURL renders a pairing payload as a PNG and returns it as a data URL
// that a browser can put straight into an <img> tag.
func QRDataURL(payload string, size int) (string, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// QRTerminal renders a pairing payload as block characters for a terminal.
func QRTerminal(payload string) (string, error) {
	code, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return code.ToSmallString(false), nil
}

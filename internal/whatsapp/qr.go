package whatsapp

import (
	"encoding/base64"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

const defaultQRSize = 256

// RenderQR turns a pairing code into a PNG data URL the UI can show as-is.
func RenderQR(code string, size int) (string, error) {
	if code == "" {
		return "", errors.New("empty qr code")
	}
	if size <= 0 {
		size = defaultQRSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return "", errors.Wrap(err, "encode qr")
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

package wechat

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// RenderQR renders the login QR payload as a terminal-printable block
// so the operator can scan it with the phone app.
func RenderQR(payload string) (string, error) {
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return qr.ToSmallString(false), nil
}

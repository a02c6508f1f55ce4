package desktop

import (
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/assettrack/scan-relay-go/internal/client"
)

const qrPNGSize = 320

// QRCode is the rendered pairing code shown to the phone.
type QRCode struct {
	PairingID string
	Payload   string
	ExpiresAt time.Time
	PNG       []byte
	// Terminal is a half-block rendering for terminals.
	Terminal string
}

func renderQR(p *client.Pairing) (*QRCode, error) {
	code, err := qrcode.New(p.QRPayload, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	png, err := code.PNG(qrPNGSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return &QRCode{
		PairingID: p.PairingID,
		Payload:   p.QRPayload,
		ExpiresAt: p.ExpiresAt,
		PNG:       png,
		Terminal:  code.ToSmallString(false),
	}, nil
}

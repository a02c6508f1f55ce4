package model

import (
	"encoding/json"
	"time"
)

// QRPayloadType tags the JSON object encoded into the pairing QR code.
const QRPayloadType = "scan_pairing"

type PairingChallenge struct {
	ID         string      `db:"id" json:"id"`
	Challenge  string      `db:"challenge" json:"-"`
	CreatedBy  string      `db:"created_by" json:"created_by"`
	DeviceID   *string     `db:"device_id" json:"device_id,omitempty"`
	Context    ScanContext `db:"context" json:"context"`
	ContextRef *string     `db:"context_ref" json:"context_ref,omitempty"`
	ExpiresAt  time.Time   `db:"expires_at" json:"expires_at"`
	ConsumedAt *time.Time  `db:"consumed_at" json:"consumed_at,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// IsConsumed reports whether the challenge has already been redeemed.
func (c *PairingChallenge) IsConsumed() bool {
	return c.ConsumedAt != nil
}

type CreatePairingChallengeParams struct {
	Challenge  string
	CreatedBy  string
	DeviceID   *string
	Context    ScanContext
	ContextRef *string
	ExpiresAt  time.Time
}

// PairingProof is the (pairing id, challenge) pair carried by the QR code.
// Holding it proves the phone scanned the desktop's code.
type PairingProof struct {
	PairingID string `json:"pairing_id"`
	Challenge string `json:"challenge"`
}

// IsZero reports whether neither half of the proof was supplied.
func (p PairingProof) IsZero() bool {
	return p.PairingID == "" && p.Challenge == ""
}

// Complete reports whether both halves of the proof are present.
func (p PairingProof) Complete() bool {
	return p.PairingID != "" && p.Challenge != ""
}

type QRPayload struct {
	Type      string `json:"type"`
	PairingID string `json:"pairing_id"`
	Challenge string `json:"challenge"`
}

// NewQRPayload builds the JSON text encoded into the pairing QR code.
func NewQRPayload(proof PairingProof) string {
	b, _ := json.Marshal(QRPayload{
		Type:      QRPayloadType,
		PairingID: proof.PairingID,
		Challenge: proof.Challenge,
	})
	return string(b)
}

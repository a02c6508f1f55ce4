package model

import (
	"encoding/json"
	"time"
)

// DamagePhotoType tags the JSON envelope stored in a photo event's barcode.
const DamagePhotoType = "damage_photo"

type ScanEvent struct {
	ID            int64       `db:"id" json:"id"`
	ScanSessionID string      `db:"scan_session_id" json:"scan_session_id"`
	Barcode       string      `db:"barcode" json:"barcode"`
	Source        EventSource `db:"source" json:"source"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}

type CreateScanEventParams struct {
	ScanSessionID string
	Barcode       string
	Source        EventSource
}

type DamagePhotoPayload struct {
	Type     string  `json:"type"`
	Path     string  `json:"path"`
	AssetTag *string `json:"asset_tag"`
}

// EncodeDamagePhoto renders the envelope stored as a photo event's barcode.
func EncodeDamagePhoto(path string, assetTag *string) string {
	b, _ := json.Marshal(DamagePhotoPayload{
		Type:     DamagePhotoType,
		Path:     path,
		AssetTag: assetTag,
	})
	return string(b)
}

// DamagePhoto decodes the photo envelope of a remote_damage_photo event.
// ok is false for plain scans or malformed payloads.
func (e *ScanEvent) DamagePhoto() (DamagePhotoPayload, bool) {
	if e.Source != EventSourceRemoteDamagePhoto {
		return DamagePhotoPayload{}, false
	}
	var p DamagePhotoPayload
	if err := json.Unmarshal([]byte(e.Barcode), &p); err != nil {
		return DamagePhotoPayload{}, false
	}
	if p.Type != DamagePhotoType || p.Path == "" {
		return DamagePhotoPayload{}, false
	}
	return p, true
}

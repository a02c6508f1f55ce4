package model

import (
	"time"
)

// SessionToken is the scan session id used as a bearer credential by the
// phone.
type SessionToken string

func (t SessionToken) String() string {
	return string(t)
}

type ScanSession struct {
	ID                 string        `db:"id" json:"id"`
	CreatedBy          string        `db:"created_by" json:"created_by"`
	DeviceID           *string       `db:"device_id" json:"device_id,omitempty"`
	PairingChallengeID string        `db:"pairing_challenge_id" json:"pairing_challenge_id"`
	Context            ScanContext   `db:"context" json:"context"`
	ContextRef         *string       `db:"context_ref" json:"context_ref,omitempty"`
	Status             SessionStatus `db:"status" json:"status"`
	ExpiresAt          time.Time     `db:"expires_at" json:"expires_at"`
	EndedAt            *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	RemoteMode         RemoteMode    `db:"remote_mode" json:"remote_mode"`
	RemoteAssetTag     *string       `db:"remote_asset_tag" json:"remote_asset_tag,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// IsLive reports whether the session accepts submissions at now.
func (s *ScanSession) IsLive(now time.Time) bool {
	return s.Status == SessionStatusActive && s.ExpiresAt.After(now)
}

// NeedsLazyExpiry reports whether the row still says active although its
// deadline has passed.
func (s *ScanSession) NeedsLazyExpiry(now time.Time) bool {
	return s.Status == SessionStatusActive && !s.ExpiresAt.After(now)
}

// Mode returns the remote mode, defaulting to scan for legacy rows.
func (s *ScanSession) Mode() RemoteMode {
	if s.RemoteMode == "" {
		return RemoteModeScan
	}
	return s.RemoteMode
}

type CreateScanSessionParams struct {
	CreatedBy          string
	DeviceID           *string
	PairingChallengeID string
	Context            ScanContext
	ContextRef         *string
	ExpiresAt          time.Time
}

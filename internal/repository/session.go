package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/assettrack/scan-relay-go/internal/model"
)

type ScanSessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.ScanSession, error)
	FindByPairingChallengeID(ctx context.Context, challengeID string) (*model.ScanSession, error)
	Create(ctx context.Context, params model.CreateScanSessionParams) (*model.ScanSession, error)
	// MarkExpired flips an active session past its deadline to expired.
	// Returns nil when the row was not eligible.
	MarkExpired(ctx context.Context, id string) (*model.ScanSession, error)
	// End moves the session to ended, or keeps it expired. ended_at is only
	// written the first time.
	End(ctx context.Context, id string) (*model.ScanSession, error)
	// SetMode updates the remote mode of a live session. Returns nil when the
	// session is no longer live.
	SetMode(ctx context.Context, id string, mode model.RemoteMode, assetTag *string) (*model.ScanSession, error)
	ExpireOverdue(ctx context.Context) (int64, error)
	FindTerminalWithPhotos(ctx context.Context, endedBefore time.Time, limit int) ([]model.ScanSession, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ScanSessionRepository
}

type scanSessionRepo struct {
	db queryer
}

func NewScanSessionRepository(db *sqlx.DB) ScanSessionRepository {
	return &scanSessionRepo{db: db}
}

func (r *scanSessionRepo) WithTx(tx *sqlx.Tx) ScanSessionRepository {
	return &scanSessionRepo{db: tx}
}

func (r *scanSessionRepo) FindByID(ctx context.Context, id string) (*model.ScanSession, error) {
	var s model.ScanSession
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM scan_sessions WHERE id = $1
	`, id)
	return HandleNotFound(&s, err)
}

func (r *scanSessionRepo) FindByPairingChallengeID(ctx context.Context, challengeID string) (*model.ScanSession, error) {
	var s model.ScanSession
	err := r.db.GetContext(ctx, &s, `
		SELECT * FROM scan_sessions WHERE pairing_challenge_id = $1
	`, challengeID)
	return HandleNotFound(&s, err)
}

func (r *scanSessionRepo) Create(ctx context.Context, params model.CreateScanSessionParams) (*model.ScanSession, error) {
	var s model.ScanSession
	err := r.db.GetContext(ctx, &s, `
		INSERT INTO scan_sessions (created_by, device_id, pairing_challenge_id, context, context_ref, status, expires_at, remote_mode)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, 'scan')
		RETURNING *
	`, params.CreatedBy, params.DeviceID, params.PairingChallengeID, params.Context, params.ContextRef, params.ExpiresAt)
	if err != nil {
		return nil, translateConstraint(err)
	}
	return &s, nil
}

func (r *scanSessionRepo) MarkExpired(ctx context.Context, id string) (*model.ScanSession, error) {
	var s model.ScanSession
	err := r.db.GetContext(ctx, &s, `
		UPDATE scan_sessions SET
			status = 'expired',
			ended_at = COALESCE(ended_at, NOW()),
			updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND expires_at <= NOW()
		RETURNING *
	`, id)
	return HandleNotFound(&s, err)
}

func (r *scanSessionRepo) End(ctx context.Context, id string) (*model.ScanSession, error) {
	var s model.ScanSession
	err := r.db.GetContext(ctx, &s, `
		UPDATE scan_sessions SET
			status = CASE WHEN status = 'expired' THEN 'expired' ELSE 'ended' END,
			ended_at = COALESCE(ended_at, NOW()),
			updated_at = NOW()
		WHERE id = $1
		RETURNING *
	`, id)
	return HandleNotFound(&s, err)
}

func (r *scanSessionRepo) SetMode(ctx context.Context, id string, mode model.RemoteMode, assetTag *string) (*model.ScanSession, error) {
	var s model.ScanSession
	err := r.db.GetContext(ctx, &s, `
		UPDATE scan_sessions SET
			remote_mode = $2,
			remote_asset_tag = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND expires_at > NOW()
		RETURNING *
	`, id, mode, assetTag)
	return HandleNotFound(&s, err)
}

func (r *scanSessionRepo) ExpireOverdue(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scan_sessions SET
			status = 'expired',
			ended_at = COALESCE(ended_at, NOW()),
			updated_at = NOW()
		WHERE status = 'active' AND expires_at <= NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *scanSessionRepo) FindTerminalWithPhotos(ctx context.Context, endedBefore time.Time, limit int) ([]model.ScanSession, error) {
	var sessions []model.ScanSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT s.* FROM scan_sessions s
		WHERE s.status IN ('ended', 'expired')
		AND COALESCE(s.ended_at, s.expires_at) < $1
		AND EXISTS (
			SELECT 1 FROM scan_events e
			WHERE e.scan_session_id = s.id AND e.source = 'remote_damage_photo'
		)
		ORDER BY COALESCE(s.ended_at, s.expires_at)
		LIMIT $2
	`, endedBefore, limit)
	return sessions, err
}

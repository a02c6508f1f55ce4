package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/assettrack/scan-relay-go/internal/model"
)

type ScanEventRepository interface {
	Create(ctx context.Context, params model.CreateScanEventParams) (*model.ScanEvent, error)
	ListAfter(ctx context.Context, sessionID string, afterID int64, limit int) ([]model.ScanEvent, error)
	ListBySource(ctx context.Context, sessionID string, source model.EventSource) ([]model.ScanEvent, error)
	// DeletePhotoEvents removes photo events of the session whose envelope
	// path equals path.
	DeletePhotoEvents(ctx context.Context, sessionID string, path string) (int64, error)
	DeleteByIDs(ctx context.Context, sessionID string, ids []int64) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ScanEventRepository
}

type scanEventRepo struct {
	db queryer
}

func NewScanEventRepository(db *sqlx.DB) ScanEventRepository {
	return &scanEventRepo{db: db}
}

func (r *scanEventRepo) WithTx(tx *sqlx.Tx) ScanEventRepository {
	return &scanEventRepo{db: tx}
}

func (r *scanEventRepo) Create(ctx context.Context, params model.CreateScanEventParams) (*model.ScanEvent, error) {
	var e model.ScanEvent
	err := r.db.GetContext(ctx, &e, `
		INSERT INTO scan_events (scan_session_id, barcode, source)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.ScanSessionID, params.Barcode, params.Source)
	if err != nil {
		return nil, translateConstraint(err)
	}
	return &e, nil
}

func (r *scanEventRepo) ListAfter(ctx context.Context, sessionID string, afterID int64, limit int) ([]model.ScanEvent, error) {
	events := []model.ScanEvent{}
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM scan_events
		WHERE scan_session_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, sessionID, afterID, limit)
	return events, err
}

func (r *scanEventRepo) ListBySource(ctx context.Context, sessionID string, source model.EventSource) ([]model.ScanEvent, error) {
	events := []model.ScanEvent{}
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM scan_events
		WHERE scan_session_id = $1 AND source = $2
		ORDER BY id ASC
	`, sessionID, source)
	return events, err
}

func (r *scanEventRepo) DeletePhotoEvents(ctx context.Context, sessionID string, path string) (int64, error) {
	photos, err := r.ListBySource(ctx, sessionID, model.EventSourceRemoteDamagePhoto)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for i := range photos {
		if payload, ok := photos[i].DamagePhoto(); ok && payload.Path == path {
			ids = append(ids, photos[i].ID)
		}
	}
	return r.DeleteByIDs(ctx, sessionID, ids)
}

func (r *scanEventRepo) DeleteByIDs(ctx context.Context, sessionID string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM scan_events
		WHERE scan_session_id = $1 AND id = ANY($2)
	`, sessionID, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

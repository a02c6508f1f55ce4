package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/assettrack/scan-relay-go/internal/model"
)

type PairingChallengeRepository interface {
	FindByID(ctx context.Context, id string) (*model.PairingChallenge, error)
	Create(ctx context.Context, params model.CreatePairingChallengeParams) (*model.PairingChallenge, error)
	// Consume marks the challenge consumed if and only if it matches, is
	// unconsumed, and has not expired. Losers get nil without error.
	Consume(ctx context.Context, id string, challenge string) (*model.PairingChallenge, error)
	DeleteStale(ctx context.Context) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) PairingChallengeRepository
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type pairingChallengeRepo struct {
	db queryer
}

func NewPairingChallengeRepository(db *sqlx.DB) PairingChallengeRepository {
	return &pairingChallengeRepo{db: db}
}

func (r *pairingChallengeRepo) WithTx(tx *sqlx.Tx) PairingChallengeRepository {
	return &pairingChallengeRepo{db: tx}
}

func (r *pairingChallengeRepo) FindByID(ctx context.Context, id string) (*model.PairingChallenge, error) {
	var pc model.PairingChallenge
	err := r.db.GetContext(ctx, &pc, `
		SELECT * FROM pairing_challenges WHERE id = $1
	`, id)
	return HandleNotFound(&pc, err)
}

func (r *pairingChallengeRepo) Create(ctx context.Context, params model.CreatePairingChallengeParams) (*model.PairingChallenge, error) {
	var pc model.PairingChallenge
	err := r.db.GetContext(ctx, &pc, `
		INSERT INTO pairing_challenges (challenge, created_by, device_id, context, context_ref, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.Challenge, params.CreatedBy, params.DeviceID, params.Context, params.ContextRef, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (r *pairingChallengeRepo) Consume(ctx context.Context, id string, challenge string) (*model.PairingChallenge, error) {
	var pc model.PairingChallenge
	err := r.db.GetContext(ctx, &pc, `
		UPDATE pairing_challenges SET
			consumed_at = NOW()
		WHERE id = $1
		AND challenge = $2
		AND consumed_at IS NULL
		AND expires_at > NOW()
		RETURNING *
	`, id, challenge)
	return HandleNotFound(&pc, err)
}

// DeleteStale removes challenges that expired without being consumed.
// Consumed challenges stay for as long as their session references them.
func (r *pairingChallengeRepo) DeleteStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_challenges
		WHERE consumed_at IS NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

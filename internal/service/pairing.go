package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/config"
	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/model"
	redisclient "github.com/assettrack/scan-relay-go/internal/redis"
	"github.com/assettrack/scan-relay-go/internal/repository"
	"github.com/assettrack/scan-relay-go/internal/sse"
	"github.com/assettrack/scan-relay-go/internal/util"
)

type CreatePairingParams struct {
	Context    string
	ContextRef *string
	DeviceID   *string
	TTLSeconds int
}

type CreatePairingResult struct {
	PairingID  string
	Challenge  string
	ExpiresAt  time.Time
	Context    model.ScanContext
	ContextRef *string
	QRPayload  string
}

type ConsumePairingParams struct {
	DeviceID          *string
	SessionTTLSeconds int
}

type ConsumePairingResult struct {
	ScanSessionID string
	ExpiresAt     time.Time
	Context       model.ScanContext
	ContextRef    *string
	ServerNow     time.Time
}

type PairingSessionResult struct {
	Paired        bool
	ScanSessionID string
	Status        model.SessionStatus
	ExpiresAt     *time.Time
}

// PairingCompletePayload is pushed on the pairing channel once a phone
// redeems the challenge.
type PairingCompletePayload struct {
	PairingID     string    `json:"pairing_id"`
	ScanSessionID string    `json:"scan_session_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type PairingService struct {
	tx         Transactor
	challenges repository.PairingChallengeRepository
	sessions   repository.ScanSessionRepository
	publisher  sse.Publisher
	now        Clock
}

func NewPairingService(
	tx Transactor,
	challenges repository.PairingChallengeRepository,
	sessions repository.ScanSessionRepository,
	publisher sse.Publisher,
) *PairingService {
	return &PairingService{
		tx:         tx,
		challenges: challenges,
		sessions:   sessions,
		publisher:  publisher,
		now:        time.Now,
	}
}

func (s *PairingService) CreateChallenge(ctx context.Context, principal string, params CreatePairingParams) (*CreatePairingResult, error) {
	if principal == "" {
		return nil, apperrors.Unauthorized("Unauthorized")
	}

	scanContext := model.NormalizeScanContext(strings.TrimSpace(params.Context))
	ttl := util.ClampSeconds(params.TTLSeconds, config.ChallengeTTLMin, config.ChallengeTTLMax, config.ChallengeTTLDefault)

	secret, err := util.GenerateToken()
	if err != nil {
		return nil, apperrors.Internal("Failed to generate challenge").WithCause(err)
	}

	pc, err := s.challenges.Create(ctx, model.CreatePairingChallengeParams{
		Challenge:  secret,
		CreatedBy:  principal,
		DeviceID:   util.TrimmedPtr(params.DeviceID),
		Context:    scanContext,
		ContextRef: util.TrimmedPtr(params.ContextRef),
		ExpiresAt:  s.now().Add(time.Duration(ttl) * time.Second),
	})
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("create pairing challenge: %w", err))
	}

	log.Info().
		Str("pairingId", pc.ID).
		Str("principal", principal).
		Str("context", string(pc.Context)).
		Int("ttlSeconds", ttl).
		Msg("pairing challenge created")

	return &CreatePairingResult{
		PairingID:  pc.ID,
		Challenge:  secret,
		ExpiresAt:  pc.ExpiresAt,
		Context:    pc.Context,
		ContextRef: pc.ContextRef,
		QRPayload:  model.NewQRPayload(model.PairingProof{PairingID: pc.ID, Challenge: secret}),
	}, nil
}

// ConsumeChallenge redeems a pairing proof exactly once and creates the
// scan session in the same transaction.
func (s *PairingService) ConsumeChallenge(ctx context.Context, proof model.PairingProof, params ConsumePairingParams) (*ConsumePairingResult, error) {
	proof.PairingID = strings.TrimSpace(proof.PairingID)
	proof.Challenge = strings.TrimSpace(proof.Challenge)
	if !proof.Complete() {
		return nil, apperrors.ValidationError("pairing_id and challenge are required")
	}
	if !util.IsValidUUID(proof.PairingID) {
		return nil, apperrors.PairingInvalid()
	}

	requestDevice := util.TrimmedPtr(params.DeviceID)
	ttl := util.ClampSeconds(params.SessionTTLSeconds, config.SessionTTLMin, config.SessionTTLMax, config.SessionTTLDefault)

	var (
		challenge *model.PairingChallenge
		session   *model.ScanSession
	)
	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		challenge, err = s.challenges.WithTx(tx).Consume(ctx, proof.PairingID, proof.Challenge)
		if err != nil {
			return apperrors.Database(fmt.Errorf("consume pairing challenge: %w", err))
		}
		if challenge == nil {
			return apperrors.PairingInvalid()
		}

		if challenge.DeviceID != nil && requestDevice != nil && *challenge.DeviceID != *requestDevice {
			return apperrors.DeviceMismatch()
		}

		deviceID := challenge.DeviceID
		if deviceID == nil {
			deviceID = requestDevice
		}

		session, err = s.sessions.WithTx(tx).Create(ctx, model.CreateScanSessionParams{
			CreatedBy:          challenge.CreatedBy,
			DeviceID:           deviceID,
			PairingChallengeID: challenge.ID,
			Context:            challenge.Context,
			ContextRef:         challenge.ContextRef,
			ExpiresAt:          s.now().Add(time.Duration(ttl) * time.Second),
		})
		if errors.Is(err, repository.ErrConflict) {
			return apperrors.PairingInvalid()
		}
		if err != nil {
			return apperrors.Database(fmt.Errorf("create scan session: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("pairingId", challenge.ID).
		Str("scanSessionId", session.ID).
		Str("principal", session.CreatedBy).
		Time("expiresAt", session.ExpiresAt).
		Msg("pairing consumed, scan session started")

	publish(ctx, s.publisher, redisclient.PairingChannel(challenge.ID), sse.EventPairingComplete, PairingCompletePayload{
		PairingID:     challenge.ID,
		ScanSessionID: session.ID,
		ExpiresAt:     session.ExpiresAt,
	})

	return &ConsumePairingResult{
		ScanSessionID: session.ID,
		ExpiresAt:     session.ExpiresAt,
		Context:       session.Context,
		ContextRef:    session.ContextRef,
		ServerNow:     s.now(),
	}, nil
}

// FindSessionForPairing lets the desktop that created a challenge learn
// whether a phone has redeemed it yet.
func (s *PairingService) FindSessionForPairing(ctx context.Context, principal, pairingID string) (*PairingSessionResult, error) {
	pairingID = strings.TrimSpace(pairingID)
	if pairingID == "" {
		return nil, apperrors.MissingRequired("pairing_id")
	}
	if !util.IsValidUUID(pairingID) {
		return nil, apperrors.InvalidInput("pairing_id", "must be a UUID")
	}

	pc, err := s.challenges.FindByID(ctx, pairingID)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("find pairing challenge: %w", err))
	}
	if pc == nil {
		return nil, apperrors.NotFound("Pairing")
	}
	if pc.CreatedBy != principal {
		return nil, apperrors.Forbidden("Forbidden")
	}
	if !pc.IsConsumed() {
		return &PairingSessionResult{Paired: false}, nil
	}

	session, err := s.sessions.FindByPairingChallengeID(ctx, pc.ID)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("find scan session: %w", err))
	}
	if session == nil {
		return &PairingSessionResult{Paired: false}, nil
	}

	expiresAt := session.ExpiresAt
	return &PairingSessionResult{
		Paired:        true,
		ScanSessionID: session.ID,
		Status:        session.Status,
		ExpiresAt:     &expiresAt,
	}, nil
}

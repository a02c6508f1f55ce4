package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/config"
	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/model"
	redisclient "github.com/assettrack/scan-relay-go/internal/redis"
	"github.com/assettrack/scan-relay-go/internal/repository"
	"github.com/assettrack/scan-relay-go/internal/sse"
	"github.com/assettrack/scan-relay-go/internal/storage"
	"github.com/assettrack/scan-relay-go/internal/util"
)

const defaultPhotoMime = "image/jpeg"

// photoExtensions maps accepted mime types to object name extensions.
var photoExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
}

type SubmitPhotoParams struct {
	AssetTag    *string
	ImageBase64 string
	MimeType    string
}

type IngestService struct {
	sessionAccess
	events repository.ScanEventRepository
	store  storage.Store
}

func NewIngestService(
	sessions repository.ScanSessionRepository,
	challenges repository.PairingChallengeRepository,
	events repository.ScanEventRepository,
	store storage.Store,
	publisher sse.Publisher,
) *IngestService {
	return &IngestService{
		sessionAccess: sessionAccess{
			sessions:   sessions,
			challenges: challenges,
			publisher:  publisher,
			now:        time.Now,
		},
		events: events,
		store:  store,
	}
}

// ValidateBarcode trims raw and enforces the length and character rules.
func ValidateBarcode(raw string) (string, error) {
	barcode := strings.TrimSpace(raw)
	if barcode == "" {
		return "", apperrors.MissingRequired("barcode")
	}
	if util.RuneLen(barcode) > config.MaxBarcodeLength {
		return "", apperrors.ValidationError(fmt.Sprintf("barcode exceeds %d characters", config.MaxBarcodeLength))
	}
	if util.HasControlChars(barcode) {
		return "", apperrors.ValidationError("barcode contains invalid control characters")
	}
	return barcode, nil
}

// SubmitScan appends a barcode read to a live session. The session id is
// the only credential required.
func (s *IngestService) SubmitScan(ctx context.Context, token model.SessionToken, rawBarcode string) (*model.ScanEvent, error) {
	barcode, err := ValidateBarcode(rawBarcode)
	if err != nil {
		return nil, err
	}

	session, err := s.requireLive(ctx, token.String())
	if err != nil {
		return nil, err
	}

	event, err := s.events.Create(ctx, model.CreateScanEventParams{
		ScanSessionID: session.ID,
		Barcode:       barcode,
		Source:        model.EventSourceRemotePhone,
	})
	if errors.Is(err, repository.ErrMissingParent) {
		return nil, apperrors.NotFound("Session")
	}
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("create scan event: %w", err))
	}

	log.Debug().
		Str("scanSessionId", session.ID).
		Int64("eventId", event.ID).
		Msg("scan event recorded")

	publish(ctx, s.publisher, redisclient.SessionChannel(session.ID), sse.EventScan, event)
	return event, nil
}

// SubmitDamagePhoto stores a photo for a live session and records it as a
// remote_damage_photo event. Besides the session id it requires the
// pairing proof, so a leaked session id alone cannot upload images.
func (s *IngestService) SubmitDamagePhoto(ctx context.Context, token model.SessionToken, proof model.PairingProof, params SubmitPhotoParams) (string, error) {
	imageBase64 := stripWhitespace(params.ImageBase64)
	if strings.TrimSpace(token.String()) == "" || !proof.Complete() || imageBase64 == "" {
		return "", apperrors.ValidationError("scan_session_id, pairing_id, challenge, and image_base64 are required")
	}

	mime := strings.ToLower(strings.TrimSpace(params.MimeType))
	if mime == "" {
		mime = defaultPhotoMime
	}
	ext, ok := photoExtensions[mime]
	if !ok {
		return "", apperrors.ValidationError("Unsupported image type")
	}

	session, err := s.requireLive(ctx, token.String())
	if err != nil {
		return "", err
	}

	matches, err := s.proofMatches(ctx, session, proof)
	if err != nil {
		return "", err
	}
	if !matches {
		return "", apperrors.ProofMismatch()
	}

	if base64.StdEncoding.DecodedLen(len(imageBase64)) > config.MaxPhotoBytes+3 {
		return "", apperrors.ValidationError("Image exceeds 5MB limit")
	}
	data, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return "", apperrors.ValidationError("image_base64 is not valid base64")
	}
	if len(data) > config.MaxPhotoBytes {
		return "", apperrors.ValidationError("Image exceeds 5MB limit")
	}

	assetTag := util.TrimmedPtr(params.AssetTag)
	if assetTag == nil {
		assetTag = session.RemoteAssetTag
	}

	path := storage.TempPhotoPath(session.ID, s.now().UnixMilli(), ext)
	if err := s.store.Put(ctx, path, data); err != nil {
		return "", apperrors.Storage(fmt.Errorf("store damage photo: %w", err))
	}

	event, err := s.events.Create(ctx, model.CreateScanEventParams{
		ScanSessionID: session.ID,
		Barcode:       model.EncodeDamagePhoto(path, assetTag),
		Source:        model.EventSourceRemoteDamagePhoto,
	})
	if err != nil {
		if delErr := s.store.Delete(ctx, path); delErr != nil {
			log.Error().Err(delErr).Str("path", path).Msg("failed to remove orphaned damage photo")
		}
		return "", apperrors.Database(fmt.Errorf("create photo event: %w", err))
	}

	log.Info().
		Str("scanSessionId", session.ID).
		Int64("eventId", event.ID).
		Int("bytes", len(data)).
		Msg("damage photo stored")

	publish(ctx, s.publisher, redisclient.SessionChannel(session.ID), sse.EventScan, event)
	return path, nil
}

// DeleteTempPhoto discards a temporary photo and the event that references
// it. Only the session owner may do this.
func (s *IngestService) DeleteTempPhoto(ctx context.Context, principal, sessionID, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", apperrors.MissingRequired("path")
	}
	if !strings.HasPrefix(path, storage.TempPrefix+"/") {
		return "", apperrors.ValidationError("Only remote-temp paths can be deleted")
	}
	pathSession, ok := storage.SessionFromTempPath(path)
	if !ok {
		return "", apperrors.ValidationError("Invalid remote-temp path")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" && sessionID != pathSession {
		return "", apperrors.ValidationError("scan_session_id does not match path")
	}

	session, err := s.loadOwned(ctx, principal, pathSession)
	if err != nil {
		return "", err
	}

	if err := s.store.Delete(ctx, path); err != nil {
		return "", apperrors.Storage(fmt.Errorf("delete damage photo: %w", err))
	}
	if _, err := s.events.DeletePhotoEvents(ctx, session.ID, path); err != nil {
		return "", apperrors.Database(fmt.Errorf("delete photo events: %w", err))
	}

	log.Info().
		Str("scanSessionId", session.ID).
		Str("path", path).
		Msg("temporary damage photo deleted")

	return path, nil
}

// PurgeTempPhotos removes every temporary photo still attached to a
// session, along with its events. Used by the cleanup job once a session
// is long past terminal.
func (s *IngestService) PurgeTempPhotos(ctx context.Context, sessionID string) (int, error) {
	events, err := s.events.ListBySource(ctx, sessionID, model.EventSourceRemoteDamagePhoto)
	if err != nil {
		return 0, fmt.Errorf("list photo events: %w", err)
	}

	purged := 0
	for i := range events {
		payload, ok := events[i].DamagePhoto()
		if !ok {
			// Unreadable envelope: drop the event so the session stops
			// qualifying for cleanup.
			if _, err := s.events.DeleteByIDs(ctx, sessionID, []int64{events[i].ID}); err != nil {
				return purged, fmt.Errorf("delete photo events: %w", err)
			}
			continue
		}
		if err := s.store.Delete(ctx, payload.Path); err != nil {
			return purged, fmt.Errorf("delete photo %s: %w", payload.Path, err)
		}
		if _, err := s.events.DeletePhotoEvents(ctx, sessionID, payload.Path); err != nil {
			return purged, fmt.Errorf("delete photo events: %w", err)
		}
		purged++
	}
	return purged, nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

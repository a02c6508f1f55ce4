package handler

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/httputil"
	"github.com/assettrack/scan-relay-go/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// writeServiceError logs err at a level matching its kind and writes the
// mapped response. Protocol outcomes such as a stale QR are not faults.
func writeServiceError(w http.ResponseWriter, err error, msg string) {
	if apperrors.IsExpected(err) {
		log.Debug().Err(err).Msg(msg)
	} else {
		log.Error().Err(err).Msg(msg)
	}
	httputil.WriteError(w, err)
}

// decodeJSON reads a JSON request body into v. An empty body decodes as {}.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperrors.PayloadTooLarge("Request body too large")
	}
	return apperrors.ValidationError("Invalid request body")
}

// lenientInt accepts a JSON number or numeric string. Anything else decodes
// as zero, which callers treat as "use the default".
type lenientInt int64

func (n *lenientInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = lenientInt(v)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		switch {
		case math.IsNaN(f):
			*n = 0
		case f >= math.MaxInt64:
			*n = math.MaxInt64
		case f <= math.MinInt64:
			*n = math.MinInt64
		default:
			*n = lenientInt(int64(f))
		}
		return nil
	}
	*n = 0
	return nil
}

func formatEvent(e model.ScanEvent) map[string]any {
	return map[string]any{
		"id":              e.ID,
		"scan_session_id": e.ScanSessionID,
		"barcode":         e.Barcode,
		"source":          e.Source,
		"created_at":      formatTime(&e.CreatedAt),
	}
}

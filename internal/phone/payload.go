package phone

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/assettrack/scan-relay-go/internal/model"
)

// ParsePairPayload extracts the pairing proof from a decoded QR code. It
// accepts the JSON payload shown by the desktop and, for links, a URL
// carrying pairing_id and challenge query parameters.
func ParsePairPayload(raw string) (model.PairingProof, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return model.PairingProof{}, false
	}

	var payload model.QRPayload
	if err := json.Unmarshal([]byte(value), &payload); err == nil {
		proof := model.PairingProof{PairingID: payload.PairingID, Challenge: payload.Challenge}
		if proof.Complete() {
			return proof, true
		}
	}

	u, err := url.Parse(value)
	if err != nil || u.RawQuery == "" {
		return model.PairingProof{}, false
	}
	q := u.Query()
	proof := model.PairingProof{PairingID: q.Get("pairing_id"), Challenge: q.Get("challenge")}
	return proof, proof.Complete()
}

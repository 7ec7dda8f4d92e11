package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	HeaderAPIKey         = "Flare-Api-Key"
	HeaderPayloadVersion = "Flare-Payload-Version"
	HeaderSentAt         = "Flare-Sent-At"
	HeaderIntegrity      = "Flare-Integrity"
	HeaderContentType    = "Content-Type"
)

// DefaultParams builds params for the error API at endpoint. The API key
// header carries the payload's own origin key, so reports queued under an
// older key are still delivered to their project.
func DefaultParams(endpoint, payloadVersion string) ParamsFunc {
	return func(p Payload) (Params, error) {
		if endpoint == "" {
			return Params{}, fmt.Errorf("%w: no endpoint configured", ErrParams)
		}
		if p.OriginKey == "" {
			return Params{}, fmt.Errorf("%w: payload has no origin key", ErrParams)
		}
		return Params{
			Endpoint: endpoint,
			Headers: map[string]string{
				HeaderAPIKey:         p.OriginKey,
				HeaderPayloadVersion: payloadVersion,
				HeaderSentAt:         time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
				HeaderIntegrity:      Integrity(p.Body),
				HeaderContentType:    "application/json",
			},
		}, nil
	}
}

// Integrity is the value of the integrity header for body.
func Integrity(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256 " + hex.EncodeToString(sum[:])
}

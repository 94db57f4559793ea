package punch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPunch is the hash domain for punch idempotency keys.
// The version suffix allows a future algorithm change without collisions.
const DomainPunch = "punchsync/punch/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Key computes the idempotency key of a punch.
//
// Only (labor_id, date, time, type) contribute: a laborer cannot punch the
// same direction twice in the same second, and the photo, location and
// confidence of a retried capture must not change its identity.
func Key(p Punch) (string, error) {
	obj := map[string]any{
		"labor_id": p.LaborID,
		"date":     p.Date,
		"time":     p.Time,
		"type":     p.Type,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("punch key: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainPunch, canonical), nil
}

// MustKey is like Key but panics on error. For tests and fixtures.
func MustKey(p Punch) string {
	k, err := Key(p)
	if err != nil {
		panic(err)
	}
	return k
}

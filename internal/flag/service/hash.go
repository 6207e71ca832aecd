package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const hmacScheme = "hmac-sha256:"

// Hasher digests flags the way machine flag hashes are stored: bare SHA-256
// hex, or "hmac-sha256:<hex>" keyed with a deployment pepper.
type Hasher struct {
	pepper []byte
}

// NewHasher creates a hasher; an empty pepper produces bare SHA-256 digests.
func NewHasher(pepper string) *Hasher {
	h := &Hasher{}
	if pepper != "" {
		h.pepper = []byte(pepper)
	}
	return h
}

// Hash returns the stored form of flag.
func (h *Hasher) Hash(flag string) string {
	flag = strings.TrimSpace(flag)
	if len(h.pepper) > 0 {
		return hmacScheme + h.hmacHex(flag)
	}
	return sha256Hex(flag)
}

// Match digests flag with the scheme of stored and compares in constant time.
// The submitted digest is returned for the attempt log.
func (h *Hasher) Match(flag, stored string) (string, bool) {
	flag = strings.TrimSpace(flag)
	var submitted string
	if strings.HasPrefix(stored, hmacScheme) {
		if len(h.pepper) == 0 {
			return sha256Hex(flag), false
		}
		submitted = hmacScheme + h.hmacHex(flag)
	} else {
		submitted = sha256Hex(flag)
	}
	stored = strings.ToLower(strings.TrimSpace(stored))
	ok := subtle.ConstantTimeCompare([]byte(submitted), []byte(stored)) == 1
	return submitted, ok
}

func (h *Hasher) hmacHex(flag string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(flag))
	return hex.EncodeToString(mac.Sum(nil))
}

func sha256Hex(flag string) string {
	sum := sha256.Sum256([]byte(flag))
	return hex.EncodeToString(sum[:])
}

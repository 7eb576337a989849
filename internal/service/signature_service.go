package service

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"netpanel/pkg/apperror"
)

// HMACSignatureService implements ports.SignatureService using HMAC-SHA256.
type HMACSignatureService struct{}

// NewHMACSignatureService creates a new HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign computes HMAC-SHA256 of payload using secret.
// Returns lowercase hex-encoded signature.
func (s *HMACSignatureService) Sign(secret []byte, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks if signature matches HMAC-SHA256(secret, payload).
// Uses constant-time comparison to prevent timing attacks.
func (s *HMACSignatureService) Verify(secret []byte, payload []byte, signature string) bool {
	expected := s.Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CanonicalJSON serializes v with all object keys sorted
// lexicographically at every nesting level, so structurally equal
// payloads sign identically regardless of original key order or input
// type. Round-tripping through an untyped value lets encoding/json
// apply its sorted-key map encoding to arbitrary inputs.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperror.ErrPayloadEncoding(err)
	}

	var normalized any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep 1 and 1.0 distinct across the round trip
	if err := dec.Decode(&normalized); err != nil {
		return nil, apperror.ErrPayloadEncoding(err)
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return nil, apperror.ErrPayloadEncoding(err)
	}
	return canonical, nil
}

// Package webhook verifies provider callbacks and folds them back into the
// payment and payout state machines.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"sync"
)

// Algorithm is the HMAC hash a provider signs with.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// Encoding is how the digest is written into the header.
type Encoding string

const (
	Hex    Encoding = "hex"
	Base64 Encoding = "base64"
)

// Scheme describes one provider's signature convention.
type Scheme struct {
	Header    string    `yaml:"header" json:"header"`
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`
	Encoding  Encoding  `yaml:"encoding" json:"encoding"`
	// Prefix precedes the digest in the header, e.g. "sha256=".
	Prefix string `yaml:"prefix" json:"prefix,omitempty"`
}

// Validate checks the scheme is usable.
func (s Scheme) Validate() error {
	if s.Header == "" {
		return fmt.Errorf("signature header is required")
	}
	if s.hash() == nil {
		return fmt.Errorf("unsupported algorithm %q", s.Algorithm)
	}
	if s.Encoding != Hex && s.Encoding != Base64 {
		return fmt.Errorf("unsupported encoding %q", s.Encoding)
	}
	return nil
}

func (s Scheme) hash() func() hash.Hash {
	switch s.Algorithm {
	case SHA1:
		return sha1.New
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	}
	return nil
}

func (s Scheme) digest(raw []byte, secret string) []byte {
	mac := hmac.New(s.hash(), []byte(secret))
	mac.Write(raw)
	return mac.Sum(nil)
}

// Sign returns the header value a provider would send for raw.
func (s Scheme) Sign(raw []byte, secret string) string {
	sum := s.digest(raw, secret)
	if s.Encoding == Base64 {
		return s.Prefix + base64.StdEncoding.EncodeToString(sum)
	}
	return s.Prefix + hex.EncodeToString(sum)
}

// Verify checks header against the HMAC of raw in constant time.
func (s Scheme) Verify(raw []byte, header, secret string) bool {
	if secret == "" || header == "" || s.Validate() != nil {
		return false
	}
	if s.Prefix != "" {
		if !strings.HasPrefix(header, s.Prefix) {
			return false
		}
		header = strings.TrimPrefix(header, s.Prefix)
	}

	var got []byte
	var err error
	if s.Encoding == Base64 {
		got, err = base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	} else {
		got, err = hex.DecodeString(strings.ToLower(strings.TrimSpace(header)))
	}
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.digest(raw, secret))
}

// Verifier holds the signature scheme of every provider that sends webhooks.
type Verifier struct {
	mu      sync.RWMutex
	schemes map[string]Scheme
}

// NewVerifier creates a verifier for schemes keyed by provider ID.
func NewVerifier(schemes map[string]Scheme) (*Verifier, error) {
	v := &Verifier{schemes: make(map[string]Scheme, len(schemes))}
	for id, s := range schemes {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("webhook scheme for %s: %w", id, err)
		}
		v.schemes[id] = s
	}
	return v, nil
}

// Scheme returns the scheme for providerID.
func (v *Verifier) Scheme(providerID string) (Scheme, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemes[providerID]
	return s, ok
}

// VerifySignature reports whether header is a valid signature of raw. Unknown
// providers and empty secrets never verify.
func (v *Verifier) VerifySignature(providerID string, raw []byte, header, secret string) bool {
	s, ok := v.Scheme(providerID)
	if !ok {
		return false
	}
	return s.Verify(raw, header, secret)
}

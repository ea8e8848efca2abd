// Package webhook authenticates and decodes pushes from the tracking provider.
package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"unicode/utf8"
)

// SignatureHeader is the request header the provider puts the body digest in.
const SignatureHeader = "sign"

var (
	ErrMissingSignature = errors.New("signature header is missing")
	ErrInvalidSignature = errors.New("signature mismatch")
)

// Verifier checks sign = hex(sha256(body + "/" + secret)) over the raw request body.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the signature the provider would send for body.
func (v *Verifier) Sign(body []byte) string {
	h := sha256.New()
	_, _ = h.Write(body)
	_, _ = h.Write([]byte("/"))
	_, _ = h.Write(v.secret)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify authenticates body against the header value. body must be the exact bytes
// read off the wire.
func (v *Verifier) Verify(body []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if !utf8.ValidString(signature) {
		return ErrInvalidSignature
	}
	want := v.Sign(body)
	if subtle.ConstantTimeCompare([]byte(want), []byte(signature)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errBadSignature carries no detail; callers answer 403.
var errBadSignature = errors.New("hint verification failed")

const signaturePrefix = "sha256="

// signer computes and checks HMAC-SHA256 body signatures.
type signer struct {
	key []byte
}

func newSigner(secret string) signer {
	return signer{key: []byte(secret)}
}

func (s signer) mac(body []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(body)
	return h.Sum(nil)
}

// verify accepts hex signatures with or without the sha256= prefix.
func (s signer) verify(body []byte, header string) error {
	if len(s.key) == 0 {
		return errBadSignature
	}
	hexSig := strings.TrimPrefix(strings.TrimSpace(header), signaturePrefix)
	if hexSig == "" {
		return errBadSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil || !hmac.Equal(s.mac(body), got) {
		return errBadSignature
	}
	return nil
}

// Signature returns the header value a client sends for body.
func Signature(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(newSigner(secret).mac(body))
}

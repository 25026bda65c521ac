package assertion

import (
	"crypto/ecdsa"
	"crypto/sha256"

	"github.com/golang-jwt/jwt/v5"
)

// verifySignature checks an ES256 signature over signingInput. Gateways emit
// the fixed-width r||s form; ASN.1 DER is accepted from other producers.
func verifySignature(signingInput string, sig []byte, key *ecdsa.PublicKey) error {
	if err := jwt.SigningMethodES256.Verify(signingInput, sig, key); err == nil {
		return nil
	}

	digest := sha256.Sum256([]byte(signingInput))
	if ecdsa.VerifyASN1(key, digest[:], sig) {
		return nil
	}
	return ErrInvalidSignature
}

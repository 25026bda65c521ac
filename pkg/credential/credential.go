// Package credential tracks the state of a user's mutual-TLS client
// certificate and renews it when it is missing, broken or about to expire.
package credential

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// DefaultRenewalThreshold is how long before notAfter a certificate is renewed
const DefaultRenewalThreshold = 7 * 24 * time.Hour

// Credential is a PEM-encoded client certificate and its private key
type Credential struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

// State is the lifecycle state of a stored credential
type State int

const (
	// Absent means no certificate was ever issued
	Absent State = iota
	// Valid means the certificate is good beyond the renewal threshold
	Valid
	// Expiring means the certificate expires within the renewal threshold
	Expiring
	// Invalid means the stored material cannot be used
	Invalid
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Valid:
		return "valid"
	case Expiring:
		return "expiring"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// NeedsAction reports whether a credential in this state must be reissued
func (s State) NeedsAction() bool {
	return s != Valid
}

// IsEmpty reports whether no certificate is stored
func (c *Credential) IsEmpty() bool {
	return c == nil || c.Certificate == ""
}

// Leaf parses the stored certificate
func (c *Credential) Leaf() (*x509.Certificate, error) {
	if c.IsEmpty() {
		return nil, errors.New("no certificate")
	}
	return ParseCertificate(c.Certificate)
}

// ParseCertificate decodes the first PEM certificate block in data
func ParseCertificate(data string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no PEM certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Evaluate classifies c at now. A certificate whose key does not match, or
// that cannot be parsed, is Invalid; an already expired one is Expiring.
func Evaluate(c *Credential, now time.Time, threshold time.Duration) State {
	if c.IsEmpty() {
		return Absent
	}

	if _, err := tls.X509KeyPair([]byte(c.Certificate), []byte(c.PrivateKey)); err != nil {
		return Invalid
	}

	leaf, err := c.Leaf()
	if err != nil {
		return Invalid
	}

	if !leaf.NotAfter.After(now.Add(threshold)) {
		return Expiring
	}
	return Valid
}

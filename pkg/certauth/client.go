// Package certauth enrolls client certificates with a TAK server's
// certificate signing endpoint.
package certauth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/platinummonkey/takgate/pkg/credential"
	"github.com/platinummonkey/takgate/pkg/faults"
	"github.com/platinummonkey/takgate/pkg/observability"
)

const serviceName = "certificate-authority"

// ErrRejected is returned when the authority refuses the delegated secret
var ErrRejected = errors.New("certificate authority rejected enrollment")

// Config holds certificate authority settings
type Config struct {
	// BaseURL of the TAK server's enrollment port, e.g. https://tak.example:8446
	BaseURL string
	// CAFile is a PEM bundle trusted for the server's TLS certificate
	CAFile string
	// Organization and OrganizationalUnit are set on the CSR subject
	Organization       string
	OrganizationalUnit string
	KeyBits            int
	ClientVersion      string
	Timeout            time.Duration
	// Transport wraps the TLS transport, e.g. for tracing
	Transport func(http.RoundTripper) http.RoundTripper
	Logger    *observability.Logger
}

// Client requests client certificates from a TAK server
type Client struct {
	baseURL    string
	httpClient *http.Client
	subject    pkix.Name
	keyBits    int
	version    string
	logger     *observability.Logger
}

type signResponse struct {
	SignedCert string `json:"signedCert"`
	CA0        string `json:"ca0,omitempty"`
}

// NewClient creates a certificate authority client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("certificate authority URL is required")
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = 2048
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "takgate"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		bundle, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(bundle) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if cfg.Transport != nil {
		transport = cfg.Transport(transport)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		subject: pkix.Name{
			Organization:       nonEmpty(cfg.Organization),
			OrganizationalUnit: nonEmpty(cfg.OrganizationalUnit),
		},
		keyBits: cfg.KeyBits,
		version: cfg.ClientVersion,
		logger:  cfg.Logger.WithField("component", "certauth"),
	}, nil
}

// Enroll generates a key pair for username, has the authority sign it, and
// returns the PEM-encoded result. secret is used once as the basic-auth
// password.
func (c *Client) Enroll(ctx context.Context, username, secret string) (*credential.Credential, error) {
	key, err := rsa.GenerateKey(rand.Reader, c.keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	csr, err := c.certificateRequest(username, key)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/Marti/api/tls/signClient/v2?clientUid=%s&version=%s",
		c.baseURL, url.QueryEscape(username), url.QueryEscape(c.version))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(base64.StdEncoding.EncodeToString(csr)))
	if err != nil {
		return nil, fmt.Errorf("failed to create enrollment request: %w", err)
	}
	req.SetBasicAuth(username, secret)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.Upstream(serviceName, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrRejected
	case resp.StatusCode >= 500:
		return nil, faults.Upstream(serviceName, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("certificate authority returned status %d", resp.StatusCode)
	}

	var signed signResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&signed); err != nil {
		return nil, fmt.Errorf("failed to decode enrollment response: %w", err)
	}

	certDER, err := base64.StdEncoding.DecodeString(signed.SignedCert)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signed certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed certificate: %w", err)
	}
	if !publicKeyMatches(cert.PublicKey, key.Public()) {
		return nil, errors.New("signed certificate does not match the generated key")
	}

	c.logger.WithFields(map[string]interface{}{
		"username":  username,
		"serial":    cert.SerialNumber.String(),
		"not_after": cert.NotAfter,
	}).Info("Enrolled client certificate")

	return &credential.Credential{
		Certificate: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})),
		PrivateKey:  string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
	}, nil
}

func (c *Client) certificateRequest(username string, key crypto.Signer) ([]byte, error) {
	subject := c.subject
	subject.CommonName = username

	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}
	return csr, nil
}

func publicKeyMatches(a, b crypto.PublicKey) bool {
	ak, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && ak.Equal(b)
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

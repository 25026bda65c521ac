package certauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/takgate/pkg/credential"
	"github.com/platinummonkey/takgate/pkg/credential/credentialtest"
	"github.com/platinummonkey/takgate/pkg/faults"
)

type fakeTAK struct {
	*httptest.Server
	ca        *credentialtest.CA
	status    int
	wrongKey  bool
	clientUID string
	subject   string
}

func newFakeTAK(t *testing.T) *fakeTAK {
	t.Helper()
	f := &fakeTAK{ca: credentialtest.NewCA(t), status: http.StatusOK}
	f.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Marti/api/tls/signClient/v2" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || pass != "delegated-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			return
		}
		f.clientUID = r.URL.Query().Get("clientUid")

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		der, err := base64.StdEncoding.DecodeString(string(body))
		require.NoError(t, err)
		csr, err := x509.ParseCertificateRequest(der)
		require.NoError(t, err)
		require.NoError(t, csr.CheckSignature())
		f.subject = csr.Subject.String()

		pub := csr.PublicKey
		if f.wrongKey {
			other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			require.NoError(t, err)
			pub = &other.PublicKey
		}
		signed := f.ca.Sign(t, user, pub, time.Now().Add(365*24*time.Hour))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(signResponse{
			SignedCert: base64.StdEncoding.EncodeToString(signed),
			CA0:        base64.StdEncoding.EncodeToString(f.ca.Cert.Raw),
		})
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeTAK) caFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tak-ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.Certificate().Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newTestClient(t *testing.T, f *fakeTAK) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: f.URL, CAFile: f.caFile(t), Organization: "TAK", OrganizationalUnit: "takgate"})
	require.NoError(t, err)
	return c
}

func TestEnroll(t *testing.T) {
	f := newFakeTAK(t)
	c := newTestClient(t, f)

	cred, err := c.Enroll(context.Background(), "alpha@example.org", "delegated-secret")
	require.NoError(t, err)

	assert.Equal(t, credential.Valid, credential.Evaluate(cred, time.Now(), credential.DefaultRenewalThreshold))
	leaf, err := cred.Leaf()
	require.NoError(t, err)
	assert.Equal(t, "alpha@example.org", leaf.Subject.CommonName)
	assert.Equal(t, "alpha@example.org", f.clientUID)
	assert.Contains(t, f.subject, "O=TAK")
	assert.Contains(t, f.subject, "OU=takgate")
}

func TestEnrollRejected(t *testing.T) {
	f := newFakeTAK(t)
	c := newTestClient(t, f)

	_, err := c.Enroll(context.Background(), "alpha@example.org", "wrong")
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, faults.IsUpstream(err))
}

func TestEnrollServerError(t *testing.T) {
	f := newFakeTAK(t)
	f.status = http.StatusServiceUnavailable
	c := newTestClient(t, f)

	_, err := c.Enroll(context.Background(), "alpha@example.org", "delegated-secret")
	assert.True(t, faults.IsUpstream(err))
}

func TestEnrollUntrustedServer(t *testing.T) {
	f := newFakeTAK(t)
	c, err := NewClient(Config{BaseURL: f.URL})
	require.NoError(t, err)

	_, err = c.Enroll(context.Background(), "alpha@example.org", "delegated-secret")
	require.Error(t, err)
	assert.True(t, faults.IsUpstream(err))
}

func TestEnrollKeyMismatch(t *testing.T) {
	f := newFakeTAK(t)
	f.wrongKey = true
	c := newTestClient(t, f)

	_, err := c.Enroll(context.Background(), "alpha@example.org", "delegated-secret")
	assert.Error(t, err)
}

func TestEnrollUnreachable(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "https://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = c.Enroll(context.Background(), "alpha@example.org", "delegated-secret")
	assert.True(t, faults.IsUpstream(err))
	assert.Equal(t, "certificate-authority", faults.ServiceOf(err))
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "https://tak.example", CAFile: "/nonexistent/ca.pem"})
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing"), 0o600))
	_, err = NewClient(Config{BaseURL: "https://tak.example", CAFile: empty})
	assert.Error(t, err)
}

func TestEnrollTransportWrapper(t *testing.T) {
	f := newFakeTAK(t)
	var wrapped int
	c, err := NewClient(Config{
		BaseURL: f.URL,
		CAFile:  f.caFile(t),
		Transport: func(rt http.RoundTripper) http.RoundTripper {
			return roundTripFunc(func(r *http.Request) (*http.Response, error) {
				wrapped++
				return rt.RoundTrip(r)
			})
		},
	})
	require.NoError(t, err)

	_, err = c.Enroll(context.Background(), "alpha@example.org", "delegated-secret")
	require.NoError(t, err)
	assert.Equal(t, 1, wrapped)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }


package assertion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/takgate/pkg/keys"
)

// Algorithm is the only accepted assertion signing algorithm
const Algorithm = "ES256"

// Default header names set by AWS application load balancers
const (
	DefaultAssertionHeader = "x-amzn-oidc-data"
	DefaultProofHeader     = "x-amzn-oidc-accesstoken"
)

// Config controls assertion verification
type Config struct {
	Enabled         bool
	AssertionHeader string
	ProofHeader     string
	// TrustedIssuer must be a prefix of the assertion's iss claim
	TrustedIssuer string
	// TrustedSigner, when set, must equal the signer header
	TrustedSigner string
	// DefaultAuthority is used when the signer header carries no region
	DefaultAuthority string
	EmailClaim       string
	GroupsClaim      string
}

// KeyResolver looks up assertion verification keys
type KeyResolver interface {
	Resolve(ctx context.Context, authority, keyID string) (*keys.VerificationKey, error)
}

// IdentityAssertion is the parsed, not yet trusted, form of an assertion
type IdentityAssertion struct {
	Issuer       string
	Email        string
	Expiry       time.Time
	KeyID        string
	Algorithm    string
	Signer       string
	SigningInput string
	Signature    []byte
	Claims       jwt.MapClaims
}

// VerifiedIdentity is the result of a successful verification
type VerifiedIdentity struct {
	Email   string
	Subject string
	Groups  []string
}

// Verifier validates gateway-forwarded identity assertions
type Verifier struct {
	cfg      Config
	resolver KeyResolver
	parser   *jwt.Parser
	now      func() time.Time
}

// NewVerifier creates a verifier backed by resolver
func NewVerifier(cfg Config, resolver KeyResolver) *Verifier {
	if cfg.AssertionHeader == "" {
		cfg.AssertionHeader = DefaultAssertionHeader
	}
	if cfg.ProofHeader == "" {
		cfg.ProofHeader = DefaultProofHeader
	}
	if cfg.EmailClaim == "" {
		cfg.EmailClaim = "email"
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}

	return &Verifier{
		cfg:      cfg,
		resolver: resolver,
		parser:   jwt.NewParser(jwt.WithPaddingAllowed()),
		now:      time.Now,
	}
}

// Verify checks the assertion carried by r
func (v *Verifier) Verify(ctx context.Context, r *http.Request) (*VerifiedIdentity, error) {
	if !v.cfg.Enabled {
		return nil, ErrAuthNotEnabled
	}

	raw := r.Header.Get(v.cfg.AssertionHeader)
	if raw == "" {
		return nil, ErrMissingAssertion
	}
	if r.Header.Get(v.cfg.ProofHeader) == "" {
		return nil, ErrMissingGatewayProof
	}

	return v.VerifyToken(ctx, raw)
}

// VerifyToken checks a raw assertion. Expiry is checked before the key is
// resolved, so expired assertions never cause a key fetch.
func (v *Verifier) VerifyToken(ctx context.Context, raw string) (*VerifiedIdentity, error) {
	a, err := v.Parse(raw)
	if err != nil {
		return nil, err
	}

	if a.Algorithm != Algorithm {
		return nil, newError(CodeUnsupportedAlgorithm, fmt.Errorf("alg %q", a.Algorithm))
	}

	if a.Expiry.IsZero() || a.Expiry.Before(v.now()) {
		return nil, ErrExpired
	}

	if v.cfg.TrustedSigner != "" && a.Signer != v.cfg.TrustedSigner {
		return nil, newError(CodeIssuerMismatch, errors.New("untrusted signer"))
	}

	authority := authorityFromSigner(a.Signer)
	if authority == "" {
		authority = v.cfg.DefaultAuthority
	}

	key, err := v.resolver.Resolve(ctx, authority, a.KeyID)
	if err != nil {
		return nil, newError(CodeKeyResolutionFailed, err)
	}

	if err := verifySignature(a.SigningInput, a.Signature, key.PublicKey); err != nil {
		return nil, err
	}

	if v.cfg.TrustedIssuer == "" || !strings.HasPrefix(a.Issuer, v.cfg.TrustedIssuer) {
		return nil, newError(CodeIssuerMismatch, fmt.Errorf("issuer %q", a.Issuer))
	}

	if a.Email == "" {
		return nil, ErrNoIdentity
	}

	sub, _ := a.Claims.GetSubject()
	return &VerifiedIdentity{
		Email:   a.Email,
		Subject: sub,
		Groups:  stringList(a.Claims[v.cfg.GroupsClaim]),
	}, nil
}

// Parse splits raw into its segments and decodes header and claims without
// checking the signature
func (v *Verifier) Parse(raw string) (*IdentityAssertion, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrMalformedAssertion
	}

	claims := jwt.MapClaims{}
	token, _, err := v.parser.ParseUnverified(raw, claims)
	if err != nil {
		// An unknown alg is reported as unverifiable once the header decoded.
		if errors.Is(err, jwt.ErrTokenUnverifiable) && token != nil && token.Header != nil {
			alg, _ := token.Header["alg"].(string)
			return nil, newError(CodeUnsupportedAlgorithm, fmt.Errorf("alg %q", alg))
		}
		return nil, newError(CodeMalformedAssertion, err)
	}

	sig, err := v.parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, newError(CodeMalformedAssertion, fmt.Errorf("failed to decode signature: %w", err))
	}

	a := &IdentityAssertion{
		SigningInput: parts[0] + "." + parts[1],
		Signature:    sig,
		Claims:       claims,
	}
	a.Algorithm, _ = token.Header["alg"].(string)
	a.KeyID, _ = token.Header["kid"].(string)
	a.Signer, _ = token.Header["signer"].(string)
	a.Issuer, _ = claims["iss"].(string)
	a.Email, _ = claims[v.cfg.EmailClaim].(string)

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		a.Expiry = exp.Time
	}

	if a.KeyID == "" {
		return nil, newError(CodeMalformedAssertion, errors.New("missing kid"))
	}
	return a, nil
}

// authorityFromSigner extracts the region from a load balancer ARN
func authorityFromSigner(signer string) string {
	parts := strings.Split(signer, ":")
	if len(parts) < 6 || parts[0] != "arn" {
		return ""
	}
	return parts[3]
}

func stringList(v interface{}) []string {
	switch vals := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, val := range vals {
			if s, ok := val.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vals
	case string:
		if vals == "" {
			return nil
		}
		return []string{vals}
	default:
		return nil
	}
}

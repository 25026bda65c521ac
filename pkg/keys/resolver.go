// Package keys resolves and caches the public keys a gateway signs identity
// assertions with.
package keys

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/takgate/pkg/async"
	"github.com/platinummonkey/takgate/pkg/faults"
	"github.com/platinummonkey/takgate/pkg/observability"
)

// DefaultURLTemplate is the public key endpoint of AWS load balancers
const DefaultURLTemplate = "https://public-keys.auth.elb.{authority}.amazonaws.com"

const maxKeySize = 16 * 1024

// Lookup results reported to Config.OnLookup
const (
	ResultHit    = "hit"
	ResultShared = "shared"
	ResultFetch  = "fetch"
	ResultError  = "error"
)

// ErrInvalidKeyRef is returned when the authority or key id cannot be used
// to build a fetch URL
var ErrInvalidKeyRef = errors.New("invalid key reference")

// VerificationKey is a resolved public key. Values are immutable once cached.
type VerificationKey struct {
	Authority string
	KeyID     string
	PublicKey *ecdsa.PublicKey
}

// Config holds resolver dependencies
type Config struct {
	// URLTemplate is the key service base URL; {authority} is substituted
	URLTemplate string
	HTTPClient  *http.Client
	Cache       *Cache
	// Shared is an optional cache shared between replicas
	Shared   SharedStore
	Logger   *observability.Logger
	OnLookup func(result string)

	// FetchTimeout bounds one key fetch; defaults to the HTTP client timeout
	FetchTimeout time.Duration
}

// Resolver fetches keys on first use and caches them without expiry
type Resolver struct {
	urlTemplate string
	httpClient  *http.Client
	cache       *Cache
	shared      SharedStore
	logger      *observability.Logger
	onLookup    func(string)
	inflight    singleflight.Group
	publish     *async.Group

	// fetchTimeout bounds a shared fetch independently of any one caller
	fetchTimeout time.Duration
}

// NewResolver creates a resolver. A nil cache gets a fresh default one.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Cache == nil {
		cache, err := NewCache(DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		cfg.Cache = cache
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if cfg.OnLookup == nil {
		cfg.OnLookup = func(string) {}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.HTTPClient.Timeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	return &Resolver{
		urlTemplate: strings.TrimRight(cfg.URLTemplate, "/"),
		httpClient:  cfg.HTTPClient,
		cache:       cfg.Cache,
		shared:      cfg.Shared,
		logger:      cfg.Logger,
		onLookup:    cfg.OnLookup,
		publish:     async.NewGroup(5*time.Second, cfg.Logger),

		fetchTimeout: cfg.FetchTimeout,
	}, nil
}

// Resolve returns the key identified by keyID at authority. Failed fetches
// are never cached.
func (r *Resolver) Resolve(ctx context.Context, authority, keyID string) (*VerificationKey, error) {
	if !validAuthority(authority) || keyID == "" {
		r.onLookup(ResultError)
		return nil, ErrInvalidKeyRef
	}

	if key, ok := r.cache.Get(authority, keyID); ok {
		r.onLookup(ResultHit)
		return key, nil
	}

	// The fetch is shared by every waiting login, so it must not end with the
	// request that happened to start it.
	ch := r.inflight.DoChan(cacheKey(authority, keyID), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return r.load(fetchCtx, authority, keyID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			r.onLookup(ResultError)
			return nil, res.Err
		}
		return res.Val.(*VerificationKey), nil
	case <-ctx.Done():
		r.onLookup(ResultError)
		return nil, ctx.Err()
	}
}

func (r *Resolver) load(ctx context.Context, authority, keyID string) (*VerificationKey, error) {
	if r.shared != nil {
		data, err := r.shared.Get(ctx, authority, keyID)
		if err == nil {
			key, perr := parseKey(authority, keyID, data)
			if perr == nil {
				r.cache.Add(key)
				r.onLookup(ResultShared)
				return key, nil
			}
			r.logger.WithError(perr).Warnf("Discarding unparsable shared key %s/%s", authority, keyID)
		} else if !errors.Is(err, ErrNotCached) {
			r.logger.WithError(err).Warn("Shared key cache unavailable")
		}
	}

	data, err := r.fetch(ctx, authority, keyID)
	if err != nil {
		return nil, err
	}

	key, err := parseKey(authority, keyID, data)
	if err != nil {
		return nil, err
	}

	r.cache.Add(key)
	r.onLookup(ResultFetch)

	if r.shared != nil {
		r.publish.Go(ctx, "publish_key", func(ctx context.Context) error {
			return r.shared.Set(ctx, authority, keyID, data)
		}, nil)
	}

	r.logger.WithFields(map[string]interface{}{
		"authority": authority,
		"kid":       keyID,
	}).Info("Resolved gateway signing key")

	return key, nil
}

// Wait blocks until keys fetched so far have been published to the shared
// cache
func (r *Resolver) Wait() {
	r.publish.Wait()
}

// URL returns the fetch URL for a key
func (r *Resolver) URL(authority, keyID string) string {
	base := strings.ReplaceAll(r.urlTemplate, "{authority}", authority)
	return base + "/" + url.PathEscape(keyID)
}

func (r *Resolver) fetch(ctx context.Context, authority, keyID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL(authority, keyID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, faults.Upstream("key-service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxKeySize))
		return nil, faults.Upstream("key-service", fmt.Errorf("unexpected status %d for key %s", resp.StatusCode, keyID))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize))
	if err != nil {
		return nil, faults.Upstream("key-service", fmt.Errorf("failed to read key: %w", err))
	}
	return data, nil
}

func parseKey(authority, keyID string, data []byte) (*VerificationKey, error) {
	pub, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key %s: %w", keyID, err)
	}
	return &VerificationKey{Authority: authority, KeyID: keyID, PublicKey: pub}, nil
}

// validAuthority accepts only host-label characters since the authority is
// substituted into a hostname
func validAuthority(authority string) bool {
	if authority == "" || len(authority) > 63 {
		return false
	}
	for _, c := range authority {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

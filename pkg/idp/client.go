package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/platinummonkey/takgate/pkg/faults"
	"github.com/platinummonkey/takgate/pkg/observability"
)

const serviceName = "identity-api"

// Config holds identity provider API settings. Either Token or the client
// credentials triple must be set.
type Config struct {
	BaseURL      string
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string

	CallsignAttribute string
	ColorAttribute    string

	// HTTPClient is the base transport; bearer auth is layered on top
	HTTPClient *http.Client
	Logger     *observability.Logger
}

// Client is an authentik admin API client
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *observability.Logger

	callsignAttr string
	colorAttr    string
	now          func() time.Time
}

// NewClient creates an admin API client
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("identity provider URL is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if cfg.CallsignAttribute == "" {
		cfg.CallsignAttribute = "takCallsign"
	}
	if cfg.ColorAttribute == "" {
		cfg.ColorAttribute = "takColor"
	}

	// oauth2 picks up the base client from the context
	ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)

	var httpClient *http.Client
	switch {
	case cfg.Token != "":
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
	case cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.TokenURL != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = cc.Client(ctx)
	default:
		return nil, errors.New("identity provider token or client credentials are required")
	}
	httpClient.Timeout = cfg.HTTPClient.Timeout

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   httpClient,
		logger:       cfg.Logger.WithField("component", "idp_client"),
		callsignAttr: cfg.CallsignAttribute,
		colorAttr:    cfg.ColorAttribute,
		now:          time.Now,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v3"+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.Upstream(serviceName, err)
	}
	return resp, nil
}

// decodeResponse decodes a 2xx JSON body into target. Response bodies are
// never copied into errors.
func decodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("identity API returned %d: %w", resp.StatusCode, ErrNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return faults.Upstream(serviceName, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("identity API returned status %d", resp.StatusCode)
	}
}

// LookupUser finds a user by username, falling back to email
func (c *Client) LookupUser(ctx context.Context, username string) (*ExternalUser, error) {
	for _, field := range []string{"username", "email"} {
		resp, err := c.do(ctx, http.MethodGet, "/core/users/?"+field+"="+url.QueryEscape(username), nil)
		if err != nil {
			return nil, err
		}

		var page paginatedUsers
		if err := decodeResponse(resp, &page); err != nil {
			return nil, fmt.Errorf("failed to look up user: %w", err)
		}
		if len(page.Results) > 0 {
			return &page.Results[0], nil
		}
	}
	return nil, ErrUserNotFound
}

// GetGroup returns a group by its primary key
func (c *Client) GetGroup(ctx context.Context, pk string) (*Group, error) {
	resp, err := c.do(ctx, http.MethodGet, "/core/groups/"+url.PathEscape(pk)+"/", nil)
	if err != nil {
		return nil, err
	}

	var group Group
	if err := decodeResponse(resp, &group); err != nil {
		return nil, fmt.Errorf("failed to get group %s: %w", pk, err)
	}
	return &group, nil
}

// Groups returns group names for username. Groups missing from the user
// record's inline objects are fetched by id.
func (c *Client) Groups(ctx context.Context, username string) ([]string, error) {
	user, err := c.LookupUser(ctx, username)
	if err != nil {
		return nil, err
	}

	if len(user.GroupsObj) > 0 {
		names := make([]string, 0, len(user.GroupsObj))
		for _, g := range user.GroupsObj {
			names = append(names, g.Name)
		}
		return names, nil
	}

	names := make([]string, 0, len(user.GroupIDs))
	for _, pk := range user.GroupIDs {
		group, err := c.GetGroup(ctx, pk)
		if err != nil {
			return nil, err
		}
		names = append(names, group.Name)
	}
	return names, nil
}

// Attributes reads the callsign and color attributes of username
func (c *Client) Attributes(ctx context.Context, username string) (*Attributes, error) {
	user, err := c.LookupUser(ctx, username)
	if err != nil {
		return nil, err
	}

	attrs := &Attributes{}
	attrs.Callsign, _ = user.Attributes[c.callsignAttr].(string)
	attrs.Color, _ = user.Attributes[c.colorAttr].(string)
	return attrs, nil
}

// CreateDelegatedCredential creates an expiring app password for username
func (c *Client) CreateDelegatedCredential(ctx context.Context, username string, ttl time.Duration) (*DelegatedCredential, error) {
	user, err := c.LookupUser(ctx, username)
	if err != nil {
		return nil, err
	}

	cred := &DelegatedCredential{
		Identifier: "takgate-enroll-" + uuid.NewString(),
		Username:   user.Username,
		Expires:    c.now().Add(ttl).UTC(),
	}

	resp, err := c.do(ctx, http.MethodPost, "/core/tokens/", tokenRequest{
		Identifier:  cred.Identifier,
		Intent:      "app_password",
		User:        user.PK,
		Description: "Certificate enrollment",
		Expires:     cred.Expires,
		Expiring:    true,
	})
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		return nil, fmt.Errorf("failed to create delegated credential: %w", err)
	}

	resp, err = c.do(ctx, http.MethodGet, "/core/tokens/"+url.PathEscape(cred.Identifier)+"/view_key/", nil)
	if err != nil {
		return nil, err
	}

	var key tokenKey
	if err := decodeResponse(resp, &key); err != nil {
		return nil, fmt.Errorf("failed to read delegated credential: %w", err)
	}
	if key.Key == "" {
		return nil, errors.New("identity API returned an empty delegated credential")
	}
	cred.Secret = key.Key

	c.logger.WithFields(map[string]interface{}{
		"username":   username,
		"identifier": cred.Identifier,
		"expires":    cred.Expires,
	}).Debug("Created delegated credential")

	return cred, nil
}

// RevokeDelegatedCredential deletes a delegated credential
func (c *Client) RevokeDelegatedCredential(ctx context.Context, identifier string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/core/tokens/"+url.PathEscape(identifier)+"/", nil)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("failed to revoke delegated credential: %w", err)
	}
	return nil
}

// CreateServiceAccount creates a non-expiring service account
func (c *Client) CreateServiceAccount(ctx context.Context, name string) (*ServiceAccount, error) {
	resp, err := c.do(ctx, http.MethodPost, "/core/users/service_account/", serviceAccountRequest{
		Name:        name,
		CreateGroup: false,
		Expiring:    false,
	})
	if err != nil {
		return nil, err
	}

	var account ServiceAccount
	if err := decodeResponse(resp, &account); err != nil {
		return nil, fmt.Errorf("failed to create service account: %w", err)
	}
	return &account, nil
}

// ListServiceAccounts returns every service account
func (c *Client) ListServiceAccounts(ctx context.Context) ([]ExternalUser, error) {
	var accounts []ExternalUser
	page := 1
	for {
		resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/core/users/?type=service_account&page=%d", page), nil)
		if err != nil {
			return nil, err
		}

		var result paginatedUsers
		if err := decodeResponse(resp, &result); err != nil {
			return nil, fmt.Errorf("failed to list service accounts: %w", err)
		}
		accounts = append(accounts, result.Results...)

		if result.Pagination.Next == 0 {
			return accounts, nil
		}
		page = result.Pagination.Next
	}
}

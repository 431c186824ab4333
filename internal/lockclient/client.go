// Package lockclient is the editing-client SDK for the lock service. It
// wraps the HTTP surface and implements the session-teardown release
// protocol: a fire-and-forget delivery first, a blocking fallback second.
// Neither path guarantees delivery; the service's lease expiry is the
// authoritative safety net when both fail.
package lockclient

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

	"github.com/rs/zerolog"

	"github.com/casetrust/govlock/internal/lock"
)

var (
	// ErrNotOwner mirrors the service's not-owner outcome.
	ErrNotOwner = errors.New("lock is held by another owner")
	// ErrExpired mirrors the service's expired outcome; re-acquire.
	ErrExpired = errors.New("lease has expired")
	// ErrUnauthorized covers 401 and 403 responses.
	ErrUnauthorized = errors.New("caller is not permitted")
)

// ConflictError mirrors the service's conflict payload.
type ConflictError struct {
	Holder           string
	LockType         string
	RemainingSeconds int64
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource is being edited by %s (%ds remaining)", e.Holder, e.RemainingSeconds)
}

// Grant is a successful acquire or renew response.
type Grant struct {
	Lock                 *lock.Lock `json:"lock"`
	RenewIntervalSeconds int        `json:"renewIntervalSeconds"`
}

// Client is an HTTP client for the lock service.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  zerolog.Logger

	// beaconTimeout bounds the detached fire-and-forget delivery.
	beaconTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		c.httpc = httpc
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBeaconTimeout bounds the background fire-and-forget delivery attempt.
func WithBeaconTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.beaconTimeout = d
	}
}

// New creates a lock service client. baseURL is the service root
// (e.g. "http://localhost:8080"); token is the caller's credential.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		httpc:         &http.Client{Timeout: 10 * time.Second},
		logger:        zerolog.Nop(),
		beaconTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire requests a lease on (resourceID, scope). leaseSeconds of zero
// selects the server default.
func (c *Client) Acquire(ctx context.Context, resourceID, scope, lockType string, leaseSeconds int) (*Grant, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"resourceId":   resourceID,
		"scope":        scope,
		"type":         lockType,
		"leaseSeconds": leaseSeconds,
	})
	return c.postForGrant(ctx, "/api/v1/locks/acquire", body, http.StatusCreated)
}

// Renew extends the caller's lease on (resourceID, scope).
func (c *Client) Renew(ctx context.Context, resourceID, scope string) (*Grant, error) {
	body, _ := json.Marshal(map[string]string{
		"resourceId": resourceID,
		"scope":      scope,
	})
	return c.postForGrant(ctx, "/api/v1/locks/renew", body, http.StatusOK)
}

// Release ends the caller's lease with a synchronous, blocking call. It is
// idempotent on the server; releasing twice never errors.
func (c *Client) Release(ctx context.Context, resourceID, scope, lockType string) error {
	req, err := c.releaseRequest(ctx, resourceID, scope, lockType)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("release request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		return c.errorFromResponse(resp)
	}
	return nil
}

// ReleaseBeacon attempts a fire-and-forget release: the request is handed to
// a background goroutine with its own deadline, detached from the caller's
// context so it survives session teardown. There is no delivery confirmation
// and no ordering guarantee. A non-nil return means the attempt could not
// even be started; callers should then fall back to the blocking Release.
func (c *Client) ReleaseBeacon(resourceID, scope, lockType string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.beaconTimeout)
	req, err := c.releaseRequest(ctx, resourceID, scope, lockType)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		defer cancel()
		resp, err := c.httpc.Do(req)
		if err != nil {
			c.logger.Debug().Err(err).Msg("beacon release not delivered; lease expiry will reclaim the lock")
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return nil
}

// releaseRequest builds the form-encoded release call shared by both tiers.
// The credential travels as a form field because teardown-safe delivery
// mechanisms cannot set arbitrary headers.
func (c *Client) releaseRequest(ctx context.Context, resourceID, scope, lockType string) (*http.Request, error) {
	form := url.Values{}
	form.Set("resourceId", resourceID)
	form.Set("scope", scope)
	if lockType != "" {
		form.Set("type", lockType)
	}
	form.Set("token", c.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/locks/release", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build release request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// Status reports the pair's lock state for the caller.
func (c *Client) Status(ctx context.Context, resourceID, scope string) (*lock.Status, error) {
	u := fmt.Sprintf("%s/api/v1/locks/status?resourceId=%s&scope=%s",
		c.baseURL, url.QueryEscape(resourceID), url.QueryEscape(scope))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	status := &lock.Status{}
	if err := json.NewDecoder(resp.Body).Decode(status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return status, nil
}

func (c *Client) postForGrant(ctx context.Context, path string, body []byte, wantStatus int) (*Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lock request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != wantStatus {
		return nil, c.errorFromResponse(resp)
	}

	grant := &Grant{}
	if err := json.NewDecoder(resp.Body).Decode(grant); err != nil {
		return nil, fmt.Errorf("decode lock response: %w", err)
	}
	return grant, nil
}

// errorFromResponse maps the service's structured outcomes back to client
// errors.
func (c *Client) errorFromResponse(resp *http.Response) error {
	var payload struct {
		Error            string `json:"error"`
		Message          string `json:"message"`
		Holder           string `json:"holder"`
		LockType         string `json:"lockType"`
		RemainingSeconds int64  `json:"remainingSeconds"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)

	switch resp.StatusCode {
	case http.StatusConflict:
		return &ConflictError{
			Holder:           payload.Holder,
			LockType:         payload.LockType,
			RemainingSeconds: payload.RemainingSeconds,
		}
	case http.StatusGone:
		return ErrExpired
	case http.StatusForbidden:
		if payload.Error == "not_owner" {
			return ErrNotOwner
		}
		return ErrUnauthorized
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("lock service returned %d: %s", resp.StatusCode, payload.Message)
	}
}

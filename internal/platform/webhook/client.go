// Package webhook delivers JSON payloads to the single external sink that
// consumes completed assessments. Each call makes exactly one attempt; retry
// policy, if any, belongs to the caller.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrNotConfigured is returned when no sink URL is set.
	ErrNotConfigured = errors.New("webhook URL is not configured")
	// ErrSinkRejected wraps any non-2xx answer from the sink.
	ErrSinkRejected = errors.New("webhook sink rejected delivery")
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderDelivery  = "X-Webhook-ID"

	tokenIssuer = "aligner-admin"
	tokenTTL    = 5 * time.Minute
)

// Delivery records the outcome of one attempt.
type Delivery struct {
	ID           string        `json:"id"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.httpClient.Timeout = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

type Client struct {
	url        string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient returns a client for the sink at url. An empty url yields a
// client whose sends fail with ErrNotConfigured. When secret is non-empty
// each request carries an HMAC signature and a short-lived HS256 bearer
// token.
func NewClient(url, secret string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Configured() bool {
	return c != nil && c.url != ""
}

// Send marshals payload to JSON and posts it.
func (c *Client) Send(ctx context.Context, payload any) (*Delivery, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	return c.SendRaw(ctx, body)
}

// SendRaw posts an already encoded JSON body.
func (c *Client) SendRaw(ctx context.Context, body []byte) (*Delivery, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	now := c.now()
	d := &Delivery{ID: uuid.NewString()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return d, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderTimestamp, now.UTC().Format(time.RFC3339))

	if c.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(body, c.secret))
		token, err := c.token(d.ID, now)
		if err != nil {
			return d, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		return d, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return d, fmt.Errorf("%w: status %d", ErrSinkRejected, resp.StatusCode)
	}
	return d, nil
}

func (c *Client) token(deliveryID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		ID:        deliveryID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.secret))
	if err != nil {
		return "", fmt.Errorf("sign webhook token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks a bearer token issued by Client for the given secret
// and returns its claims. Sinks written in Go can use it directly.
func VerifyToken(token, secret string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify webhook token: %w", err)
	}
	return claims, nil
}

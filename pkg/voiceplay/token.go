package voiceplay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// StreamToken is a short-lived bearer token for the streaming endpoint.
type StreamToken struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token is unusable within buffer of now.
func (t *StreamToken) Expired(buffer time.Duration) bool {
	return t == nil || !time.Now().Add(buffer).Before(t.ExpiresAt)
}

// TTL is the time left, never negative.
func (t *StreamToken) TTL() time.Duration {
	if t == nil {
		return 0
	}
	if left := time.Until(t.ExpiresAt); left > 0 {
		return left
	}
	return 0
}

// GenerateStreamToken signs an HS256 token for subject valid for ttl.
func GenerateStreamToken(secret, subject string, ttl time.Duration) (*StreamToken, error) {
	if secret == "" {
		return nil, NewVoiceError("stream secret not set", ErrCodeAuthFailed)
	}
	expiresAt := time.Now().Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return nil, WrapError(err, ErrCodeAuthFailed)
	}
	return &StreamToken{Token: signed, ExpiresAt: expiresAt}, nil
}

// DecodeStreamToken verifies token against secret and returns its claims.
func DecodeStreamToken(token, secret string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, WrapError(err, ErrCodeAuthFailed)
	}
	if !parsed.Valid {
		return nil, NewVoiceError("invalid token", ErrCodeAuthFailed)
	}
	return claims, nil
}

// TokenSource yields a bearer token for a new connection.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SecretTokenSource signs tokens locally.
type SecretTokenSource struct {
	Secret  string
	Subject string
	TTL     time.Duration
}

func (s SecretTokenSource) Token(context.Context) (string, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	tok, err := GenerateStreamToken(s.Secret, s.Subject, ttl)
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// TokenManager fetches tokens from an HTTP endpoint and caches them until
// refreshBuffer before expiry.
type TokenManager struct {
	endpoint      string
	headers       map[string]string
	refreshBuffer time.Duration
	client        *http.Client

	mu    sync.Mutex
	token *StreamToken
}

func NewTokenManager(endpoint string, headers map[string]string, refreshBuffer time.Duration) *TokenManager {
	return &TokenManager{
		endpoint:      endpoint,
		headers:       headers,
		refreshBuffer: refreshBuffer,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.token.Expired(tm.refreshBuffer) {
		return tm.token.Token, nil
	}
	tok, err := tm.refreshToken(ctx)
	if err != nil {
		return "", err
	}
	tm.token = tok
	return tok.Token, nil
}

func (tm *TokenManager) refreshToken(ctx context.Context) (*StreamToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.endpoint, bytes.NewBufferString("{}"))
	if err != nil {
		return nil, WrapError(err, ErrCodeAuthFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range tm.headers {
		req.Header.Set(k, v)
	}

	resp, err := tm.client.Do(req)
	if err != nil {
		return nil, WrapError(err, ErrCodeAuthFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewVoiceError(fmt.Sprintf("failed to refresh token: %s", resp.Status), ErrCodeAuthFailed)
	}

	var data struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"` // unix millis
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, WrapError(err, ErrCodeAuthFailed)
	}
	if data.Token == "" {
		return nil, NewVoiceError("no token received", ErrCodeAuthFailed)
	}
	return &StreamToken{Token: data.Token, ExpiresAt: time.UnixMilli(data.ExpiresAt)}, nil
}

// Clear drops the cached token.
func (tm *TokenManager) Clear() {
	tm.mu.Lock()
	tm.token = nil
	tm.mu.Unlock()
}

// Package auth verifies the tokens clients present on connect and issues signed
// tokens for them.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrCannotIssue  = errors.New("no jwt secret configured")
)

// Method names how a token was accepted.
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
)

type Config struct {
	APIKey     string
	APIKeyHash string // bcrypt hash of the API key
	JWTSecret  string // base64
	TokenTTL   time.Duration
}

// Identity is what a verified token says about its bearer.
type Identity struct {
	Subject   string
	Method    string
	ExpiresAt time.Time // zero for API keys
}

// Verifier accepts a shared API key (plain or bcrypt-hashed) and HS256 tokens.
type Verifier struct {
	apiKey     []byte
	apiKeyHash []byte
	secret     []byte
	ttl        time.Duration
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{ttl: cfg.TokenTTL}
	if v.ttl <= 0 {
		v.ttl = 30 * 24 * time.Hour
	}
	if cfg.APIKey != "" {
		v.apiKey = []byte(cfg.APIKey)
	}
	if cfg.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.APIKeyHash)); err != nil {
			return nil, fmt.Errorf("api_key_hash is not a bcrypt hash: %w", err)
		}
		v.apiKeyHash = []byte(cfg.APIKeyHash)
	}
	if cfg.JWTSecret != "" {
		secret, err := base64.StdEncoding.DecodeString(cfg.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("decode jwt secret: %w", err)
		}
		if len(secret) < 16 {
			return nil, fmt.Errorf("jwt secret too short (%d bytes, need 16)", len(secret))
		}
		v.secret = secret
	}
	if v.apiKey == nil && v.apiKeyHash == nil && v.secret == nil {
		return nil, errors.New("no credentials configured")
	}
	return v, nil
}

// Verify checks a token against every configured credential.
func (v *Verifier) Verify(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	if v.apiKey != nil && subtle.ConstantTimeCompare([]byte(token), v.apiKey) == 1 {
		return &Identity{Subject: "api-key", Method: MethodAPIKey}, nil
	}
	if v.secret != nil && strings.Count(token, ".") == 2 {
		claims, err := ValidateJWT(v.secret, token)
		if err == nil {
			id := &Identity{Subject: claims.Subject, Method: MethodJWT}
			if claims.ExpiresAt != nil {
				id.ExpiresAt = claims.ExpiresAt.Time
			}
			return id, nil
		}
		if errors.Is(err, ErrTokenExpired) {
			return nil, err
		}
	}
	if v.apiKeyHash != nil && bcrypt.CompareHashAndPassword(v.apiKeyHash, []byte(token)) == nil {
		return &Identity{Subject: "api-key", Method: MethodAPIKey}, nil
	}
	return nil, ErrInvalidToken
}

// CanIssue reports whether a signing secret is configured.
func (v *Verifier) CanIssue() bool {
	return v.secret != nil
}

// Issue signs a token for subject valid for the configured TTL.
func (v *Verifier) Issue(subject string) (string, time.Time, error) {
	if v.secret == nil {
		return "", time.Time{}, ErrCannotIssue
	}
	return IssueJWT(v.secret, subject, v.ttl)
}

// HashKey bcrypt-hashes an API key for the api_key_hash setting.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key: %w", err)
	}
	return string(h), nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

package auth

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testSecret() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestVerifyAPIKey(t *testing.T) {
	v, err := NewVerifier(Config{APIKey: "s3cret"})
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.Verify("s3cret")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Method != MethodAPIKey {
		t.Errorf("method = %s", id.Method)
	}
	if _, err := v.Verify(" s3cret\n"); err != nil {
		t.Errorf("surrounding whitespace rejected: %v", err)
	}
	for _, bad := range []string{"", "s3cre", "s3cret!", "wrong"} {
		if _, err := v.Verify(bad); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify(%q) = %v, want ErrInvalidToken", bad, err)
		}
	}
}

func TestVerifyHashedKey(t *testing.T) {
	hash, err := HashKey("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(hash, "hunter2") {
		t.Fatal("hash contains the key")
	}
	v, err := NewVerifier(Config{APIKeyHash: hash})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify("hunter2"); err != nil {
		t.Errorf("verify: %v", err)
	}
	if _, err := v.Verify("hunter3"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key: %v", err)
	}
}

func TestNewVerifierRejectsBadConfig(t *testing.T) {
	cases := map[string]Config{
		"nothing":      {},
		"bad hash":     {APIKeyHash: "not-bcrypt"},
		"bad base64":   {JWTSecret: "!!!"},
		"short secret": {JWTSecret: base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for name, cfg := range cases {
		if _, err := NewVerifier(cfg); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestIssueAndVerifyJWT(t *testing.T) {
	v, err := NewVerifier(Config{JWTSecret: testSecret(), TokenTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if !v.CanIssue() {
		t.Fatal("CanIssue = false with secret")
	}
	token, exp, err := v.Issue("phone-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("expiry %v too soon", exp)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "phone-1" || id.Method != MethodJWT {
		t.Errorf("identity = %+v", id)
	}

	// Signed with another secret.
	other, _ := NewVerifier(Config{JWTSecret: base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210"))})
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign token: %v", err)
	}
}

func TestExpiredJWT(t *testing.T) {
	secret, _ := base64.StdEncoding.DecodeString(testSecret())
	token, _, err := IssueJWT(secret, "old", -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	v, _ := NewVerifier(Config{JWTSecret: testSecret()})
	if _, err := v.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestIssueWithoutSecret(t *testing.T) {
	v, _ := NewVerifier(Config{APIKey: "k"})
	if _, _, err := v.Issue("x"); !errors.Is(err, ErrCannotIssue) {
		t.Errorf("err = %v, want ErrCannotIssue", err)
	}
}

func TestGenerateSecretUsable(t *testing.T) {
	s, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewVerifier(Config{JWTSecret: s}); err != nil {
		t.Errorf("generated secret rejected: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/sessions", nil)
	if BearerToken(r) != "" {
		t.Error("token from empty header")
	}
	r.Header.Set("Authorization", "Bearer abc.def")
	if got := BearerToken(r); got != "abc.def" {
		t.Errorf("token = %q", got)
	}
	r.Header.Set("Authorization", "bearer  xyz ")
	if got := BearerToken(r); got != "xyz" {
		t.Errorf("token = %q", got)
	}
	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if BearerToken(r) != "" {
		t.Error("basic auth treated as bearer")
	}
}

func TestTokenStore(t *testing.T) {
	ts := NewTokenStore(t.TempDir())
	got, err := ts.Load()
	if err != nil || got != nil {
		t.Fatalf("empty load = %v, %v", got, err)
	}

	tok := &ClientToken{Token: "abc", Subject: "me", IssuedAt: time.Now().Unix(), ExpiresAt: time.Now().Add(time.Hour).Unix()}
	if err := ts.Save(tok); err != nil {
		t.Fatal(err)
	}
	got, err = ts.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "abc" || got.Subject != "me" {
		t.Errorf("loaded = %+v", got)
	}
	if !ts.IsValid(got) {
		t.Error("fresh token invalid")
	}
	got.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if ts.IsValid(got) {
		t.Error("expired token valid")
	}

	if err := ts.Delete(); err != nil {
		t.Fatal(err)
	}
	if err := ts.Delete(); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

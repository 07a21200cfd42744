package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientToken is a token saved by `wingrelay token --save` for later `chat` runs.
type ClientToken struct {
	Token     string `yaml:"token"`
	Subject   string `yaml:"subject"`
	IssuedAt  int64  `yaml:"issued_at"`
	ExpiresAt int64  `yaml:"expires_at"`
}

type TokenStore struct {
	Dir string
}

func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{Dir: dir}
}

func (s *TokenStore) tokenPath() string {
	return filepath.Join(s.Dir, "client_token.yaml")
}

func (s *TokenStore) Save(token *ClientToken) error {
	data, err := yaml.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.WriteFile(s.tokenPath(), data, 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// Load returns the saved token, or nil if none was saved.
func (s *TokenStore) Load() (*ClientToken, error) {
	data, err := os.ReadFile(s.tokenPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token: %w", err)
	}

	var token ClientToken
	if err := yaml.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &token, nil
}

func (s *TokenStore) Delete() error {
	err := os.Remove(s.tokenPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func (s *TokenStore) IsValid(token *ClientToken) bool {
	if token == nil || token.Token == "" {
		return false
	}
	if token.ExpiresAt == 0 {
		return true
	}
	return time.Now().Unix() < token.ExpiresAt
}

package mail

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"collabiq/pkg/crypto"
)

// TokenStore persists the Gmail OAuth token encrypted at rest. Refreshed
// tokens are written back so a restart never replays an expired one.
type TokenStore struct {
	path string
	mu   sync.Mutex
}

func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Load reads and decrypts the stored token. A plaintext token file is
// accepted once for migration and re-encrypted on the next Save.
func (s *TokenStore) Load() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	payload := string(raw)
	if crypto.IsEncrypted(payload) {
		payload, err = crypto.DecryptToken(payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt token file: %w", err)
		}
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(payload), &token); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return &token, nil
}

// Save encrypts and atomically replaces the token file.
func (s *TokenStore) Save(token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	encrypted, err := crypto.EncryptToken(string(raw))
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encrypted), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// persistingTokenSource wraps a refreshing source and writes every new
// token through the store.
type persistingTokenSource struct {
	src   oauth2.TokenSource
	store *TokenStore

	mu   sync.Mutex
	last string // access token 기준 변경 감지
}

func newPersistingTokenSource(src oauth2.TokenSource, store *TokenStore, current *oauth2.Token) *persistingTokenSource {
	p := &persistingTokenSource{src: src, store: store}
	if current != nil {
		p.last = current.AccessToken
	}
	return p
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := p.src.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	changed := token.AccessToken != p.last
	if changed {
		p.last = token.AccessToken
	}
	p.mu.Unlock()

	if changed {
		// 저장 실패는 치명적이지 않다. 다음 갱신에서 다시 시도된다.
		_ = p.store.Save(token)
	}
	return token, nil
}

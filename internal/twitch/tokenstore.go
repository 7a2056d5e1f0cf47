package twitch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"golang.org/x/oauth2"
)

var oauthTokensBucket = []byte("oauth_tokens")

// Token is the persisted OAuth state for the app's Twitch user session. It
// embeds oauth2.Token directly rather than redefining AccessToken/
// RefreshToken/Expiry, and adds the fields this core's refresh/validate
// lifecycle needs on top.
type Token struct {
	oauth2.Token
	UserID string   `json:"user_id"`
	Scopes []string `json:"scopes"`
}

// HasScopes reports which of required are missing from the token's
// granted scope set, satisfying the ScopeChecker interface eventsub.go
// depends on.
func (t *Token) HasScopes(required []string) (missing []string) {
	granted := make(map[string]bool, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[s] = true
	}
	for _, r := range required {
		if !granted[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// RefreshBuffer is how far ahead of actual expiry a token is proactively
// refreshed (spec.md §4.10: expires_at - refresh_buffer).
const RefreshBuffer = 5 * time.Minute

// NeedsRefresh reports whether the token should be refreshed now.
func (t *Token) NeedsRefresh() bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Now().After(t.Expiry.Add(-RefreshBuffer))
}

// FileTokenStore persists one Token in a boltdb file under a single
// bucket, keyed by a static key since this core manages exactly one
// Twitch user session per process.
type FileTokenStore struct {
	db  *bolt.DB
	key []byte
}

const tokenStoreKey = "current"

// NewFileTokenStore opens (creating if necessary) a boltdb file at path.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(oauthTokensBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing token store bucket: %w", err)
	}

	return &FileTokenStore{db: db, key: []byte(tokenStoreKey)}, nil
}

// Load reads the persisted token, if any. Returns (nil, nil) when no
// token has been saved yet.
func (s *FileTokenStore) Load() (*Token, error) {
	var tok *Token
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(oauthTokensBucket).Get(s.key)
		if raw == nil {
			return nil
		}
		tok = &Token{}
		return json.Unmarshal(raw, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}
	return tok, nil
}

// Save persists tok, overwriting any previous value.
func (s *FileTokenStore) Save(tok *Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(oauthTokensBucket).Put(s.key, data)
	})
}

// Close releases the underlying boltdb file handle.
func (s *FileTokenStore) Close() error {
	return s.db.Close()
}

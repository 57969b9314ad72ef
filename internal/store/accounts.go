// Package store owns every piece of persisted relay state: the account
// and session-token maps, the retained message history, and uploaded
// file blobs. Each JSON document is rewritten wholesale on save; disk
// failures are logged and the in-memory state keeps serving.
package store

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Credential verification errors surfaced to the auth path.
var (
	ErrUsernameTaken     = errors.New("username taken")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrSessionExpired    = errors.New("session expired")
	ErrReservedName      = errors.New("reserved username")
)

const (
	usersFile  = "users.json"
	tokensFile = "tokens.json"

	kdfIterations = 100_000
	kdfKeyLen     = 32
	saltLen       = 16
	tokenLen      = 32
)

// credential is the stored form of a password: a per-user random salt
// plus the PBKDF2-HMAC-SHA256 derivation, both hex-encoded.
type credential struct {
	Salt string `json:"salt"`
	Hash string `json:"hash"`
}

// Accounts is the persisted username->credential map plus issued
// session tokens. Tokens are valid until revoked; no expiry is
// enforced.
type Accounts struct {
	mu       sync.RWMutex
	users    map[string]credential
	tokens   map[string]string // token -> username
	reserved map[string]bool

	usersPath  string
	tokensPath string
}

// NewAccounts creates an account store rooted at dataDir. Reserved
// names bypass credential checks at the session layer and can never be
// registered here.
func NewAccounts(dataDir string, reserved ...string) *Accounts {
	r := make(map[string]bool, len(reserved))
	for _, name := range reserved {
		r[name] = true
	}
	return &Accounts{
		users:      make(map[string]credential),
		tokens:     make(map[string]string),
		reserved:   r,
		usersPath:  filepath.Join(dataDir, usersFile),
		tokensPath: filepath.Join(dataDir, tokensFile),
	}
}

// Load reads both JSON documents from disk. Missing files are not an
// error; a fresh server starts empty.
func (a *Accounts) Load() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := readJSON(a.usersPath, &a.users); err != nil {
		log.Printf("[Accounts] Could not load %s: %v", a.usersPath, err)
	}
	if a.users == nil {
		a.users = make(map[string]credential)
	}
	if err := readJSON(a.tokensPath, &a.tokens); err != nil {
		log.Printf("[Accounts] Could not load %s: %v", a.tokensPath, err)
	}
	if a.tokens == nil {
		a.tokens = make(map[string]string)
	}
	log.Printf("[Accounts] Loaded %d users, %d session tokens", len(a.users), len(a.tokens))
}

// Register creates a new account. It fails with ErrUsernameTaken if the
// name exists and ErrReservedName for reserved identities.
func (a *Accounts) Register(username, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reserved[username] {
		return ErrReservedName
	}
	if _, ok := a.users[username]; ok {
		return ErrUsernameTaken
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	a.users[username] = credential{
		Salt: hex.EncodeToString(salt),
		Hash: hex.EncodeToString(derive(password, salt)),
	}
	a.saveUsersLocked()
	return nil
}

// Authenticate verifies a username/password pair. The comparison is a
// constant-time check of the derived hashes, never of plaintext.
func (a *Accounts) Authenticate(username, password string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stored, ok := a.users[username]
	if !ok {
		return ErrInvalidCredential
	}
	salt, err := hex.DecodeString(stored.Salt)
	if err != nil {
		return ErrInvalidCredential
	}
	want, err := hex.DecodeString(stored.Hash)
	if err != nil {
		return ErrInvalidCredential
	}
	if subtle.ConstantTimeCompare(derive(password, salt), want) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

// Exists reports whether the username has a registered credential.
func (a *Accounts) Exists(username string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.users[username]
	return ok
}

// Reserved reports whether the name is a reserved identity.
func (a *Accounts) Reserved(name string) bool {
	return a.reserved[name]
}

// IssueToken mints a high-entropy session token for a credentialed
// identity and persists it. The token never expires server-side.
func (a *Accounts) IssueToken(username string) (string, error) {
	buf := make([]byte, tokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(buf)

	a.mu.Lock()
	a.tokens[token] = username
	a.saveTokensLocked()
	a.mu.Unlock()
	return token, nil
}

// RedeemToken resolves a previously issued token to its username.
// Unknown tokens fail with ErrSessionExpired.
func (a *Accounts) RedeemToken(token string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	username, ok := a.tokens[token]
	if !ok {
		return "", ErrSessionExpired
	}
	return username, nil
}

// RevokeToken deletes a token. Deletion is the only revocation
// mechanism the store offers.
func (a *Accounts) RevokeToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tokens[token]; ok {
		delete(a.tokens, token)
		a.saveTokensLocked()
	}
}

func (a *Accounts) saveUsersLocked() {
	if err := writeJSON(a.usersPath, a.users); err != nil {
		log.Printf("[Accounts] Could not save %s: %v", a.usersPath, err)
	}
}

func (a *Accounts) saveTokensLocked() {
	if err := writeJSON(a.tokensPath, a.tokens); err != nil {
		log.Printf("[Accounts] Could not save %s: %v", a.tokensPath, err)
	}
}

func derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha256.New)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

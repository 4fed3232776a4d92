// Package identity manages the per-installation device identity: a stable
// id plus an ed25519 keypair used to sign gateway connect payloads, and the
// role-keyed table of device tokens the server has issued.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	identityFile = "device.json"
	tokenFile    = "device-tokens.json"

	// PayloadGeneration tags the signed connect payload format.
	PayloadGeneration = "roost1"
)

// Identity is the durable per-installation identity. Created once on first
// use and never rotated by the client.
type Identity struct {
	ID          string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
	CreatedAtMs int64
}

// PublicKeyBase64 is the wire form of the public key.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.PublicKey)
}

type identityRecord struct {
	ID          string `json:"id"`
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Store persists the identity and token table under a state directory.
// Both files are written owner-only and replaced atomically, since another
// process invocation may read them concurrently.
type Store struct {
	dir        string
	passphrase string // non-empty enables at-rest sealing of the token file
	logger     *slog.Logger

	mu     sync.Mutex
	ident  *Identity
	tokens *tokenTable
}

// NewStore creates a Store rooted at dir. Nothing is read until first use.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:        dir,
		passphrase: os.Getenv("ROOST_STATE_KEY"),
		logger:     logger,
	}
}

// Identity returns the device identity, creating and persisting a fresh one
// on first use.
func (s *Store) Identity() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityLocked()
}

func (s *Store) identityLocked() (*Identity, error) {
	if s.ident != nil {
		return s.ident, nil
	}

	path := filepath.Join(s.dir, identityFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		ident, err := decodeIdentity(data)
		if err != nil {
			return nil, fmt.Errorf("identity: %s: %w", path, err)
		}
		s.ident = ident
		return ident, nil
	case os.IsNotExist(err):
		// fall through to create
	default:
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	ident := &Identity{
		ID:          strings.ToLower(ulid.Make().String()),
		PublicKey:   pub,
		PrivateKey:  priv,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if err := s.writeIdentityLocked(ident); err != nil {
		return nil, err
	}
	s.logger.Info("created device identity", "device_id", ident.ID)
	s.ident = ident
	return ident, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(rec.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("malformed keypair")
	}
	return &Identity{
		ID:          rec.ID,
		PublicKey:   ed25519.PublicKey(pub),
		PrivateKey:  ed25519.PrivateKey(priv),
		CreatedAtMs: rec.CreatedAtMs,
	}, nil
}

func (s *Store) writeIdentityLocked(ident *Identity) error {
	rec := identityRecord{
		ID:          ident.ID,
		PublicKey:   base64.StdEncoding.EncodeToString(ident.PublicKey),
		PrivateKey:  base64.StdEncoding.EncodeToString(ident.PrivateKey),
		CreatedAtMs: ident.CreatedAtMs,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, identityFile), data)
}

// SignaturePayload builds the exact byte string signed during the connect
// handshake. The field order and "|" delimiter are a wire contract with the
// server's verifier and must not be reordered:
//
//	generation | deviceId | clientId | mode | role | scope1,scope2 | signedAtMs | token | nonce
//
// The token slot is empty when no bearer token is held; the nonce slot (and
// its delimiter) is appended only when the server issued a challenge.
func SignaturePayload(deviceID, clientID, mode, role string, scopes []string, signedAtMs int64, token, nonce string) string {
	fields := []string{
		PayloadGeneration,
		deviceID,
		clientID,
		mode,
		role,
		strings.Join(scopes, ","),
		fmt.Sprintf("%d", signedAtMs),
		token,
	}
	if nonce != "" {
		fields = append(fields, nonce)
	}
	return strings.Join(fields, "|")
}

// Sign signs payload with the device private key and returns the base64
// signature.
func (s *Store) Sign(payload string) (string, error) {
	ident, err := s.Identity()
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(ident.PrivateKey, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// atomicWrite writes data to path with owner-only permissions via a
// temp-file rename, so concurrent readers never observe a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

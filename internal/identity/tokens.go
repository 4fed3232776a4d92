package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TokenRecord is one issued device token, keyed by role in the table.
type TokenRecord struct {
	Token      string   `json:"token"`
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes,omitempty"`
	IssuedAtMs int64    `json:"issuedAtMs"`
}

// tokenTable is the persisted role-keyed token document. Entries are merged
// by device id: a table written by a different device identity is discarded
// rather than mixed in.
type tokenTable struct {
	DeviceID string                 `json:"deviceId"`
	Tokens   map[string]TokenRecord `json:"tokens"`
}

// Token returns the stored token for role, if any.
func (s *Store) Token(role string) (TokenRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.tokensLocked()
	if err != nil {
		return TokenRecord{}, false, err
	}
	rec, ok := table.Tokens[role]
	return rec, ok, nil
}

// SaveToken persists an issued token under its role, replacing any previous
// token for that role.
func (s *Store) SaveToken(rec TokenRecord) error {
	if rec.Role == "" {
		return fmt.Errorf("tokens: empty role")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.tokensLocked()
	if err != nil {
		return err
	}
	table.Tokens[rec.Role] = rec
	if err := s.writeTokensLocked(table); err != nil {
		return err
	}
	s.logger.Debug("stored device token", "role", rec.Role)
	return nil
}

// RevokeToken removes the token stored for role. Removing an absent role is
// not an error.
func (s *Store) RevokeToken(role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.tokensLocked()
	if err != nil {
		return err
	}
	if _, ok := table.Tokens[role]; !ok {
		return nil
	}
	delete(table.Tokens, role)
	return s.writeTokensLocked(table)
}

func (s *Store) tokensLocked() (*tokenTable, error) {
	ident, err := s.identityLocked()
	if err != nil {
		return nil, err
	}
	if s.tokens != nil {
		return s.tokens, nil
	}

	table := &tokenTable{DeviceID: ident.ID, Tokens: map[string]TokenRecord{}}
	path := filepath.Join(s.dir, tokenFile)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.tokens = table
		return table, nil
	case err != nil:
		return nil, fmt.Errorf("tokens: read %s: %w", path, err)
	}

	if s.passphrase != "" {
		data, err = openSealed(data, s.passphrase)
		if err != nil {
			return nil, fmt.Errorf("tokens: unseal %s: %w", path, err)
		}
	}

	var loaded tokenTable
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("tokens: parse %s: %w", path, err)
	}
	if loaded.DeviceID == ident.ID && loaded.Tokens != nil {
		table.Tokens = loaded.Tokens
	} else if loaded.DeviceID != ident.ID {
		s.logger.Warn("token table belongs to another device identity, discarding",
			"stored_device", loaded.DeviceID, "device_id", ident.ID)
	}
	s.tokens = table
	return table, nil
}

func (s *Store) writeTokensLocked(table *tokenTable) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("tokens: encode: %w", err)
	}
	if s.passphrase != "" {
		data, err = seal(data, s.passphrase)
		if err != nil {
			return fmt.Errorf("tokens: seal: %w", err)
		}
	}
	return atomicWrite(filepath.Join(s.dir, tokenFile), data)
}

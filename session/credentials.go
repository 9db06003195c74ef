package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const metaFile = "meta.json"

// Credentials points a transport at a tenant's credential directory.
// Resumable is true when an earlier pairing left material behind; that is
// no guarantee the server still accepts it.
type Credentials struct {
	TenantID  string
	Dir       string
	Resumable bool
	Account   string
	UpdatedAt time.Time
}

// CredentialSaver flushes a transport's in-memory credential state.
type CredentialSaver interface {
	SaveCredentials(ctx context.Context) error
	// Account is the identity the credentials belong to, empty before pairing.
	Account() string
}

type credentialMeta struct {
	TenantID  string    `json:"tenant_id"`
	Account   string    `json:"account,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialStore keeps one directory per tenant under root.
type CredentialStore struct {
	root string
	log  zerolog.Logger
}

func NewCredentialStore(root string, log zerolog.Logger) (*CredentialStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("credential root is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create credential root: %w", err)
	}
	return &CredentialStore{root: root, log: log}, nil
}

// ValidateTenantID rejects ids that would escape the credential root.
func ValidateTenantID(tenantID string) error {
	switch {
	case strings.TrimSpace(tenantID) == "",
		tenantID == ".", tenantID == "..",
		len(tenantID) > 128,
		strings.ContainsAny(tenantID, `/\`+"\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return nil
}

func (s *CredentialStore) Dir(tenantID string) (string, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, tenantID), nil
}

// Load opens the tenant's credential directory, creating it if needed.
func (s *CredentialStore) Load(tenantID string) (*Credentials, error) {
	dir, err := s.Dir(tenantID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}

	creds := &Credentials{TenantID: tenantID, Dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return creds, nil
	case err != nil:
		return nil, fmt.Errorf("read credential meta: %w", err)
	}

	var meta credentialMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		// Corrupt metadata only loses the hint; the transport decides
		// whether the material itself is usable.
		s.log.Warn().Err(err).Str("tenant", tenantID).Msg("Ignoring unreadable credential metadata")
		return creds, nil
	}
	creds.Resumable = meta.Account != ""
	creds.Account = meta.Account
	creds.UpdatedAt = meta.UpdatedAt
	return creds, nil
}

// Persist flushes the saver and records metadata next to the material. It
// returns only after both writes are on disk.
func (s *CredentialStore) Persist(ctx context.Context, creds *Credentials, saver CredentialSaver) error {
	if creds == nil {
		return errors.New("no credentials loaded")
	}
	if err := saver.SaveCredentials(ctx); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	meta := credentialMeta{
		TenantID:  creds.TenantID,
		Account:   saver.Account(),
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(creds.Dir, 0o700); err != nil {
		return err
	}
	tmp := filepath.Join(creds.Dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential meta: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(creds.Dir, metaFile)); err != nil {
		return fmt.Errorf("write credential meta: %w", err)
	}

	creds.Account = meta.Account
	creds.UpdatedAt = meta.UpdatedAt
	creds.Resumable = meta.Account != ""
	return nil
}

// Purge deletes the tenant's credential directory. Purging a tenant that
// has nothing stored is not an error.
func (s *CredentialStore) Purge(tenantID string) error {
	dir, err := s.Dir(tenantID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return nil
}

// Exists reports whether the tenant has a credential directory on disk.
func (s *CredentialStore) Exists(tenantID string) bool {
	dir, err := s.Dir(tenantID)
	if err != nil {
		return false
	}
	_, err = os.Stat(dir)
	return err == nil
}

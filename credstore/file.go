package credstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one credential file per tenant under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = filepath.Join("data", "creds")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir cred dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path maps a tenant id to a file, rejecting ids that could escape the dir.
func (s *FileStore) path(tenantID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("empty tenant id")
	}
	if strings.ContainsAny(tenantID, "/\\") || strings.Contains(tenantID, "..") {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return filepath.Join(s.dir, tenantID+".cred"), nil
}

func (s *FileStore) Load(ctx context.Context, tenantID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(tenantID)
	if err != nil {
		return nil, err
	}
	stored, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := unseal(stored)
	if err != nil {
		return nil, fmt.Errorf("unseal credentials for %s: %w", tenantID, err)
	}
	return creds, nil
}

func (s *FileStore) Persist(ctx context.Context, tenantID string, creds []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(tenantID)
	if err != nil {
		return err
	}
	sealed, err := seal(creds)
	if err != nil {
		return fmt.Errorf("seal credentials for %s: %w", tenantID, err)
	}
	// Write-then-rename keeps a crash from leaving a torn file.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

func (s *FileStore) Wipe(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(tenantID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wipe credentials: %w", err)
	}
	return nil
}

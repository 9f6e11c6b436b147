// Package credstore persists protocol credentials per tenant so a previously
// authenticated session can reconnect without re-scanning. Blobs are opaque
// to the core: they are whatever the protocol driver last emitted through its
// credential-update callback.
//
// Two backends are provided: a file store (default) and Postgres. Both
// encrypt at rest with AES-256-GCM when ENCRYPTION_KEY is set; without a key
// blobs are stored in plaintext with a logged warning.
package credstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/onnwee/chatbridge/crypto"
)

// Store is the credential persistence collaborator. Load returns (nil, nil)
// when no credentials exist for the tenant. Wipe is idempotent.
type Store interface {
	Load(ctx context.Context, tenantID string) ([]byte, error)
	Persist(ctx context.Context, tenantID string, creds []byte) error
	Wipe(ctx context.Context, tenantID string) error
}

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the shared encryptor from ENCRYPTION_KEY.
// If ENCRYPTION_KEY is not set, encryption is disabled.
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, credentials will be stored in plaintext (not recommended for production)", slog.String("component", "credstore"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("credential encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "credstore"))
			return
		}
		encryptor = enc
		slog.Info("credential encryption enabled (AES-256-GCM)", slog.String("component", "credstore"))
	})
}

// getEncryptor returns the shared encryptor, or nil when encryption is off.
func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// seal encrypts creds when an encryptor is configured.
func seal(creds []byte) ([]byte, error) {
	enc, err := getEncryptor()
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return creds, nil
	}
	return enc.Encrypt(creds)
}

// unseal decrypts stored bytes when an encryptor is configured.
func unseal(stored []byte) ([]byte, error) {
	enc, err := getEncryptor()
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return stored, nil
	}
	return enc.Decrypt(stored)
}

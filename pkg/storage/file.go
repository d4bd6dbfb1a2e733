package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/MrCodeEU/facegate/pkg/logging"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

// FileStorage stores one JSON document per identity, optionally sealed
// with NaCl secretbox under a machine-derived key.
type FileStorage struct {
	dataDir           string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte
	mu                sync.Mutex
}

// NewFileStorage creates a new FileStorage instance.
func NewFileStorage(dataDir string, encryptionEnabled bool) (*FileStorage, error) {
	fs := &FileStorage{
		dataDir:           dataDir,
		encryptionEnabled: encryptionEnabled,
	}

	// Derive encryption key from machine-specific information
	if encryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		fs.encryptionKey = key
	}

	if err := os.MkdirAll(fs.identitiesDir(), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identities directory: %w", err)
	}

	return fs, nil
}

// deriveKey derives an encryption key from machine-specific information.
// This ties the encrypted data to this specific kiosk.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte

	var identity strings.Builder

	// Machine ID (Linux specific)
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}

	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}

	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("facegate-v1-salt")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])

	return key, nil
}

func (fs *FileStorage) identitiesDir() string {
	return filepath.Join(fs.dataDir, "identities")
}

func (fs *FileStorage) recordPath(key string) string {
	filename := key + ".json"
	if fs.encryptionEnabled {
		filename = key + ".enc"
	}
	return filepath.Join(fs.identitiesDir(), filename)
}

// GetByKey loads a record.
func (fs *FileStorage) GetByKey(ctx context.Context, key string) (*IdentityRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.load(key)
}

// Update overwrites an existing record.
func (fs *FileStorage) Update(ctx context.Context, record *IdentityRecord) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.exists(record.Key) {
		return ErrIdentityNotFound
	}
	return fs.save(record)
}

// Create stores a new record.
func (fs *FileStorage) Create(ctx context.Context, record *IdentityRecord) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.exists(record.Key) {
		return ErrIdentityExists
	}
	return fs.save(record)
}

// Delete removes a record.
func (fs *FileStorage) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.recordPath(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrIdentityNotFound
		}
		return fmt.Errorf("failed to delete identity: %w", err)
	}

	logging.Component("storage").Infof("Deleted identity: %s", key)
	return nil
}

// List returns every record, ordered by key. Files written with the other
// encryption setting are skipped.
func (fs *FileStorage) List(ctx context.Context) ([]IdentityRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.identitiesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []IdentityRecord{}, nil
		}
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	ext := ".json"
	if fs.encryptionEnabled {
		ext = ".enc"
	}

	records := []IdentityRecord{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := fs.load(strings.TrimSuffix(entry.Name(), ext))
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// Close is a no-op for file storage.
func (fs *FileStorage) Close() error {
	return nil
}

func (fs *FileStorage) exists(key string) bool {
	_, err := os.Stat(fs.recordPath(key))
	return err == nil
}

func (fs *FileStorage) save(record *IdentityRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt identity: %w", err)
		}
	}

	if err := os.WriteFile(fs.recordPath(record.Key), data, 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	logging.Component("storage").Debugf("Saved identity: %s", record.Key)
	return nil
}

func (fs *FileStorage) load(key string) (*IdentityRecord, error) {
	data, err := os.ReadFile(fs.recordPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	if fs.encryptionEnabled {
		data, err = fs.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt identity %s: %w", key, err)
		}
	}

	var record IdentityRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity %s: %w", key, err)
	}

	return &record, nil
}

// encrypt encrypts data using NaCl secretbox.
func (fs *FileStorage) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, &fs.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (fs *FileStorage) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fs.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}

	return plaintext, nil
}

package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

// Environment variables that select a key provider.
const (
	EnvEncryptionKey = "MAILPULSE_ENCRYPTION_KEY"
	EnvPassphrase    = "MAILPULSE_CREDENTIALS_PASSPHRASE"
)

const (
	keyLength = 32 // AES-256
	saltFile  = "credentials.salt"

	keyringService = "mailpulse"
	keyringAccount = "credentials-key"
)

// Argon2id cost for passphrase-derived keys.
var argon2Params = struct {
	time, memory uint32
	threads      uint8
}{time: 1, memory: 64 * 1024, threads: 4}

// ErrKeyringUnavailable indicates the system keyring could not be used.
var ErrKeyringUnavailable = errors.New("system keyring unavailable")

// KeyProvider supplies the key that seals the credentials file.
type KeyProvider interface {
	// GetKey returns the 32-byte key, creating one if the backend allows it.
	GetKey() ([]byte, error)
	// ResetKey replaces the key where the backend supports it.
	ResetKey() ([]byte, error)
	// Description names the backend for `credentials list`.
	Description() string
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

func decodeKey(hexKey, origin string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key in %s: %w", origin, err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("key in %s must be %d bytes, got %d", origin, keyLength, len(key))
	}
	return key, nil
}

// EnvKeyProvider reads a hex key from an environment variable. Used in CI
// and containers where no keyring exists.
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider reads the key from envVar.
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	v := os.Getenv(p.envVar)
	if v == "" {
		return nil, fmt.Errorf("environment variable %s not set", p.envVar)
	}
	return decodeKey(v, p.envVar)
}

func (p *EnvKeyProvider) ResetKey() ([]byte, error) {
	return nil, errors.New("cannot reset environment-based key")
}

func (p *EnvKeyProvider) Description() string {
	return fmt.Sprintf("Environment variable (%s)", p.envVar)
}

// PassphraseKeyProvider derives the key with Argon2id.
type PassphraseKeyProvider struct {
	passphrase string
	salt       []byte
}

// NewPassphraseKeyProvider derives keys from passphrase and salt.
func NewPassphraseKeyProvider(passphrase string, salt []byte) *PassphraseKeyProvider {
	return &PassphraseKeyProvider{passphrase: passphrase, salt: salt}
}

func (p *PassphraseKeyProvider) GetKey() ([]byte, error) {
	switch {
	case p.passphrase == "":
		return nil, errors.New("passphrase is required")
	case len(p.salt) == 0:
		return nil, errors.New("salt is required")
	}
	return argon2.IDKey([]byte(p.passphrase), p.salt,
		argon2Params.time, argon2Params.memory, argon2Params.threads, keyLength), nil
}

// ResetKey returns the derived key unchanged; change the passphrase instead.
func (p *PassphraseKeyProvider) ResetKey() ([]byte, error) {
	return p.GetKey()
}

func (p *PassphraseKeyProvider) Description() string {
	return "Passphrase-derived key (Argon2id)"
}

// GenerateSalt returns a fresh 16-byte salt.
func GenerateSalt() ([]byte, error) {
	return randomBytes(16)
}

// LoadOrCreateSalt reads the salt stored in dir, creating one on first use.
func LoadOrCreateSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, saltFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		salt, err := hex.DecodeString(string(data))
		if err != nil || len(salt) == 0 {
			return nil, fmt.Errorf("invalid salt in %s", path)
		}
		return salt, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0o600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return salt, nil
}

// KeyringKeyProvider keeps a random key in the OS keyring.
type KeyringKeyProvider struct {
	mu sync.Mutex
}

// NewKeyringKeyProvider uses the mailpulse keyring entry.
func NewKeyringKeyProvider() *KeyringKeyProvider {
	return &KeyringKeyProvider{}
}

// GetKey returns the stored key. A missing or malformed entry is replaced.
func (p *KeyringKeyProvider) GetKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, err := keyring.Get(keyringService, keyringAccount)
	switch {
	case err == nil:
		if key, err := decodeKey(stored, "keyring"); err == nil {
			return key, nil
		}
	case !errors.Is(err, keyring.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}
	return p.store()
}

func (p *KeyringKeyProvider) ResetKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store()
}

// store writes a new key. Caller holds p.mu.
func (p *KeyringKeyProvider) store() ([]byte, error) {
	key, err := randomBytes(keyLength)
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keyringService, keyringAccount, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("%w: storing key: %v", ErrKeyringUnavailable, err)
	}
	return key, nil
}

func (p *KeyringKeyProvider) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "Secret Service keyring"
	}
}

// GetDefaultKeyProvider picks the key backend: MAILPULSE_ENCRYPTION_KEY,
// then MAILPULSE_CREDENTIALS_PASSPHRASE with its salt in dir, then the OS
// keyring.
func GetDefaultKeyProvider(dir string) (KeyProvider, error) {
	if os.Getenv(EnvEncryptionKey) != "" {
		return NewEnvKeyProvider(EnvEncryptionKey), nil
	}
	if passphrase := os.Getenv(EnvPassphrase); passphrase != "" {
		salt, err := LoadOrCreateSalt(dir)
		if err != nil {
			return nil, err
		}
		return NewPassphraseKeyProvider(passphrase, salt), nil
	}

	kp := NewKeyringKeyProvider()
	if _, err := kp.GetKey(); err != nil {
		if errors.Is(err, ErrKeyringUnavailable) {
			return nil, fmt.Errorf("set %s or %s: %w", EnvEncryptionKey, EnvPassphrase, err)
		}
		return nil, err
	}
	return kp, nil
}

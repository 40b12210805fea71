// Package credentials stores model provider API keys in
// ~/.mailpulse/credentials.yaml, encrypted at rest with AES-GCM.
//
// Encryption Key Storage:
// The encryption key is stored in the system keyring:
// - macOS: Keychain
// - Windows: Credential Manager
// - Linux: Secret Service (libsecret)
//
// For CI/testing environments, set MAILPULSE_ENCRYPTION_KEY to a 64-character
// hex string (32 bytes). On headless hosts without a keyring, set
// MAILPULSE_CREDENTIALS_PASSPHRASE to derive the key with Argon2id.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/mailpulse/pkg/llm"
)

// Credential storage constants.
const (
	DefaultCredentialsDir  = ".mailpulse"
	DefaultCredentialsFile = "credentials.yaml"
)

// Common errors.
var (
	// ErrNoCredential is returned when no key is stored for a provider.
	ErrNoCredential = errors.New("no credential stored")
	// ErrUnknownProvider is returned for provider names outside the routing table.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrEncryptionFailed is returned when encryption/decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// envVars are consulted before the file.
var envVars = map[llm.ProviderKind]string{
	llm.ProviderOpenAI:    "OPENAI_API_KEY",
	llm.ProviderAnthropic: "ANTHROPIC_API_KEY",
	llm.ProviderGemini:    "GEMINI_API_KEY",
	llm.ProviderXAI:       "XAI_API_KEY",
}

// EnvVar returns the environment variable that overrides provider's stored key.
func EnvVar(provider llm.ProviderKind) string {
	return envVars[provider]
}

// Entry is one stored provider key.
type Entry struct {
	// APIKey is encrypted in the file and plaintext in memory.
	APIKey    string    `yaml:"api_key"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// file is the on-disk layout.
type file struct {
	Providers map[string]Entry `yaml:"providers"`
}

// Summary describes a stored or environment-supplied key without revealing it.
type Summary struct {
	Provider  llm.ProviderKind `json:"provider" yaml:"provider"`
	Source    string           `json:"source" yaml:"source"`
	Masked    string           `json:"masked" yaml:"masked"`
	UpdatedAt time.Time        `json:"updatedAt,omitempty" yaml:"updated_at,omitempty"`
}

// Store manages credential storage operations.
type Store struct {
	credentialsDir string
	encryptionKey  []byte
	keyProvider    KeyProvider
	getenv         func(string) string
}

// NewStore creates a credential store using the default key provider.
func NewStore() (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}

	keyProvider, err := GetDefaultKeyProvider(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}

	return newStore(dir, keyProvider)
}

// NewStoreWithKeyProvider creates a credential store with a custom key provider.
// This is primarily used for testing.
func NewStoreWithKeyProvider(keyProvider KeyProvider) (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}
	return newStore(dir, keyProvider)
}

func newStore(dir string, keyProvider KeyProvider) (*Store, error) {
	key, err := keyProvider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{
		credentialsDir: dir,
		encryptionKey:  key,
		keyProvider:    keyProvider,
		getenv:         os.Getenv,
	}, nil
}

// KeySource describes where the encryption key lives.
func (s *Store) KeySource() string {
	return s.keyProvider.Description()
}

// CredentialsDir returns the credentials directory path.
// Uses $MAILPULSE_CONFIG_DIR if set, otherwise ~/.mailpulse
func CredentialsDir() (string, error) {
	if dir := os.Getenv("MAILPULSE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultCredentialsDir), nil
}

// CredentialsPath returns the full path to the credentials file.
func CredentialsPath() (string, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultCredentialsFile), nil
}

// ParseProvider validates a provider name.
func ParseProvider(name string) (llm.ProviderKind, error) {
	kind, ok := llm.ParseProviderKind(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return kind, nil
}

// Set stores apiKey for provider, replacing any previous key.
func (s *Store) Set(provider llm.ProviderKind, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("api key is empty")
	}

	f, err := s.read()
	if err != nil {
		return err
	}

	encrypted, err := s.encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("encrypting API key: %w", err)
	}
	f.Providers[string(provider)] = Entry{APIKey: encrypted, UpdatedAt: time.Now().UTC()}

	return s.write(f)
}

// Get returns the stored key for provider, ignoring the environment.
func (s *Store) Get(provider llm.ProviderKind) (string, error) {
	f, err := s.read()
	if err != nil {
		return "", err
	}

	entry, ok := f.Providers[string(provider)]
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrNoCredential, provider)
	}

	key, err := s.decrypt(entry.APIKey)
	if err != nil {
		return "", fmt.Errorf("decrypting %s key: %w", provider, err)
	}
	return key, nil
}

// Delete removes the key for provider. Deleting a missing key is not an error.
func (s *Store) Delete(provider llm.ProviderKind) error {
	f, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := f.Providers[string(provider)]; !ok {
		return nil
	}
	delete(f.Providers, string(provider))
	return s.write(f)
}

// Resolve returns provider's key from its environment variable or, failing
// that, from the store.
func (s *Store) Resolve(provider llm.ProviderKind) (string, error) {
	if v := s.getenv(EnvVar(provider)); v != "" {
		return v, nil
	}
	return s.Get(provider)
}

// List summarizes every configured provider, environment first.
func (s *Store) List() ([]Summary, error) {
	f, err := s.read()
	if err != nil {
		return nil, err
	}

	var out []Summary
	for _, kind := range llm.ProviderKinds() {
		if v := s.getenv(EnvVar(kind)); v != "" {
			out = append(out, Summary{Provider: kind, Source: "env:" + EnvVar(kind), Masked: MaskAPIKey(v)})
			continue
		}
		entry, ok := f.Providers[string(kind)]
		if !ok {
			continue
		}
		key, err := s.decrypt(entry.APIKey)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s key: %w", kind, err)
		}
		out = append(out, Summary{Provider: kind, Source: "file", Masked: MaskAPIKey(key), UpdatedAt: entry.UpdatedAt})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *Store) read() (*file, error) {
	f := &file{Providers: map[string]Entry{}}

	data, err := os.ReadFile(filepath.Join(s.credentialsDir, DefaultCredentialsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if f.Providers == nil {
		f.Providers = map[string]Entry{}
	}
	return f, nil
}

func (s *Store) write(f *file) error {
	if err := os.MkdirAll(s.credentialsDir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	credPath := filepath.Join(s.credentialsDir, DefaultCredentialsFile)
	if err := os.WriteFile(credPath, data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// encrypt encrypts a string using AES-GCM.
func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts an AES-GCM encrypted string.
func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}

	return string(plaintext), nil
}

// MaskAPIKey returns a masked API key showing only a short prefix and suffix.
func MaskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + strings.Repeat("*", 8) + apiKey[len(apiKey)-4:]
}

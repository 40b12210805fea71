package credentials

import (
	"bytes"
	"encoding/hex"
	"os"
	"strings"
	"testing"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestEnvKeyProvider_GetKey(t *testing.T) {
	envVar := "TEST_MAILPULSE_ENCRYPTION_KEY"

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid key", testEncryptionKey, false},
		{"missing env var", "", true},
		{"invalid hex", "not-valid-hex", true},
		{"wrong length", "0123456789abcdef", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(envVar, tt.value)
			key, err := NewEnvKeyProvider(envVar).GetKey()
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				want, _ := hex.DecodeString(tt.value)
				if !bytes.Equal(key, want) {
					t.Error("GetKey() returned wrong key")
				}
			}
		})
	}
}

func TestEnvKeyProvider_ResetKey(t *testing.T) {
	if _, err := NewEnvKeyProvider("X").ResetKey(); err == nil {
		t.Error("ResetKey() should fail for env keys")
	}
}

func TestPassphraseKeyProvider_GetKey(t *testing.T) {
	salt := []byte("0123456789abcdef")

	key1, err := NewPassphraseKeyProvider("correct horse", salt).GetKey()
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if len(key1) != keyLength {
		t.Errorf("GetKey() returned %d bytes, want %d", len(key1), keyLength)
	}

	key2, _ := NewPassphraseKeyProvider("correct horse", salt).GetKey()
	if !bytes.Equal(key1, key2) {
		t.Error("same passphrase and salt should derive the same key")
	}

	key3, _ := NewPassphraseKeyProvider("battery staple", salt).GetKey()
	if bytes.Equal(key1, key3) {
		t.Error("different passphrases should derive different keys")
	}

	if _, err := NewPassphraseKeyProvider("", salt).GetKey(); err == nil {
		t.Error("empty passphrase should fail")
	}
	if _, err := NewPassphraseKeyProvider("x", nil).GetKey(); err == nil {
		t.Error("missing salt should fail")
	}
}

func TestLoadOrCreateSalt(t *testing.T) {
	dir := t.TempDir()

	salt, err := LoadOrCreateSalt(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateSalt() error = %v", err)
	}
	if len(salt) != 16 {
		t.Errorf("salt length = %d, want 16", len(salt))
	}

	again, err := LoadOrCreateSalt(dir)
	if err != nil {
		t.Fatalf("second LoadOrCreateSalt() error = %v", err)
	}
	if !bytes.Equal(salt, again) {
		t.Error("salt should be stable once created")
	}
}

func TestGetDefaultKeyProvider(t *testing.T) {
	dir := t.TempDir()

	t.Run("env key wins", func(t *testing.T) {
		t.Setenv(EnvEncryptionKey, testEncryptionKey)
		t.Setenv(EnvPassphrase, "ignored")
		provider, err := GetDefaultKeyProvider(dir)
		if err != nil {
			t.Fatalf("GetDefaultKeyProvider() error = %v", err)
		}
		if !strings.Contains(provider.Description(), EnvEncryptionKey) {
			t.Errorf("expected env provider, got %s", provider.Description())
		}
	})

	t.Run("passphrase", func(t *testing.T) {
		t.Setenv(EnvEncryptionKey, "")
		t.Setenv(EnvPassphrase, "correct horse")
		provider, err := GetDefaultKeyProvider(dir)
		if err != nil {
			t.Fatalf("GetDefaultKeyProvider() error = %v", err)
		}
		if !strings.Contains(provider.Description(), "Argon2id") {
			t.Errorf("expected passphrase provider, got %s", provider.Description())
		}
		if _, err := os.Stat(dir + "/" + saltFile); err != nil {
			t.Errorf("salt file not written: %v", err)
		}
	})
}

// TestKeyringKeyProvider_Integration tests the keyring provider if available.
func TestKeyringKeyProvider_Integration(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping keyring test in CI environment")
	}

	provider := NewKeyringKeyProvider()
	key, err := provider.GetKey()
	if err != nil {
		t.Skipf("Keyring not available: %v", err)
	}

	key2, err := provider.GetKey()
	if err != nil {
		t.Fatalf("Second GetKey() error = %v", err)
	}
	if !bytes.Equal(key, key2) {
		t.Error("GetKey() should return the same key on subsequent calls")
	}
}

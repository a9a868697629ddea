package cryptoutil_test

import (
	"os"
	"strings"
	"testing"

	"github.com/websoft9/remotehost/internal/cryptoutil"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cryptoutil.ResetKey()
	defer cryptoutil.ResetKey()

	tests := []string{
		"",
		"hello",
		"a longer secret value with special chars: !@#$%^&*()",
		"中文密码测试",
		strings.Repeat("x", 10000),
	}

	for _, plaintext := range tests {
		encrypted, err := cryptoutil.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error: %v", plaintext, err)
		}

		// Encrypted should be hex-encoded and non-empty (even for empty plaintext, nonce+tag exist)
		if encrypted == "" {
			t.Fatal("encrypted result is empty")
		}
		if encrypted == plaintext {
			t.Error("encrypted should differ from plaintext")
		}

		decrypted, err := cryptoutil.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt error: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("roundtrip mismatch: got %q, want %q", decrypted, plaintext)
		}
	}
}

func TestEncryptProducesDifferentCiphertexts(t *testing.T) {
	cryptoutil.ResetKey()
	defer cryptoutil.ResetKey()

	a, _ := cryptoutil.Encrypt("same-value")
	b, _ := cryptoutil.Encrypt("same-value")

	if a == b {
		t.Error("two encryptions of the same value should produce different ciphertext (random nonce)")
	}
}

func TestDecryptInvalidHex(t *testing.T) {
	cryptoutil.ResetKey()
	defer cryptoutil.ResetKey()

	_, err := cryptoutil.Decrypt("not-valid-hex!")
	if err == nil {
		t.Error("expected error for invalid hex input")
	}
}

func TestDecryptTooShort(t *testing.T) {
	cryptoutil.ResetKey()
	defer cryptoutil.ResetKey()

	_, err := cryptoutil.Decrypt("aabb")
	if err == nil {
		t.Error("expected error for too-short ciphertext")
	}
}

func TestDecryptTamperedData(t *testing.T) {
	cryptoutil.ResetKey()
	defer cryptoutil.ResetKey()

	encrypted, _ := cryptoutil.Encrypt("secret")
	// Flip a byte in the middle
	runes := []byte(encrypted)
	mid := len(runes) / 2
	if runes[mid] == 'a' {
		runes[mid] = 'b'
	} else {
		runes[mid] = 'a'
	}
	_, err := cryptoutil.Decrypt(string(runes))
	if err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestCustomKeyFromEnv(t *testing.T) {
	cryptoutil.ResetKey()
	defer func() {
		os.Unsetenv(cryptoutil.EnvKey)
		cryptoutil.ResetKey()
	}()

	// Set a valid 32-byte hex key (64 hex chars)
	customKey := strings.Repeat("ab", 32) // 64 hex chars = 32 bytes
	os.Setenv(cryptoutil.EnvKey, customKey)

	encrypted, err := cryptoutil.Encrypt("test-with-custom-key")
	if err != nil {
		t.Fatalf("Encrypt error with custom key: %v", err)
	}

	decrypted, err := cryptoutil.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt error with custom key: %v", err)
	}
	if decrypted != "test-with-custom-key" {
		t.Errorf("got %q, want %q", decrypted, "test-with-custom-key")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	cryptoutil.ResetKey()
	defer func() {
		os.Unsetenv(cryptoutil.EnvKey)
		cryptoutil.ResetKey()
	}()

	os.Setenv(cryptoutil.EnvKey, "aabb") // only 2 bytes
	_, err := cryptoutil.Encrypt("test")
	if err == nil {
		t.Error("expected error for invalid key length")
	}
}

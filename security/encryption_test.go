package security

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name       string
		key        []byte
		wantErr    bool
		wantEnable bool
	}{
		{
			name:       "valid 32-byte key",
			key:        make([]byte, 32),
			wantErr:    false,
			wantEnable: true,
		},
		{
			name:       "nil key (disabled)",
			key:        nil,
			wantErr:    false,
			wantEnable: false,
		},
		{
			name:       "empty key (disabled)",
			key:        []byte{},
			wantErr:    false,
			wantEnable: false,
		},
		{
			name:    "invalid key length (16 bytes)",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "invalid key length (64 bytes)",
			key:     make([]byte, 64),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if enc.Enabled() != tt.wantEnable {
				t.Errorf("Enabled() = %v, want %v", enc.Enabled(), tt.wantEnable)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := `{"access_token":"secret-value","refresh_token":"another"}`
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == plaintext {
		t.Error("ciphertext equals plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != plaintext {
		t.Errorf("round-trip mismatch: got %q", got)
	}
}

func TestEncryptDisabledPassThrough(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	ciphertext, err := enc.Encrypt("plain value")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext != "plain value" {
		t.Errorf("disabled encryptor modified the value: %q", ciphertext)
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil || got != "plain value" {
		t.Errorf("Decrypt() = %q, %v", got, err)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	if _, err := rand.Read(key1); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := rand.Read(key2); err != nil {
		t.Fatalf("rand: %v", err)
	}

	enc1, _ := NewEncryptor(key1)
	enc2, _ := NewEncryptor(key2)

	ciphertext, err := enc1.Encrypt("sensitive")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() with wrong key succeeded")
	}
}

func TestDecryptInvalidInput(t *testing.T) {
	key := make([]byte, 32)
	enc, _ := NewEncryptor(key)

	if _, err := enc.Decrypt("not-valid-base64!!!"); err == nil {
		t.Error("Decrypt() accepted invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("tiny"))
	if _, err := enc.Decrypt(short); err == nil {
		t.Error("Decrypt() accepted truncated ciphertext")
	}
}

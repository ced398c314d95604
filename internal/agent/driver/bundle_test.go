package driver

import (
	"bytes"
	"testing"

	"github.com/kandev/kandev/internal/domain"
)

func TestEncryptDecryptBundleRoundTrip(t *testing.T) {
	original := []byte(`[{"id":"c1","index":0,"input":"SELECT 1;"}]`)
	token := "a-bearer-token-that-is-long-enough-for-32-chars"

	encrypted, err := EncryptBundle(original, token)
	if err != nil {
		t.Fatalf("EncryptBundle failed: %v", err)
	}
	if bytes.Equal(encrypted, original) {
		t.Fatal("encrypted bundle should differ from plaintext")
	}

	decrypted, err := DecryptBundle(encrypted, token)
	if err != nil {
		t.Fatalf("DecryptBundle failed: %v", err)
	}
	if !bytes.Equal(decrypted, original) {
		t.Errorf("round-trip mismatch: got %q, want %q", decrypted, original)
	}
}

func TestDecryptBundleRejectsShortCiphertext(t *testing.T) {
	if _, err := DecryptBundle([]byte("short"), "token"); err != ErrInvalidCiphertext {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestBuildBundleSkipsSuccessfulCommands(t *testing.T) {
	commands := []*domain.Command{
		{ID: "c1", Index: 0, Input: "SELECT 1;", Status: domain.CommandStatusSuccess},
		{ID: "c2", Index: 1, Input: "SELECT 2;", Status: domain.CommandStatusNotStart},
	}

	data, err := BuildBundle(commands)
	if err != nil {
		t.Fatalf("BuildBundle failed: %v", err)
	}
	if bytes.Contains(data, []byte("SELECT 1")) {
		t.Error("bundle should not contain already-successful commands")
	}
	if !bytes.Contains(data, []byte("SELECT 2")) {
		t.Error("bundle should contain the remaining command")
	}
}

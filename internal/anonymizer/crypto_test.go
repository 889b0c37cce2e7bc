package anonymizer

import (
	"strings"
	"testing"
)

func TestHmacSHA256(t *testing.T) {
	first := HmacSHA256("test", "12345")
	second := HmacSHA256("test", "12345")
	if first != second {
		t.Fatal("same key and input produced different hashes")
	}
	if len(first) != 64 {
		t.Fatalf("hash length = %d, want 64 hex characters", len(first))
	}
	if strings.ToLower(first) != first {
		t.Fatal("hash is not lowercase hex")
	}
	if HmacSHA256("other", "12345") == first {
		t.Fatal("different keys produced the same hash")
	}
	if HmacSHA256("test", "54321") == first {
		t.Fatal("different inputs produced the same hash")
	}
}

func TestFieldEncryptor(t *testing.T) {
	encryptor, err := NewFieldEncryptor("secret-key")
	if err != nil {
		t.Fatalf("NewFieldEncryptor: %v", err)
	}

	t.Run("round trip", func(t *testing.T) {
		for _, plaintext := range []string{
			"John Doe",
			"",
			"üñïçødé 日本語 🩺",
			strings.Repeat("x", 4096),
		} {
			ciphertext, err := encryptor.Encrypt(plaintext)
			if err != nil {
				t.Fatalf("Encrypt(%q): %v", plaintext, err)
			}
			if ciphertext == plaintext && plaintext != "" {
				t.Fatalf("ciphertext equals plaintext for %q", plaintext)
			}
			decrypted, err := encryptor.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if decrypted != plaintext {
				t.Fatalf("round trip of %q gave %q", plaintext, decrypted)
			}
		}
	})

	t.Run("fresh nonce per call", func(t *testing.T) {
		a, err := encryptor.Encrypt("same input")
		if err != nil {
			t.Fatal(err)
		}
		b, err := encryptor.Encrypt("same input")
		if err != nil {
			t.Fatal(err)
		}
		if a == b {
			t.Fatal("two encryptions of the same input are identical")
		}
	})

	t.Run("wrong key fails", func(t *testing.T) {
		other, err := NewFieldEncryptor("different-key")
		if err != nil {
			t.Fatal(err)
		}
		ciphertext, err := encryptor.Encrypt("John Doe")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := other.Decrypt(ciphertext); err == nil {
			t.Fatal("decrypting with the wrong key succeeded")
		}
	})

	t.Run("garbage fails", func(t *testing.T) {
		for _, bad := range []string{"not base64 !!!", "aGVsbG8=", ""} {
			if _, err := encryptor.Decrypt(bad); err == nil {
				t.Fatalf("Decrypt(%q) succeeded", bad)
			}
		}
	})
}

func TestDeriveDateShiftOffset(t *testing.T) {
	if deriveDateShiftOffset("key", "prefix") != deriveDateShiftOffset("key", "prefix") {
		t.Fatal("same key and prefix produced different offsets")
	}

	seenNonZero := false
	for _, prefix := range []string{"", "a", "patient-1", "patient-2", "site/42"} {
		offset := deriveDateShiftOffset("shift-key", prefix)
		if offset < -dateShiftRange || offset > dateShiftRange {
			t.Fatalf("offset %d for prefix %q outside [-%d, %d]", offset, prefix, dateShiftRange, dateShiftRange)
		}
		if offset != 0 {
			seenNonZero = true
		}
	}
	if !seenNonZero {
		t.Fatal("every prefix produced a zero offset")
	}
}

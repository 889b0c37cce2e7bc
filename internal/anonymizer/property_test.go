package anonymizer

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestKeyedTransformProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	encryptor, err := NewFieldEncryptor("property-key")
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("encrypt then decrypt returns the input", prop.ForAll(
		func(plaintext string) bool {
			ciphertext, err := encryptor.Encrypt(plaintext)
			if err != nil {
				return false
			}
			decrypted, err := encryptor.Decrypt(ciphertext)
			return err == nil && decrypted == plaintext
		},
		gen.AnyString(),
	))

	properties.Property("keyed hash is deterministic", prop.ForAll(
		func(key, value string) bool {
			return HmacSHA256(key, value) == HmacSHA256(key, value)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("keyed hash has fixed length", prop.ForAll(
		func(value string) bool {
			return len(HmacSHA256("key", value)) == 64
		},
		gen.AnyString(),
	))

	properties.Property("date shift offset stays in range", prop.ForAll(
		func(key, prefix string) bool {
			offset := deriveDateShiftOffset(key, prefix)
			return offset >= -dateShiftRange && offset <= dateShiftRange
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

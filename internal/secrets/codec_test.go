package secrets_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/agenthost/internal/apperr"
	"github.com/basket/agenthost/internal/secrets"
)

func newCodec(t *testing.T) *secrets.Codec {
	t.Helper()
	c, err := secrets.NewCodec(4)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newCodec(t)
	inputs := []string{"", "sk-live-123", "multi\nline\tvalue", "ünïcødé ✓", strings.Repeat("x", 4096)}
	for _, in := range inputs {
		enc, err := c.Encrypt(in, "salt-a")
		if err != nil {
			t.Fatalf("encrypt %q: %v", in, err)
		}
		if !secrets.IsEncrypted(enc) {
			t.Fatalf("ciphertext missing prefix: %q", enc)
		}
		if in != "" && strings.Contains(enc, in) {
			t.Fatalf("ciphertext leaks plaintext")
		}
		dec, err := c.Decrypt(enc, "salt-a")
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if dec != in {
			t.Fatalf("round trip mismatch: got %q want %q", dec, in)
		}
	}
}

func TestCodec_NonceIsFresh(t *testing.T) {
	c := newCodec(t)
	a, _ := c.Encrypt("same", "salt")
	b, _ := c.Encrypt("same", "salt")
	if a == b {
		t.Fatal("two encryptions of the same value must differ")
	}
}

func TestCodec_WrongSaltFails(t *testing.T) {
	c := newCodec(t)
	enc, err := c.Encrypt("value", "salt-a")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, err = c.Decrypt(enc, "salt-b")
	if !apperr.Is(err, apperr.KindDecryption) {
		t.Fatalf("expected decryption_error, got %v", err)
	}
}

func TestCodec_MalformedCiphertext(t *testing.T) {
	c := newCodec(t)
	cases := []string{
		"plaintext-without-prefix",
		"enc:!!!not-base64!!!",
		"enc:QUJD",
	}
	for _, in := range cases {
		_, err := c.Decrypt(in, "salt")
		if !apperr.Is(err, apperr.KindDecryption) {
			t.Errorf("Decrypt(%q): expected decryption_error, got %v", in, err)
		}
		if !errors.Is(err, secrets.ErrMalformed) {
			t.Errorf("Decrypt(%q): expected ErrMalformed in chain, got %v", in, err)
		}
	}
}

func TestCodec_EmptySalt(t *testing.T) {
	c := newCodec(t)
	if _, err := c.Encrypt("v", ""); !errors.Is(err, secrets.ErrEmptySalt) {
		t.Fatalf("expected ErrEmptySalt, got %v", err)
	}
}

func TestCodec_ValuesPassNilAndNonStrings(t *testing.T) {
	c := newCodec(t)
	in := map[string]any{
		"API_KEY": "abc",
		"UNSET":   nil,
		"COUNT":   float64(3),
	}
	enc, err := c.EncryptValues(in, "salt")
	if err != nil {
		t.Fatalf("encrypt values: %v", err)
	}
	if enc["UNSET"] != nil {
		t.Fatalf("nil must stay nil, got %v", enc["UNSET"])
	}
	if enc["COUNT"] != float64(3) {
		t.Fatalf("non-string must be untouched, got %v", enc["COUNT"])
	}
	if s, _ := enc["API_KEY"].(string); !secrets.IsEncrypted(s) {
		t.Fatalf("API_KEY not encrypted: %v", enc["API_KEY"])
	}
	if in["API_KEY"] != "abc" {
		t.Fatal("input map must not be mutated")
	}

	// Caller strings are opaque: a value that looks sealed is sealed again
	// and opens back to the literal.
	again, err := c.EncryptValues(enc, "salt")
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if again["API_KEY"] == enc["API_KEY"] {
		t.Fatal("prefixed values must still be sealed")
	}
	opened, err := c.DecryptValues(again, "salt")
	if err != nil || opened["API_KEY"] != enc["API_KEY"] {
		t.Fatalf("double-sealed value = %v, %v; want the literal %v", opened["API_KEY"], err, enc["API_KEY"])
	}

	dec, err := c.DecryptValues(enc, "salt")
	if err != nil {
		t.Fatalf("decrypt values: %v", err)
	}
	if dec["API_KEY"] != "abc" || dec["UNSET"] != nil {
		t.Fatalf("unexpected decrypted map: %v", dec)
	}

	if out, err := c.EncryptValues(nil, "salt"); err != nil || out != nil {
		t.Fatalf("nil map: got %v, %v", out, err)
	}
}

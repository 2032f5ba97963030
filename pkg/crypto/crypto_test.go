// Remora is a Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("test-passphrase")
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	secret := "f1dd4f2f5f0f1c2b3a4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f70819aa1"
	ciphertext, err := enc.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ciphertext == secret {
		t.Fatalf("ciphertext equals plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != secret {
		t.Fatalf("round trip mismatch: got %s want %s", got, secret)
	}
}

func TestDecryptWrongPassphraseFails(t *testing.T) {
	enc, err := NewEncryptor("correct")
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	ciphertext, err := enc.Encrypt("secret-key")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	wrong, err := NewEncryptor("wrong")
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	if _, err := wrong.Decrypt(ciphertext); err == nil {
		t.Fatalf("expected decrypt with wrong passphrase to fail")
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewEncryptor("pass")
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	a, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct nonces to yield distinct ciphertexts")
	}
}

func TestEmptyPassphraseRejected(t *testing.T) {
	if _, err := NewEncryptor(""); err == nil {
		t.Fatalf("expected empty passphrase to be rejected")
	}
}

func TestIsEncrypted(t *testing.T) {
	enc, _ := NewEncryptor("pass")
	ciphertext, err := enc.Encrypt("something")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !IsEncrypted(ciphertext) {
		t.Fatalf("expected ciphertext to look encrypted")
	}
	if IsEncrypted("plainly not base64 !!") {
		t.Fatalf("expected non-base64 to not look encrypted")
	}
	if IsEncrypted("") {
		t.Fatalf("expected empty string to not look encrypted")
	}
}

func TestRedactSecret(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "****"},
		{"abcdefgh", "ab****gh"},
	}
	for _, c := range cases {
		if got := RedactSecret(c.in); got != c.want {
			t.Errorf("RedactSecret(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRedactToken(t *testing.T) {
	if got := RedactToken("tok_1234567890abcd"); !strings.HasPrefix(got, "tok_") || !strings.HasSuffix(got, "abcd") {
		t.Fatalf("unexpected redaction: %s", got)
	}
	if got := RedactToken("short"); got != "********" {
		t.Fatalf("unexpected short redaction: %s", got)
	}
}

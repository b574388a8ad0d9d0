package utils

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := Encrypt("sk-test-123", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if enc == "sk-test-123" {
		t.Fatal("ciphertext should differ from plaintext")
	}

	dec, err := Decrypt(enc, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if dec != "sk-test-123" {
		t.Fatalf("got %q", dec)
	}

	if _, err := Decrypt(enc, "other"); err == nil {
		t.Fatal("expected error with wrong secret")
	}
}

func TestEncryptEmptyStaysEmpty(t *testing.T) {
	enc, err := Encrypt("", "secret")
	if err != nil || enc != "" {
		t.Fatalf("got %q, %v", enc, err)
	}
	dec, err := Decrypt("", "secret")
	if err != nil || dec != "" {
		t.Fatalf("got %q, %v", dec, err)
	}
}

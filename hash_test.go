package livesync

import (
	"strconv"
	"testing"
)

func TestH32IsDeterministic(t *testing.T) {
	a := h32("same payload")
	b := h32("same payload")
	if a != b {
		t.Errorf("h32 is not deterministic: %q vs %q", a, b)
	}
}

func TestH32DiffersAcrossPayloads(t *testing.T) {
	if h32("payload one") == h32("payload two") {
		t.Error("distinct payloads hashed to the same value")
	}
}

func TestH32EncryptedDependsOnPassphrase(t *testing.T) {
	a := h32Encrypted("piece", "passphrase-a")
	b := h32Encrypted("piece", "passphrase-b")
	if a == b {
		t.Error("encrypted hash did not change with the passphrase")
	}
}

func TestH32EncryptedIsReversibleByXOR(t *testing.T) {
	// h32Encrypted XORs the piece hash with the passphrase hash; XORing
	// again with the same passphrase hash must recover the plain hash.
	piece, passphrase := "some content", "a passphrase"
	encHex := h32Encrypted(piece, passphrase)

	enc, err := strconv.ParseUint(encHex, 16, 64)
	if err != nil {
		t.Fatalf("parse encrypted hash: %v", err)
	}
	passHash := h32Raw(passphrase)

	if got, want := enc^passHash, h32Raw(piece); got != want {
		t.Errorf("XOR round trip failed: got %x want %x", got, want)
	}
}

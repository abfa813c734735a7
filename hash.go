//go:build !rfc6962hash

package livesync

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// h32Raw is the store's content hash, xxHash64 over the raw bytes. Named
// h32 in the design this package was ported from (a 32-bit-era name kept
// for continuity even though the Go port uses a wider, faster hash).
func h32Raw(data string) uint64 {
	return xxhash.Sum64String(data)
}

// h32 renders a piece's content hash as it appears in an unencrypted leaf
// id: plain lowercase hex.
func h32(piece string) string {
	return fmt.Sprintf("%x", h32Raw(piece))
}

// h32Encrypted renders a piece's content hash as it appears in an encrypted
// leaf id: the piece's hash XORed with the passphrase's hash, hex, without
// the EncryptedLeafIDMarker ("+") that the caller prefixes.
func h32Encrypted(piece, passphrase string) string {
	return fmt.Sprintf("%x", h32Raw(piece)^h32Raw(passphrase))
}

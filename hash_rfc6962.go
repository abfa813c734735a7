//go:build rfc6962hash

package livesync

import (
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/merkle/rfc6962"
)

// h32Raw, under the rfc6962hash build tag, derives the content hash from
// the first 8 bytes of the RFC 6962 leaf hash rather than xxHash64. This
// exists purely so a deployment can align its leaf ids with a Merkle log
// built over the same content elsewhere in its stack; the default build
// uses the faster, non-cryptographic xxHash64 (see hash.go).
func h32Raw(data string) uint64 {
	digest := rfc6962.DefaultHasher.HashLeaf([]byte(data))
	return binary.BigEndian.Uint64(digest[:8])
}

func h32(piece string) string {
	return fmt.Sprintf("%x", h32Raw(piece))
}

func h32Encrypted(piece, passphrase string) string {
	return fmt.Sprintf("%x", h32Raw(piece)^h32Raw(passphrase))
}

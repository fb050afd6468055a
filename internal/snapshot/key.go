package snapshot

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Key identifies one (session, target) synchronization relationship. It
// names the snapshot file and the in-flight job for that pair.
type Key string

// keyDomain separates SyncKey hashes from any other use of BLAKE3 keyed
// mode. The bytes are the ASCII domain name, zero-padded to 32 bytes.
var keyDomain = [32]byte{
	'd', 'i', 'f', 'f', 's', 'y', 'n', 'c', 'd', '.', 's', 'y', 'n', 'c', 'k', 'e',
	'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// KeyFor derives the key of a (session, target) pair. Both fields are
// length-prefixed before hashing so no two distinct pairs share an input.
// The readable session prefix only helps humans browsing the store.
func KeyFor(session, target string) Key {
	hasher, err := blake3.NewKeyed(keyDomain[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	writeField(hasher, session)
	writeField(hasher, target)
	sum := hasher.Sum(nil)
	return Key(sanitize(session) + "_" + hex.EncodeToString(sum[:16]))
}

func writeField(h *blake3.Hasher, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

// sanitize keeps the session name safe as a file name component.
func sanitize(s string) string {
	const maxLen = 32
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

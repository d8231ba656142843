package store

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// fragmentDomainKey separates fragment digests from other BLAKE3 uses.
var fragmentDomainKey = [32]byte{
	'f', 'r', 'a', 'g', 'm', 'e', 'n', 't', 's', '.', 'f', 'r', 'a', 'g', 'm', 'e',
	'n', 't', '.', 'f', 'i', 'l', 'e', 's', 0, 0, 0, 0, 0, 0, 0, 0,
}

// DigestFiles returns the hex keyed-BLAKE3 digest of a file map. Paths are
// hashed in sorted order with length prefixes, so equal maps always produce
// the same digest.
func DigestFiles(files map[string]string) string {
	h, err := blake3.NewKeyed(fragmentDomainKey[:])
	if err != nil {
		// Only possible with a key that is not 32 bytes.
		panic("store: blake3 keyed hasher: " + err.Error())
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var lenBuf [8]byte
	for _, p := range paths {
		for _, field := range []string{p, files[p]} {
			binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
			_, _ = h.Write(lenBuf[:])
			_, _ = h.Write([]byte(field))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

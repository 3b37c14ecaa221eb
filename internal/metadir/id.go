package metadir

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// domainKey is a 32-byte BLAKE3 key. Node ids and root ids live in separate
// domains so a child id can never collide with the id of an input file.
type domainKey [32]byte

var (
	rootDomainKey = domainKey{
		'b', 'a', 'n', 'g', '.', 'n', 'o', 'd', 'e', '.', 'r', 'o', 'o', 't',
	}
	childDomainKey = domainKey{
		'b', 'a', 'n', 'g', '.', 'n', 'o', 'd', 'e', '.', 'c', 'h', 'i', 'l', 'd',
	}
)

func keyedHash(key domainKey, parts ...[]byte) string {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("metadir: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RootID derives the id of a scan root from the input bytes. Scanning the
// same input twice yields the same tree of ids.
func RootID(data []byte) string {
	return keyedHash(rootDomainKey, data)
}

// ChildID derives the id of a node from its parent and its position in the
// parent. name distinguishes children sharing an extent, such as a carved
// region and the payload decompressed from it.
func ChildID(parentID string, offset, length int64, name string) string {
	var ext [16]byte
	binary.BigEndian.PutUint64(ext[:8], uint64(offset))
	binary.BigEndian.PutUint64(ext[8:], uint64(length))
	var nameLen [4]byte
	binary.BigEndian.PutUint32(nameLen[:], uint32(len(name)))
	return keyedHash(childDomainKey, []byte(parentID), ext[:], nameLen[:], []byte(name))
}

// Hashes are the content digests of a node's bytes.
type Hashes struct {
	BLAKE3 string `json:"blake3"`
	SHA256 string `json:"sha256"`
}

// HashContent digests data.
func HashContent(data []byte) Hashes {
	b := blake3.Sum256(data)
	s := sha256.Sum256(data)
	return Hashes{
		BLAKE3: hex.EncodeToString(b[:]),
		SHA256: hex.EncodeToString(s[:]),
	}
}

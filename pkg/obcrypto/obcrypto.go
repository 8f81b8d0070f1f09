// Content encryption capability. Everything that leaves for remote storage
// or touches local version files goes through a Cryptor; the rest of the
// engine never sees key material.
package obcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/obsync/obsync/pkg/obtypes"
)

// Cryptor encrypts/decrypts one object's content. Keystreams are derived
// from the object id, not the version: an unchanged byte range keeps its
// ciphertext across versions, which is what lets diff uploads reference the
// base version's ciphertext, lets ciphertext-level hashing detect unchanged
// ranges, and keeps a version file valid when a sync renumbers it.
type Cryptor interface {
	EncryptHeader(objId obtypes.ObjId, plaintext []byte) ([]byte, error)
	DecryptHeader(objId obtypes.ObjId, ciphertext []byte) ([]byte, error)

	// in-place transform of segment bytes at the given segment offset.
	// CTR mode: the same call both encrypts and decrypts.
	TransformSegsAt(objId obtypes.ObjId, ofs uint64, data []byte) error
}

type aesCtrCryptor struct {
	key []byte // 32 bytes => AES-256
}

func NewAesCtr(key []byte) (Cryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	return &aesCtrCryptor{key: key}, nil
}

func (c *aesCtrCryptor) EncryptHeader(objId obtypes.ObjId, plaintext []byte) ([]byte, error) {
	return c.transformHeader(objId, plaintext)
}

func (c *aesCtrCryptor) DecryptHeader(objId obtypes.ObjId, ciphertext []byte) ([]byte, error) {
	return c.transformHeader(objId, ciphertext)
}

func (c *aesCtrCryptor) transformHeader(objId obtypes.ObjId, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}

	// headers get their own IV domain, disjoint from the segment keystream
	iv := deriveIv(fmt.Sprintf("%s/header", objId))

	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)

	return out, nil
}

func (c *aesCtrCryptor) TransformSegsAt(objId obtypes.ObjId, ofs uint64, data []byte) error {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return err
	}

	iv := deriveIv(fmt.Sprintf("%s/segs", objId))

	// CTR keystream is seekable: advance the counter to the block containing
	// ofs, then discard the unaligned head of that block's keystream
	skipBlocks := ofs / aes.BlockSize
	skipBytes := int(ofs % aes.BlockSize)

	addToCounter(iv, skipBlocks)

	stream := cipher.NewCTR(block, iv)

	if skipBytes > 0 {
		discard := make([]byte, skipBytes)
		stream.XORKeyStream(discard, discard)
	}

	stream.XORKeyStream(data, data)

	return nil
}

func deriveIv(domain string) []byte {
	sum := sha256.Sum256([]byte(domain))

	return sum[0:aes.BlockSize]
}

// big-endian add over the 16-byte counter block
func addToCounter(iv []byte, n uint64) {
	carry := n

	for i := len(iv) - 8; i >= 0 && carry > 0; i -= 8 {
		sum := binary.BigEndian.Uint64(iv[i:i+8]) + carry

		overflowed := sum < carry
		binary.BigEndian.PutUint64(iv[i:i+8], sum)

		if overflowed {
			carry = 1
		} else {
			carry = 0
		}
	}
}

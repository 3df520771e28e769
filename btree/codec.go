package btree

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Superblock field offsets. The portion of sector 0 that carries real
// fields is key_size (4) + root_lba (4) + first_free_lba (8) + an 8-byte integrity
// tag over those sixteen bytes. The remainder of the sector is unused.
const (
	superKeySizeOff  = 0
	superRootLBAOff  = 4
	superFreeLBAOff  = 8
	superTagOff      = 16
	superTagLen      = 8
	superChecked     = superTagOff // bytes [0, superChecked) are covered by the tag
)

// defaultSuperHMACKey is used to compute the superblock integrity tag
// when the caller configures no HMAC key of their own. It exists purely
// to catch torn or truncated superblock writes, not as a security
// boundary.
var defaultSuperHMACKey = []byte("diskbtree-superblock-v1")

func superTag(key []byte, buf []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(buf[:superChecked])
	return mac.Sum(nil)[:superTagLen]
}

// encodeSuper lays out the superblock's fixed fields and appends an
// integrity tag in the otherwise-unused tail of the sector.
func encodeSuper(keySize uint32, rootLBA uint32, firstFreeLBA uint64, hmacKey []byte) [1024]byte {
	var buf [1024]byte
	binary.LittleEndian.PutUint32(buf[superKeySizeOff:], keySize)
	binary.LittleEndian.PutUint32(buf[superRootLBAOff:], rootLBA)
	binary.LittleEndian.PutUint64(buf[superFreeLBAOff:], firstFreeLBA)
	copy(buf[superTagOff:superTagOff+superTagLen], superTag(hmacKey, buf[:]))
	return buf
}

// decodeSuper is the inverse of encodeSuper; it returns ErrCorruption if
// the integrity tag doesn't match.
func decodeSuper(buf [1024]byte, hmacKey []byte) (keySize uint32, rootLBA uint32, firstFreeLBA uint64, err error) {
	keySize = binary.LittleEndian.Uint32(buf[superKeySizeOff:])
	rootLBA = binary.LittleEndian.Uint32(buf[superRootLBAOff:])
	firstFreeLBA = binary.LittleEndian.Uint64(buf[superFreeLBAOff:])

	want := superTag(hmacKey, buf[:])
	got := buf[superTagOff : superTagOff+superTagLen]
	if !hmac.Equal(want, got) {
		return 0, 0, 0, fmt.Errorf("%w: superblock integrity tag mismatch", ErrCorruption)
	}
	return keySize, rootLBA, firstFreeLBA, nil
}

// maxKeysPerNode implements MAXKEY = floor((1024 - 6) / (key_size + 4)).
func maxKeysPerNode(keySize int) int {
	return (1024 - 6) / (keySize + 4)
}

// nodeTailOffset returns the byte offset where the LBA array begins,
// flush against the end of the sector.
func nodeTailOffset(maxKey int) int {
	return 1024 - 4*(maxKey+1)
}

// encodeNode serializes a node to its 1024-byte sector representation.
// It panics if nkeys exceeds maxKey: encoding a transiently-overflowed
// node (MAXKEY+1 keys, permitted only in memory between insertion and
// split) is a programming error, never a runtime condition a caller can
// recover from.
func encodeNode(n *Node, keySize int, maxKey int) [1024]byte {
	if n.NKeys > maxKey {
		panic(fmt.Sprintf("btree: encodeNode called with nkeys=%d > MAXKEY=%d", n.NKeys, maxKey))
	}

	var buf [1024]byte
	if n.Internal {
		buf[0] = 1
	}
	buf[1] = byte(n.NKeys)

	for i := 0; i < n.NKeys; i++ {
		copy(buf[2+i*keySize:2+(i+1)*keySize], n.Keys[i])
	}

	tail := nodeTailOffset(maxKey)
	for i := 0; i <= n.NKeys; i++ {
		binary.LittleEndian.PutUint32(buf[tail+4*i:], n.LBAs[i])
	}

	return buf
}

// decodeNode is the inverse of encodeNode. It returns ErrCorruption if
// the sector's nkeys exceeds maxKey.
func decodeNode(buf []byte, keySize int, maxKey int) (*Node, error) {
	if len(buf) != 1024 {
		return nil, fmt.Errorf("btree: decodeNode expects a 1024-byte sector, got %d", len(buf))
	}

	nkeys := int(buf[1])
	if nkeys > maxKey {
		return nil, fmt.Errorf("%w: node has %d keys, MAXKEY is %d", ErrCorruption, nkeys, maxKey)
	}

	n := &Node{
		Internal: buf[0] == 1,
		NKeys:    nkeys,
		Keys:     make([][]byte, nkeys, maxKey+1),
		LBAs:     make([]uint32, nkeys+1, maxKey+2),
	}

	for i := 0; i < nkeys; i++ {
		key := make([]byte, keySize)
		copy(key, buf[2+i*keySize:2+(i+1)*keySize])
		n.Keys[i] = key
	}

	tail := nodeTailOffset(maxKey)
	for i := 0; i <= nkeys; i++ {
		n.LBAs[i] = binary.LittleEndian.Uint32(buf[tail+4*i:])
	}

	return n, nil
}

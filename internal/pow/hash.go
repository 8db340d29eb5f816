package pow

import (
	"encoding/binary"
	"hash"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Hash is a 32-byte digest. Its String form is the big-endian hex of the
// little-endian integer, matching how nodes print block hashes.
type Hash = chainhash.Hash

var (
	blockHashDomain   = []byte("BlockHash")
	proofOfWorkDomain = []byte("ProofOfWorkHash")
	heavyHashDomain   = []byte("HeavyHash")
)

func newHeaderHasher() *headerHasher {
	h, err := blake2b.New256(blockHashDomain)
	if err != nil {
		// key is shorter than 64 bytes
		panic(err)
	}
	return &headerHasher{h: h}
}

type headerHasher struct {
	h       hash.Hash
	scratch [8]byte
}

func (w *headerHasher) write(b []byte) {
	_, _ = w.h.Write(b)
}

func (w *headerHasher) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.scratch[:2], v)
	w.write(w.scratch[:2])
}

func (w *headerHasher) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.scratch[:4], v)
	w.write(w.scratch[:4])
}

func (w *headerHasher) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.scratch[:], v)
	w.write(w.scratch[:])
}

func (w *headerHasher) finalize() Hash {
	var out Hash
	copy(out[:], w.h.Sum(nil))
	return out
}

// newPowHasher returns cSHAKE256("ProofOfWorkHash") with the 72-byte
// pow header already absorbed. Callers Clone it before adding a nonce.
func newPowHasher(header *[72]byte) sha3.ShakeHash {
	h := sha3.NewCShake256(nil, proofOfWorkDomain)
	_, _ = h.Write(header[:])
	return h
}

func finalizeWithNonce(prefix sha3.ShakeHash, nonce uint64) [32]byte {
	h := prefix.Clone()
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	_, _ = h.Write(nb[:])

	var out [32]byte
	_, _ = h.Read(out[:])
	return out
}

// Hasher computes proof-of-work values for one pow header and matrix. It is
// safe for concurrent use.
type Hasher struct {
	prefix sha3.ShakeHash
	matrix *Matrix
}

// NewHasher prepares a hasher for the given constants.
func NewHasher(header *[72]byte, matrix *Matrix) *Hasher {
	return &Hasher{prefix: newPowHasher(header), matrix: matrix}
}

// Hash returns the proof-of-work value of nonce.
func (h *Hasher) Hash(nonce uint64) Uint256 {
	return Uint256FromBytes(h.matrix.HeavyHash(finalizeWithNonce(h.prefix, nonce)))
}

func heavyHashFinal(in [32]byte) [32]byte {
	h := sha3.NewCShake256(nil, heavyHashDomain)
	_, _ = h.Write(in[:])

	var out [32]byte
	_, _ = h.Read(out[:])
	return out
}

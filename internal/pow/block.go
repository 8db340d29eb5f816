package pow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// BlockLevelParents lists the parent hashes of one DAG level.
type BlockLevelParents struct {
	ParentHashes []string `json:"parentHashes"`
}

// BlockHeader is the header of a block template as returned by the node.
type BlockHeader struct {
	Version              uint32              `json:"version"`
	Parents              []BlockLevelParents `json:"parents"`
	HashMerkleRoot       string              `json:"hashMerkleRoot"`
	AcceptedIDMerkleRoot string              `json:"acceptedIdMerkleRoot"`
	UTXOCommitment       string              `json:"utxoCommitment"`
	Timestamp            int64               `json:"timestamp"`
	Bits                 uint32              `json:"bits"`
	Nonce                uint64              `json:"nonce"`
	DAAScore             uint64              `json:"daaScore"`
	BlueWork             string              `json:"blueWork"`
	PruningPoint         string              `json:"pruningPoint"`
	BlueScore            uint64              `json:"blueScore"`
}

// Block is a block template. Transactions are carried through untouched.
type Block struct {
	Header       *BlockHeader      `json:"header"`
	Transactions []json.RawMessage `json:"transactions"`
	VerboseData  json.RawMessage   `json:"verboseData,omitempty"`
}

// Copy returns a block with its own header. Transactions are shared.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	out := *b
	if b.Header != nil {
		h := *b.Header
		out.Header = &h
	}
	return &out
}

// SerializeHeader writes the consensus serialization of h. With forPrePow
// set, timestamp and nonce are written as zero.
func SerializeHeader(h *BlockHeader, forPrePow bool) ([]byte, error) {
	var buf headerBuffer
	if err := serializeHeader(&buf, h, forPrePow); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// PrePowHash is the header hash with timestamp and nonce zeroed.
func PrePowHash(h *BlockHeader) (Hash, error) {
	return hashHeader(h, true)
}

// BlockHash is the hash identifying a mined block.
func BlockHash(h *BlockHeader) (Hash, error) {
	return hashHeader(h, false)
}

func hashHeader(h *BlockHeader, forPrePow bool) (Hash, error) {
	hasher := newHeaderHasher()
	if err := serializeHeader(hasher, h, forPrePow); err != nil {
		return Hash{}, err
	}
	return hasher.finalize(), nil
}

type headerWriter interface {
	write([]byte)
	u16(uint16)
	u32(uint32)
	u64(uint64)
}

type headerBuffer struct {
	b []byte
}

func (w *headerBuffer) write(p []byte) { w.b = append(w.b, p...) }
func (w *headerBuffer) u16(v uint16)   { w.b = append(w.b, byte(v), byte(v>>8)) }
func (w *headerBuffer) u32(v uint32) {
	w.b = append(w.b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (w *headerBuffer) u64(v uint64) {
	w.u32(uint32(v))
	w.u32(uint32(v >> 32))
}

func serializeHeader(w headerWriter, h *BlockHeader, forPrePow bool) error {
	if h == nil {
		return fmt.Errorf("header is missing")
	}
	if h.Version > math.MaxUint16 {
		return fmt.Errorf("header version %d does not fit 16 bits", h.Version)
	}

	timestamp, nonce := uint64(h.Timestamp), h.Nonce
	if forPrePow {
		timestamp, nonce = 0, 0
	}

	w.u16(uint16(h.Version))
	w.u64(uint64(len(h.Parents)))

	var hash [32]byte
	for level, parents := range h.Parents {
		w.u64(uint64(len(parents.ParentHashes)))
		for i, s := range parents.ParentHashes {
			if err := decodeHash(s, hash[:]); err != nil {
				return fmt.Errorf("parent %d of level %d: %w", i, level, err)
			}
			w.write(hash[:])
		}
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"hashMerkleRoot", h.HashMerkleRoot},
		{"acceptedIdMerkleRoot", h.AcceptedIDMerkleRoot},
		{"utxoCommitment", h.UTXOCommitment},
	} {
		if err := decodeHash(field.value, hash[:]); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		w.write(hash[:])
	}

	w.u64(timestamp)
	w.u32(h.Bits)
	w.u64(nonce)
	w.u64(h.DAAScore)
	w.u64(h.BlueScore)

	blueWork := h.BlueWork
	if len(blueWork)%2 != 0 {
		blueWork = "0" + blueWork
	}
	if len(blueWork) > 64 {
		return fmt.Errorf("blueWork is longer than 256 bits")
	}
	n, err := hex.Decode(hash[:], []byte(blueWork))
	if err != nil {
		return fmt.Errorf("blueWork: %w", err)
	}
	w.u64(uint64(n))
	w.write(hash[:n])

	if err := decodeHash(h.PruningPoint, hash[:]); err != nil {
		return fmt.Errorf("pruningPoint: %w", err)
	}
	w.write(hash[:])

	return nil
}

func decodeHash(s string, out []byte) error {
	if len(s) != 2*len(out) {
		return fmt.Errorf("hash %q must be %d hex characters", s, 2*len(out))
	}
	_, err := hex.Decode(out, []byte(s))
	return err
}

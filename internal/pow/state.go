// Package pow builds immutable mining jobs from block templates and pool
// share jobs, and tests nonces against them.
package pow

import (
	"encoding/binary"

	"github.com/bardlex/kminer/pkg/errors"
)

// State is one immutable unit of mining work. It is shared by pointer
// between all workers and must not be modified after NewState returns.
type State struct {
	ID     uint64
	Target Uint256
	// Header is PRE_POW_HASH || TIMESTAMP || 32 zero bytes. The nonce is
	// appended when hashing.
	Header     [72]byte
	NonceMask  uint64
	NonceFixed uint64
	Matrix     *Matrix

	source Source
	hasher *Hasher
}

// Result is a winning nonce materialised into a submittable source.
type Result struct {
	StateID uint64
	Nonce   uint64
	// Hash is the proof-of-work value of the nonce.
	Hash   Uint256
	Source Source
}

// Block returns the solved block, or nil for share results.
func (r *Result) Block() *Block {
	if fb, ok := r.Source.(*FullBlock); ok {
		return fb.Block
	}
	return nil
}

// Share returns the solved share, or nil for block results.
func (r *Result) Share() *PartialShare {
	if ps, ok := r.Source.(*PartialShare); ok {
		return ps
	}
	return nil
}

// NewState derives the hashing material for src. Malformed sources yield a
// non-retryable validation error.
func NewState(id uint64, src Source) (*State, error) {
	var (
		prePow     Hash
		timestamp  uint64
		target     Uint256
		mask       uint64
		fixed      uint64
		stateSrc   Source
		validation = func(msg string, cause error) error {
			var se *errors.ServiceError
			if cause != nil {
				se = errors.Wrap(cause, errors.ErrorTypeValidation, "new_state", msg)
			} else {
				se = errors.New(errors.ErrorTypeValidation, "new_state", msg)
			}
			return se.NonRetryable().WithContext("state_id", id)
		}
	)

	switch s := src.(type) {
	case *FullBlock:
		if s == nil || s.Block == nil || s.Block.Header == nil {
			return nil, validation("header is missing", nil)
		}
		h, err := PrePowHash(s.Block.Header)
		if err != nil {
			return nil, validation("malformed block header", err)
		}
		prePow = h
		timestamp = uint64(s.Block.Header.Timestamp)
		target = TargetFromCompact(s.Block.Header.Bits)
		mask, fixed = ^uint64(0), 0
		stateSrc = &FullBlock{Block: s.Block.Copy()}

	case *PartialShare:
		if s == nil {
			return nil, validation("share is missing", nil)
		}
		for i, w := range s.HeaderHash {
			binary.LittleEndian.PutUint64(prePow[i*8:], w)
		}
		timestamp = s.Timestamp
		target = s.Target
		mask, fixed = s.NonceMask, s.NonceFixed
		stateSrc = s.copySource()

	default:
		return nil, validation("no work source", nil)
	}

	st := &State{
		ID:         id,
		Target:     target,
		NonceMask:  mask,
		NonceFixed: fixed,
		Matrix:     GenerateMatrix(prePow),
		source:     stateSrc,
	}
	copy(st.Header[:32], prePow[:])
	binary.LittleEndian.PutUint64(st.Header[32:40], timestamp)
	st.hasher = NewHasher(&st.Header, st.Matrix)

	return st, nil
}

// Source returns the kind of work this job came from.
func (s *State) Source() Source {
	return s.source
}

// PowHash computes the proof-of-work value of nonce. Safe for concurrent use.
func (s *State) PowHash(nonce uint64) Uint256 {
	return s.hasher.Hash(nonce)
}

// Check reports whether nonce satisfies the job's target.
func (s *State) Check(nonce uint64) bool {
	return s.PowHash(nonce).LessOrEqual(s.Target)
}

// Partition applies the job's nonce mask and fixed bits to a counter value.
func (s *State) Partition(counter uint64) uint64 {
	return (counter & s.NonceMask) | s.NonceFixed
}

// GenerateResultIfWinning returns a filled copy of the job's source when
// nonce wins, and nil otherwise. The State is left untouched.
func (s *State) GenerateResultIfWinning(nonce uint64) *Result {
	pow := s.PowHash(nonce)
	if !pow.LessOrEqual(s.Target) {
		return nil
	}

	src := s.source.copySource()
	switch c := src.(type) {
	case *FullBlock:
		c.Block.Header.Nonce = nonce
	case *PartialShare:
		c.Nonce = nonce
		c.Hash = pow.String()
	}

	return &Result{
		StateID: s.ID,
		Nonce:   nonce,
		Hash:    pow,
		Source:  src,
	}
}

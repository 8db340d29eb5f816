package pow

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/bardlex/kminer/pkg/errors"
)

// diffOneTarget is 0xffff * 2^208, the target of a difficulty 1 share.
var diffOneTarget = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// TargetFromCompact expands the compact "bits" encoding of a block header.
// Negative encodings map to zero and oversized ones saturate.
func TargetFromCompact(bits uint32) Uint256 {
	n := blockchain.CompactToBig(bits)
	if n.Sign() < 0 {
		return Uint256{}
	}
	u, ok := FromBig(n)
	if !ok {
		return MaxUint256
	}
	return u
}

// TargetFromDifficulty converts a pool difficulty to a share target.
func TargetFromDifficulty(difficulty float64) (Uint256, error) {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return Uint256{}, errors.New(errors.ErrorTypeValidation, "target_from_difficulty",
			"difficulty must be a positive finite number").
			WithContext("difficulty", difficulty)
	}

	q := new(big.Float).SetPrec(512).SetInt(diffOneTarget)
	q.Quo(q, new(big.Float).SetPrec(512).SetFloat64(difficulty))

	n, _ := q.Int(nil)
	u, ok := FromBig(n)
	if !ok {
		return Uint256{}, errors.New(errors.ErrorTypeValidation, "target_from_difficulty",
			"target overflows 256 bits").
			WithContext("difficulty", difficulty)
	}
	return u, nil
}

// Difficulty returns the share difficulty a target corresponds to.
func Difficulty(target Uint256) float64 {
	if target.IsZero() {
		return math.Inf(1)
	}
	num := new(big.Float).SetInt(diffOneTarget)
	d, _ := num.Quo(num, new(big.Float).SetInt(target.Big())).Float64()
	return d
}

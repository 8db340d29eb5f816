package messaging

import (
	"encoding/hex"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/kminer/internal/miner"
	"github.com/bardlex/kminer/internal/pow"
)

// JobMessage describes a job published to the workers
type JobMessage struct {
	Miner       string    `json:"miner"`
	JobID       uint64    `json:"job_id"`
	Kind        string    `json:"kind"`
	PoolJobID   string    `json:"pool_job_id,omitempty"`
	Target      string    `json:"target"`
	Difficulty  float64   `json:"difficulty"`
	NonceMask   uint64    `json:"nonce_mask"`
	NonceFixed  uint64    `json:"nonce_fixed"`
	PublishedAt time.Time `json:"published_at"`
}

// SolutionMessage describes a winning nonce and, once known, its verdict
type SolutionMessage struct {
	Miner      string    `json:"miner"`
	JobID      uint64    `json:"job_id"`
	Kind       string    `json:"kind"`
	PoolJobID  string    `json:"pool_job_id,omitempty"`
	BlockHash  string    `json:"block_hash,omitempty"`
	Nonce      uint64    `json:"nonce"`
	PowHash    string    `json:"pow_hash"`
	Worker     string    `json:"worker"`
	Status     string    `json:"status"` // "found" or a miner.Status* value
	FoundAt    time.Time `json:"found_at"`
	ReportedAt time.Time `json:"reported_at"`
}

// StatusFound marks a solution that has not been answered yet.
const StatusFound = "found"

// HashrateMessage is one hash-rate sample
type HashrateMessage struct {
	Miner      string    `json:"miner"`
	Hashes     uint64    `json:"hashes"`
	Interval   float64   `json:"interval_seconds"`
	Hashrate   float64   `json:"hashrate"`
	MeasuredAt time.Time `json:"measured_at"`
}

// Key returns the partition key for the job.
func (m *JobMessage) Key() string {
	return strconv.FormatUint(m.JobID, 10)
}

// Key returns the partition key for the solution.
func (m *SolutionMessage) Key() string {
	return strconv.FormatUint(m.JobID, 10)
}

// NewJobMessage describes state.
func NewJobMessage(minerID string, state *pow.State) *JobMessage {
	msg := &JobMessage{
		Miner:       minerID,
		JobID:       state.ID,
		Target:      state.Target.String(),
		Difficulty:  pow.Difficulty(state.Target),
		NonceMask:   state.NonceMask,
		NonceFixed:  state.NonceFixed,
		PublishedAt: time.Now(),
	}
	if src := state.Source(); src != nil {
		msg.Kind = src.Kind()
		if share, ok := src.(*pow.PartialShare); ok {
			msg.PoolJobID = share.JobID
		}
	}
	return msg
}

// NewSolutionMessage describes sub with the given status.
func NewSolutionMessage(minerID string, sub miner.Submission, status string) *SolutionMessage {
	msg := &SolutionMessage{
		Miner:      minerID,
		Worker:     sub.Worker,
		Status:     status,
		FoundAt:    sub.FoundAt,
		ReportedAt: time.Now(),
	}
	if sub.Result == nil {
		return msg
	}

	msg.JobID = sub.Result.StateID
	msg.Nonce = sub.Result.Nonce
	msg.PowHash = sub.Result.Hash.String()
	if sub.Result.Source != nil {
		msg.Kind = sub.Result.Source.Kind()
	}
	if share := sub.Result.Share(); share != nil {
		msg.PoolJobID = share.JobID
	}
	if block := sub.Result.Block(); block != nil && block.Header != nil {
		if hash, err := pow.BlockHash(block.Header); err == nil {
			msg.BlockHash = hex.EncodeToString(hash[:])
		}
	}
	return msg
}

// NewHashrateMessage builds a sample from a hash count over interval.
func NewHashrateMessage(minerID string, hashes uint64, interval time.Duration) *HashrateMessage {
	msg := &HashrateMessage{
		Miner:      minerID,
		Hashes:     hashes,
		Interval:   interval.Seconds(),
		MeasuredAt: time.Now(),
	}
	if interval > 0 {
		msg.Hashrate = float64(hashes) / interval.Seconds()
	}
	return msg
}

// Proto converts the sample into a protobuf Struct for PublishProto.
func (m *HashrateMessage) Proto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"miner":            m.Miner,
		"hashes":           float64(m.Hashes),
		"interval_seconds": m.Interval,
		"hashrate":         m.Hashrate,
		"measured_at":      m.MeasuredAt.UTC().Format(time.RFC3339Nano),
	})
}

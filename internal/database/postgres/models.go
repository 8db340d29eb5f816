package postgres

import (
	"time"
)

// Solution is one winning nonce and the verdict it received
type Solution struct {
	ID         int64     `db:"id"`
	Miner      string    `db:"miner"`
	JobID      uint64    `db:"job_id"`
	Kind       string    `db:"kind"`
	PoolJobID  string    `db:"pool_job_id"`
	BlockHash  string    `db:"block_hash"`
	Nonce      uint64    `db:"nonce"`
	PowHash    string    `db:"pow_hash"`
	Worker     string    `db:"worker"`
	Status     string    `db:"status"`
	FoundAt    time.Time `db:"found_at"`
	RecordedAt time.Time `db:"recorded_at"`
}

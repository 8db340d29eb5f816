// Package node connects the miner to a node over JSON-RPC. It fetches block
// templates, hands them to the miner and submits solved blocks, with block
// notifications over ZMQ when available.
package node

import (
	"context"

	"github.com/bardlex/kminer/internal/miner"
	"github.com/bardlex/kminer/internal/pow"
)

// RPCInterface defines the node RPC operations the handler uses.
type RPCInterface interface {
	// GetBlockTemplate returns a template whose coinbase pays payAddress.
	GetBlockTemplate(ctx context.Context, payAddress string) (*BlockTemplate, error)

	// SubmitBlock submits a solved block.
	SubmitBlock(ctx context.Context, block *pow.Block) error

	// GetInfo returns the node version and sync status.
	GetInfo(ctx context.Context) (*Info, error)

	// Ping tests connectivity.
	Ping(ctx context.Context) error

	Close()
}

// ZMQInterface defines the block notification source.
type ZMQInterface interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

// BlockProcessor accepts new work. *miner.Manager implements it.
type BlockProcessor interface {
	ProcessBlock(src pow.Source) error
}

var (
	_ RPCInterface   = (*RPCClient)(nil)
	_ ZMQInterface   = (*ZMQNotifier)(nil)
	_ BlockProcessor = (*miner.Manager)(nil)
)

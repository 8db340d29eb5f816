package node

import "github.com/bardlex/kminer/internal/pow"

// RPCError is the error object embedded in node responses.
type RPCError struct {
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// BlockTemplate is the getBlockTemplate response.
type BlockTemplate struct {
	Block    *pow.Block `json:"block"`
	IsSynced bool       `json:"isSynced"`
	Error    *RPCError  `json:"error,omitempty"`
}

// Info is the getInfo response.
type Info struct {
	P2PID         string    `json:"p2pId"`
	MempoolSize   uint64    `json:"mempoolSize"`
	ServerVersion string    `json:"serverVersion"`
	IsUtxoIndexed bool      `json:"isUtxoIndexed"`
	IsSynced      bool      `json:"isSynced"`
	Error         *RPCError `json:"error,omitempty"`
}

// submitBlockResult is the submitBlock response. A reject reason of "NONE"
// or an empty one means the block was accepted.
type submitBlockResult struct {
	RejectReason string    `json:"rejectReason"`
	Error        *RPCError `json:"error,omitempty"`
}

type getBlockTemplateParams struct {
	PayAddress string `json:"payAddress"`
	ExtraData  string `json:"extraData,omitempty"`
}

type submitBlockParams struct {
	Block             *pow.Block `json:"block"`
	AllowNonDAABlocks bool       `json:"allowNonDAABlocks"`
}

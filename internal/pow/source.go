package pow

// Source is the work a job was built from: a full block template from a node
// or a share job from a pool.
type Source interface {
	// Kind is "block" or "share".
	Kind() string
	copySource() Source
}

// FullBlock is a complete block template. A result carries the block with
// its nonce filled in.
type FullBlock struct {
	Block *Block
}

// Kind implements Source.
func (*FullBlock) Kind() string { return "block" }

func (f *FullBlock) copySource() Source {
	return &FullBlock{Block: f.Block.Copy()}
}

// PartialShare is a pool-assigned share job. Nonce and Hash are filled in
// on the copy returned with a result.
type PartialShare struct {
	JobID      string
	HeaderHash [4]uint64
	Timestamp  uint64
	Target     Uint256
	NonceMask  uint64
	NonceFixed uint64
	Nonce      uint64
	Hash       string
}

// Kind implements Source.
func (*PartialShare) Kind() string { return "share" }

func (p *PartialShare) copySource() Source {
	c := *p
	return &c
}

package node

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/bardlex/kminer/internal/miner"
	"github.com/bardlex/kminer/internal/pow"
)

// mockRPC is a scripted RPCInterface.
type mockRPC struct {
	mu          sync.Mutex
	templates   []*BlockTemplate
	templateErr error
	payAddrs    []string
	submitted   []*pow.Block
	submitErr   error
	infoErr     error
	calls       int
}

func (m *mockRPC) GetBlockTemplate(_ context.Context, payAddress string) (*BlockTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.payAddrs = append(m.payAddrs, payAddress)
	if m.templateErr != nil {
		return nil, m.templateErr
	}
	if len(m.templates) == 0 {
		return &BlockTemplate{Block: testBlock(), IsSynced: true}, nil
	}
	tpl := m.templates[0]
	if len(m.templates) > 1 {
		m.templates = m.templates[1:]
	}
	return tpl, nil
}

func (m *mockRPC) SubmitBlock(_ context.Context, block *pow.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, block)
	return m.submitErr
}

func (m *mockRPC) GetInfo(context.Context) (*Info, error) {
	if m.infoErr != nil {
		return nil, m.infoErr
	}
	return &Info{ServerVersion: "0.12.0", IsSynced: true}, nil
}

func (m *mockRPC) Ping(ctx context.Context) error {
	_, err := m.GetInfo(ctx)
	return err
}

func (m *mockRPC) Close() {}

func (m *mockRPC) templateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockRPC) submittedBlocks() []*pow.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*pow.Block(nil), m.submitted...)
}

// mockProcessor records ProcessBlock calls. A nil entry is a clear.
type mockProcessor struct {
	mu      sync.Mutex
	sources []pow.Source
	err     error
}

func (p *mockProcessor) ProcessBlock(src pow.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = append(p.sources, src)
	return p.err
}

func (p *mockProcessor) calls() []pow.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pow.Source(nil), p.sources...)
}

type mockResults struct {
	mu       sync.Mutex
	statuses []string
}

func (r *mockResults) SolutionResult(_ miner.Submission, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *mockResults) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

// fakeCaller stands in for rpcclient.Client.
type fakeCaller struct {
	responses map[string]string
	err       error
	requests  map[string][]json.RawMessage
	calls     int
	shutdown  bool
}

func (f *fakeCaller) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	f.calls++
	if f.requests == nil {
		f.requests = make(map[string][]json.RawMessage)
	}
	f.requests[method] = params
	if f.err != nil {
		return nil, f.err
	}
	resp, ok := f.responses[method]
	if !ok {
		return nil, errors.New("method not found")
	}
	return json.RawMessage(resp), nil
}

func (f *fakeCaller) Shutdown() { f.shutdown = true }

var zeroHash = strings.Repeat("00", 32)

func testBlock() *pow.Block {
	return &pow.Block{
		Header: &pow.BlockHeader{
			Version:              1,
			Parents:              []pow.BlockLevelParents{{ParentHashes: []string{strings.Repeat("11", 32)}}},
			HashMerkleRoot:       zeroHash,
			AcceptedIDMerkleRoot: zeroHash,
			UTXOCommitment:       zeroHash,
			Timestamp:            1700000000000,
			Bits:                 0x1e7fffff,
			DAAScore:             42,
			BlueWork:             "1",
			PruningPoint:         zeroHash,
			BlueScore:            40,
		},
	}
}

func blockResult(nonce uint64) *pow.Result {
	b := testBlock()
	b.Header.Nonce = nonce
	return &pow.Result{StateID: 1, Nonce: nonce, Source: &pow.FullBlock{Block: b}}
}

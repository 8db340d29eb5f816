package node

import (
	"context"
	"encoding/hex"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/bardlex/kminer/internal/miner"
	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/pkg/errors"
	"github.com/bardlex/kminer/pkg/log"
)

const (
	// DefaultPollInterval is how often a template is requested without a
	// block notification.
	DefaultPollInterval = time.Second

	// MaxTemplateFailures is the number of consecutive failed template
	// requests after which Run gives up on the node.
	MaxTemplateFailures = 5

	// devfundScale is the denominator of HandlerConfig.DevfundPercent.
	devfundScale = 10_000
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	MiningAddress string

	// DevfundAddress receives DevfundPercent/10000 of the templates.
	// Empty or zero percent disables the devfund.
	DevfundAddress string
	DevfundPercent uint16

	// MineWhenNotSynced publishes templates while the node reports it is
	// not synced.
	MineWhenNotSynced bool

	PollInterval time.Duration
}

// Handler drives the miner from a node: templates in, blocks out.
type Handler struct {
	cfg         HandlerConfig
	logger      *log.Logger
	rpc         RPCInterface
	processor   BlockProcessor
	submissions *miner.SubmissionChannel
	reporter    miner.ResultReporter
	notifier    ZMQInterface

	templateCtr atomic.Uint32
	refresh     chan struct{}
	failures    int
}

// NewHandler creates a handler. reporter may be nil.
func NewHandler(cfg HandlerConfig, logger *log.Logger, rpc RPCInterface, processor BlockProcessor,
	submissions *miner.SubmissionChannel, reporter miner.ResultReporter) *Handler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DevfundAddress == "" {
		cfg.DevfundPercent = 0
	}

	h := &Handler{
		cfg:         cfg,
		logger:      logger.WithComponent("node"),
		rpc:         rpc,
		processor:   processor,
		submissions: submissions,
		reporter:    reporter,
		refresh:     make(chan struct{}, 1),
	}
	h.templateCtr.Store(rand.Uint32N(devfundScale))
	return h
}

// SetNotifier enables block notifications. Without one the handler polls.
func (h *Handler) SetNotifier(n ZMQInterface) {
	h.notifier = n
}

// RequestTemplate asks the run loop for a fresh template. It never blocks;
// requests made while one is pending are merged.
func (h *Handler) RequestTemplate() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

// Run mines from the node until ctx is done or the node stops answering.
func (h *Handler) Run(ctx context.Context) error {
	info, err := h.rpc.GetInfo(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("connected to node",
		"server_version", info.ServerVersion,
		"synced", info.IsSynced,
		"mempool_size", info.MempoolSize,
	)
	if h.cfg.DevfundPercent > 0 {
		h.logger.Info("devfund enabled",
			"percent", float64(h.cfg.DevfundPercent)/100,
			"address", h.cfg.DevfundAddress,
		)
	}

	ctx, cancel := context.WithCancel(ctx)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.submitLoop(ctx)
	}()
	defer func() {
		cancel()
		<-pumpDone
	}()

	if h.notifier != nil {
		go h.listen(ctx)
	}

	h.failures = 0
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := h.fetchTemplate(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.refresh:
			ticker.Reset(h.cfg.PollInterval)
		case <-ticker.C:
		}
	}
}

func (h *Handler) listen(ctx context.Context) {
	notifications := NewBlockNotificationHandler(h.logger)
	notifications.SetNewBlockHandler(func(string) error {
		h.RequestTemplate()
		return nil
	})

	if err := h.notifier.Listen(ctx, notifications.HandleMessage); err != nil && ctx.Err() == nil {
		h.logger.WithError(err).Warn("block notifications stopped, polling only")
	}
}

// payAddress picks the coinbase address for the next template. The counter
// cycles through devfundScale slots; the first DevfundPercent go to the
// devfund.
func (h *Handler) payAddress() string {
	slot := (h.templateCtr.Add(1) - 1) % devfundScale
	if slot < uint32(h.cfg.DevfundPercent) {
		return h.cfg.DevfundAddress
	}
	return h.cfg.MiningAddress
}

// fetchTemplate requests and handles one template. It returns an error only
// once the node has failed MaxTemplateFailures times in a row.
func (h *Handler) fetchTemplate(ctx context.Context) error {
	tpl, err := h.rpc.GetBlockTemplate(ctx, h.payAddress())
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		h.failures++
		if h.failures >= MaxTemplateFailures {
			// stale work is worthless, stop the workers until reconnected
			_ = h.processor.ProcessBlock(nil)
			return errors.Wrap(err, errors.ErrorTypeNode, "get_block_template", "node stopped answering").
				WithContext("failures", h.failures)
		}
	} else {
		h.failures = 0
	}

	h.handleTemplate(tpl, err)
	return nil
}

func (h *Handler) handleTemplate(tpl *BlockTemplate, err error) {
	switch {
	case err != nil:
		h.logger.WithError(err).Warn("template request failed")
	case tpl.Error != nil:
		h.logger.Warn("node returned a template error", "error", tpl.Error.Message)
	case tpl.Block != nil && (tpl.IsSynced || h.cfg.MineWhenNotSynced):
		if err := h.processor.ProcessBlock(&pow.FullBlock{Block: tpl.Block}); err != nil {
			h.logger.WithError(err).Warn("template rejected by miner")
		}
	case !tpl.IsSynced:
		if err := h.processor.ProcessBlock(nil); err != nil {
			h.logger.WithError(err).Warn("failed to clear job")
		}
	default:
		h.logger.Error("node returned no block and no error")
	}
}

func (h *Handler) submitLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-h.submissions.Receive():
			h.submit(ctx, sub)
		}
	}
}

func (h *Handler) submit(ctx context.Context, sub miner.Submission) {
	block := sub.Result.Block()
	if block == nil {
		h.logger.Error("share result on a node connection, dropping",
			"worker", sub.Worker,
			"job_id", sub.Result.StateID,
		)
		h.report(sub, miner.StatusMisrouted)
		return
	}

	logger := h.logger.WithJob(sub.Result.StateID).WithFields("nonce", block.Header.Nonce)
	if hash, err := pow.BlockHash(block.Header); err == nil {
		logger = logger.WithFields("block_hash", hex.EncodeToString(hash[:]))
	}

	start := time.Now()
	if err := h.rpc.SubmitBlock(ctx, block); err != nil {
		logger.WithError(err).Warn("failed submitting block",
			"reject_reason", errors.GetContext(err)["reject_reason"],
		)
		h.report(sub, miner.StatusRejected)
		return
	}

	logger.Info("block submitted successfully", "latency", time.Since(start))
	h.report(sub, miner.StatusAccepted)
	h.RequestTemplate()
}

func (h *Handler) report(sub miner.Submission, status string) {
	if h.reporter != nil {
		h.reporter.SolutionResult(sub, status)
	}
}

package stratum

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/kminer/internal/miner"
	"github.com/bardlex/kminer/internal/pow"
	"github.com/bardlex/kminer/pkg/errors"
	"github.com/bardlex/kminer/pkg/log"
)

const devfundScale = 10_000

// ErrPayAddressRotation ends a connection whose authorized address no
// longer matches the devfund rotation. The caller should reconnect at once.
var ErrPayAddressRotation = stderrors.New("pay address rotation, reconnect required")

// JobProcessor accepts new work. *miner.Manager implements it.
type JobProcessor interface {
	ProcessBlock(src pow.Source) error
}

// ClientConfig configures a pool client.
type ClientConfig struct {
	// Address is host:port, optionally prefixed with stratum+tcp://.
	Address       string
	MiningAddress string
	Password      string
	UserAgent     string

	// DevfundAddress is authorized for DevfundPercent/10000 of the jobs.
	DevfundAddress string
	DevfundPercent uint16

	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	StatsInterval time.Duration
}

// Client mines shares for a pool. One Client survives reconnects: call
// Connect and Run again after Run returns.
type Client struct {
	cfg         ClientConfig
	logger      *log.Logger
	processor   JobProcessor
	submissions *miner.SubmissionChannel
	reporter    miner.ResultReporter
	stats       *ShareStats

	templateCtr atomic.Uint32
	nextID      atomic.Uint64

	// per connection; written before Run or on the read goroutine
	conn        *Conn
	connLogger  *log.Logger
	subscribeID uint64
	authorizeID uint64
	payAddress  string
	miningDev   bool
	target      pow.Uint256
	nonceMask   uint64
	nonceFixed  uint64
}

// NewClient creates a pool client. stats and reporter may be nil.
func NewClient(cfg ClientConfig, logger *log.Logger, processor JobProcessor,
	submissions *miner.SubmissionChannel, reporter miner.ResultReporter, stats *ShareStats) *Client {
	if cfg.Password == "" {
		cfg.Password = "x"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.DevfundAddress == "" {
		cfg.DevfundPercent = 0
	}
	if stats == nil {
		stats = NewShareStats()
	}

	c := &Client{
		cfg:         cfg,
		logger:      logger.WithComponent("stratum"),
		processor:   processor,
		submissions: submissions,
		reporter:    reporter,
		stats:       stats,
	}
	c.connLogger = c.logger
	c.templateCtr.Store(uint32(time.Now().UnixNano() % devfundScale))
	return c
}

// Stats returns the share statistics.
func (c *Client) Stats() *ShareStats {
	return c.stats
}

// Connect dials the pool and queues the subscribe and authorize requests.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Dial(ctx); err != nil {
		return err
	}
	return c.Register()
}

// Dial opens a new connection and resets the per-connection job state.
func (c *Client) Dial(ctx context.Context) error {
	addr := strings.TrimPrefix(c.cfg.Address, "stratum+tcp://")

	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "dial", "failed to connect to pool").
			WithContext("address", addr)
	}

	c.connLogger = c.logger.WithContext(context.WithValue(ctx, log.PoolKey, addr))
	c.conn = NewConn(nc, c.connLogger, c.cfg.ReadTimeout, c.cfg.WriteTimeout)
	c.target, _ = pow.TargetFromDifficulty(1)
	c.nonceMask, c.nonceFixed = ^uint64(0), 0

	c.connLogger.LogConnection("connected", addr)
	return nil
}

// Register queues mining.subscribe and mining.authorize. The authorized
// address follows the devfund rotation.
func (c *Client) Register() error {
	if c.conn == nil {
		return errors.New(errors.ErrorTypeStratum, "register", "not connected").NonRetryable()
	}

	c.miningDev = c.wantDevfund()
	c.payAddress = c.cfg.MiningAddress
	if c.miningDev {
		c.payAddress = c.cfg.DevfundAddress
		c.connLogger.Info("mining to devfund", "address", c.payAddress)
	}

	c.subscribeID = c.nextID.Add(1)
	if err := c.conn.Send(NewRequest(c.subscribeID, MethodSubscribe, c.cfg.UserAgent)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStratum, "subscribe", "failed to send subscribe")
	}

	c.authorizeID = c.nextID.Add(1)
	if err := c.conn.Send(NewRequest(c.authorizeID, MethodAuthorize, c.payAddress, c.cfg.Password)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStratum, "authorize", "failed to send authorize")
	}
	return nil
}

func (c *Client) wantDevfund() bool {
	return c.templateCtr.Load()%devfundScale < uint32(c.cfg.DevfundPercent)
}

// Run serves the connection opened by Connect until it fails or ctx is
// done. The current job is cleared when the connection ends.
func (c *Client) Run(ctx context.Context) error {
	conn := c.conn
	if conn == nil {
		return errors.New(errors.ErrorTypeStratum, "run", "not connected").NonRetryable()
	}
	defer func() { c.conn = nil }()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.submitLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		c.logStats(ctx)
	}()

	err := conn.Serve(ctx, c.handleMessage)

	cancel()
	wg.Wait()

	if err := c.processor.ProcessBlock(nil); err != nil {
		c.connLogger.WithError(err).Warn("failed to clear job")
	}
	if lost := c.stats.dropPending(); lost > 0 {
		c.connLogger.Warn("connection ended with shares pending", "pending", lost)
	}
	return err
}

func (c *Client) logStats(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connLogger.Info("share statistics", "summary", c.stats.String())
		}
	}
}

func (c *Client) handleMessage(msg *Message) error {
	if msg.IsNotification() {
		return c.handleNotification(msg)
	}

	id, ok := msg.RequestID()
	if !ok {
		c.connLogger.Warn("ignoring message without id", "result", msg.Result)
		return nil
	}

	switch id {
	case c.subscribeID:
		return c.handleSubscribeResult(msg)
	case c.authorizeID:
		return c.handleAuthorizeResult(msg)
	default:
		return c.handleShareResult(id, msg)
	}
}

func (c *Client) handleNotification(msg *Message) error {
	switch msg.Method {
	case MethodNotify:
		n, err := ParseNotify(msg.Params)
		if err != nil {
			c.connLogger.WithError(err).Warn("ignoring malformed job")
			return nil
		}
		c.templateCtr.Add(1)

		share := &pow.PartialShare{
			JobID:      n.JobID,
			HeaderHash: n.HeaderHash,
			Timestamp:  n.Timestamp,
			Target:     c.target,
			NonceMask:  c.nonceMask,
			NonceFixed: c.nonceFixed,
		}
		if err := c.processor.ProcessBlock(share); err != nil {
			c.connLogger.WithError(err).Warn("job rejected by miner", "pool_job_id", n.JobID)
		}

		if c.wantDevfund() != c.miningDev {
			c.connLogger.Info("rotating pay address", "devfund", !c.miningDev)
			return ErrPayAddressRotation
		}
		return nil

	case MethodSetDifficulty:
		d, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			c.connLogger.WithError(err).Warn("ignoring malformed difficulty")
			return nil
		}
		target, err := pow.TargetFromDifficulty(d)
		if err != nil {
			c.connLogger.WithError(err).Warn("ignoring unusable difficulty")
			return nil
		}
		c.target = target
		c.connLogger.Info("pool difficulty set", "difficulty", d, "target", target.String())
		return nil

	case MethodSetExtranonce, MethodMiningSetExtranonce:
		ext, err := ParseSetExtranonce(msg.Params)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeStratum, "set_extranonce", "malformed extranonce").NonRetryable()
		}
		return c.setExtranonce(ext)

	default:
		c.connLogger.Debug("ignoring notification", "method", msg.Method)
		return nil
	}
}

func (c *Client) setExtranonce(ext *Extranonce) error {
	mask, fixed, err := ext.Partition()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStratum, "set_extranonce", "unusable extranonce").
			NonRetryable().
			WithContext("extranonce", ext.Value).
			WithContext("size", ext.Size)
	}
	c.nonceMask, c.nonceFixed = mask, fixed
	c.connLogger.Info("extranonce set", "extranonce", ext.Value, "size", ext.Size)
	return nil
}

func (c *Client) handleSubscribeResult(msg *Message) error {
	if serr := msg.StratumError(); serr != nil {
		return errors.Wrap(serr, errors.ErrorTypeStratum, "subscribe", "pool refused subscription").NonRetryable()
	}

	ext, err := ParseSubscribeResult(msg.Result)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStratum, "subscribe", "malformed subscribe result").NonRetryable()
	}
	c.connLogger.Info("subscribed", "user_agent", c.cfg.UserAgent)
	if ext == nil {
		return nil
	}
	return c.setExtranonce(ext)
}

func (c *Client) handleAuthorizeResult(msg *Message) error {
	serr := msg.StratumError()
	if ok, isBool := msg.Result.(bool); serr == nil && isBool && !ok {
		serr = &Error{Code: ErrorUnauthorized, Message: "authorization refused"}
	}
	if serr != nil {
		return errors.Wrap(serr, errors.ErrorTypeStratum, "authorize", "pool refused authorization").
			NonRetryable().
			WithContext("address", c.payAddress)
	}
	c.connLogger.Info("authorized", "address", c.payAddress)
	return nil
}

func (c *Client) handleShareResult(id uint64, msg *Message) error {
	p, ok := c.stats.takePending(id)
	if !ok {
		c.connLogger.Warn("ignoring result for unknown request", "request_id", id)
		return nil
	}

	logger := c.connLogger.WithFields("pool_job_id", p.jobID, "latency", time.Since(p.sentAt))

	serr := msg.StratumError()
	if serr == nil {
		if accepted, isBool := msg.Result.(bool); isBool && !accepted {
			c.stats.Rejected.Add(1)
			logger.LogShareResult(id, miner.StatusRejected, 0)
			c.report(p.sub, miner.StatusRejected)
			return nil
		}
		c.stats.Accepted.Add(1)
		logger.LogShareResult(id, miner.StatusAccepted, 0)
		c.report(p.sub, miner.StatusAccepted)
		return nil
	}

	status := miner.StatusRejected
	switch serr.Code {
	case ErrorJobNotFound:
		c.stats.Stale.Add(1)
		status = miner.StatusStale
	case ErrorDuplicateShare:
		c.stats.Duplicate.Add(1)
		status = miner.StatusDuplicate
	case ErrorLowDifficulty:
		c.stats.LowDiff.Add(1)
		status = miner.StatusLowDiff
	case ErrorOther, ErrorUnauthorized, ErrorNotSubscribed:
		c.stats.Rejected.Add(1)
		c.report(p.sub, status)
		logger.Error("pool returned a fatal share error", "code", serr.Code, "message", serr.Message)
		return errors.Wrap(serr, errors.ErrorTypeStratum, "submit", "fatal share error").
			WithContext("code", serr.Code)
	default:
		c.stats.Rejected.Add(1)
	}

	logger.LogShareResult(id, status, serr.Code)
	c.report(p.sub, status)
	return nil
}

func (c *Client) submitLoop(ctx context.Context, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case sub := <-c.submissions.Receive():
			c.submitShare(conn, sub)
		}
	}
}

func (c *Client) submitShare(conn *Conn, sub miner.Submission) {
	share := sub.Result.Share()
	if share == nil {
		c.connLogger.Error("block result on a pool connection, dropping",
			"worker", sub.Worker,
			"job_id", sub.Result.StateID,
		)
		c.report(sub, miner.StatusMisrouted)
		return
	}

	id := c.nextID.Add(1)
	c.stats.addPending(id, pendingShare{jobID: share.JobID, sub: sub, sentAt: time.Now()})

	req := NewRequest(id, MethodSubmit, c.payAddress, share.JobID, FormatNonce(share.Nonce))
	if err := conn.Send(req); err != nil {
		c.stats.takePending(id)
		c.connLogger.WithError(err).Warn("failed to submit share", "pool_job_id", share.JobID)
		return
	}
	c.connLogger.Debug("share submitted", "request_id", id, "pool_job_id", share.JobID, "worker", sub.Worker)
}

func (c *Client) report(sub miner.Submission, status string) {
	if c.reporter != nil {
		c.reporter.SolutionResult(sub, status)
	}
}

package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/kminer/pkg/log"
)

// TopicHashBlock is published by the node for every block added to the DAG.
const TopicHashBlock = "hashblock"

const zmqPollInterval = 250 * time.Millisecond

// ZMQNotifier receives block notifications from the node
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket for endpoint
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.LogConnection("connected", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is done. Handler errors are
// logged and do not stop the listener.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		if err := ctx.Err(); err != nil {
			z.logger.Info("ZMQ listener stopping")
			return err
		}

		polled, err := poller.Poll(zmqPollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return err
			}
			z.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		data := msg[1]

		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(data))

		if err := handler(topic, data); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler routes node notifications to callbacks
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(blockHash string) error
}

// NewBlockNotificationHandler creates a handler with no callbacks set
func NewBlockNotificationHandler(logger *log.Logger) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger: logger,
	}
}

// SetNewBlockHandler sets the callback for block-added notifications
func (h *BlockNotificationHandler) SetNewBlockHandler(handler func(blockHash string) error) {
	h.onNewBlock = handler
}

// HandleMessage handles a ZMQ message
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case TopicHashBlock:
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}

		blockHash := hex.EncodeToString(data)
		h.logger.Debug("block added notification", "hash", blockHash)

		if h.onNewBlock != nil {
			return h.onNewBlock(blockHash)
		}

	default:
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
	}

	return nil
}

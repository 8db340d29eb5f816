package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/kminer/pkg/log"
)

const (
	maxLineSize     = 64 * 1024
	outboundBacklog = 100
)

// Conn is a line-delimited JSON connection to a pool
type Conn struct {
	conn   net.Conn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an established connection. Messages sent before Serve are
// queued.
func NewConn(conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		conn:         conn,
		logger:       logger.WithFields("remote_addr", conn.RemoteAddr().String()),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, outboundBacklog),
		done:         make(chan struct{}),
	}
}

// Serve runs the write loop and reads messages into handler until the
// connection closes, ctx is done, or handler returns an error.
func (c *Conn) Serve(ctx context.Context, handler func(*Message) error) error {
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	go c.writeLoop()

	return c.readLoop(ctx, handler)
}

func (c *Conn) readLoop(ctx context.Context, handler func(*Message) error) error {
	defer c.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for {
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return err
			}
		}

		if !scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if c.isClosed() {
				return net.ErrClosed
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			return fmt.Errorf("pool closed the connection")
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.LogStratumMessage("received", line)

		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.WithError(err).Warn("failed to parse message", "line", string(line))
			continue
		}

		if err := handler(msg); err != nil {
			return err
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			if c.writeTimeout > 0 {
				if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
					c.logger.WithError(err).Error("failed to set write deadline")
					c.Close()
					return
				}
			}

			if _, err := c.conn.Write(append(data, '\n')); err != nil {
				c.logger.WithError(err).Error("failed to write message")
				c.Close()
				return
			}

			c.logger.LogStratumMessage("sent", data)
		}
	}
}

// Send queues msg for writing. It fails instead of blocking when the
// backlog is full.
func (c *Conn) Send(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.logger.WithError(err).Debug("close failed")
		}
		c.logger.LogConnection("disconnected", c.conn.RemoteAddr().String())
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/internal/config"
	"github.com/artresearch/idios/internal/log"
	"github.com/artresearch/idios/internal/metrics"
)

// Client is the broker-backed Dispatcher. One connection is shared across
// calls; every call opens its own channel and reply queue because AMQP
// channels are not safe for concurrent use.
type Client struct {
	url     string
	timeout time.Duration
	logger  *log.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	conn *amqp.Connection
}

var _ Dispatcher = (*Client)(nil)

// NewClient creates a Dispatcher publishing to the job queue at url. The
// connection is established lazily on the first call and re-established after
// broker restarts. timeout bounds each call's wait for a reply; zero means
// the default deadline.
func NewClient(url string, timeout time.Duration, logger *log.Logger, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = config.DefaultRPCTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{url: url, timeout: timeout, logger: logger, metrics: m}
}

// Call publishes [command, args] to the job queue and waits for the matching
// reply. The deadline expiring yields a server fault; no retry is attempted,
// and a reply arriving after the deadline is dropped because the exclusive
// reply queue dies with its consumer.
func (c *Client) Call(ctx context.Context, command string, args ...any) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, command, args)
	if c.metrics != nil {
		c.metrics.RecordRPCCall(command, time.Since(start), err)
	}
	return result, err
}

func (c *Client) call(ctx context.Context, command string, args []any) (json.RawMessage, error) {
	body, err := encodeRequest(command, args)
	if err != nil {
		return nil, fault.Wrap(err, "encode %s request", command)
	}

	ch, err := c.channel()
	if err != nil {
		return nil, fault.Wrap(err, "open channel for %s", command)
	}
	defer ch.Close()

	// The unnamed queue exists exactly as long as this channel does, so the
	// broker discards replies nobody is waiting for anymore.
	reply, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fault.Wrap(err, "declare reply queue for %s", command)
	}
	deliveries, err := ch.Consume(reply.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fault.Wrap(err, "consume reply queue for %s", command)
	}

	correlationID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, "", QueueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       reply.Name,
		Body:          body,
	})
	if err != nil {
		return nil, fault.Wrap(err, "publish %s request", command)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fault.Server("No response (timeout?)")
		case msg, ok := <-deliveries:
			if !ok {
				return nil, fault.Server("reply queue closed before a response arrived")
			}
			if msg.CorrelationId != correlationID {
				continue
			}
			return decodeReply(msg.Body)
		}
	}
}

// channel opens a fresh channel, dialling the broker first if the shared
// connection is missing or has been closed under us.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		if ch, err := c.conn.Channel(); err == nil {
			return ch, nil
		}
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("connect to job queue at %s: %w", brokerAddr(c.url), err)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.logger.Info("connected to job queue", "broker", brokerAddr(c.url))

	return conn.Channel()
}

// Close releases the broker connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

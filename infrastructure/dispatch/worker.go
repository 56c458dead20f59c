package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/internal/log"
	"github.com/artresearch/idios/internal/metrics"
)

// Worker consumes the job queue and executes one command at a time. Prefetch
// is pinned to one so a long job never starves idle workers; horizontal scale
// comes from running more worker processes against the same queue.
type Worker struct {
	url      string
	executor Executor
	logger   *log.Logger
	metrics  *metrics.Metrics

	connected atomic.Bool
}

// NewWorker creates a Worker consuming the job queue at url and running
// commands against executor.
func NewWorker(url string, executor Executor, logger *log.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{url: url, executor: executor, logger: logger, metrics: m}
}

// Run consumes jobs until ctx is cancelled. The broker is dialled with
// exponential backoff so workers can start while it is still booting, and
// lost connections are re-established the same way. Jobs left unacked by a
// dying worker are redelivered by the broker.
func (w *Worker) Run(ctx context.Context) error {
	for {
		conn, err := w.connect(ctx)
		if err != nil {
			return err
		}

		err = w.consume(ctx, conn)
		conn.Close()
		w.connected.Store(false)

		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("lost connection to job queue, reconnecting", "error", err)
	}
}

func (w *Worker) connect(ctx context.Context) (*amqp.Connection, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0 // retry until ctx is cancelled

	var conn *amqp.Connection
	operation := func() error {
		var err error
		conn, err = amqp.Dial(w.url)
		if err != nil {
			w.logger.Warn("job queue not reachable yet", "broker", brokerAddr(w.url), "error", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("connect to job queue at %s: %w", brokerAddr(w.url), err)
	}
	return conn, nil
}

func (w *Worker) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueName, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", QueueName, err)
	}

	w.connected.Store(true)
	w.logger.Info("awaiting jobs", "queue", QueueName)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			w.handle(ctx, ch, msg)
		}
	}
}

// handle replies to one job and acks it. The ack comes after the reply is
// published: a worker dying mid-job leaves the job unacked and the broker
// redelivers it.
func (w *Worker) handle(ctx context.Context, ch *amqp.Channel, msg amqp.Delivery) {
	jobCtx := log.WithCorrelationID(ctx, msg.CorrelationId)
	command, reply := w.respond(jobCtx, msg.Body)

	if msg.ReplyTo == "" {
		w.logger.WarnContext(jobCtx, "job carries no reply queue, dropping result", "command", command)
	} else {
		err := ch.PublishWithContext(ctx, "", msg.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: msg.CorrelationId,
			Body:          reply,
		})
		if err != nil {
			// Leave the job unacked so it is redelivered after reconnect.
			w.logger.ErrorContext(jobCtx, "failed to publish reply", "command", command, "error", err)
			return
		}
	}

	if err := msg.Ack(false); err != nil {
		w.logger.ErrorContext(jobCtx, "failed to ack job", "command", command, "error", err)
	}
}

// respond computes the reply body for one request. Every failure mode ends in
// an encoded exception reply: a malformed body, an unknown command and a
// command error all answer the caller instead of crashing the worker.
func (w *Worker) respond(ctx context.Context, body []byte) (string, []byte) {
	command, args, err := decodeRequest(body)
	if err != nil {
		w.logger.WarnContext(ctx, "rejecting malformed job", "error", err)
		return "", encodeErrorReply(err)
	}

	w.logger.InfoContext(ctx, "job received", "command", command)
	done := w.timer(command)

	result, err := w.executor.Execute(ctx, command, args)
	done(err)
	if err != nil {
		w.logger.WarnContext(ctx, "job failed", "command", command, "error", err)
		return command, encodeErrorReply(err)
	}

	reply, err := json.Marshal(result)
	if err != nil {
		w.logger.ErrorContext(ctx, "job result not encodable", "command", command, "error", err)
		return command, encodeErrorReply(fault.Wrap(err, "encode %s reply", command))
	}
	return command, reply
}

func (w *Worker) timer(command string) func(error) {
	if w.metrics == nil {
		return func(error) {}
	}
	return w.metrics.StartJobTimer(command)
}

// Healthy reports whether the worker currently holds an open broker
// connection with an active consumer.
func (w *Worker) Healthy() bool {
	return w.connected.Load()
}

// HealthHandler serves the worker liveness probe: 200 "ok" while the broker
// connection is open, 503 otherwise.
func (w *Worker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !w.Healthy() {
			http.Error(rw, "job queue connection is closed", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
}

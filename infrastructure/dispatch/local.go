package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/internal/metrics"
)

// Local is an in-process Dispatcher backing standalone mode and handler
// tests. Arguments, results and errors make the same JSON round-trip they
// would make on the wire, so callers cannot tell it from the broker path.
type Local struct {
	executor Executor
	metrics  *metrics.Metrics
}

var _ Dispatcher = (*Local)(nil)

// NewLocal creates a Dispatcher that runs commands directly on executor.
func NewLocal(executor Executor, m *metrics.Metrics) *Local {
	return &Local{executor: executor, metrics: m}
}

// Call runs the command in process.
func (l *Local) Call(ctx context.Context, command string, args ...any) (json.RawMessage, error) {
	start := time.Now()
	result, err := l.call(ctx, command, args)
	if l.metrics != nil {
		l.metrics.RecordRPCCall(command, time.Since(start), err)
	}
	return result, err
}

func (l *Local) call(ctx context.Context, command string, args []any) (json.RawMessage, error) {
	body, err := encodeRequest(command, args)
	if err != nil {
		return nil, fault.Wrap(err, "encode %s request", command)
	}
	name, raw, err := decodeRequest(body)
	if err != nil {
		return nil, fault.Wrap(err, "decode %s request", command)
	}

	result, err := l.executor.Execute(ctx, name, raw)
	if err != nil {
		// Round-trip through the wire form so local callers see the same
		// fault kinds and messages remote callers would.
		return nil, fault.DecodeWire(fault.EncodeWire(err))
	}

	reply, err := json.Marshal(result)
	if err != nil {
		return nil, fault.Wrap(err, "encode %s reply", command)
	}
	return decodeReply(reply)
}

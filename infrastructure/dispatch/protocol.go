// Package dispatch carries commands between the HTTP front-end and the
// embedding workers. Requests travel as JSON [command, args] bodies over a
// durable AMQP queue; each call gets its own exclusive reply queue matched by
// correlation id. The wire format is shared with the Python workers, so Go
// and Python processes can compete on the same queue. A Local implementation
// runs commands in process for standalone mode and tests.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/artresearch/idios/domain/fault"
)

// QueueName is the job queue every worker consumes.
const QueueName = "idios_rpc_queue"

// Dispatcher issues a command with positional arguments and returns the raw
// JSON reply. Worker-side errors come back as faults: parameter faults for
// rejected input, server faults for everything else including timeouts.
type Dispatcher interface {
	Call(ctx context.Context, command string, args ...any) (json.RawMessage, error)
}

// Executor runs a named command against positional JSON arguments. The
// command layer implements it; Worker and Local consume it.
type Executor interface {
	Execute(ctx context.Context, command string, args []json.RawMessage) (any, error)
}

// encodeRequest builds a [command, args] body. A nil argument list is encoded
// as an empty array because the Python workers spread args positionally and
// cannot spread null.
func encodeRequest(command string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal([2]any{command, args})
}

// decodeRequest splits a request body into the command name and its still
// encoded positional arguments.
func decodeRequest(body []byte) (string, []json.RawMessage, error) {
	var envelope [2]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", nil, fmt.Errorf("malformed request body: %w", err)
	}
	var command string
	if err := json.Unmarshal(envelope[0], &command); err != nil {
		return "", nil, fmt.Errorf("malformed command name: %w", err)
	}
	var args []json.RawMessage
	if len(envelope[1]) > 0 {
		if err := json.Unmarshal(envelope[1], &args); err != nil {
			return "", nil, fmt.Errorf("malformed argument list for %s: %w", command, err)
		}
	}
	return command, args, nil
}

// decodeReply separates results from worker-raised errors. A JSON object
// carrying both exception keys is an error reply; any other body is the
// result itself.
func decodeReply(body []byte) (json.RawMessage, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err == nil {
		_, hasType := probe["exception_type"]
		_, hasArgs := probe["exception_args"]
		if hasType && hasArgs {
			var wire fault.WireError
			if err := json.Unmarshal(body, &wire); err != nil {
				return nil, fault.Wrap(err, "malformed exception reply")
			}
			return nil, fault.DecodeWire(wire)
		}
	}
	return json.RawMessage(body), nil
}

// encodeErrorReply converts a command error into its wire form. Marshalling
// the wire struct cannot realistically fail, but a worker must never die on
// a reply, so a canned body backs it up.
func encodeErrorReply(err error) []byte {
	body, marshalErr := json.Marshal(fault.EncodeWire(err))
	if marshalErr != nil {
		return []byte(`{"exception_type":"RuntimeError","exception_args":["internal error"]}`)
	}
	return body
}

// brokerAddr renders a broker URL for logging with the password masked.
func brokerAddr(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}

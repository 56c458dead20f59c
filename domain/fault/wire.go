package fault

import "encoding/json"

// Wire names follow the Python exception classes so that Go and Python
// workers can share one queue.
const (
	wireParameter = "ValueError"
	wireServer    = "RuntimeError"
)

// WireError is the reply body a worker publishes when a command fails.
type WireError struct {
	Type string            `json:"exception_type"`
	Args []json.RawMessage `json:"exception_args"`
}

// EncodeWire converts any error into its wire form. Parameter and conflict
// faults travel as ValueError, everything else as RuntimeError; the single
// argument is the fault message.
func EncodeWire(err error) WireError {
	name := wireServer
	switch KindOf(err) {
	case KindParameter, KindConflict:
		name = wireParameter
	}
	msg, marshalErr := json.Marshal(err.Error())
	if marshalErr != nil {
		msg = json.RawMessage(`"internal error"`)
	}
	return WireError{Type: name, Args: []json.RawMessage{msg}}
}

// DecodeWire reconstructs a fault from its wire form: ValueError becomes a
// parameter fault, any other type a server fault. String arguments are
// joined into the message; non-string arguments are kept as raw JSON.
func DecodeWire(w WireError) *Fault {
	message := w.Type
	if len(w.Args) > 0 {
		message = ""
		for i, raw := range w.Args {
			if i > 0 {
				message += " "
			}
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				message += s
			} else {
				message += string(raw)
			}
		}
	}
	if w.Type == wireParameter {
		return New(KindParameter, message)
	}
	return New(KindServer, message)
}

// Package rpc implements the JSON request/response envelope and method
// dispatch table shared by the control, notes, and flow method
// families.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoActiveProject is returned by a Handler when a gated method runs
// without a selected project.
var ErrNoActiveProject = errors.New("rpc: no active project")

// ErrUnknownMethod names the condition of no handler being registered
// for a method. Dispatch does not return it: it answers such a request
// directly with a control/error response.
var ErrUnknownMethod = errors.New("rpc: unknown method")

// Request is the envelope every client message arrives in.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// DecodeRequest parses a single request envelope.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("rpc: decode request: %w", err)
	}
	return req, nil
}

type response struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Result any    `json:"result,omitempty"`
	Params any    `json:"params,omitempty"`
}

// EncodeResult builds a standard {id, method, result} response.
func EncodeResult(id uint64, method string, result any) ([]byte, error) {
	return json.Marshal(response{ID: id, Method: method, Result: result})
}

// EncodeParams builds the {id, method, params} response shape used
// only by control/init, a protocol quirk predating the result/params
// split.
func EncodeParams(id uint64, method string, params any) ([]byte, error) {
	return json.Marshal(response{ID: id, Method: method, Params: params})
}

// ErrorPayload is the body of every control/error response.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// EncodeError builds the {id, method:"control/error", result:{reason}}
// response used for every non-fatal dispatch failure.
func EncodeError(id uint64, reason string) ([]byte, error) {
	return EncodeResult(id, "control/error", ErrorPayload{Reason: reason})
}

// HandlerFunc executes one RPC method and returns its result payload.
// A returned error that is neither ErrNoActiveProject nor a
// NotFoundError is treated as fatal by Dispatch's caller (the session loop), which
// drops the connection per §7.
type HandlerFunc func(params json.RawMessage) (any, error)

// Dispatcher holds the method table and the project-gating rule.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	gated    map[string]bool
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		gated:    make(map[string]bool),
	}
}

// Handle registers the handler for a fully qualified method name, e.g.
// "notes/set".
func (d *Dispatcher) Handle(method string, fn HandlerFunc) {
	d.handlers[method] = fn
}

// RequireActiveProject marks methods that must not run without a
// selected project. All non-control methods are gated implicitly by
// Dispatch; this is only used for control/* methods that are gated as
// well (the session gates subscribe and unsubscribe).
func (d *Dispatcher) RequireActiveProject(methods ...string) {
	for _, m := range methods {
		d.gated[m] = true
	}
}

func (d *Dispatcher) requiresProject(method string) bool {
	if !strings.HasPrefix(method, "control/") {
		return true
	}
	return d.gated[method]
}

// Dispatch resolves and runs method, returning the encoded response
// body. hasActiveProject reflects the calling session's cursor. A
// non-nil, non-gating error means a fatal condition (anything the
// handler itself did not convert into ErrNoActiveProject or a
// domain.ErrNotFound-style not-found) and the caller must drop the
// session instead of sending the returned bytes.
func (d *Dispatcher) Dispatch(req Request, hasActiveProject bool) (body []byte, fatal error) {
	if d.requiresProject(req.Method) && !hasActiveProject {
		b, _ := EncodeError(req.ID, "no active project")
		return b, nil
	}

	fn, ok := d.handlers[req.Method]
	if !ok {
		b, _ := EncodeError(req.ID, "unknown method: "+req.Method)
		return b, nil
	}

	result, err := fn(req.Params)
	if err != nil {
		if errors.Is(err, ErrNoActiveProject) {
			b, _ := EncodeError(req.ID, "no active project")
			return b, nil
		}
		if nf, ok := err.(NotFoundError); ok {
			b, _ := EncodeError(req.ID, nf.Error())
			return b, nil
		}
		return nil, err
	}

	b, err := EncodeResult(req.ID, req.Method, result)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NotFoundError wraps a domain lookup miss with a method-specific
// reason string, surfaced as a non-fatal control/error per §7's
// NotFound row.
type NotFoundError struct {
	Reason string
}

func (e NotFoundError) Error() string { return e.Reason }

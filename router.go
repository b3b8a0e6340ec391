package main

import (
	"encoding/json"
	"strings"
	"time"
)

// rpcFrame is the raw JSON-RPC envelope. Params stay opaque; the router only
// peeks at params.server for routing.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (f *rpcFrame) isNotification() bool {
	return len(f.ID) == 0 || string(f.ID) == "null"
}

// parseFrame decodes one frame and requires jsonrpc == "2.0".
func parseFrame(data []byte) (*rpcFrame, *routeError) {
	var frame rpcFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errParse(err)
	}
	if frame.JSONRPC != "2.0" {
		return &frame, errParse(errNotJSONRPC)
	}
	return &frame, nil
}

var errNotJSONRPC = jsonrpcVersionError{}

type jsonrpcVersionError struct{}

func (jsonrpcVersionError) Error() string { return `missing or invalid "jsonrpc" version` }

// Router resolves the target backend of a frame and forwards it.
type Router struct {
	sup *Supervisor
}

func NewRouter(sup *Supervisor) *Router {
	return &Router{sup: sup}
}

// resolve picks the backend name for a frame. params.server wins; otherwise
// a method prefix naming a known backend is stripped and the method
// rewritten to the remainder. Returns the (possibly rewritten) wire frame.
func (r *Router) resolve(frame *rpcFrame, raw []byte) (string, []byte, *routeError) {
	if len(frame.Params) > 0 {
		var params struct {
			Server any `json:"server"`
		}
		if err := json.Unmarshal(frame.Params, &params); err == nil {
			if name, ok := params.Server.(string); ok && name != "" {
				if !validBackendName(name) {
					return "", nil, errServerNotFound(name)
				}
				return name, raw, nil
			}
		}
	}

	if idx := strings.Index(frame.Method, "/"); idx > 0 {
		prefix := frame.Method[:idx]
		rest := frame.Method[idx+1:]
		if validBackendName(prefix) && r.sup.Has(prefix) && rest != "" {
			rewritten, err := rewriteMethod(raw, rest)
			if err != nil {
				return "", nil, errInternal(err)
			}
			return prefix, rewritten, nil
		}
		return "", nil, errServerNotFound(prefix)
	}

	return "", nil, &routeError{
		Code: codeServerNotFound,
		Kind: kindServerNotFound,
		Msg:  "No server specified",
	}
}

// rewriteMethod re-encodes the frame with method replaced, preserving every
// other field.
func rewriteMethod(raw []byte, method string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(method)
	if err != nil {
		return nil, err
	}
	obj["method"] = encoded
	return json.Marshal(obj)
}

// routeWire forwards an already-resolved request frame and returns the reply.
func (r *Router) routeWire(name string, frame *rpcFrame, wire []byte) ([]byte, error) {
	start := time.Now()
	reply, err := r.sup.Route(name, wire)
	if err != nil {
		re := asRouteError(err)
		recordError(re.Kind, name)
		observeRoute(name, frame.Method, "error", time.Since(start))
		return nil, err
	}
	observeRoute(name, frame.Method, "success", time.Since(start))
	return reply, nil
}

// dispatchWire forwards an already-resolved notification frame.
func (r *Router) dispatchWire(name string, frame *rpcFrame, wire []byte) error {
	start := time.Now()
	if err := r.sup.Notify(name, wire); err != nil {
		re := asRouteError(err)
		recordError(re.Kind, name)
		observeRoute(name, frame.Method, "error", time.Since(start))
		return err
	}
	observeRoute(name, frame.Method, "success", time.Since(start))
	return nil
}

// Dispatch routes one frame and returns the backend's reply. A nil reply
// with nil error means the frame was a notification (no reply expected).
func (r *Router) Dispatch(raw []byte) ([]byte, error) {
	frame, perr := parseFrame(raw)
	if perr != nil {
		return nil, perr
	}

	name, wire, rerr := r.resolve(frame, raw)
	if rerr != nil {
		return nil, rerr
	}

	if frame.isNotification() {
		return nil, r.dispatchWire(name, frame, wire)
	}
	return r.routeWire(name, frame, wire)
}

// DispatchFrame is Dispatch with errors rendered as JSON-RPC error frames,
// for transports that always answer in-band. Nil means no reply is owed.
func (r *Router) DispatchFrame(raw []byte) []byte {
	frame, perr := parseFrame(raw)
	if perr != nil {
		var id json.RawMessage
		if frame != nil {
			id = frame.ID
		}
		return errorFrame(id, perr)
	}
	reply, err := r.Dispatch(raw)
	if err != nil {
		return errorFrame(frame.ID, err)
	}
	return reply
}

package rpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDispatchUnknownMethod(t *testing.T) {
	d := NewDispatcher()
	body, fatal := d.Dispatch(Request{ID: 1, Method: "control/bogus"}, true)
	if fatal != nil {
		t.Fatalf("unknown method must be non-fatal, got %v", fatal)
	}
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Method != "control/error" {
		t.Fatalf("want control/error, got %s", resp.Method)
	}
}

func TestDispatchGatesNonControlMethods(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Handle("notes/set", func(json.RawMessage) (any, error) {
		called = true
		return map[string]any{}, nil
	})

	body, fatal := d.Dispatch(Request{ID: 1, Method: "notes/set"}, false)
	if fatal != nil {
		t.Fatalf("gating must be non-fatal, got %v", fatal)
	}
	if called {
		t.Fatalf("handler must not run without an active project")
	}
	var resp response
	json.Unmarshal(body, &resp)
	if resp.Method != "control/error" {
		t.Fatalf("want control/error, got %s", resp.Method)
	}
}

func TestDispatchGatesSpecificControlMethods(t *testing.T) {
	d := NewDispatcher()
	d.RequireActiveProject("control/subscribe", "control/unsubscribe")
	d.Handle("control/subscribe", func(json.RawMessage) (any, error) {
		return map[string]any{}, nil
	})
	d.Handle("control/list/project", func(json.RawMessage) (any, error) {
		return map[string]any{"projects": []any{}}, nil
	})

	if _, fatal := d.Dispatch(Request{ID: 1, Method: "control/list/project"}, false); fatal != nil {
		t.Fatalf("control/list/project must not be gated: %v", fatal)
	}
	body, _ := d.Dispatch(Request{ID: 2, Method: "control/subscribe"}, false)
	var resp response
	json.Unmarshal(body, &resp)
	if resp.Method != "control/error" {
		t.Fatalf("control/subscribe must be gated without an active project")
	}
}

func TestDispatchPropagatesFatalErrors(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("boom")
	d.Handle("control/list/project", func(json.RawMessage) (any, error) {
		return nil, boom
	})
	_, fatal := d.Dispatch(Request{ID: 1, Method: "control/list/project"}, false)
	if !errors.Is(fatal, boom) {
		t.Fatalf("non-gating handler errors must propagate as fatal, got %v", fatal)
	}
}

func TestDispatchNotFoundIsNonFatal(t *testing.T) {
	d := NewDispatcher()
	d.Handle("flow/get", func(json.RawMessage) (any, error) {
		return nil, NotFoundError{Reason: "flow not found"}
	})
	body, fatal := d.Dispatch(Request{ID: 1, Method: "flow/get"}, true)
	if fatal != nil {
		t.Fatalf("NotFoundError must be non-fatal, got %v", fatal)
	}
	var resp response
	json.Unmarshal(body, &resp)
	if resp.Method != "control/error" {
		t.Fatalf("want control/error, got %s", resp.Method)
	}
}

func TestEncodeParamsQuirk(t *testing.T) {
	b, err := EncodeParams(1, "control/init", map[string]any{"valid": true})
	if err != nil {
		t.Fatalf("EncodeParams: %v", err)
	}
	var raw map[string]any
	json.Unmarshal(b, &raw)
	if _, ok := raw["result"]; ok {
		t.Fatalf("control/init response must not carry a result key")
	}
	if _, ok := raw["params"]; !ok {
		t.Fatalf("control/init response must carry a params key")
	}
}

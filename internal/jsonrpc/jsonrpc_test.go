package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req := NewRequest("42", "tools/call", map[string]any{"name": "x"})
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := DecodeRequest(data)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Method != "tools/call" || parsed.ID != "42" {
		t.Errorf("parsed = %+v", parsed)
	}
	if parsed.Params["name"] != "x" {
		t.Errorf("params = %v", parsed.Params)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	if _, err := DecodeRequest([]byte(`{"jsonrpc":"1.0","id":1,"method":"m"}`)); err == nil {
		t.Error("expected version error for request")
	}
	if _, err := DecodeResponse([]byte(`{"jsonrpc":"","id":1,"result":{}}`)); err == nil {
		t.Error("expected version error for response")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeRequest([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected parse error")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Code != ParseError {
		t.Errorf("err = %v, want RPCError with ParseError code", err)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	if NewRequest(1, "m", nil).IsNotification() {
		t.Error("request with ID is not a notification")
	}
	if !NewNotification("notifications/initialized", nil).IsNotification() {
		t.Error("NewNotification must build an ID-less request")
	}

	data, err := json.Marshal(NewNotification("ping", nil))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification frame carries an id: %s", data)
	}

	req, err := DecodeRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !req.IsNotification() {
		t.Error("request without ID is a notification")
	}
}

func TestIsResponse(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, true},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"x"}}`, true},
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, false},
		{"notification", `{"jsonrpc":"2.0","method":"ping"}`, false},
		{"garbage", `nope`, false},
	}
	for _, tt := range tests {
		if got := IsResponse([]byte(tt.data)); got != tt.want {
			t.Errorf("%s: IsResponse = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestErrorResponse(t *testing.T) {
	resp := NewErrorResponse(7, MethodNotFound, "no such method", nil)
	if !resp.IsError() {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("code = %d", resp.Error.Code)
	}
	if NewResponse(7, "ok").IsError() {
		t.Error("success response flagged as error")
	}
}

func TestErrorfFormatsMessage(t *testing.T) {
	err := Errorf(InvalidParams, "missing %q", "name")
	if err.Code != InvalidParams {
		t.Errorf("code = %d", err.Code)
	}
	if !strings.Contains(err.Error(), `missing "name"`) {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestSequenceMonotonic(t *testing.T) {
	var s Sequence
	a, b := s.Next(), s.Next()
	if a != "1" || b != "2" {
		t.Errorf("ids = %s, %s", a, b)
	}
}

package mcp

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestToolSchema_RoundTripPreservesNameDescriptionAndParameters(t *testing.T) {
	original := ToolSchema{
		Name:        "echo",
		Description: "echoes the message argument back",
		Parameters: []ToolParameter{
			{Name: "message", Type: TypeString, Description: "text to echo", Required: true},
			{Name: "times", Type: TypeInteger, Description: "repeat count", Required: false, Default: float64(1)},
		},
	}

	wire := original.ToMCPFormat()
	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got := ToolSchemaFromMCPFormat(decoded)
	if got.Name != original.Name || got.Description != original.Description {
		t.Fatalf("name/description not preserved: %+v", got)
	}
	if len(got.Parameters) != len(original.Parameters) {
		t.Fatalf("expected %d parameters, got %d", len(original.Parameters), len(got.Parameters))
	}

	byName := make(map[string]ToolParameter, len(got.Parameters))
	for _, p := range got.Parameters {
		byName[p.Name] = p
	}
	for _, want := range original.Parameters {
		got, ok := byName[want.Name]
		if !ok {
			t.Fatalf("parameter %q missing after round trip", want.Name)
		}
		if got.Type != want.Type || got.Required != want.Required || got.Description != want.Description {
			t.Errorf("parameter %q not preserved: got %+v, want type=%v required=%v description=%v",
				want.Name, got, want.Type, want.Required, want.Description)
		}
	}
}

func TestToolResult_RoundTripSuccessAndFailure(t *testing.T) {
	success := ToolResult{Success: true, Content: "hi"}
	wire := success.ToMCPFormat()
	back := ToolResultFromMCPFormat(wire)
	if !back.Success || back.Content != "hi" {
		t.Errorf("success round trip: got %+v", back)
	}

	failure := ToolResult{Success: false, Error: "boom"}
	wire = failure.ToMCPFormat()
	back = ToolResultFromMCPFormat(wire)
	if back.Success || back.Error != "boom" {
		t.Errorf("failure round trip: got %+v", back)
	}
}

func TestToolResult_NonStringContentIsIndentedJSON(t *testing.T) {
	result := ToolResult{Success: true, Content: map[string]any{"a": 1}}
	wire := result.ToMCPFormat()
	content := wire["content"].([]map[string]any)
	text := content[0]["text"].(string)
	if text != "{\n  \"a\": 1\n}" {
		t.Errorf("expected 2-space indented JSON, got %q", text)
	}
}

func TestMCPRequest_JSONRoundTripIsIdentity(t *testing.T) {
	original := MCPRequest{JSONRPC: "2.0", ID: int64(7), Method: "tools/call", Params: map[string]any{"name": "echo"}}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded MCPRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	id, ok := requestIDAsInt64(decoded.ID)
	if !ok || id != 7 {
		t.Fatalf("id not preserved: %v", decoded.ID)
	}
	if decoded.Method != original.Method {
		t.Errorf("method not preserved: %q", decoded.Method)
	}
	if !reflect.DeepEqual(decoded.Params, original.Params) {
		t.Errorf("params not preserved: %+v", decoded.Params)
	}
}

func TestMCPRequest_NotificationOmitsID(t *testing.T) {
	notification := MCPRequest{JSONRPC: "2.0", Method: "notifications/initialized"}
	if !notification.IsNotification() {
		t.Fatal("expected IsNotification to be true for a request with no id")
	}

	data, err := json.Marshal(notification)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := raw["id"]; present {
		t.Error("expected id to be omitted for a notification")
	}
}

func TestMCPResponse_JSONRoundTripIsIdentity(t *testing.T) {
	original := MCPResponse{JSONRPC: "2.0", ID: int64(3), Error: &MCPError{Code: ErrCodeMethodNotFound, Message: "nope"}}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded MCPResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Error == nil || decoded.Error.Code != ErrCodeMethodNotFound || decoded.Error.Message != "nope" {
		t.Errorf("error not preserved: %+v", decoded.Error)
	}
}

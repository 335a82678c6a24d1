// Package mcp implements the host side of the Model Context Protocol: the
// wire types, JSON-RPC transport, protocol handshake, and per-server client
// session used to talk to MCP server subprocesses.
package mcp

import (
	"encoding/json"
	"fmt"
)

// ToolInputType is the closed set of JSON Schema primitive tags a tool
// parameter may carry.
type ToolInputType string

const (
	TypeString  ToolInputType = "string"
	TypeNumber  ToolInputType = "number"
	TypeInteger ToolInputType = "integer"
	TypeBoolean ToolInputType = "boolean"
	TypeObject  ToolInputType = "object"
	TypeArray   ToolInputType = "array"
	TypeNull    ToolInputType = "null"
)

// ToolParameter describes one input parameter of a tool. It round-trips
// losslessly to the MCP inputSchema.properties[name] fragment.
type ToolParameter struct {
	Name        string        `json:"name"`
	Type        ToolInputType `json:"type"`
	Description string        `json:"description"`
	Required    bool          `json:"required"`
	Default     any           `json:"default,omitempty"`
	Enum        []string      `json:"enum,omitempty"`
	Items       map[string]any `json:"items,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// toJSONSchema renders the parameter as one inputSchema.properties entry.
func (p ToolParameter) toJSONSchema() map[string]any {
	schema := map[string]any{
		"type":        string(p.Type),
		"description": p.Description,
	}
	if p.Default != nil {
		schema["default"] = p.Default
	}
	if len(p.Enum) > 0 {
		schema["enum"] = p.Enum
	}
	if p.Items != nil {
		schema["items"] = p.Items
	}
	if p.Properties != nil {
		schema["properties"] = p.Properties
	}
	return schema
}

// ToolSchema is the internal representation of a tool a server publishes.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Returns     string          `json:"returns,omitempty"`
}

// ToMCPFormat converts the schema to the wire form MCP servers publish:
// { name, description, inputSchema: { type:"object", properties, required } }.
// required is derived from parameters marked Required and omitted when empty.
func (s ToolSchema) ToMCPFormat() map[string]any {
	properties := make(map[string]any, len(s.Parameters))
	var required []string
	for _, p := range s.Parameters {
		properties[p.Name] = p.toJSONSchema()
		if p.Required {
			required = append(required, p.Name)
		}
	}

	inputSchema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		inputSchema["required"] = required
	}

	return map[string]any{
		"name":        s.Name,
		"description": s.Description,
		"inputSchema": inputSchema,
	}
}

// ToolSchemaFromMCPFormat parses a wire-form tool definition, as returned by
// tools/list, into the internal ToolSchema representation.
func ToolSchemaFromMCPFormat(data map[string]any) ToolSchema {
	schema := ToolSchema{
		Name:        stringField(data, "name"),
		Description: stringField(data, "description"),
	}

	inputSchema, _ := data["inputSchema"].(map[string]any)
	properties, _ := inputSchema["properties"].(map[string]any)
	requiredList := stringSlice(inputSchema["required"])
	requiredSet := make(map[string]bool, len(requiredList))
	for _, r := range requiredList {
		requiredSet[r] = true
	}

	for name, raw := range properties {
		prop, _ := raw.(map[string]any)
		typ := TypeString
		if t, ok := prop["type"].(string); ok {
			switch ToolInputType(t) {
			case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray, TypeNull:
				typ = ToolInputType(t)
			}
		}

		param := ToolParameter{
			Name:        name,
			Type:        typ,
			Description: stringField(prop, "description"),
			Required:    requiredSet[name],
			Default:     prop["default"],
		}
		if enum := stringSlice(prop["enum"]); enum != nil {
			param.Enum = enum
		}
		if items, ok := prop["items"].(map[string]any); ok {
			param.Items = items
		}
		if props, ok := prop["properties"].(map[string]any); ok {
			param.Properties = props
		}
		schema.Parameters = append(schema.Parameters, param)
	}

	return schema
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	Success  bool
	Content  any
	Error    string
	Metadata map[string]any
}

// ToMCPFormat renders the result in wire form: a success result serializes
// Content as text (JSON-encoded with 2-space indent for non-strings), a
// failure sets isError and carries the error text as the content.
func (r ToolResult) ToMCPFormat() map[string]any {
	if r.Success {
		return map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": stringifyContent(r.Content)},
			},
		}
	}

	errText := r.Error
	if errText == "" {
		errText = "Unknown error"
	}
	return map[string]any{
		"isError": true,
		"content": []map[string]any{
			{"type": "text", "text": errText},
		},
	}
}

func stringifyContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// ToolResultFromMCPFormat reverses ToMCPFormat. The first content entry's
// text is taken as the result's content or error, depending on isError.
func ToolResultFromMCPFormat(data map[string]any) ToolResult {
	isError, _ := data["isError"].(bool)
	text := firstContentText(data["content"])

	if isError {
		return ToolResult{Success: false, Error: text}
	}
	return ToolResult{Success: true, Content: text}
}

func firstContentText(v any) string {
	var first map[string]any
	switch list := v.(type) {
	case []any:
		if len(list) > 0 {
			first, _ = list[0].(map[string]any)
		}
	case []map[string]any:
		if len(list) > 0 {
			first = list[0]
		}
	}
	text, _ := first["text"].(string)
	return text
}

// RequestID identifies an MCPRequest. A notification carries the zero value.
type RequestID = any

// MCPRequest is a JSON-RPC 2.0 request. An empty Method is invalid; an empty
// ID marks a notification, which the sender must not wait on and the
// receiver must not reply to.
type MCPRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      RequestID      `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// IsNotification reports whether this request carries no id.
func (r MCPRequest) IsNotification() bool {
	return r.ID == nil
}

// MCPResponse is a JSON-RPC 2.0 response. Exactly one of Result/Error is set
// on the wire.
type MCPResponse struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      RequestID      `json:"id"`
	Result  map[string]any `json:"result,omitempty"`
	Error   *MCPError      `json:"error,omitempty"`
}

// MCPError is a JSON-RPC 2.0 error object.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC / MCP error codes (spec §3).
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// newErrorResponse builds an error response for the given request id.
func newErrorResponse(id RequestID, code int, message string) *MCPResponse {
	return &MCPResponse{JSONRPC: "2.0", ID: id, Error: &MCPError{Code: code, Message: message}}
}

// ServerConfig is the static configuration of one MCP server connection.
type ServerConfig struct {
	Name      string
	Command   string
	Args      []string
	Env       map[string]string
	Transport string // "stdio" is the only transport implemented
	Timeout   float64 // seconds; 0 means DefaultTimeoutSeconds
	Cwd       string
}

// DefaultTimeoutSeconds is applied when a ServerConfig leaves Timeout unset.
const DefaultTimeoutSeconds = 30

// EffectiveTimeout returns the configured timeout, or the default.
func (c ServerConfig) EffectiveTimeout() float64 {
	if c.Timeout <= 0 {
		return DefaultTimeoutSeconds
	}
	return c.Timeout
}

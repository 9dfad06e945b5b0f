package acpproto

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the fixed ACP protocol version this proxy negotiates.
const ProtocolVersion = 1

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("acp error %d: %s", e.Code, e.Message)
}

// Envelope is the superset of JSON-RPC request, response and notification
// shapes exchanged over the agent's stdio. Which fields are populated
// distinguishes the three: a request has ID+Method, a notification has
// Method with no ID, a response has ID and one of Result/Error.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether e carries both a method and an id.
func (e *Envelope) IsRequest() bool { return e.Method != "" && len(e.ID) > 0 }

// IsNotification reports whether e carries a method with no id.
func (e *Envelope) IsNotification() bool { return e.Method != "" && len(e.ID) == 0 }

// IsResponse reports whether e is a reply to a previously sent request.
func (e *Envelope) IsResponse() bool { return e.Method == "" && len(e.ID) > 0 }

// NewRequest builds a request envelope with the given numeric id.
func NewRequest(id int64, method string, params interface{}) (*Envelope, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	idRaw, _ := json.Marshal(id)
	return &Envelope{JSONRPC: "2.0", ID: idRaw, Method: method, Params: p}, nil
}

// NewNotification builds a notification envelope (no id, no reply expected).
func NewNotification(method string, params interface{}) (*Envelope, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Envelope{JSONRPC: "2.0", Method: method, Params: p}, nil
}

// NewResultResponse builds a successful reply to id.
func NewResultResponse(id json.RawMessage, result interface{}) (*Envelope, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{JSONRPC: "2.0", ID: id, Result: r}, nil
}

// NewErrorResponse builds an error reply to id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Envelope {
	return &Envelope{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// Tagged holds a dynamic-union JSON value: we remember which tag value it
// carried (read from the named tag field) and keep the full original bytes
// so unknown variants round-trip losslessly back onto the wire. Known tags
// can be further unmarshalled into a concrete struct by the caller when
// interpretation (not just forwarding) is needed.
type Tagged struct {
	Tag string
	Raw json.RawMessage
}

func (t Tagged) MarshalJSON() ([]byte, error) {
	if len(t.Raw) == 0 {
		return []byte("null"), nil
	}
	return t.Raw, nil
}

func (t *Tagged) unmarshalWithField(data []byte, field string) error {
	t.Raw = append(json.RawMessage(nil), data...)
	var peek map[string]json.RawMessage
	if err := json.Unmarshal(data, &peek); err != nil {
		return err
	}
	if raw, ok := peek[field]; ok {
		var tag string
		if err := json.Unmarshal(raw, &tag); err == nil {
			t.Tag = tag
			return nil
		}
	}
	t.Tag = "unknown"
	return nil
}

// SessionUpdate is the tagged union carried by session/update notifications.
// Known Tag values: agent_message_chunk, agent_thought_chunk,
// user_message_chunk, tool_call, tool_call_update, plan, current_model_update.
type SessionUpdate struct{ Tagged }

func (s *SessionUpdate) UnmarshalJSON(data []byte) error {
	return s.unmarshalWithField(data, "sessionUpdate")
}

// ContentBlock is the tagged union for prompt content and resource payloads.
// Known Tag values: text, image, audio, resource, resource_link.
type ContentBlock struct{ Tagged }

func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	return c.unmarshalWithField(data, "type")
}

// TextContentBlock is the concrete shape of a ContentBlock tagged "text".
type TextContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ImageContentBlock is the concrete shape of a ContentBlock tagged "image".
type ImageContentBlock struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ToolCallContent is the tagged union of content attached to a tool_call or
// tool_call_update session update (e.g. diff, terminal output).
type ToolCallContent struct{ Tagged }

func (t *ToolCallContent) UnmarshalJSON(data []byte) error {
	return t.unmarshalWithField(data, "type")
}

// Permission option kinds the UI renders distinct affordances for.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionRejectOnce   = "reject_once"
	OptionRejectAlways = "reject_always"
)

// PermissionOption is one choice offered to the user for a requestPermission call.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionOutcome is returned to the agent after the user (or a timeout)
// resolves a requestPermission call.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "cancelled" or "selected"
	OptionID string `json:"optionId,omitempty"`
}

// Cancelled returns the outcome used on timeout, explicit cancel, or session close.
func Cancelled() PermissionOutcome { return PermissionOutcome{Outcome: "cancelled"} }

// PromptCapabilities reflects what content kinds the agent accepts in a prompt.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModelState is the session's view of available/current models, if the
// agent supports model selection at all.
type ModelState struct {
	Available []ModelInfo `json:"available"`
	CurrentID string      `json:"currentId"`
}

// AgentInfo is returned from ACP initialize.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent as the ACP initialize request.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// ClientCapabilities advertises what the proxy (acting as ACP client) supports.
type ClientCapabilities struct {
	Fs FsCapability `json:"fs"`
}

// FsCapability advertises filesystem callback support.
type FsCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult is the ACP initialize response.
type InitializeResult struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	AgentInfo          AgentInfo          `json:"agentInfo"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
	Models             *ModelState        `json:"models,omitempty"`
}

// McpServerDescriptor is embedded in session/new so the agent can dial the
// proxy's own MCP endpoint (C7) for browser tool calls.
type McpServerDescriptor struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// NewSessionParams is sent as the ACP session/new request.
type NewSessionParams struct {
	Cwd        string                `json:"cwd"`
	McpServers []McpServerDescriptor `json:"mcpServers"`
}

// NewSessionResult is the ACP session/new response.
type NewSessionResult struct {
	SessionID          string             `json:"sessionId"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
	Models             *ModelState        `json:"models,omitempty"`
}

// PromptParams is sent as the ACP session/prompt request.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Content   []ContentBlock `json:"content"`
}

// PromptResult is the ACP session/prompt response.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams is sent as the ACP session/cancel notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SetModelParams is sent as the ACP session/setModel request.
type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SessionUpdateParams is the payload of an agent-initiated session/update
// notification.
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// RequestPermissionParams is the payload of an agent-initiated
// session/requestPermission request.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	Options   []PermissionOption `json:"options"`
	ToolCall  json.RawMessage    `json:"toolCall"`
}

// ReadTextFileParams is the payload of an agent-initiated fs/readTextFile request.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult answers an fs/readTextFile request.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams is the payload of an agent-initiated fs/writeTextFile request.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

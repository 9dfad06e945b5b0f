package bridge

import (
	"encoding/json"

	"github.com/hyper-ai-inc/acp-proxy/internal/acpproto"
	"github.com/hyper-ai-inc/acp-proxy/internal/fsguard"
)

// StatusFrame is the proxy->UI "status" frame.
type StatusFrame struct {
	Connected    bool                         `json:"connected"`
	AgentInfo    *acpproto.AgentInfo          `json:"agentInfo,omitempty"`
	Capabilities *acpproto.PromptCapabilities `json:"capabilities,omitempty"`
}

// ErrorFrame is the proxy->UI "error" frame.
type ErrorFrame struct {
	Message string `json:"message"`
}

// SessionCreatedFrame is the proxy->UI "session_created" frame.
type SessionCreatedFrame struct {
	SessionID          string                      `json:"sessionId"`
	PromptCapabilities acpproto.PromptCapabilities `json:"promptCapabilities"`
	Models             *acpproto.ModelState        `json:"models,omitempty"`
}

// SessionUpdateFrame is the proxy->UI "session_update" frame.
type SessionUpdateFrame struct {
	SessionID string                 `json:"sessionId"`
	Update    acpproto.SessionUpdate `json:"update"`
}

// PromptCompleteFrame is the proxy->UI "prompt_complete" frame.
type PromptCompleteFrame struct {
	StopReason string `json:"stopReason"`
}

// PermissionRequestFrame is the proxy->UI "permission_request" frame.
type PermissionRequestFrame struct {
	RequestID string                      `json:"requestId"`
	SessionID string                      `json:"sessionId"`
	Options   []acpproto.PermissionOption `json:"options"`
	ToolCall  json.RawMessage             `json:"toolCall"`
}

// ModelChangedFrame is the proxy->UI "model_changed" frame.
type ModelChangedFrame struct {
	ModelID string `json:"modelId"`
}

// BrowserToolCallFrame is the proxy->UI "browser_tool_call" frame.
type BrowserToolCallFrame struct {
	CallID string      `json:"callId"`
	Params interface{} `json:"params"`
}

// FSListingFrame is the proxy->UI "fs_listing" frame.
type FSListingFrame struct {
	Path  string          `json:"path"`
	Items []fsguard.Entry `json:"items"`
}

// FSContentFrame is the proxy->UI "fs_content" frame.
type FSContentFrame struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Binary    bool   `json:"binary"`
	Truncated bool   `json:"truncated,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// FSChangesFrame is the proxy->UI "fs_changes" frame.
type FSChangesFrame struct {
	Batch fsguard.Batch `json:"batch"`
}

// Inbound UI->proxy frame payloads.

type ConnectPayload struct {
	AgentCommand []string `json:"agentCommand,omitempty"`
}

type NewSessionPayload struct {
	Cwd string `json:"cwd,omitempty"`
}

type PromptPayload struct {
	Content []acpproto.ContentBlock `json:"content"`
}

type PermissionResponsePayload struct {
	RequestID string                     `json:"requestId"`
	Outcome   acpproto.PermissionOutcome `json:"outcome"`
}

type BrowserToolResultPayload struct {
	CallID string                 `json:"callId"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

type SetSessionModelPayload struct {
	ModelID string `json:"modelId"`
}

type FSPathPayload struct {
	Path string `json:"path"`
}

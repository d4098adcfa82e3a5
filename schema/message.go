// Package schema defines the wire-level chat message and tool shapes shared
// across the observability core: the host hands the core an ordered list of
// these per request, and hashkit/tokens/session all operate on them.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartKind identifies the kind of content carried by a Part.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartFile     PartKind = "file"
	PartToolCall PartKind = "tool_call"
	PartToolUse  PartKind = "tool_result"
)

// Part is one piece of a Message's content. Exactly one of the payload
// fields is meaningful, selected by Type.
type Part struct {
	Type PartKind `json:"type"`

	// Text holds PartText content, trimmed UTF-8.
	Text string `json:"text,omitempty"`

	// Data holds binary payload for PartImage/PartFile parts.
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// ToolCall represents a tool invocation the model requested.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult represents the outcome of a tool invocation, fed back to the model.
type ToolResult struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// Message is one turn in a chat request's message list.
type Message struct {
	Role      Role                   `json:"role"`
	Name      string                 `json:"name,omitempty"`
	Parts     []Part                 `json:"parts"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// FirstText returns the text of the first PartText part, as stored (not
// trimmed), or "" if none.
func (m Message) FirstText() string {
	for _, p := range m.Parts {
		if p.Type == PartText {
			return p.Text
		}
	}
	return ""
}

// TextContent concatenates every PartText part's text, in order.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls collects every tool call carried by this message's parts.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// partDigest replaces binary payload with (type, mimeType, sha256, byteLength)
// so message hashing never depends on raw content, per the core's no-raw-text rule.
type partDigest struct {
	Type       PartKind `json:"type"`
	Text       string   `json:"text,omitempty"`
	MimeType   string   `json:"mimeType,omitempty"`
	SHA256     string   `json:"sha256,omitempty"`
	ByteLength int      `json:"byteLength,omitempty"`
	ToolCallID string   `json:"toolCallId,omitempty"`
	ToolName   string   `json:"toolName,omitempty"`
}

func (p Part) digest() partDigest {
	d := partDigest{Type: p.Type, MimeType: p.MimeType}
	switch p.Type {
	case PartText:
		d.Text = p.Text
	case PartImage, PartFile:
		sum := sha256.Sum256(p.Data)
		d.SHA256 = hex.EncodeToString(sum[:])
		d.ByteLength = len(p.Data)
	case PartToolCall:
		if p.ToolCall != nil {
			d.ToolCallID = p.ToolCall.ID
			d.ToolName = p.ToolCall.Name
		}
	case PartToolUse:
		if p.ToolResult != nil {
			d.ToolCallID = p.ToolResult.ID
		}
	}
	return d
}

// canonicalMessage is the (role, name, parts) shape hashed for ConversationState equality.
type canonicalMessage struct {
	Role  Role         `json:"role"`
	Name  string       `json:"name,omitempty"`
	Parts []partDigest `json:"parts"`
}

// Canonical returns the JSON-marshalable, raw-content-free form of m used by
// hashkit.MessageHash.
func (m Message) Canonical() interface{} {
	parts := make([]partDigest, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = p.digest()
	}
	return canonicalMessage{Role: m.Role, Name: m.Name, Parts: parts}
}

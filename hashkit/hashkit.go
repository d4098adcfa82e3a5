// Package hashkit implements the deterministic short-digest functions the
// rest of the core uses to derive stable identity for agent types,
// conversations, and individual messages from content the host provides
// without ever handing over an explicit conversation ID.
//
// Every function here is pure: identical canonical input always yields an
// identical Digest, and there is no notion of failure — inputs are plain
// strings or string-valued records.
package hashkit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Digest is a 16-hex-character truncation of a SHA-256 sum.
type Digest string

const digestLen = 16

func sum(s string) Digest {
	h := sha256.Sum256([]byte(s))
	return Digest(hex.EncodeToString(h[:])[:digestLen])
}

// SystemPromptHash hashes the trimmed system prompt text.
func SystemPromptHash(systemPrompt string) Digest {
	return sum(strings.TrimSpace(systemPrompt))
}

// ToolSetHash hashes a tool set by its names, sorted ascending and joined by "|".
func ToolSetHash(toolNames []string) Digest {
	names := append([]string(nil), toolNames...)
	sort.Strings(names)
	return sum(strings.Join(names, "|"))
}

// AgentTypeHash identifies a class of agent: same system prompt + same tool
// set, before any user message exists. It is the SHA-256 of the
// concatenation of the two component digests, not a re-hash of the joined
// raw inputs, so it stays stable under anything that doesn't change either
// component.
func AgentTypeHash(systemPromptHash, toolSetHash Digest) Digest {
	return sum(string(systemPromptHash) + string(toolSetHash))
}

// FirstUserMessageHash hashes the trimmed text of the first user message part.
func FirstUserMessageHash(firstUserText string) Digest {
	return sum(strings.TrimSpace(firstUserText))
}

// FirstAssistantResponseHash hashes the first text content of the assistant's
// response, trimmed and truncated to 500 characters.
func FirstAssistantResponseHash(firstAssistantText string) Digest {
	text := strings.TrimSpace(firstAssistantText)
	if runes := []rune(text); len(runes) > 500 {
		text = string(runes[:500])
	}
	return sum(text)
}

// ConversationHash identifies a specific conversation instance: the
// agent-type hash, the first user message hash, and the first assistant
// response hash, all observed once the first turn completes.
func ConversationHash(agentTypeHash, firstUserMessageHash, firstAssistantResponseHash Digest) Digest {
	return sum(string(agentTypeHash) + string(firstUserMessageHash) + string(firstAssistantResponseHash))
}

// PartialKey is systemPromptHash + ":" + firstUserMessageHash, used to detect
// a turn extending the same logical conversation before a conversation hash
// can be computed.
func PartialKey(systemPromptHash, firstUserMessageHash Digest) string {
	return string(systemPromptHash) + ":" + string(firstUserMessageHash)
}

// Canonicalizable is implemented by types whose raw-content-free canonical
// form can be hashed for ConversationState equality (schema.Message
// implements this).
type Canonicalizable interface {
	Canonical() interface{}
}

// MessageHash hashes the canonical (role, name, parts) form of a message,
// with binary payloads replaced by (type, mimeType, sha256, byteLength) so
// the hash never depends on raw content size beyond what's already digested.
// Marshaling failure is treated as an empty canonical form — canonical
// inputs here are always plain structs built by this module, so json.Marshal
// cannot fail on them in practice, but a defensive empty digest keeps the
// function total rather than panicking on unexpected input.
func MessageHash(m Canonicalizable) Digest {
	b, err := json.Marshal(m.Canonical())
	if err != nil {
		return sum("")
	}
	return sum(string(b))
}

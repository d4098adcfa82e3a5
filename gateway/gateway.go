// Package gateway defines the boundary to the remote LM gateway: the
// streaming chunk union a provider emits, the model catalog shape, and the
// model-id grammar used to parse a "<provider>:<family>-<version>" string.
//
// Grounded on llm/litellm.go's request/response/stream-event shapes,
// generalized from that package's single fixed StreamEvent union
// (thinking/text/tool-call start-delta-end plus a terminal Done) into the
// wider chunk union the observability core's host protocol requires (file
// parts, structured errors, finish-level usage and context-edit reporting).
package gateway

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ChunkKind tags one streamed chunk from the gateway.
type ChunkKind string

const (
	ChunkTextDelta               ChunkKind = "text-delta"
	ChunkReasoningDelta          ChunkKind = "reasoning-delta"
	ChunkFile                    ChunkKind = "file"
	ChunkToolCallStreamingStart  ChunkKind = "tool-call-streaming-start"
	ChunkToolCallDelta           ChunkKind = "tool-call-delta"
	ChunkToolCall                ChunkKind = "tool-call"
	ChunkError                   ChunkKind = "error"
	ChunkFinish                  ChunkKind = "finish"
	ChunkAbort                   ChunkKind = "abort"

	// Chunks the streaming protocol recognizes but maps to no host output.
	ChunkStart           ChunkKind = "start"
	ChunkFinishStep      ChunkKind = "finish-step"
	ChunkSource          ChunkKind = "source"
	ChunkToolResult      ChunkKind = "tool-result"
	ChunkTextStart       ChunkKind = "text-start"
	ChunkTextEnd         ChunkKind = "text-end"
	ChunkReasoningStart  ChunkKind = "reasoning-start"
	ChunkReasoningEnd    ChunkKind = "reasoning-end"
)

// toolInputPrefix and dataPrefix classify chunk kinds this package has no
// named constant for: "tool-input-*" is always ignored (no host
// equivalent); "data-*" is ignored silently; anything else unrecognized is
// logged at warn level by the session package.
const (
	toolInputPrefix = "tool-input-"
	dataPrefix      = "data-"
)

// IsIgnoredNoOutput reports whether kind is one of the chunk types the
// protocol explicitly ignores (no host output, no log).
func IsIgnoredNoOutput(kind ChunkKind) bool {
	switch kind {
	case ChunkStart, ChunkFinishStep, ChunkSource, ChunkToolResult,
		ChunkTextStart, ChunkTextEnd, ChunkReasoningStart, ChunkReasoningEnd:
		return true
	}
	return strings.HasPrefix(string(kind), toolInputPrefix)
}

// IsSilentlyIgnoredUnknown reports whether kind is an unrecognized
// "data-"-prefixed type, which the protocol ignores without logging.
func IsSilentlyIgnoredUnknown(kind ChunkKind) bool {
	return strings.HasPrefix(string(kind), dataPrefix)
}

// Usage is the token usage totals reported on a finish chunk.
type Usage struct {
	InputTokens    int
	OutputTokens   int
	MaxInputTokens int
}

// AppliedEdit is one provider-reported context compaction edit surfaced in
// providerMetadata on finish.
type AppliedEdit struct {
	Type            string
	ClearedToolUses int
	ClearedThinking bool
}

// Chunk is one item of the streamed chunk union. Only the fields relevant
// to its Type are populated.
type Chunk struct {
	Type ChunkKind

	// text-delta / reasoning-delta
	TextDelta string

	// file
	FileBase64   string
	FileBytes    []byte
	FileMediaType string

	// tool-call-streaming-start / tool-call-delta / tool-call
	ToolCallID        string
	ToolCallName      string
	ArgsTextDelta     string
	Args              json.RawMessage

	// error
	ErrorMessage string

	// finish
	TotalUsage       *Usage
	AppliedEdits     []AppliedEdit
}

// mimeTypePattern validates a file chunk's declared media type.
var mimeTypePattern = regexp.MustCompile(`^[a-z]+/[a-z0-9.+-]+$`)

// ValidMediaType reports whether mediaType matches the accepted grammar.
func ValidMediaType(mediaType string) bool {
	return mimeTypePattern.MatchString(mediaType)
}

// ModelInfo describes one catalog entry returned by the model listing
// endpoint.
type ModelInfo struct {
	ID            string
	Name          string
	ContextWindow int
	MaxTokens     int
	Type          string
	Tags          []string
	Pricing       map[string]float64
}

// ModelID is a parsed "<provider>:<family>-<version>" identifier.
type ModelID struct {
	Provider string
	Family   string
	Version  string
}

// versionSuffixPattern matches the version suffix grammar:
// [-_](YYYY-MM-DD|YYYYMMDD|YYMM|YYYYMM|YYYY|X.Y(.Z)?)
var versionSuffixPattern = regexp.MustCompile(`[-_](\d{4}-\d{2}-\d{2}|\d{8}|\d{6}|\d{4}|\d{1,2}\.\d{1,2}(?:\.\d{1,2})?)$`)

// ParseModelID parses a "<provider>:<family>-<version>" model identifier.
// Missing a colon leaves Provider empty; missing a recognized version
// suffix sets Version to "latest".
func ParseModelID(id string) ModelID {
	provider := ""
	rest := id
	if idx := strings.IndexByte(id, ':'); idx >= 0 {
		provider = id[:idx]
		rest = id[idx+1:]
	}

	family := rest
	version := "latest"
	if loc := versionSuffixPattern.FindStringIndex(rest); loc != nil {
		family = rest[:loc[0]]
		version = strings.TrimLeft(rest[loc[0]:], "-_")
	}

	return ModelID{Provider: provider, Family: family, Version: version}
}

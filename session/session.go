// Package session implements ChatSession: the per-request controller that
// estimates tokens, starts an agent, drives the streaming chunk protocol,
// buffers tool calls, caches actual tokens on finish, and reports exactly
// one response to the host.
//
// Grounded on llm/litellm.go's GenerateStream goroutine/channel shape for
// consuming a provider stream, middleware/timeout.go for wrapping the
// transport call in a timeout (the call is not retried), and
// schema/errors.go's wrapper-struct style (carried forward here as
// session.Error).
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpostdev/agentlens/agenttree"
	"github.com/outpostdev/agentlens/gateway"
	"github.com/outpostdev/agentlens/hashkit"
	"github.com/outpostdev/agentlens/logging"
	"github.com/outpostdev/agentlens/schema"
	"github.com/outpostdev/agentlens/tokens"
)

// PartKind tags one piece of host-facing output.
type PartKind string

const (
	PartText     PartKind = "text"
	PartData     PartKind = "data"
	PartToolCall PartKind = "tool-call"
	PartError    PartKind = "error"
)

// ResponsePart is one unit of output reported to the host.
type ResponsePart struct {
	Kind PartKind

	Text string

	MediaType string
	Data      []byte
	JSON      any

	ToolCallID   string
	ToolCallName string
	ToolCallArgs json.RawMessage
}

// UsageEvent is surfaced to the presenter on a successful finish.
type UsageEvent struct {
	InputTokens    int
	OutputTokens   int
	MaxInputTokens int
	ModelID        string
	AppliedEdits   []gateway.AppliedEdit
}

// HostSink receives everything ChatSession reports outward.
type HostSink interface {
	EmitPart(ResponsePart)
	EmitUsageEvent(UsageEvent)
	NotifyModelsChanged()
}

// Credentials is the minimal shape ChatSession needs from the host's
// credential collaborator.
type Credentials struct {
	APIKey string
}

// CredentialsProvider obtains credentials for a request; ok is false when
// none are available.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (Credentials, bool)
}

// Request is one incoming chat request.
type Request struct {
	RequestID      string
	Messages       []schema.Message
	Tools          []schema.ToolSpec
	ModelID        string
	ModelFamily    string
	ConversationID string
	MaxInputTokens int

	ModelDerivedName string

	// Cancel, if non-nil, is closed by the host to cancel this request.
	Cancel <-chan struct{}
}

const (
	defaultTemperature     = 0.1
	defaultTopP            = 1.0
	defaultMaxOutputTokens = 16384
	defaultTimeout         = 60 * time.Second
)

// Session is ChatSession. One Session instance is normally shared across
// requests in a host window; its correction factor is scoped to the
// instance, not process-wide (see DESIGN.md's Open Questions).
type Session struct {
	Tree      *agenttree.Tree
	Estimator *tokens.Estimator
	Client    gateway.Client
	Creds     CredentialsProvider
	Sink      HostSink
	Cache     *tokens.MessageTokenCache
	Log       *logging.Logger

	// SupportsThinking gates whether reasoning-delta chunks produce host
	// output; hosts without a thinking-part surface should set this false.
	SupportsThinking bool

	mu               sync.Mutex
	correctionFactor float64
}

// NewSession wires a ChatSession from its collaborators.
func NewSession(tree *agenttree.Tree, estimator *tokens.Estimator, client gateway.Client, creds CredentialsProvider, sink HostSink, cache *tokens.MessageTokenCache, log *logging.Logger) *Session {
	return &Session{
		Tree:             tree,
		Estimator:        estimator,
		Client:           client,
		Creds:            creds,
		Sink:             sink,
		Cache:            cache,
		Log:              log,
		SupportsThinking: true,
		correctionFactor: 1.0,
	}
}

func shortSHA(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

func systemPromptText(messages []schema.Message) string {
	for _, m := range messages {
		if m.Role == schema.RoleSystem {
			return m.TextContent()
		}
	}
	return ""
}

func firstUserText(messages []schema.Message) string {
	for _, m := range messages {
		if m.Role == schema.RoleUser {
			return m.FirstText()
		}
	}
	return ""
}

func toolNames(tools []schema.ToolSpec) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// Run executes the full per-request flow: estimate, start the agent, open
// the gateway stream, translate chunks to host parts, and finalize. It
// returns once the request has completed, errored, or been cancelled;
// cancellation is not reported as an error.
func (s *Session) Run(ctx context.Context, req Request) error {
	chatID := "chat-" + shortSHA(serializeForID(req.Messages)) + "-" + uuid.NewString()
	_ = chatID // computed but not used further by Run

	systemText := systemPromptText(req.Messages)
	spHash := hashkit.SystemPromptHash(systemText)
	tsHash := hashkit.ToolSetHash(toolNames(req.Tools))
	atHash := hashkit.AgentTypeHash(spHash, tsHash)
	fuHash := hashkit.FirstUserMessageHash(firstUserText(req.Messages))

	messageHashes := make([]hashkit.Digest, len(req.Messages))
	for i, m := range req.Messages {
		messageHashes[i] = hashkit.MessageHash(m)
	}

	convEst := s.Estimator.EstimateConversation(req.Messages, messageHashes, req.ModelFamily, req.ConversationID)
	toolsTokens := s.Estimator.CountToolsTokens(req.Tools, req.ModelFamily)
	sysTokens := s.Estimator.CountSystemPromptTokens(systemText, req.ModelFamily)
	estimatedTotal := convEst.Tokens + toolsTokens + sysTokens

	if req.MaxInputTokens > 0 && float64(estimatedTotal) > 0.9*float64(req.MaxInputTokens) {
		s.logWarn("estimated input tokens exceed 90% of max", map[string]any{
			"estimated": estimatedTotal, "max": req.MaxInputTokens,
		})
	}

	canonicalID := s.Tree.StartAgent(agenttree.StartAgentParams{
		RequestID:            req.RequestID,
		EstimatedTokens:      estimatedTotal,
		MaxTokens:            req.MaxInputTokens,
		ModelID:              req.ModelID,
		SystemPromptHash:     spHash,
		AgentTypeHash:        atHash,
		FirstUserMessageHash: fuHash,
		ModelDerivedName:     req.ModelDerivedName,
	})

	// Credential injection into the transport itself happens at gateway
	// client construction time, outside ChatSession's scope; this call
	// only gates whether the request may proceed at all.
	if _, ok := s.Creds.Credentials(ctx); !ok {
		s.Tree.ErrorAgent(canonicalID)
		return &Error{Kind: KindAuthUnavailable, Msg: "no credentials available"}
	}

	streamCtx, cancelStream := context.WithTimeout(ctx, defaultTimeout)
	defer cancelStream()

	chunks, err := s.Client.Stream(streamCtx, req.ModelID, req.Messages, req.Tools, defaultMaxOutputTokens, defaultTemperature, defaultTopP)
	if err != nil {
		return s.handleTerminalError(canonicalID, messageHashes, nil, err.Error())
	}

	st := &requestState{
		buffer:       make(map[string]*toolBuffer),
		estimatedSum: float64(estimatedTotal),
	}

	for {
		select {
		case <-req.Cancel:
			cancelStream()
			// Drain until the goroutine behind chunks observes ctx.Done and
			// closes the channel, so no host-visible output escapes after
			// cancellation.
			for range chunks {
			}
			s.Tree.ErrorAgent(canonicalID)
			return nil
		case c, open := <-chunks:
			if !open {
				if !st.finished {
					// Stream closed without a finish chunk: treat as a
					// terminal transport error. If the transport sent a
					// ChunkError before closing, its message carries the
					// real failure (e.g. a token-limit-exceeded notice);
					// fall back to a generic message only if it didn't.
					message := st.lastErrorMessage
					if message == "" {
						message = "stream closed unexpectedly"
					}
					return s.handleTerminalError(canonicalID, messageHashes, st, message)
				}
				s.Tree.CompleteAgent(req.RequestID, agenttree.Usage{
					InputTokens:       st.usageInput,
					OutputTokens:      st.usageOutput,
					MaxInputTokens:    st.usageMaxInput,
					ModelID:           req.ModelID,
					ContextManagement: st.contextManagement(),
				}, st.assistantText.String())
				return nil
			}
			if c.Type == gateway.ChunkError {
				s.emitErrorOnce(st, c.ErrorMessage)
				continue
			}
			s.processChunk(st, c, req, messageHashes)
		}
	}
}

func serializeForID(messages []schema.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(m.TextContent())
	}
	return b.String()
}

type toolBuffer struct {
	name    string
	argsText strings.Builder
}

type requestState struct {
	buffer           map[string]*toolBuffer
	assistantText    strings.Builder
	emittedAny       bool
	finished         bool
	lastErrorMessage string

	estimatedSum  float64
	usageInput    int
	usageOutput   int
	usageMaxInput int
	appliedEdits  []gateway.AppliedEdit
}

func (st *requestState) contextManagement() *agenttree.ContextManagement {
	if len(st.appliedEdits) == 0 {
		return nil
	}
	edits := make([]agenttree.AppliedEdit, len(st.appliedEdits))
	for i, e := range st.appliedEdits {
		edits[i] = agenttree.AppliedEdit{Type: e.Type, ClearedToolUses: e.ClearedToolUses, ClearedThinking: e.ClearedThinking}
	}
	return &agenttree.ContextManagement{AppliedEdits: edits}
}

func (s *Session) emitErrorOnce(st *requestState, message string) {
	st.emittedAny = true
	st.lastErrorMessage = message
	s.Sink.EmitPart(ResponsePart{Kind: PartError, Text: "\n\n**Error:** " + message + "\n\n"})
}

// handleTerminalError finalizes a request that ended without a finish
// chunk. st may be nil if the stream never opened at all. It emits an
// error part only if nothing has been forwarded to the host yet for this
// request, so a ChunkError already surfaced via emitErrorOnce isn't
// followed by a second, spurious error part for the same failure.
func (s *Session) handleTerminalError(canonicalID string, messageHashes []hashkit.Digest, st *requestState, message string) error {
	s.Tree.ErrorAgent(canonicalID)
	if st == nil || !st.emittedAny {
		s.Sink.EmitPart(ResponsePart{Kind: PartError, Text: "\n\n**Error:** " + message + "\n\n"})
	}

	if _, ok := ParseTokenLimitExceeded(message); ok {
		fp := tokens.Fingerprint(messageHashes)
		s.Estimator.LearnTooLong(fp)
		s.Sink.NotifyModelsChanged()
		return &Error{Kind: KindTokenLimitExceeded, Msg: message}
	}
	return &Error{Kind: KindTransportError, Msg: message}
}

func (s *Session) logWarn(msg string, fields map[string]any) {
	if s.Log != nil {
		s.Log.Warn(msg, fields)
	}
}

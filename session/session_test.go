package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/outpostdev/agentlens/agenttree"
	"github.com/outpostdev/agentlens/convstate"
	"github.com/outpostdev/agentlens/gateway"
	"github.com/outpostdev/agentlens/hashkit"
	"github.com/outpostdev/agentlens/schema"
	"github.com/outpostdev/agentlens/tokens"
)

type fakeClient struct {
	chunks []gateway.Chunk
}

func (f *fakeClient) Stream(ctx context.Context, modelID string, messages []schema.Message, tools []schema.ToolSpec, maxOutputTokens int, temperature, topP float64) (<-chan gateway.Chunk, error) {
	out := make(chan gateway.Chunk, len(f.chunks))
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
		if len(f.chunks) == 0 {
			// Mimics a real transport: stays open (no finish) until the
			// caller cancels, so cancellation tests can rely on the
			// cancel branch being the only ready case.
			<-ctx.Done()
		}
	}()
	return out, nil
}

type fakeCreds struct{ ok bool }

func (f fakeCreds) Credentials(context.Context) (Credentials, bool) {
	if !f.ok {
		return Credentials{}, false
	}
	return Credentials{APIKey: "test-key"}, true
}

type fakeSink struct {
	mu             sync.Mutex
	parts          []ResponsePart
	usageEvents    []UsageEvent
	modelsChanged  int
}

func (s *fakeSink) EmitPart(p ResponsePart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts = append(s.parts, p)
}

func (s *fakeSink) EmitUsageEvent(u UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageEvents = append(s.usageEvents, u)
}

func (s *fakeSink) NotifyModelsChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelsChanged++
}

func textMessage(role schema.Role, text string) schema.Message {
	return schema.Message{Role: role, Parts: []schema.Part{{Type: schema.PartText, Text: text}}}
}

func newTestSession(client gateway.Client, sink *fakeSink, credsOK bool) *Session {
	tree := agenttree.New()
	est := tokens.NewEstimator(convstate.NewStore())
	return NewSession(tree, est, client, fakeCreds{ok: credsOK}, sink, tokens.NewMessageTokenCache(), nil)
}

func TestRunStreamsTextDeltasAndCompletesExactlyOnce(t *testing.T) {
	client := &fakeClient{chunks: []gateway.Chunk{
		{Type: gateway.ChunkTextDelta, TextDelta: "hello "},
		{Type: gateway.ChunkTextDelta, TextDelta: "world"},
		{Type: gateway.ChunkFinish, TotalUsage: &gateway.Usage{InputTokens: 100, OutputTokens: 10}},
	}}
	sink := &fakeSink{}
	sess := newTestSession(client, sink, true)
	defer sess.Tree.Dispose()

	req := Request{
		RequestID:   "r1",
		Messages:    []schema.Message{textMessage(schema.RoleSystem, "you are helpful"), textMessage(schema.RoleUser, "hi")},
		ModelID:     "openai:gpt-4o",
		ModelFamily: "gpt-4o",
	}
	if err := sess.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var textParts int
	for _, p := range sink.parts {
		if p.Kind == PartText {
			textParts++
		}
	}
	if textParts != 2 {
		t.Fatalf("expected 2 text parts, got %d", textParts)
	}
	if len(sink.usageEvents) != 1 {
		t.Fatalf("expected exactly one usage event, got %d", len(sink.usageEvents))
	}

	main, ok := sess.Tree.MainAgent()
	if !ok || main.Status != agenttree.StatusComplete {
		t.Fatalf("expected main agent complete, got %+v ok=%v", main, ok)
	}
}

func TestRunBuffersStreamingToolCallsAcrossDeltas(t *testing.T) {
	client := &fakeClient{chunks: []gateway.Chunk{
		{Type: gateway.ChunkToolCallStreamingStart, ToolCallID: "tc1", ToolCallName: "search"},
		{Type: gateway.ChunkToolCallDelta, ToolCallID: "tc1", ArgsTextDelta: `{"query":`},
		{Type: gateway.ChunkToolCallDelta, ToolCallID: "tc1", ArgsTextDelta: `"golang"}`},
		{Type: gateway.ChunkToolCall, ToolCallID: "tc1", ToolCallName: "search"},
		{Type: gateway.ChunkFinish},
	}}
	sink := &fakeSink{}
	sess := newTestSession(client, sink, true)
	defer sess.Tree.Dispose()

	req := Request{
		RequestID: "r1",
		Messages:  []schema.Message{textMessage(schema.RoleUser, "find something")},
		ModelID:   "openai:gpt-4o",
	}
	if err := sess.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var toolParts []ResponsePart
	for _, p := range sink.parts {
		if p.Kind == PartToolCall {
			toolParts = append(toolParts, p)
		}
	}
	if len(toolParts) != 1 {
		t.Fatalf("expected exactly one assembled tool-call part, got %d", len(toolParts))
	}
	var args map[string]string
	if err := json.Unmarshal(toolParts[0].ToolCallArgs, &args); err != nil {
		t.Fatalf("failed to parse assembled tool-call args: %v", err)
	}
	if args["query"] != "golang" {
		t.Fatalf("expected buffered args to assemble to the full JSON, got %+v", args)
	}
}

func TestRunFlushesUnclosedToolCallBufferOnFinish(t *testing.T) {
	client := &fakeClient{chunks: []gateway.Chunk{
		{Type: gateway.ChunkToolCallStreamingStart, ToolCallID: "tc1", ToolCallName: "search"},
		{Type: gateway.ChunkToolCallDelta, ToolCallID: "tc1", ArgsTextDelta: `{"q":"x"}`},
		{Type: gateway.ChunkFinish},
	}}
	sink := &fakeSink{}
	sess := newTestSession(client, sink, true)
	defer sess.Tree.Dispose()

	req := Request{RequestID: "r1", Messages: []schema.Message{textMessage(schema.RoleUser, "hi")}, ModelID: "m"}
	if err := sess.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var toolParts int
	for _, p := range sink.parts {
		if p.Kind == PartToolCall {
			toolParts++
		}
	}
	if toolParts != 1 {
		t.Fatalf("expected the unclosed buffered tool call to be flushed on finish, got %d parts", toolParts)
	}
}

func TestRunReturnsAuthUnavailableWithoutCredentials(t *testing.T) {
	client := &fakeClient{}
	sink := &fakeSink{}
	sess := newTestSession(client, sink, false)
	defer sess.Tree.Dispose()

	req := Request{RequestID: "r1", Messages: []schema.Message{textMessage(schema.RoleUser, "hi")}, ModelID: "m"}
	err := sess.Run(context.Background(), req)
	if !IsAuthUnavailable(err) {
		t.Fatalf("expected AuthUnavailable, got %v", err)
	}
}

func TestRunEmitsErrorPartAndLearnsTooLongOnTokenLimitExceeded(t *testing.T) {
	errMsg := "150000 tokens > 128000 maximum"
	client := &fakeClient{chunks: []gateway.Chunk{
		{Type: gateway.ChunkError, ErrorMessage: errMsg},
	}}
	sink := &fakeSink{}
	sess := newTestSession(client, sink, true)
	defer sess.Tree.Dispose()

	messages := []schema.Message{textMessage(schema.RoleUser, "hi")}
	req := Request{RequestID: "r1", Messages: messages, ModelID: "m", ModelFamily: "fam"}

	messageHashes := make([]hashkit.Digest, len(messages))
	for i, m := range messages {
		messageHashes[i] = hashkit.MessageHash(m)
	}
	fingerprint := tokens.Fingerprint(messageHashes)
	before := sess.Estimator.EstimateMessage("some text", "fam", fingerprint)

	err := sess.Run(context.Background(), req)
	if !IsTokenLimitExceeded(err) {
		t.Fatalf("expected IsTokenLimitExceeded(err) to be true, got %v", err)
	}

	var errorParts []ResponsePart
	for _, p := range sink.parts {
		if p.Kind == PartError {
			errorParts = append(errorParts, p)
		}
	}
	if len(errorParts) != 1 {
		t.Fatalf("expected exactly one error part, got %d: %+v", len(errorParts), errorParts)
	}
	if !strings.Contains(errorParts[0].Text, errMsg) {
		t.Fatalf("expected the error part to carry the real transport message %q, got %q", errMsg, errorParts[0].Text)
	}

	after := sess.Estimator.EstimateMessage("some text", "fam", fingerprint)
	if after <= before {
		t.Fatalf("expected a learned too-long bias to inflate estimates after the failure: before=%d after=%d", before, after)
	}
}

func TestRunCancellationEmitsNoErrorPart(t *testing.T) {
	client := &fakeClient{}
	sink := &fakeSink{}
	sess := newTestSession(client, sink, true)
	defer sess.Tree.Dispose()

	cancel := make(chan struct{})
	close(cancel)

	req := Request{RequestID: "r1", Messages: []schema.Message{textMessage(schema.RoleUser, "hi")}, ModelID: "m", Cancel: cancel}
	if err := sess.Run(context.Background(), req); err != nil {
		t.Fatalf("expected cancellation to return nil error, got %v", err)
	}

	for _, p := range sink.parts {
		if p.Kind == PartError {
			t.Fatalf("expected no error part on cancellation")
		}
	}
}

package session

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/outpostdev/agentlens/gateway"
	"github.com/outpostdev/agentlens/hashkit"
	"github.com/outpostdev/agentlens/tokens"
)

// processChunk translates one streamed gateway.Chunk into host-facing
// output. req and messageHashes are only needed by the finish case, to
// record actual tokens and update the correction factor.
func (s *Session) processChunk(st *requestState, c gateway.Chunk, req Request, messageHashes []hashkit.Digest) {
	switch c.Type {
	case gateway.ChunkTextDelta:
		st.emittedAny = true
		st.assistantText.WriteString(c.TextDelta)
		s.Sink.EmitPart(ResponsePart{Kind: PartText, Text: c.TextDelta})

	case gateway.ChunkReasoningDelta:
		if !s.SupportsThinking {
			return
		}
		st.emittedAny = true
		s.Sink.EmitPart(ResponsePart{Kind: PartText, Text: c.TextDelta})

	case gateway.ChunkFile:
		s.emitFile(st, c)

	case gateway.ChunkToolCallStreamingStart:
		st.buffer[c.ToolCallID] = &toolBuffer{name: c.ToolCallName}

	case gateway.ChunkToolCallDelta:
		if b, ok := st.buffer[c.ToolCallID]; ok {
			b.argsText.WriteString(c.ArgsTextDelta)
		}

	case gateway.ChunkToolCall:
		s.emitToolCall(st, c.ToolCallID, c.ToolCallName, c.Args)

	case gateway.ChunkFinish:
		s.handleFinish(st, c, req, messageHashes)

	case gateway.ChunkAbort:
		st.buffer = make(map[string]*toolBuffer)

	default:
		if gateway.IsIgnoredNoOutput(c.Type) || gateway.IsSilentlyIgnoredUnknown(c.Type) {
			return
		}
		s.logWarn("unrecognized gateway chunk type", map[string]any{"type": string(c.Type)})
	}
}

func (s *Session) emitFile(st *requestState, c gateway.Chunk) {
	if !gateway.ValidMediaType(c.FileMediaType) {
		s.logWarn("rejected file chunk with invalid media type", map[string]any{"mediaType": c.FileMediaType})
		return
	}
	st.emittedAny = true

	data := c.FileBytes
	if len(data) == 0 && c.FileBase64 != "" {
		if decoded, err := base64.StdEncoding.DecodeString(c.FileBase64); err == nil {
			data = decoded
		}
	}

	switch {
	case strings.HasPrefix(c.FileMediaType, "image/"):
		s.Sink.EmitPart(ResponsePart{Kind: PartData, MediaType: c.FileMediaType, Data: data})
	case c.FileMediaType == "application/json" || strings.HasSuffix(c.FileMediaType, "+json"):
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			s.logWarn("failed to parse json file chunk", map[string]any{"error": err.Error()})
			return
		}
		s.Sink.EmitPart(ResponsePart{Kind: PartData, MediaType: c.FileMediaType, JSON: parsed})
	case strings.HasPrefix(c.FileMediaType, "text/") || c.FileMediaType == "application/xml" || strings.HasSuffix(c.FileMediaType, "+xml"):
		s.Sink.EmitPart(ResponsePart{Kind: PartData, MediaType: c.FileMediaType, Text: string(data)})
	default:
		s.Sink.EmitPart(ResponsePart{Kind: PartData, MediaType: c.FileMediaType, Data: data})
	}
}

func (s *Session) emitToolCall(st *requestState, id, name string, args json.RawMessage) {
	finalArgs := args
	if len(finalArgs) == 0 {
		if b, ok := st.buffer[id]; ok {
			finalArgs = []byte(b.argsText.String())
			if name == "" {
				name = b.name
			}
		}
	}
	delete(st.buffer, id)

	if len(finalArgs) == 0 {
		finalArgs = []byte("{}")
	}
	var probe any
	if err := json.Unmarshal(finalArgs, &probe); err != nil {
		s.logWarn("failed to parse tool call arguments, substituting {}", map[string]any{"toolCallId": id, "error": err.Error()})
		finalArgs = []byte("{}")
	}

	st.emittedAny = true
	s.Sink.EmitPart(ResponsePart{Kind: PartToolCall, ToolCallID: id, ToolCallName: name, ToolCallArgs: finalArgs})
}

func (s *Session) handleFinish(st *requestState, c gateway.Chunk, req Request, messageHashes []hashkit.Digest) {
	st.finished = true

	// (a) flush any remaining buffered tool calls.
	for id, b := range st.buffer {
		s.emitToolCall(st, id, b.name, nil)
	}

	// (b) a successful finish clears any learned too-long bias.
	fp := tokens.Fingerprint(messageHashes)
	s.Estimator.ClearLearnedBias(fp)

	if c.TotalUsage != nil {
		st.usageInput = c.TotalUsage.InputTokens
		st.usageOutput = c.TotalUsage.OutputTokens
		st.usageMaxInput = c.TotalUsage.MaxInputTokens
		st.appliedEdits = c.AppliedEdits

		if c.TotalUsage.InputTokens > 0 {
			// (c) distribute the actual total across messages proportional
			// to their estimates, record the ground truth, and nudge the
			// correction factor toward actual/estimated with a 0.7/0.3 EMA.
			estimates := make([]int, len(req.Messages))
			for i := range req.Messages {
				estimates[i] = s.Estimator.EstimateMessage(req.Messages[i].TextContent(), req.ModelFamily, fp)
			}
			tokens.DistributeActual(c.TotalUsage.InputTokens, estimates, messageHashes, req.ModelFamily, s.Cache)
			s.Estimator.RecordActual(messageHashes, req.ModelFamily, c.TotalUsage.InputTokens, req.ConversationID)

			if st.estimatedSum > 0 {
				newFactor := float64(c.TotalUsage.InputTokens) / st.estimatedSum
				s.mu.Lock()
				s.correctionFactor = 0.7*s.correctionFactor + 0.3*newFactor
				s.mu.Unlock()
			}
		}
	}

	// (d) surface usage to the presenter.
	s.Sink.EmitUsageEvent(UsageEvent{
		InputTokens:    st.usageInput,
		OutputTokens:   st.usageOutput,
		MaxInputTokens: st.usageMaxInput,
		ModelID:        req.ModelID,
		AppliedEdits:   st.appliedEdits,
	})
}

// CorrectionFactor returns the session's current EMA-smoothed
// actual/estimated correction factor.
func (s *Session) CorrectionFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.correctionFactor
}

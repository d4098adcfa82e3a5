package gateway

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/voocel/litellm"
	"github.com/voocel/litellm/providers"

	"github.com/outpostdev/agentlens/schema"
)

// Client streams a chat completion and translates provider chunks into the
// gateway.Chunk union.
type Client interface {
	Stream(ctx context.Context, modelID string, messages []schema.Message, tools []schema.ToolSpec, maxOutputTokens int, temperature, topP float64) (<-chan Chunk, error)
}

// LiteLLMClient adapts litellm to Client. Grounded on llm/litellm.go's
// LiteLLMAdapter.GenerateStream: same per-index tool-call-builder buffering
// pattern, generalized to emit the gateway chunk union instead of the
// teacher's fixed StreamEvent type.
type LiteLLMClient struct {
	client *litellm.Client
	model  string
}

// NewLiteLLMClient creates a LiteLLMClient from a configured provider.
func NewLiteLLMClient(model string, provider providers.Provider, opts ...litellm.ClientOption) (*LiteLLMClient, error) {
	client, err := litellm.New(provider, opts...)
	if err != nil {
		return nil, err
	}
	return &LiteLLMClient{client: client, model: model}, nil
}

// NewOpenAIClient builds a LiteLLMClient against OpenAI.
func NewOpenAIClient(model, apiKey, baseURL string) (*LiteLLMClient, error) {
	cfg := providers.ProviderConfig{APIKey: apiKey}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewLiteLLMClient(model, providers.NewOpenAI(cfg))
}

// NewAnthropicClient builds a LiteLLMClient against Anthropic.
func NewAnthropicClient(model, apiKey, baseURL string) (*LiteLLMClient, error) {
	cfg := providers.ProviderConfig{APIKey: apiKey}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewLiteLLMClient(model, providers.NewAnthropic(cfg))
}

// NewGeminiClient builds a LiteLLMClient against Gemini.
func NewGeminiClient(model, apiKey, baseURL string) (*LiteLLMClient, error) {
	cfg := providers.ProviderConfig{APIKey: apiKey}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewLiteLLMClient(model, providers.NewGemini(cfg))
}

func toLiteLLMMessages(messages []schema.Message) []litellm.Message {
	out := make([]litellm.Message, len(messages))
	for i, m := range messages {
		lm := litellm.Message{Role: string(m.Role), Content: m.TextContent()}
		if m.Role == schema.RoleTool {
			if id, ok := m.Metadata["tool_call_id"].(string); ok {
				lm.ToolCallID = id
			}
		}
		if calls := m.ToolCalls(); len(calls) > 0 {
			lm.ToolCalls = make([]litellm.ToolCall, len(calls))
			for j, c := range calls {
				lm.ToolCalls[j] = litellm.ToolCall{
					ID:   c.ID,
					Type: "function",
					Function: litellm.FunctionCall{
						Name:      c.Name,
						Arguments: string(c.Args),
					},
				}
			}
		}
		out[i] = lm
	}
	return out
}

func toLiteLLMTools(tools []schema.ToolSpec) []litellm.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]litellm.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		out = append(out, litellm.Tool{
			Type: "function",
			Function: litellm.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// Stream opens a streaming call and returns a channel of gateway.Chunk,
// closed once the provider stream ends (whether by finish or error).
func (c *LiteLLMClient) Stream(ctx context.Context, modelID string, messages []schema.Message, tools []schema.ToolSpec, maxOutputTokens int, temperature, topP float64) (<-chan Chunk, error) {
	model := c.model
	if modelID != "" {
		model = modelID
	}

	req := &litellm.Request{
		Model:       model,
		Messages:    toLiteLLMMessages(messages),
		Temperature: &temperature,
		MaxTokens:   &maxOutputTokens,
	}
	if ltTools := toLiteLLMTools(tools); len(ltTools) > 0 {
		req.Tools = ltTools
		req.ToolChoice = "auto"
	}

	stream, err := c.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		defer stream.Close()

		builders := make(map[int]*toolCallBuilder)
		started := make(map[int]bool)
		var lastUsage *Usage

		for {
			chunk, err := stream.Next()
			if err != nil {
				if err == io.EOF {
					break
				}
				out <- Chunk{Type: ChunkError, ErrorMessage: err.Error()}
				return
			}
			if chunk == nil {
				continue
			}

			if chunk.Reasoning != nil && chunk.Reasoning.Content != "" {
				out <- Chunk{Type: ChunkReasoningDelta, TextDelta: chunk.Reasoning.Content}
			}
			if chunk.Content != "" {
				out <- Chunk{Type: ChunkTextDelta, TextDelta: chunk.Content}
			}
			if chunk.ToolCallDelta != nil {
				d := chunk.ToolCallDelta
				b, exists := builders[d.Index]
				if !exists {
					b = &toolCallBuilder{}
					builders[d.Index] = b
				}
				if d.ID != "" {
					b.id = d.ID
				}
				if d.FunctionName != "" {
					b.name = d.FunctionName
				}
				if !started[d.Index] {
					started[d.Index] = true
					out <- Chunk{Type: ChunkToolCallStreamingStart, ToolCallID: b.id, ToolCallName: b.name}
				}
				if d.ArgumentsDelta != "" {
					b.args.WriteString(d.ArgumentsDelta)
					out <- Chunk{Type: ChunkToolCallDelta, ToolCallID: b.id, ArgsTextDelta: d.ArgumentsDelta}
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				lastUsage = &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
			}
		}

		for _, idx := range sortedKeys(builders) {
			b := builders[idx]
			out <- Chunk{Type: ChunkToolCall, ToolCallID: b.id, ToolCallName: b.name, Args: []byte(b.args.String())}
		}

		out <- Chunk{Type: ChunkFinish, TotalUsage: lastUsage}
	}()

	return out, nil
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

func sortedKeys(m map[int]*toolCallBuilder) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

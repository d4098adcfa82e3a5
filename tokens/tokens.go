// Package tokens implements TokenEstimator: per-message and per-conversation
// input token estimation with an exact/prefix/full source tag, schema
// overhead accounting for tool definitions and system prompts, and the
// "input too long" learned-bias correction applied per conversation
// fingerprint until the next successful request discharges it.
//
// Grounded on memory/token.go's EstimateTokens (chars/4 fallback) and
// EstimateContextTokens (hybrid known-usage + estimated-trailing-delta),
// generalized here via a pluggable Tokenizer interface per model family
// instead of a single hardcoded heuristic, and layered on convstate.Store
// instead of a raw last-message Usage lookup.
package tokens

import (
	"sort"
	"strings"
	"sync"

	"github.com/outpostdev/agentlens/convstate"
	"github.com/outpostdev/agentlens/hashkit"
	"github.com/outpostdev/agentlens/schema"
)

// Source tags how an estimate was produced.
type Source string

const (
	SourceExact Source = "exact"
	SourceDelta Source = "delta"
	SourceFull  Source = "full"
)

// Tokenizer counts tokens for a specific model family. Estimator falls back
// to a chars/4 heuristic for families with no registered Tokenizer.
type Tokenizer interface {
	Count(text string) int
}

// charsPerToken is the fallback heuristic when no Tokenizer is registered
// for a model family.
const charsPerToken = 4

type fallbackTokenizer struct{}

func (fallbackTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// ConversationEstimate is the result of EstimateConversation.
type ConversationEstimate struct {
	Tokens          int
	Source          Source
	KnownTokens      int
	EstimatedTokens  int
	NewMessageCount int
}

// learnedBias is the "input too long" correction for one coarse conversation
// fingerprint: a multiplier applied to per-message estimates until the
// conversation resolves successfully or the fingerprint changes.
type learnedBias struct {
	multiplier float64
}

// Estimator is TokenEstimator. One Estimator is normally shared by a
// ChatSession process; ConversationState access is safe for concurrent use.
type Estimator struct {
	state *convstate.Store

	mu          sync.Mutex
	tokenizers  map[string]Tokenizer
	learned     map[string]learnedBias
}

// NewEstimator creates an Estimator backed by the given ConversationState
// store. Pass convstate.NewStore() for a fresh, unshared store.
func NewEstimator(state *convstate.Store) *Estimator {
	return &Estimator{
		state:      state,
		tokenizers: make(map[string]Tokenizer),
		learned:    make(map[string]learnedBias),
	}
}

// RegisterTokenizer installs a precise Tokenizer for a model family,
// overriding the chars/4 fallback for that family.
func (e *Estimator) RegisterTokenizer(modelFamily string, t Tokenizer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokenizers[modelFamily] = t
}

func (e *Estimator) tokenizerFor(modelFamily string) Tokenizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tokenizers[modelFamily]; ok {
		return t
	}
	return fallbackTokenizer{}
}

// EstimateMessage returns the estimated token count for one message's text
// content under modelFamily, applying any active learned too-long bias for
// the given conversation fingerprint.
func (e *Estimator) EstimateMessage(text string, modelFamily string, fingerprint string) int {
	base := e.tokenizerFor(modelFamily).Count(text)
	if fingerprint != "" {
		e.mu.Lock()
		bias, ok := e.learned[fingerprint]
		e.mu.Unlock()
		if ok {
			return int(float64(base) * bias.multiplier)
		}
	}
	return base
}

// EstimateConversation consults ConversationState for an exact, prefix, or
// no match against messageHashes, and returns a tagged estimate.
func (e *Estimator) EstimateConversation(messages []schema.Message, messageHashes []hashkit.Digest, modelFamily, conversationID string) ConversationEstimate {
	lookup := e.state.Lookup(messageHashes, modelFamily, conversationID)
	fingerprint := Fingerprint(messageHashes)

	switch lookup.Kind {
	case convstate.KindExact:
		return ConversationEstimate{
			Tokens:          lookup.KnownTokens,
			Source:          SourceExact,
			KnownTokens:     lookup.KnownTokens,
			NewMessageCount: 0,
		}
	case convstate.KindPrefix:
		estimated := 0
		for _, idx := range lookup.NewMessageIndices {
			estimated += e.EstimateMessage(messages[idx].TextContent(), modelFamily, fingerprint)
		}
		estimated += 4 * lookup.NewMessageCount
		return ConversationEstimate{
			Tokens:          lookup.KnownTokens + estimated,
			Source:          SourceDelta,
			KnownTokens:     lookup.KnownTokens,
			EstimatedTokens: estimated,
			NewMessageCount: lookup.NewMessageCount,
		}
	default:
		estimated := 0
		for _, m := range messages {
			estimated += e.EstimateMessage(m.TextContent(), modelFamily, fingerprint)
		}
		estimated += 4 * len(messages)
		return ConversationEstimate{
			Tokens:          estimated,
			Source:          SourceFull,
			EstimatedTokens: estimated,
			NewMessageCount: len(messages),
		}
	}
}

// CountToolsTokens estimates the schema overhead of forwarding tool
// definitions to the gateway.
func (e *Estimator) CountToolsTokens(tools []schema.ToolSpec, modelFamily string) int {
	tok := e.tokenizerFor(modelFamily)
	sum := 0
	for _, t := range tools {
		sum += tok.Count(t.Name + t.Description + schemaText(t.Parameters))
	}
	return 16 + 8*len(tools) + int(1.1*float64(sum))
}

// CountSystemPromptTokens estimates the token cost of a system prompt,
// including its fixed structural overhead.
func (e *Estimator) CountSystemPromptTokens(text, modelFamily string) int {
	return e.tokenizerFor(modelFamily).Count(text) + 28
}

// RecordActual forwards an observed ground-truth token total to
// ConversationState and clears any learned too-long bias for the matching
// fingerprint, since a successful request means any earlier too-long bias
// no longer applies.
func (e *Estimator) RecordActual(messageHashes []hashkit.Digest, modelFamily string, actualTokens int, conversationID string) {
	e.state.RecordActual(messageHashes, modelFamily, actualTokens, conversationID)
	e.ClearLearnedBias(Fingerprint(messageHashes))
}

// LearnTooLong records a 1.5x learned bias for fingerprint, applied by
// EstimateMessage until RecordActual clears it or the fingerprint changes.
func (e *Estimator) LearnTooLong(fingerprint string) {
	if fingerprint == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.learned[fingerprint] = learnedBias{multiplier: 1.5}
}

// ClearLearnedBias discards any learned bias for fingerprint.
func (e *Estimator) ClearLearnedBias(fingerprint string) {
	if fingerprint == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.learned, fingerprint)
}

// Fingerprint computes the coarse conversation fingerprint used to key
// learned too-long biases: the first two and last two message hashes,
// joined. Conversations shorter than four messages use every hash they have.
func Fingerprint(messageHashes []hashkit.Digest) string {
	n := len(messageHashes)
	if n == 0 {
		return ""
	}
	var parts []hashkit.Digest
	if n <= 4 {
		parts = messageHashes
	} else {
		parts = append(parts, messageHashes[0], messageHashes[1])
		parts = append(parts, messageHashes[n-2], messageHashes[n-1])
	}
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = string(p)
	}
	return strings.Join(strs, "|")
}

// MessageTokenCache is the process-wide, pure-additive cache of per-message
// actual token counts keyed by (modelFamily, messageDigest), populated by
// DistributeActual. Entries are never removed.
type MessageTokenCache struct {
	mu      sync.RWMutex
	entries map[string]int
}

// NewMessageTokenCache creates an empty cache.
func NewMessageTokenCache() *MessageTokenCache {
	return &MessageTokenCache{entries: make(map[string]int)}
}

func cacheKey(modelFamily string, digest hashkit.Digest) string {
	return modelFamily + ":" + string(digest)
}

// Get returns the cached actual token count for a message, if known.
func (c *MessageTokenCache) Get(modelFamily string, digest hashkit.Digest) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[cacheKey(modelFamily, digest)]
	return v, ok
}

// Set records an actual token count for a message.
func (c *MessageTokenCache) Set(modelFamily string, digest hashkit.Digest, tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(modelFamily, digest)] = tokens
}

// DistributeActual splits a known total actual token count across messages
// in proportion to their individual estimates, fixing integer rounding drift
// onto the last message so the parts sum exactly to total, and records each
// share into cache. Used by ChatSession on a successful finish to turn one
// totalUsage.inputTokens figure into per-message actuals.
func DistributeActual(total int, estimates []int, digests []hashkit.Digest, modelFamily string, cache *MessageTokenCache) []int {
	n := len(estimates)
	out := make([]int, n)
	if n == 0 {
		return out
	}
	estSum := 0
	for _, e := range estimates {
		estSum += e
	}
	if estSum == 0 {
		base := total / n
		for i := range out {
			out[i] = base
		}
		out[n-1] += total - base*n
	} else {
		allocated := 0
		for i := 0; i < n-1; i++ {
			share := total * estimates[i] / estSum
			out[i] = share
			allocated += share
		}
		out[n-1] = total - allocated
	}
	if cache != nil {
		for i, d := range digests {
			cache.Set(modelFamily, d, out[i])
		}
	}
	return out
}

// schemaText renders a tool parameter schema map into stable text for token
// counting purposes. Key order is sorted so the count is deterministic.
func schemaText(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(stringify(params[k]))
		b.WriteString(" ")
	}
	return b.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		return schemaText(t)
	case []any:
		var b strings.Builder
		for _, e := range t {
			b.WriteString(stringify(e))
			b.WriteString(",")
		}
		return b.String()
	default:
		return ""
	}
}

// Package convstate implements ConversationState: a per-(model-family,
// conversation-id) record of message hashes and the last known actual input
// token total, used by tokens.Estimator to tell an exact replay apart from a
// prefix extension or a wholly unseen message sequence.
//
// Grounded on memory/token.go's EstimateContextTokens: that function
// already walks backward to the last point where a real usage figure is
// known and treats everything after it as an estimated delta — the same
// "known prefix + fresh tail" shape this package generalizes into an
// explicit exact/prefix/none lookup keyed by conversation identity instead
// of "last assistant message with Usage".
package convstate

import (
	"sync"
	"time"

	"github.com/outpostdev/agentlens/hashkit"
)

// Record is the stored state for one conversation key.
type Record struct {
	MessageHashes []hashkit.Digest
	ActualTokens  int
	ModelFamily   string
	Timestamp     time.Time
}

// Kind tags the result of Lookup.
type Kind int

const (
	KindNone Kind = iota
	KindExact
	KindPrefix
)

// LookupResult is returned by Lookup.
type LookupResult struct {
	Kind Kind

	// KnownTokens is the actual token total recorded for the matched prefix
	// or exact sequence. Zero value when Kind == KindNone.
	KnownTokens int

	// NewMessageCount and NewMessageIndices describe the tail of the current
	// sequence not covered by the stored record. Empty when Kind != KindPrefix.
	NewMessageCount  int
	NewMessageIndices []int
}

// Store holds ConversationState records, keyed by "modelFamily[:conversationId]".
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

func key(modelFamily, conversationID string) string {
	if conversationID == "" {
		return modelFamily
	}
	return modelFamily + ":" + conversationID
}

// RecordActual stores (replacing any prior record for the key) the hash
// list and actual token total observed from a successful API reply.
func (s *Store) RecordActual(messageHashes []hashkit.Digest, modelFamily string, actualTokens int, conversationID string) {
	rec := Record{
		MessageHashes: append([]hashkit.Digest(nil), messageHashes...),
		ActualTokens:  actualTokens,
		ModelFamily:   modelFamily,
		Timestamp:     time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key(modelFamily, conversationID)] = rec
}

// Lookup compares the current message hash sequence against the stored
// record for this key and classifies the relationship as exact, prefix, or
// none.
func (s *Store) Lookup(currentHashes []hashkit.Digest, modelFamily, conversationID string) LookupResult {
	s.mu.RLock()
	rec, ok := s.records[key(modelFamily, conversationID)]
	s.mu.RUnlock()
	if !ok {
		return LookupResult{Kind: KindNone}
	}

	if len(rec.MessageHashes) == len(currentHashes) {
		if hashesEqual(rec.MessageHashes, currentHashes) {
			return LookupResult{Kind: KindExact, KnownTokens: rec.ActualTokens}
		}
		return LookupResult{Kind: KindNone}
	}

	if len(rec.MessageHashes) < len(currentHashes) && hashesEqual(rec.MessageHashes, currentHashes[:len(rec.MessageHashes)]) {
		tailLen := len(currentHashes) - len(rec.MessageHashes)
		indices := make([]int, tailLen)
		for i := range indices {
			indices[i] = len(rec.MessageHashes) + i
		}
		return LookupResult{
			Kind:              KindPrefix,
			KnownTokens:       rec.ActualTokens,
			NewMessageCount:   tailLen,
			NewMessageIndices: indices,
		}
	}

	return LookupResult{Kind: KindNone}
}

func hashesEqual(a, b []hashkit.Digest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

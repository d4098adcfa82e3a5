// Package claims implements ClaimRegistry: short-lived records created when
// a parent agent invokes a sub-agent tool, matched FIFO against the next
// incoming request that cannot be resumed from an existing conversation.
package claims

import (
	"sync"
	"time"

	"github.com/outpostdev/agentlens/hashkit"
)

// TTL is how long a claim stays eligible for matching after creation.
const TTL = 90 * time.Second

// sweepPeriod is how often the background sweep scans for expired claims.
const sweepPeriod = 10 * time.Second

// Record is a pending parent->child claim.
type Record struct {
	// ParentIdentifier is the parent's conversation hash if known at claim
	// creation time, otherwise its agent-type hash as a provisional stand-in.
	ParentIdentifier hashkit.Digest

	ExpectedChildName         string
	ExpectedChildAgentTypeHash hashkit.Digest

	// Reason is an optional diagnostic note on why the parent is spawning
	// this child (e.g. a host-supplied sub-agent tool call rationale). It
	// plays no role in matching.
	Reason string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Match is what MatchClaim returns on success.
type Match struct {
	ParentConversationHash hashkit.Digest
	ExpectedChildName      string
}

// Registry holds pending claims for one AgentTree. All methods are safe for
// concurrent use, but callers needing atomicity across PendingClaimCount and
// MatchClaim together (i.e. agenttree.StartAgent) must hold their own
// external lock across both calls — Registry's internal lock alone does not
// span two separate calls.
type Registry struct {
	mu      sync.Mutex
	claims  []Record
	stopCh  chan struct{}
	stopped bool
}

// New creates a Registry and starts its background expiry sweep.
func New() *Registry {
	r := &Registry{stopCh: make(chan struct{})}
	go r.sweepLoop()
	return r
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.claims[:0:0]
	for _, c := range r.claims {
		if now.Before(c.ExpiresAt) || now.Equal(c.ExpiresAt) {
			live = append(live, c)
		}
	}
	r.claims = live
}

// CreateClaim appends a new claim, insertion order preserved for FIFO matching.
func (r *Registry) CreateClaim(parentIdentifier hashkit.Digest, expectedChildName string, expectedChildAgentTypeHash hashkit.Digest, reason string) Record {
	now := time.Now()
	rec := Record{
		ParentIdentifier:           parentIdentifier,
		ExpectedChildName:          expectedChildName,
		ExpectedChildAgentTypeHash: expectedChildAgentTypeHash,
		Reason:                     reason,
		CreatedAt:                  now,
		ExpiresAt:                  now.Add(TTL),
	}
	r.mu.Lock()
	r.claims = append(r.claims, rec)
	r.mu.Unlock()
	return rec
}

// MatchClaim returns and removes the oldest non-expired claim whose expected
// child name matches candidateName (case-sensitive) or whose expected
// child agent-type hash matches candidateAgentTypeHash. Ties (both fields
// match) favor the first-created claim, which insertion-order scanning
// already guarantees.
func (r *Registry) MatchClaim(candidateName string, candidateAgentTypeHash hashkit.Digest) (Match, bool) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.claims {
		if now.After(c.ExpiresAt) {
			continue
		}
		if c.ExpectedChildName == candidateName || c.ExpectedChildAgentTypeHash == candidateAgentTypeHash {
			r.claims = append(r.claims[:i:i], r.claims[i+1:]...)
			return Match{
				ParentConversationHash: c.ParentIdentifier,
				ExpectedChildName:      c.ExpectedChildName,
			}, true
		}
	}
	return Match{}, false
}

// PendingClaimCount reports the number of claims currently held, expired or
// not — callers pair this with MatchClaim under their own external lock
// (see Registry doc) when they need the two calls to be atomic with respect
// to other writers.
func (r *Registry) PendingClaimCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}

// Claims returns a read-only snapshot of the pending claims.
func (r *Registry) Claims() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.claims))
	copy(out, r.claims)
	return out
}

// ClearAll drops every pending claim.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	r.claims = nil
	r.mu.Unlock()
}

// Dispose stops the background sweep. Safe to call multiple times.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
}

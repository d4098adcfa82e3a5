// Package agenttree implements AgentTree: the live reconstruction of the
// tree of agents and sub-agents implied by an opaque stream of chat
// requests, with claim-based parent/child reconciliation, aging of stale
// nodes, and diagnostic snapshotting.
//
// Grounded on runtime/context.go for its channel-based event emitter and
// single-owner mutation shape; the decision order in StartAgent, the aging
// rules, and the reconciliation of provisional parent references have no
// direct analogue elsewhere in the corpus and are built directly from the
// observability core's contract.
package agenttree

import (
	"time"

	"github.com/outpostdev/agentlens/hashkit"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// AppliedEdit records one provider-reported context compaction edit.
type AppliedEdit struct {
	Type              string
	ClearedToolUses   int
	ClearedThinking   bool
}

// ContextManagement summarizes context compaction activity reported by the
// gateway for one turn.
type ContextManagement struct {
	AppliedEdits []AppliedEdit
}

// Agent is one live or recently-completed chat request node.
type Agent struct {
	ID             string
	Name           string
	StartTime      time.Time
	LastUpdateTime time.Time

	InputTokens  int
	OutputTokens int

	MaxObservedInputTokens int
	TotalOutputTokens      int
	TurnCount              int

	MaxInputTokens int
	ModelID        string

	Status             Status
	ContextManagement  *ContextManagement
	Dimmed             bool
	IsMain             bool

	// CompletionOrder is nil until the agent completes at least one turn.
	CompletionOrder *int

	SystemPromptHash       hashkit.Digest
	AgentTypeHash          hashkit.Digest
	FirstUserMessageHash   hashkit.Digest
	ConversationHash       hashkit.Digest
	ParentConversationHash hashkit.Digest

	// EstimatedInputTokens holds the pre-response estimate; cleared once a
	// real usage figure lands in CompleteAgent.
	EstimatedInputTokens int
}

// Clone returns a value copy of the agent safe for a caller to read or hold
// onto after the tree's lock is released.
func (a *Agent) Clone() Agent {
	cp := *a
	if a.CompletionOrder != nil {
		order := *a.CompletionOrder
		cp.CompletionOrder = &order
	}
	if a.ContextManagement != nil {
		cm := *a.ContextManagement
		cm.AppliedEdits = append([]AppliedEdit(nil), a.ContextManagement.AppliedEdits...)
		cp.ContextManagement = &cm
	}
	return cp
}

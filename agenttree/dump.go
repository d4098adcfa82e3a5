package agenttree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/outpostdev/agentlens/claims"
)

// Dump is the result of CreateDiagnosticDump: a snapshot of tree state plus
// a tree-text rendering and a best-effort invariant check.
type Dump struct {
	Agents           []Agent
	Tree             string
	PartialKeyIndex  map[string]string
	PendingClaims    []claims.Record
	Violations       []string
}

// CreateDiagnosticDump snapshots the tree: every live agent, a human
// readable tree rendering rooted at the main agent, the partial-key index,
// pending claims, and any invariant violations detected in the snapshot.
func (t *Tree) CreateDiagnosticDump() Dump {
	t.mu.Lock()
	defer t.mu.Unlock()

	agents := make([]Agent, 0, len(t.agents))
	for _, a := range t.agents {
		agents = append(agents, a.Clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].StartTime.Before(agents[j].StartTime) })

	pk := make(map[string]string, len(t.byPartialKey))
	for k, v := range t.byPartialKey {
		pk[k] = v
	}

	return Dump{
		Agents:          agents,
		Tree:            t.renderTreeLocked(),
		PartialKeyIndex: pk,
		PendingClaims:   t.claims.Claims(),
		Violations:      t.checkInvariantsLocked(),
	}
}

func (t *Tree) renderTreeLocked() string {
	var b strings.Builder
	main, ok := t.agents[t.mainAgentID]
	if !ok {
		return "(no main agent)\n"
	}
	b.WriteString(renderLine(main, 0))
	for _, a := range t.agents {
		if a.ID == main.ID {
			continue
		}
		if isChildOfLocked(a, main) {
			b.WriteString(renderLine(a, 1))
		}
	}
	return b.String()
}

func isChildOfLocked(child, parent *Agent) bool {
	if child.ParentConversationHash == "" {
		return false
	}
	return (parent.ConversationHash != "" && child.ParentConversationHash == parent.ConversationHash) ||
		(parent.AgentTypeHash != "" && child.ParentConversationHash == parent.AgentTypeHash)
}

func renderLine(a *Agent, depth int) string {
	marker := ""
	if a.Dimmed {
		marker = " (dimmed)"
	}
	return fmt.Sprintf("%s- %s [%s]%s\n", strings.Repeat("  ", depth), a.Name, a.Status, marker)
}

// checkInvariantsLocked performs a best-effort snapshot-time check of the
// invariants that can be verified from current state alone. Invariants
// about history (conversationHash immutability, monotonic totalOutputTokens)
// are enforced by construction elsewhere and are not re-derivable here.
func (t *Tree) checkInvariantsLocked() []string {
	var violations []string

	mainCount := 0
	for _, a := range t.agents {
		if a.IsMain {
			mainCount++
		}
	}
	if mainCount > 1 {
		violations = append(violations, fmt.Sprintf("invariant 1 violated: %d main agents live", mainCount))
	}

	for _, a := range t.agents {
		if a.MaxObservedInputTokens < a.InputTokens {
			violations = append(violations, fmt.Sprintf("invariant 3 violated: agent %s maxObservedInputTokens(%d) < inputTokens(%d)", a.ID, a.MaxObservedInputTokens, a.InputTokens))
		}
	}

	return violations
}

package agenttree

import (
	"sync"
	"time"

	"github.com/outpostdev/agentlens/claims"
	"github.com/outpostdev/agentlens/hashkit"
)

// ageSweepPeriod is how often the periodic aging sweep runs, independent of
// the completion-triggered call to ageAgents.
const ageSweepPeriod = 2 * time.Second

const ageRemoveThreshold = 5
const ageDimThreshold = 2

// StartAgentParams is the input to StartAgent.
type StartAgentParams struct {
	RequestID            string
	EstimatedTokens       int
	MaxTokens             int
	ModelID               string
	SystemPromptHash      hashkit.Digest
	AgentTypeHash         hashkit.Digest
	FirstUserMessageHash  hashkit.Digest

	// ModelDerivedName is the display name to use when this request turns
	// out to be a new main agent. It is also the candidate name passed to
	// claim matching when SystemPromptHash equals the main agent's; a
	// claimed child is named after its claim, and a resumed agent keeps
	// its existing name.
	ModelDerivedName string
}

// Usage is the token/model information reported when a request completes.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	MaxInputTokens    int
	ModelID           string
	ContextManagement *ContextManagement
}

// Tree is AgentTree. All mutating methods hold an internal lock; the
// single-owner model is satisfied here by a mutex instead of a
// language-level cooperative scheduler.
type Tree struct {
	mu sync.Mutex

	agents             map[string]*Agent
	byConversationHash map[hashkit.Digest]string
	byPartialKey       map[string]string
	aliases            map[string]string

	mainAgentID          string
	activeAgentID        string
	mainSystemPromptHash hashkit.Digest
	completedAgentCount  int

	claims *claims.Registry

	subs   map[int]func()
	nextSub int

	stopCh  chan struct{}
	stopped bool
}

// New creates an empty Tree, starting its owned ClaimRegistry and periodic
// aging sweep.
func New() *Tree {
	t := &Tree{
		agents:             make(map[string]*Agent),
		byConversationHash: make(map[hashkit.Digest]string),
		byPartialKey:       make(map[string]string),
		aliases:            make(map[string]string),
		claims:             claims.New(),
		subs:               make(map[int]func()),
		stopCh:              make(chan struct{}),
	}
	go t.ageSweepLoop()
	return t
}

func (t *Tree) ageSweepLoop() {
	ticker := time.NewTicker(ageSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			t.ageAgents()
			t.mu.Unlock()
			t.emit()
		case <-t.stopCh:
			return
		}
	}
}

// Dispose stops the aging sweep and the owned claim registry. Safe to call
// more than once.
func (t *Tree) Dispose() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	t.mu.Unlock()
	t.claims.Dispose()
}

// Subscription is a disposable handle returned by Subscribe.
type Subscription struct {
	id   int
	tree *Tree
}

// Dispose removes the subscription; safe to call more than once.
func (s *Subscription) Dispose() {
	s.tree.mu.Lock()
	delete(s.tree.subs, s.id)
	s.tree.mu.Unlock()
}

// Subscribe registers fn to be called after every tree mutation
// (OnDidChangeAgents). Returns a disposable handle.
func (t *Tree) Subscribe(fn func()) *Subscription {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()
	return &Subscription{id: id, tree: t}
}

func (t *Tree) emit() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func partialKey(systemPromptHash, firstUserMessageHash hashkit.Digest) string {
	if systemPromptHash == "" || firstUserMessageHash == "" {
		return ""
	}
	return hashkit.PartialKey(systemPromptHash, firstUserMessageHash)
}

// StartAgent resolves a request to a canonical agent id, following the
// claim-first / resume / new-agent decision order, and returns that id.
func (t *Tree) StartAgent(p StartAgentParams) string {
	t.mu.Lock()
	id := t.startAgentLocked(p)
	t.mu.Unlock()
	t.emit()
	return id
}

func (t *Tree) startAgentLocked(p StartAgentParams) string {
	pk := partialKey(p.SystemPromptHash, p.FirstUserMessageHash)
	now := time.Now()

	// Step 2: claim matching takes priority over partial-key resume.
	if t.claims.PendingClaimCount() > 0 && p.AgentTypeHash != "" {
		preliminaryName := "sub"
		if t.mainSystemPromptHash != "" && p.SystemPromptHash == t.mainSystemPromptHash {
			preliminaryName = p.ModelDerivedName
		}
		if match, ok := t.claims.MatchClaim(preliminaryName, p.AgentTypeHash); ok {
			a := &Agent{
				ID:                     p.RequestID,
				Name:                   match.ExpectedChildName,
				StartTime:              now,
				LastUpdateTime:         now,
				Status:                 StatusStreaming,
				IsMain:                 false,
				SystemPromptHash:       p.SystemPromptHash,
				AgentTypeHash:          p.AgentTypeHash,
				FirstUserMessageHash:   p.FirstUserMessageHash,
				ParentConversationHash: match.ParentConversationHash,
				EstimatedInputTokens:   p.EstimatedTokens,
				MaxInputTokens:         p.MaxTokens,
				ModelID:                p.ModelID,
			}
			t.agents[a.ID] = a
			if pk != "" {
				t.byPartialKey[pk] = a.ID
			}
			t.activeAgentID = a.ID
			return a.ID
		}
	}

	// Step 3: resume via partial key.
	if pk != "" {
		if canonicalID, ok := t.byPartialKey[pk]; ok {
			if a, ok := t.agents[canonicalID]; ok {
				t.aliases[p.RequestID] = canonicalID
				a.Status = StatusStreaming
				a.EstimatedInputTokens = p.EstimatedTokens
				a.MaxInputTokens = p.MaxTokens
				a.ModelID = p.ModelID
				a.SystemPromptHash = p.SystemPromptHash
				a.AgentTypeHash = p.AgentTypeHash
				a.FirstUserMessageHash = p.FirstUserMessageHash
				a.LastUpdateTime = now
				t.activeAgentID = canonicalID
				return canonicalID
			}
		}
	}

	// Step 4: brand-new agent. Whenever this branch decides the new request
	// is main, it supersedes whatever agent previously held that slot: the
	// old one's IsMain is cleared so invariant 1 (exactly one live main)
	// keeps holding even across a host-injected summary (hash drift).
	var isMain bool
	switch {
	case t.mainAgentID == "":
		isMain = true
	case p.SystemPromptHash != "" && p.SystemPromptHash == t.mainSystemPromptHash:
		isMain = true
		if prev, ok := t.agents[t.mainAgentID]; ok {
			prev.IsMain = false
		}
	case p.SystemPromptHash != "":
		// Hash drift: the host summarized the conversation.
		isMain = true
		if prev, ok := t.agents[t.mainAgentID]; ok {
			prev.IsMain = false
		}
		t.mainSystemPromptHash = p.SystemPromptHash
	default:
		isMain = false
	}

	name := "sub"
	if isMain {
		name = p.ModelDerivedName
	}

	a := &Agent{
		ID:                   p.RequestID,
		Name:                 name,
		StartTime:            now,
		LastUpdateTime:       now,
		Status:               StatusStreaming,
		IsMain:               isMain,
		SystemPromptHash:     p.SystemPromptHash,
		AgentTypeHash:        p.AgentTypeHash,
		FirstUserMessageHash: p.FirstUserMessageHash,
		EstimatedInputTokens: p.EstimatedTokens,
		MaxInputTokens:       p.MaxTokens,
		ModelID:              p.ModelID,
	}
	t.agents[a.ID] = a
	if pk != "" {
		t.byPartialKey[pk] = a.ID
	}
	if isMain {
		t.mainAgentID = a.ID
		if t.mainSystemPromptHash == "" {
			t.mainSystemPromptHash = p.SystemPromptHash
		}
	}
	t.activeAgentID = a.ID
	return a.ID
}

// resolveLocked maps a requestId (possibly an alias) to its canonical agent.
func (t *Tree) resolveLocked(requestID string) (*Agent, bool) {
	if canonicalID, ok := t.aliases[requestID]; ok {
		a, ok := t.agents[canonicalID]
		return a, ok
	}
	a, ok := t.agents[requestID]
	return a, ok
}

// CompleteAgent records a successful turn's usage against the agent
// resolved from requestID, computing the conversation hash on first
// response and reconciling any provisional children.
func (t *Tree) CompleteAgent(requestID string, usage Usage, firstAssistantResponseText string) {
	t.mu.Lock()
	a, ok := t.resolveLocked(requestID)
	if !ok {
		t.mu.Unlock()
		return
	}

	a.InputTokens = usage.InputTokens
	a.OutputTokens = usage.OutputTokens
	if usage.InputTokens > a.MaxObservedInputTokens {
		a.MaxObservedInputTokens = usage.InputTokens
	}
	a.TotalOutputTokens += usage.OutputTokens
	a.TurnCount++
	if usage.ModelID != "" {
		a.ModelID = usage.ModelID
	}
	if usage.MaxInputTokens != 0 {
		a.MaxInputTokens = usage.MaxInputTokens
	}
	a.ContextManagement = usage.ContextManagement
	a.Status = StatusComplete
	order := t.completedAgentCount
	t.completedAgentCount++
	a.CompletionOrder = &order
	a.EstimatedInputTokens = 0
	a.LastUpdateTime = time.Now()

	if a.ConversationHash == "" && a.AgentTypeHash != "" && a.FirstUserMessageHash != "" && firstAssistantResponseText != "" {
		fah := hashkit.FirstAssistantResponseHash(firstAssistantResponseText)
		ch := hashkit.ConversationHash(a.AgentTypeHash, a.FirstUserMessageHash, fah)
		a.ConversationHash = ch
		t.byConversationHash[ch] = a.ID
		t.reconcileProvisionalChildrenLocked(a.AgentTypeHash, ch)
	}

	if t.activeAgentID == a.ID {
		t.activeAgentID = ""
	}
	delete(t.aliases, requestID)

	t.ageAgents()
	t.mu.Unlock()
	t.emit()
}

func (t *Tree) reconcileProvisionalChildrenLocked(provisionalParent, realParent hashkit.Digest) {
	for _, a := range t.agents {
		if a.ParentConversationHash == provisionalParent {
			a.ParentConversationHash = realParent
		}
	}
}

// ErrorAgent marks the agent resolved from requestID as errored without
// recording usage.
func (t *Tree) ErrorAgent(requestID string) {
	t.mu.Lock()
	a, ok := t.resolveLocked(requestID)
	if !ok {
		t.mu.Unlock()
		return
	}
	a.Status = StatusError
	a.LastUpdateTime = time.Now()
	if t.activeAgentID == a.ID {
		t.activeAgentID = ""
	}
	delete(t.aliases, requestID)
	t.ageAgents()
	t.mu.Unlock()
	t.emit()
}

// CreateChildClaim registers an expected sub-agent under the agent resolved
// from parentRequestID, provisionally keyed by that parent's agent-type
// hash if its conversation hash is not yet known.
func (t *Tree) CreateChildClaim(parentRequestID, expectedChildName string, expectedChildAgentTypeHash hashkit.Digest, reason string) (claims.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.resolveLocked(parentRequestID)
	if !ok || a.AgentTypeHash == "" {
		return claims.Record{}, false
	}
	parentIdentifier := a.ConversationHash
	if parentIdentifier == "" {
		parentIdentifier = a.AgentTypeHash
	}
	rec := t.claims.CreateClaim(parentIdentifier, expectedChildName, expectedChildAgentTypeHash, reason)
	return rec, true
}

// hasChildrenOrClaimsLocked reports whether any live agent or pending claim
// references a as a parent, by conversation hash or agent-type hash.
func (t *Tree) hasChildrenOrClaimsLocked(a *Agent) bool {
	for id, other := range t.agents {
		if id == a.ID {
			continue
		}
		if other.ParentConversationHash == "" {
			continue
		}
		if (a.ConversationHash != "" && other.ParentConversationHash == a.ConversationHash) ||
			(a.AgentTypeHash != "" && other.ParentConversationHash == a.AgentTypeHash) {
			return true
		}
	}
	for _, c := range t.claims.Claims() {
		if (a.ConversationHash != "" && c.ParentIdentifier == a.ConversationHash) ||
			(a.AgentTypeHash != "" && c.ParentIdentifier == a.AgentTypeHash) {
			return true
		}
	}
	return false
}

// ageAgents applies the aging rules to every non-main, non-streaming,
// completed agent: dim at age >= 2, remove at age >= 5. Must be called
// with t.mu held.
func (t *Tree) ageAgents() {
	var toRemove []string
	for id, a := range t.agents {
		if a.IsMain {
			continue
		}
		if a.Status == StatusStreaming {
			continue
		}
		if a.CompletionOrder == nil {
			continue
		}
		if t.hasChildrenOrClaimsLocked(a) {
			continue
		}
		age := t.completedAgentCount - *a.CompletionOrder - 1
		if age >= ageRemoveThreshold {
			toRemove = append(toRemove, id)
			continue
		}
		if age >= ageDimThreshold && !a.Dimmed {
			a.Dimmed = true
		}
	}
	for _, id := range toRemove {
		a := t.agents[id]
		delete(t.agents, id)
		if a.ConversationHash != "" {
			delete(t.byConversationHash, a.ConversationHash)
		}
		for pk, pid := range t.byPartialKey {
			if pid == id {
				delete(t.byPartialKey, pk)
			}
		}
		for alias, cid := range t.aliases {
			if cid == id {
				delete(t.aliases, alias)
			}
		}
		if t.mainAgentID == id {
			t.mainAgentID = ""
		}
	}
}

// Get returns a copy of the agent resolved from id (canonical id or alias).
func (t *Tree) Get(id string) (Agent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.resolveLocked(id)
	if !ok {
		return Agent{}, false
	}
	return a.Clone(), true
}

// MainAgent returns a copy of the current main agent, if any.
func (t *Tree) MainAgent() (Agent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.agents[t.mainAgentID]
	if !ok {
		return Agent{}, false
	}
	return a.Clone(), true
}

// ActiveAgent returns a copy of the currently streaming/active agent, if any.
func (t *Tree) ActiveAgent() (Agent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeAgentID == "" {
		return Agent{}, false
	}
	a, ok := t.agents[t.activeAgentID]
	if !ok {
		return Agent{}, false
	}
	return a.Clone(), true
}

// Agents returns a copy of every live agent, in no particular order.
func (t *Tree) Agents() []Agent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a.Clone())
	}
	return out
}

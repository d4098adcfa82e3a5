package agenttree

import (
	"testing"

	"github.com/outpostdev/agentlens/claims"
	"github.com/outpostdev/agentlens/hashkit"
)

func TestFirstAgentIsAlwaysMain(t *testing.T) {
	tree := newTestTree()
	id := tree.StartAgent(StartAgentParams{
		RequestID:            "r1",
		SystemPromptHash:     "A",
		AgentTypeHash:        "AT",
		FirstUserMessageHash: "U",
		ModelDerivedName:     "gpt-4",
	})
	a, ok := tree.Get(id)
	if !ok || !a.IsMain {
		t.Fatalf("expected first agent to be main, got %+v ok=%v", a, ok)
	}
}

func TestScenarioAResumeAcrossTurns(t *testing.T) {
	tree := newTestTree()
	id1 := tree.StartAgent(StartAgentParams{
		RequestID: "r1", SystemPromptHash: "A", AgentTypeHash: "AT", FirstUserMessageHash: "U",
		EstimatedTokens: 1000, MaxTokens: 200000, ModelDerivedName: "gpt",
	})
	tree.CompleteAgent("r1", Usage{InputTokens: 1200, OutputTokens: 300}, "")

	id2 := tree.StartAgent(StartAgentParams{
		RequestID: "r2", SystemPromptHash: "A", AgentTypeHash: "AT", FirstUserMessageHash: "U",
		EstimatedTokens: 1500, ModelDerivedName: "gpt",
	})
	tree.CompleteAgent("r2", Usage{InputTokens: 1800, OutputTokens: 400}, "")

	if id2 != id1 {
		t.Fatalf("expected resume to canonical id %q, got %q", id1, id2)
	}
	if len(tree.Agents()) != 1 {
		t.Fatalf("expected tree size 1, got %d", len(tree.Agents()))
	}
	a, _ := tree.Get(id1)
	if a.TurnCount != 2 {
		t.Fatalf("expected turnCount 2, got %d", a.TurnCount)
	}
	if a.MaxObservedInputTokens != 1800 {
		t.Fatalf("expected maxObservedInputTokens 1800, got %d", a.MaxObservedInputTokens)
	}
	if a.TotalOutputTokens != 700 {
		t.Fatalf("expected totalOutputTokens 700, got %d", a.TotalOutputTokens)
	}
}

func TestScenarioBSubAgentViaClaim(t *testing.T) {
	tree := newTestTree()
	tree.StartAgent(StartAgentParams{
		RequestID: "main", SystemPromptHash: "A", AgentTypeHash: "AT1", FirstUserMessageHash: "U1",
		ModelDerivedName: "gpt",
	})
	tree.CompleteAgent("main", Usage{InputTokens: 1000, OutputTokens: 500}, "ok")

	mainAgent, _ := tree.Get("main")
	if mainAgent.ConversationHash == "" {
		t.Fatal("expected main to have a conversation hash after completion")
	}

	if _, ok := tree.CreateChildClaim("main", "recon", "", ""); !ok {
		t.Fatal("expected claim creation to succeed")
	}

	childID := tree.StartAgent(StartAgentParams{
		RequestID: "child", SystemPromptHash: "A", AgentTypeHash: "AT2", FirstUserMessageHash: "U1",
	})
	child, ok := tree.Get(childID)
	if !ok {
		t.Fatal("expected child agent to exist")
	}
	if len(tree.Agents()) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(tree.Agents()))
	}
	if child.Name != "recon" {
		t.Fatalf("expected child name 'recon', got %q", child.Name)
	}
	if child.IsMain {
		t.Fatal("expected child not to be main")
	}
	if child.ParentConversationHash != mainAgent.ConversationHash {
		t.Fatalf("expected child parentConversationHash %q, got %q", mainAgent.ConversationHash, child.ParentConversationHash)
	}
}

func TestScenarioCHostInjectedSummaryOnMain(t *testing.T) {
	tree := newTestTree()
	tree.StartAgent(StartAgentParams{
		RequestID: "m1", SystemPromptHash: "A", AgentTypeHash: "AT", FirstUserMessageHash: "U",
		ModelDerivedName: "gpt",
	})
	id2 := tree.StartAgent(StartAgentParams{
		RequestID: "m2", SystemPromptHash: "B", AgentTypeHash: "AT", FirstUserMessageHash: "U",
		ModelDerivedName: "gpt",
	})

	mains := 0
	for _, a := range tree.Agents() {
		if a.IsMain {
			mains++
		}
	}
	if mains != 1 {
		t.Fatalf("expected exactly one main agent, got %d", mains)
	}
	m2, _ := tree.Get(id2)
	if !m2.IsMain {
		t.Fatal("expected the new request to be the live main agent")
	}
	tree.mu.Lock()
	drifted := tree.mainSystemPromptHash
	tree.mu.Unlock()
	if drifted != "B" {
		t.Fatalf("expected mainSystemPromptHash to drift to B, got %q", drifted)
	}
}

func TestClaimMatchBeatsPartialKeyResume(t *testing.T) {
	tree := newTestTree()
	mainID := tree.StartAgent(StartAgentParams{
		RequestID: "main", SystemPromptHash: "A", AgentTypeHash: "AT", FirstUserMessageHash: "U",
		ModelDerivedName: "gpt",
	})
	tree.CreateChildClaim("main", "recon", "AT2", "")

	childID := tree.StartAgent(StartAgentParams{
		RequestID: "child", SystemPromptHash: "A", AgentTypeHash: "AT2", FirstUserMessageHash: "U",
		ModelDerivedName: "gpt",
	})
	if childID == mainID {
		t.Fatal("expected claim match to create a new child agent, not resume the main")
	}
}

func TestFIFOClaimMatching(t *testing.T) {
	tree := newTestTree()
	tree.StartAgent(StartAgentParams{RequestID: "main", SystemPromptHash: "A", AgentTypeHash: "AT", FirstUserMessageHash: "U", ModelDerivedName: "gpt"})
	// A system-prompt hash that differs from main's makes the preliminary
	// name "sub"; naming both claims "sub" lets them match by name alone.
	tree.CreateChildClaim("main", "sub", "", "")
	tree.CreateChildClaim("main", "sub", "", "")

	c1 := tree.StartAgent(StartAgentParams{RequestID: "c1", SystemPromptHash: "X", AgentTypeHash: "ATX", FirstUserMessageHash: "UX"})
	c2 := tree.StartAgent(StartAgentParams{RequestID: "c2", SystemPromptHash: "X", AgentTypeHash: "ATX", FirstUserMessageHash: "UX2"})
	if c1 == c2 {
		t.Fatal("expected two distinct claimed children")
	}
	if len(tree.Agents()) != 3 {
		t.Fatalf("expected main + 2 claimed children, got %d", len(tree.Agents()))
	}
}

func TestMainAgentNeverAges(t *testing.T) {
	tree := newTestTree()
	mainID := tree.StartAgent(StartAgentParams{RequestID: "main", SystemPromptHash: "A", AgentTypeHash: "AT", FirstUserMessageHash: "U", ModelDerivedName: "gpt"})
	tree.CompleteAgent("main", Usage{InputTokens: 10, OutputTokens: 5}, "hi")

	for i := 0; i < 10; i++ {
		tree.mu.Lock()
		tree.ageAgents()
		tree.mu.Unlock()
	}

	if _, ok := tree.Get(mainID); !ok {
		t.Fatal("expected main agent to survive repeated aging")
	}
}

func TestScenarioFAgingLeavesParentAlive(t *testing.T) {
	tree := newTestTree()
	tree.StartAgent(StartAgentParams{RequestID: "main", SystemPromptHash: "A", AgentTypeHash: "AT", FirstUserMessageHash: "U", ModelDerivedName: "gpt"})
	tree.CompleteAgent("main", Usage{InputTokens: 10, OutputTokens: 5}, "hi")
	mainAgent, _ := tree.Get("main")

	for i := 0; i < 7; i++ {
		reqID := "sub" + string(rune('0'+i))
		// Omitting SystemPromptHash takes the "no hash info" branch of step
		// 4, the only route to a non-main agent outside claim matching.
		tree.StartAgent(StartAgentParams{
			RequestID: reqID, AgentTypeHash: "ATsub",
			FirstUserMessageHash: hashkit.Digest("U" + string(rune('0'+i))),
		})
		tree.CompleteAgent(reqID, Usage{InputTokens: 5, OutputTokens: 5}, "done "+string(rune('0'+i)))
	}

	if _, ok := tree.Get("main"); !ok {
		t.Fatal("expected main to remain live")
	}

	live := 0
	for _, a := range tree.Agents() {
		if a.ID != mainAgent.ID {
			live++
		}
	}
	if live > 5 {
		t.Fatalf("expected aged-out sub-agents with age>=5 to be removed, %d still live", live)
	}
}

func newTestTree() *Tree {
	return &Tree{
		agents:             make(map[string]*Agent),
		byConversationHash: make(map[hashkit.Digest]string),
		byPartialKey:       make(map[string]string),
		aliases:            make(map[string]string),
		claims:             claims.New(),
		subs:               make(map[int]func()),
	}
}

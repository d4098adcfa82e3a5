// Package presenter derives the one-line status text and tooltip tree shown
// to the host from a snapshot of agenttree state. It holds no state of its
// own and makes no tree mutations; every exported function is a pure
// function of its arguments.
//
// Built directly from the host's rendering rules (icon selection, fixed-
// width percentage padding, subagent segment selection, background-color
// hints); no library needed since it is string formatting over
// already-computed agenttree.Agent values.
package presenter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/outpostdev/agentlens/agenttree"
)

// Icon is the leading glyph of the status line.
type Icon string

const (
	IconLoading Icon = "$(loading~spin)"
	IconFold    Icon = "$(fold)"
	IconNumber  Icon = "$(symbol-number)"
)

// figureSpace pads percentage digits to a fixed width, so the status line
// doesn't visibly jitter as the percentage changes digit count.
const figureSpace = " "

// Hint is a background-color signal derived from input-token pressure.
type Hint string

const (
	HintNone       Hint = ""
	HintProminent  Hint = "prominent"
	HintWarning    Hint = "warning"
)

const (
	warningThreshold   = 0.90
	prominentThreshold = 0.75
)

// Status is the rendered one-line status plus its color hint.
type Status struct {
	Text string
	Hint Hint
}

// Render produces the one-line status text for a tree snapshot. agents must
// be the live (non-removed) agents, as returned by agenttree.Tree.Agents.
func Render(agents []agenttree.Agent) Status {
	main := findMain(agents)
	if main == nil {
		return Status{Text: string(IconNumber) + " idle"}
	}

	mainText, mainHint := renderAgentText(*main)
	text := mainText

	if sub := chooseSubAgent(agents); sub != nil {
		subText, subHint := renderAgentText(*sub)
		text = text + " | " + subText
		mainHint = maxHint(mainHint, subHint)
	}

	return Status{Text: icon(*main) + " " + text, Hint: mainHint}
}

func findMain(agents []agenttree.Agent) *agenttree.Agent {
	for i := range agents {
		if agents[i].IsMain {
			return &agents[i]
		}
	}
	return nil
}

// chooseSubAgent picks the most-recently-active streaming non-main agent,
// else the most-recently-completed non-main agent.
func chooseSubAgent(agents []agenttree.Agent) *agenttree.Agent {
	var bestStreaming *agenttree.Agent
	var bestCompleted *agenttree.Agent

	for i := range agents {
		a := &agents[i]
		if a.IsMain {
			continue
		}
		switch a.Status {
		case agenttree.StatusStreaming:
			if bestStreaming == nil || a.LastUpdateTime.After(bestStreaming.LastUpdateTime) {
				bestStreaming = a
			}
		case agenttree.StatusComplete:
			if bestCompleted == nil || a.LastUpdateTime.After(bestCompleted.LastUpdateTime) {
				bestCompleted = a
			}
		}
	}

	if bestStreaming != nil {
		return bestStreaming
	}
	return bestCompleted
}

func icon(a agenttree.Agent) string {
	switch {
	case a.Status == agenttree.StatusStreaming:
		return string(IconLoading)
	case a.ContextManagement != nil && len(a.ContextManagement.AppliedEdits) > 0:
		return string(IconFold)
	default:
		return string(IconNumber)
	}
}

func renderAgentText(a agenttree.Agent) (string, Hint) {
	name := a.Name
	if name == "" {
		name = "agent"
	}
	if a.MaxInputTokens <= 0 {
		return name, HintNone
	}

	used := a.InputTokens
	if a.Status == agenttree.StatusStreaming && a.EstimatedInputTokens > 0 {
		used = a.EstimatedInputTokens
	}
	pct := float64(used) / float64(a.MaxInputTokens)
	return fmt.Sprintf("%s (%s%%)", name, padPercent(pct)), hintFor(pct)
}

func padPercent(pct float64) string {
	n := int(pct * 100)
	if n < 0 {
		n = 0
	}
	s := fmt.Sprintf("%d", n)
	if len(s) < 3 {
		s = strings.Repeat(figureSpace, 3-len(s)) + s
	}
	return s
}

func hintFor(pct float64) Hint {
	switch {
	case pct >= warningThreshold:
		return HintWarning
	case pct >= prominentThreshold:
		return HintProminent
	default:
		return HintNone
	}
}

func maxHint(a, b Hint) Hint {
	rank := map[Hint]int{HintNone: 0, HintProminent: 1, HintWarning: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Tooltip is the structured per-agent tooltip tree.
type Tooltip struct {
	Blocks       []AgentBlock
	KnownTokens  string
}

// AgentBlock is one agent's tooltip section.
type AgentBlock struct {
	Name           string
	Status         agenttree.Status
	IsMain         bool
	InputTokens    int
	OutputTokens   int
	MaxInputTokens int
	TurnCount      int
	Dimmed         bool
	ErrorText      string
}

// RenderTooltip builds the full tooltip from a tree snapshot, main agent
// first, then the rest ordered by most-recent activity.
func RenderTooltip(agents []agenttree.Agent) Tooltip {
	sorted := make([]agenttree.Agent, len(agents))
	copy(sorted, agents)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsMain != sorted[j].IsMain {
			return sorted[i].IsMain
		}
		return sorted[i].LastUpdateTime.After(sorted[j].LastUpdateTime)
	})

	blocks := make([]AgentBlock, 0, len(sorted))
	var knownTokens int
	for _, a := range sorted {
		blocks = append(blocks, AgentBlock{
			Name:           a.Name,
			Status:         a.Status,
			IsMain:         a.IsMain,
			InputTokens:    a.InputTokens,
			OutputTokens:   a.OutputTokens,
			MaxInputTokens: a.MaxInputTokens,
			TurnCount:      a.TurnCount,
			Dimmed:         a.Dimmed,
		})
		if a.InputTokens > knownTokens {
			knownTokens = a.InputTokens
		}
	}

	return Tooltip{
		Blocks:      blocks,
		KnownTokens: fmt.Sprintf("%d known tokens", knownTokens),
	}
}

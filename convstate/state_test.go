package convstate

import (
	"testing"

	"github.com/outpostdev/agentlens/hashkit"
)

func h(s string) hashkit.Digest { return hashkit.Digest(s) }

func TestLookupNoneWhenEmpty(t *testing.T) {
	s := NewStore()
	res := s.Lookup([]hashkit.Digest{h("a")}, "gpt", "c1")
	if res.Kind != KindNone {
		t.Fatalf("expected KindNone, got %v", res.Kind)
	}
}

func TestLookupExactMatch(t *testing.T) {
	s := NewStore()
	hs := []hashkit.Digest{h("a"), h("b")}
	s.RecordActual(hs, "gpt", 500, "c1")

	res := s.Lookup(hs, "gpt", "c1")
	if res.Kind != KindExact {
		t.Fatalf("expected KindExact, got %v", res.Kind)
	}
	if res.KnownTokens != 500 {
		t.Fatalf("expected 500 tokens, got %d", res.KnownTokens)
	}
}

func TestLookupPrefixMatch(t *testing.T) {
	s := NewStore()
	hs := []hashkit.Digest{h("a"), h("b")}
	s.RecordActual(hs, "gpt", 500, "c1")

	current := []hashkit.Digest{h("a"), h("b"), h("c"), h("d")}
	res := s.Lookup(current, "gpt", "c1")
	if res.Kind != KindPrefix {
		t.Fatalf("expected KindPrefix, got %v", res.Kind)
	}
	if res.KnownTokens != 500 {
		t.Fatalf("expected known tokens 500, got %d", res.KnownTokens)
	}
	if res.NewMessageCount != 2 {
		t.Fatalf("expected 2 new messages, got %d", res.NewMessageCount)
	}
	if len(res.NewMessageIndices) != 2 || res.NewMessageIndices[0] != 2 || res.NewMessageIndices[1] != 3 {
		t.Fatalf("unexpected indices: %v", res.NewMessageIndices)
	}
}

func TestLookupNoneOnDivergence(t *testing.T) {
	s := NewStore()
	s.RecordActual([]hashkit.Digest{h("a"), h("b")}, "gpt", 500, "c1")

	current := []hashkit.Digest{h("a"), h("x"), h("c")}
	res := s.Lookup(current, "gpt", "c1")
	if res.Kind != KindNone {
		t.Fatalf("expected KindNone on divergence, got %v", res.Kind)
	}
}

func TestLookupNoneWhenSameLengthButDifferent(t *testing.T) {
	s := NewStore()
	s.RecordActual([]hashkit.Digest{h("a"), h("b")}, "gpt", 500, "c1")

	res := s.Lookup([]hashkit.Digest{h("a"), h("z")}, "gpt", "c1")
	if res.Kind != KindNone {
		t.Fatalf("expected KindNone for equal-length divergent sequence, got %v", res.Kind)
	}
}

func TestLookupKeyedByModelFamilyAndConversation(t *testing.T) {
	s := NewStore()
	hs := []hashkit.Digest{h("a")}
	s.RecordActual(hs, "gpt", 100, "c1")

	if res := s.Lookup(hs, "claude", "c1"); res.Kind != KindNone {
		t.Fatal("expected different model family to miss")
	}
	if res := s.Lookup(hs, "gpt", "c2"); res.Kind != KindNone {
		t.Fatal("expected different conversation id to miss")
	}
}

func TestRecordActualOverwrites(t *testing.T) {
	s := NewStore()
	s.RecordActual([]hashkit.Digest{h("a")}, "gpt", 100, "c1")
	s.RecordActual([]hashkit.Digest{h("a"), h("b")}, "gpt", 200, "c1")

	res := s.Lookup([]hashkit.Digest{h("a"), h("b")}, "gpt", "c1")
	if res.Kind != KindExact || res.KnownTokens != 200 {
		t.Fatalf("expected overwritten record to be the exact match, got %+v", res)
	}
}

package forensics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/outpostdev/agentlens/hashkit"
)

func TestAppendWritesOneJSONObjectPerLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.jsonl")

	w, err := Open(path, HostEnvironment{SessionID: "s1", AppName: "demo"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	msg := SummarizeMessage("user", []string{"text"}, 42, hashkit.Digest("deadbeefdeadbeef"))
	if err := w.Append(Record{ModelID: "openai:gpt-4o", Messages: []MessageSummary{msg}, ChatID: "chat-1", AgentID: "agent-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(Record{ModelID: "openai:gpt-4o", ChatID: "chat-1", AgentID: "agent-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first Record
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.Sequence != 1 {
		t.Fatalf("expected first sequence 1, got %d", first.Sequence)
	}
	if first.Host.SessionID != "s1" {
		t.Fatalf("expected host fields stamped onto record, got %+v", first.Host)
	}
	if len(first.Messages) != 1 || first.Messages[0].Hash != hashkit.Digest("deadbeefdeadbeef") {
		t.Fatalf("unexpected message summary: %+v", first.Messages)
	}

	var second Record
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if second.Sequence != 2 {
		t.Fatalf("expected second sequence 2, got %d", second.Sequence)
	}
}

func TestAppendNeverWritesRawText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.jsonl")

	w, err := Open(path, HostEnvironment{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	secret := "the user's actual private message text"
	msg := SummarizeMessage("user", []string{"text"}, len(secret), hashkit.SystemPromptHash(secret))
	if err := w.Append(Record{Messages: []MessageSummary{msg}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), secret) {
		t.Fatalf("forensic dump must never contain raw message text")
	}
}

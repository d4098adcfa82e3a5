// Package forensics writes the append-only JSON-lines diagnostic dump used
// in forensic mode: one record per significant event, content-hashed so raw
// conversation text never lands on disk.
//
// Grounded on mark3labs-kit's internal/session/tree_manager.go writeEntry:
// same os.O_APPEND file handle held open for the file's lifetime, same
// marshal-then-newline-append write path, same mutex-guarded single writer.
package forensics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/outpostdev/agentlens/hashkit"
)

// HostEnvironment carries the host-identifying fields attached to every
// record.
type HostEnvironment struct {
	SessionID string `json:"sessionId"`
	MachineID string `json:"machineId"`
	AppName   string `json:"appName"`
	UIKind    string `json:"uiKind"`
	Language  string `json:"language"`
}

// MessageSummary is a single message's forensic footprint: never the raw
// text, only shape and a content hash.
type MessageSummary struct {
	Role       string          `json:"role"`
	PartTypes  []string        `json:"partTypes"`
	TextLength int             `json:"textLength"`
	Hash       hashkit.Digest  `json:"hash"`
}

// Record is one line of the diagnostic dump.
type Record struct {
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Host      HostEnvironment `json:"host"`

	ModelID string `json:"modelId"`

	Messages []MessageSummary `json:"messages"`

	SystemPromptHash hashkit.Digest `json:"systemPromptHash"`

	ToolCount       int              `json:"toolCount"`
	ToolSchemaHashes []hashkit.Digest `json:"toolSchemaHashes"`

	ChatID  string `json:"chatId"`
	AgentID string `json:"agentId"`
}

// Writer appends Records to an open file, one JSON object per line.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	host     HostEnvironment
	sequence int
}

// Open opens (creating if needed) path for append and returns a Writer tagged
// with host. Sequence numbering restarts at 1 for each opened Writer.
func Open(path string, host HostEnvironment) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("forensics: open %s: %w", path, err)
	}
	return &Writer{file: f, host: host}, nil
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Append writes one record, filling in Sequence, Timestamp, and Host.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	rec.Sequence = w.sequence
	rec.Timestamp = time.Now().UTC()
	rec.Host = w.host

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("forensics: marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.file.Write(data)
	return err
}

// SummarizeMessage builds a MessageSummary from a role, its part types, the
// concatenated text length, and a precomputed content hash — callers
// compute the hash via hashkit so this package never touches raw text.
func SummarizeMessage(role string, partTypes []string, textLength int, hash hashkit.Digest) MessageSummary {
	return MessageSummary{Role: role, PartTypes: partTypes, TextLength: textLength, Hash: hash}
}

// Command agentlensdemo drives the observability core from stdin: each
// input line is a JSON chat request, and each line written to stdout is a
// JSON event (response part, usage event, or models-changed notice). The
// status line is written as plain text to stderr after every tree change.
// It exists to exercise session.Session end-to-end outside a real
// editor host.
//
// Grounded on cmd/mas-sandboxd/main.go's line-oriented
// scanner-in/encoder-out request loop.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/outpostdev/agentlens/agenttree"
	"github.com/outpostdev/agentlens/config"
	"github.com/outpostdev/agentlens/convstate"
	"github.com/outpostdev/agentlens/forensics"
	"github.com/outpostdev/agentlens/gateway"
	"github.com/outpostdev/agentlens/logging"
	"github.com/outpostdev/agentlens/presenter"
	"github.com/outpostdev/agentlens/schema"
	"github.com/outpostdev/agentlens/session"
	"github.com/outpostdev/agentlens/store"
	"github.com/outpostdev/agentlens/tokens"
)

// demoRequest is one line of stdin input.
type demoRequest struct {
	RequestID        string   `json:"requestId"`
	ConversationID    string   `json:"conversationId"`
	ModelID          string   `json:"modelId"`
	ModelFamily      string   `json:"modelFamily"`
	SystemPrompt     string   `json:"systemPrompt"`
	UserMessages     []string `json:"userMessages"`
	MaxInputTokens   int      `json:"maxInputTokens"`
	ModelDerivedName string   `json:"modelDerivedName"`
}

func (r demoRequest) toMessages() []schema.Message {
	messages := make([]schema.Message, 0, len(r.UserMessages)+1)
	if r.SystemPrompt != "" {
		messages = append(messages, schema.Message{
			Role:  schema.RoleSystem,
			Parts: []schema.Part{{Type: schema.PartText, Text: r.SystemPrompt}},
		})
	}
	for _, text := range r.UserMessages {
		messages = append(messages, schema.Message{
			Role:  schema.RoleUser,
			Parts: []schema.Part{{Type: schema.PartText, Text: text}},
		})
	}
	return messages
}

// envCredentials reads an API key from the environment per-call, so the
// demo fails fast with AuthUnavailable when unset rather than silently
// using an empty key.
type envCredentials struct {
	envVar string
}

func (e envCredentials) Credentials(context.Context) (session.Credentials, bool) {
	key := os.Getenv(e.envVar)
	if key == "" {
		return session.Credentials{}, false
	}
	return session.Credentials{APIKey: key}, true
}

// stdoutSink writes every part and usage event as one JSON line to stdout.
type stdoutSink struct {
	enc *json.Encoder
}

func (s stdoutSink) EmitPart(p session.ResponsePart) {
	_ = s.enc.Encode(map[string]any{"event": "part", "kind": p.Kind, "text": p.Text})
}

func (s stdoutSink) EmitUsageEvent(u session.UsageEvent) {
	_ = s.enc.Encode(map[string]any{"event": "usage", "inputTokens": u.InputTokens, "outputTokens": u.OutputTokens, "maxInputTokens": u.MaxInputTokens})
}

func (s stdoutSink) NotifyModelsChanged() {
	_ = s.enc.Encode(map[string]any{"event": "modelsChanged"})
}

func main() {
	log := logging.New(os.Stderr, logging.ParseLevel(os.Getenv("AGENTLENS_LOG_LEVEL")), "agentlensdemo")

	cfgWatcher := config.NewWatcher(config.New(
		config.WithEndpoint(os.Getenv("AGENTLENS_ENDPOINT")),
		config.WithLoggingLevel(os.Getenv("AGENTLENS_LOG_LEVEL")),
		config.WithForensicCapture(os.Getenv("AGENTLENS_FORENSICS") != ""),
	))
	cfgWatcher.OnChange(func(c config.Config) { log.SetLevel(c.LoggingLevel) })

	persisted := store.New(store.NewMemoryKV())

	var dump *forensics.Writer
	if cfgWatcher.Current().ForensicCapture {
		w, err := forensics.Open("agentlens-forensics.jsonl", forensics.HostEnvironment{
			SessionID: uuid.NewString(),
			AppName:   "agentlensdemo",
			UIKind:    "cli",
		})
		if err != nil {
			log.Error("failed to open forensic dump, continuing without it", err, nil)
		} else {
			dump = w
			defer dump.Close()
		}
	}

	client, err := gateway.NewOpenAIClient(os.Getenv("AGENTLENS_MODEL"), os.Getenv("OPENAI_API_KEY"), os.Getenv("AGENTLENS_ENDPOINT"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build gateway client:", err)
		os.Exit(1)
	}
	tree := agenttree.New()
	defer tree.Dispose()

	est := tokens.NewEstimator(convstate.NewStore())
	cache := tokens.NewMessageTokenCache()
	creds := envCredentials{envVar: "OPENAI_API_KEY"}
	sink := stdoutSink{enc: json.NewEncoder(os.Stdout)}

	sess := session.NewSession(tree, est, client, creds, sink, cache, log)

	unsub := tree.Subscribe(func() {
		st := presenter.Render(tree.Agents())
		fmt.Fprintln(os.Stderr, "status:", st.Text)
	})
	defer unsub.Dispose()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req demoRequest
		if err := json.Unmarshal(line, &req); err != nil {
			fmt.Fprintln(os.Stderr, "invalid request:", err)
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.DefaultTimeoutMs)*time.Millisecond)
		runErr := sess.Run(ctx, session.Request{
			RequestID:        req.RequestID,
			Messages:         req.toMessages(),
			ModelID:          req.ModelID,
			ModelFamily:      req.ModelFamily,
			ConversationID:   req.ConversationID,
			MaxInputTokens:   req.MaxInputTokens,
			ModelDerivedName: req.ModelDerivedName,
		})
		cancel()
		if runErr != nil {
			fmt.Fprintln(os.Stderr, "request failed:", runErr)
		}

		if dump != nil {
			_ = dump.Append(forensics.Record{ModelID: req.ModelID, ChatID: req.ConversationID, AgentID: req.RequestID})
		}

		if err := persisted.SetLastSelectedModel(req.ModelID); err != nil {
			log.Warn("failed to persist last selected model", map[string]any{"error": err.Error()})
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "stdin read error:", err)
		os.Exit(1)
	}
}

// Package audit appends access decisions and mutating API calls to
// <home>/logs/audit.jsonl. The trail is append-only; nothing here reads it.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/storyforge/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionFatal = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens the audit file. Calling it twice is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one entry. Before Init, only the deny counter moves.
func Record(ctx context.Context, decision, action, reason, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
		RequestID: shared.RequestID(ctx),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

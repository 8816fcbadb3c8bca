// Package audit appends authentication decisions to logs/audit.jsonl under
// the bridge home directory.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zitters/agent-market/internal/shared"
)

type entry struct {
	Timestamp   string `json:"timestamp"`
	Decision    string `json:"decision"`
	Action      string `json:"action"`
	Reason      string `json:"reason"`
	Fingerprint string `json:"config_fingerprint,omitempty"`
	Subject     string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

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

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Without Init only the deny counter moves.
func Record(decision, action, reason, fingerprint, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Decision:    decision,
		Action:      action,
		Reason:      reason,
		Fingerprint: fingerprint,
		Subject:     subject,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

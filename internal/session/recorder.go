package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Recorder appends ActionRecords to a per-session JSONL log for post-hoc
// inspection. Records are written immediately so a crashed session still
// leaves a usable log.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// NewRecorder creates <dataDir>/sessions/<sessionID>.jsonl.
func NewRecorder(dataDir, sessionID string, logger *zap.Logger) (*Recorder, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session log dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	return &Recorder{file: file, logger: logger.Named("recorder")}, nil
}

// Append writes one record as a single JSON line.
func (r *Recorder) Append(record schemas.ActionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal action record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append action record: %w", err)
	}
	return nil
}

// Close flushes and closes the log file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// logFile is the append-only per-execution jsonl sink. Records are flushed
// per write; the file is fsynced once at terminal exit.
type logFile struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func openLogFile(path string) (*logFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &logFile{file: f, enc: json.NewEncoder(f)}, nil
}

func (l *logFile) append(record *v1.LogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(record)
}

// closeSync fsyncs and closes the file. Called exactly once at terminal exit.
func (l *logFile) closeSync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

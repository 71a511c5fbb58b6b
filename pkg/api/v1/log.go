package v1

import "time"

// LogStream identifies the origin of a log record.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
	LogStreamSystem LogStream = "system"
)

// LogRecord is one line-oriented record streamed from the runner to the
// control plane and appended to the per-execution jsonl file. Seq is strictly
// increasing per execution; gaps are errors.
type LogRecord struct {
	ExecutionID string    `json:"execution_id"`
	Seq         uint64    `json:"seq"`
	Stream      LogStream `json:"stream"`
	TS          time.Time `json:"ts"`
	Bytes       []byte    `json:"bytes"`
}

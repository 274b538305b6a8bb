package training

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MetricsRecord is one epoch's summary. Records append to a JSONL stream
// beside the checkpoints so external tooling can consume training
// progress without replaying the run.
type MetricsRecord struct {
	RunID         string  `json:"run_id"`
	Epoch         int     `json:"epoch"`
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
	LearningRate  float64 `json:"learning_rate"`
	DurationSec   float64 `json:"duration_sec"`
	Timestamp     string  `json:"timestamp"`
}

// MetricsLogName is the stream's file name inside the checkpoint
// directory.
const MetricsLogName = "metrics.jsonl"

// MetricsLog appends epoch records to the stream.
type MetricsLog struct {
	path string
}

// NewMetricsLog creates a log writing to dir/metrics.jsonl.
func NewMetricsLog(dir string) *MetricsLog {
	return &MetricsLog{path: filepath.Join(dir, MetricsLogName)}
}

// Path returns the stream location.
func (m *MetricsLog) Path() string { return m.path }

// Append writes one record and syncs it to disk.
func (m *MetricsLog) Append(rec *MetricsRecord) error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open metrics log: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return fmt.Errorf("failed to append metrics record: %w", err)
	}
	return f.Sync()
}

// ReadMetrics loads every record from a metrics stream, in order. This is
// the reader side of the external metrics contract.
func ReadMetrics(path string) ([]MetricsRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics log: %w", err)
	}
	defer f.Close()

	var records []MetricsRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec MetricsRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("failed to parse metrics record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metrics log: %w", err)
	}
	return records, nil
}

// now returns the wall clock in the format metrics records use; split out
// so tests can pin it.
var now = func() time.Time { return time.Now().UTC() }

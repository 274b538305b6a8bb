package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/accessvision/tilenet/model"
)

// benchGate serializes benchmarks across the process so concurrent
// exports never share the compute device mid-measurement.
var benchGate sync.Mutex

// BenchmarkConfig fixes the measurement protocol: warm-up inferences are
// discarded, timed inferences produce the statistics.
type BenchmarkConfig struct {
	WarmupRuns int `json:"warmup_runs"`
	TimedRuns  int `json:"timed_runs"`
}

// DefaultBenchmarkConfig is the protocol used by the CLI.
func DefaultBenchmarkConfig() BenchmarkConfig {
	return BenchmarkConfig{WarmupRuns: 3, TimedRuns: 20}
}

// BenchmarkResult summarizes single-input inference latency and
// throughput.
type BenchmarkResult struct {
	Runs         int     `json:"runs"`
	MeanMillis   float64 `json:"mean_ms"`
	MedianMillis float64 `json:"median_ms"`
	P95Millis    float64 `json:"p95_ms"`
	Throughput   float64 `json:"throughput_per_sec"`
}

// Benchmark measures inference latency of a loaded artifact on the fixed
// probe-sized input. It holds the process-wide benchmark gate for its
// whole duration.
func Benchmark(m *model.Model, cfg BenchmarkConfig) (*BenchmarkResult, error) {
	if cfg.TimedRuns <= 0 {
		return nil, fmt.Errorf("timed run count must be positive, got %d", cfg.TimedRuns)
	}
	benchGate.Lock()
	defer benchGate.Unlock()

	input, err := ProbeInput(m.InputSize())
	if err != nil {
		return nil, err
	}
	for i := 0; i < cfg.WarmupRuns; i++ {
		if _, err := m.Forward(input); err != nil {
			return nil, fmt.Errorf("warmup inference failed: %w", err)
		}
	}

	latencies := make([]float64, cfg.TimedRuns)
	var total float64
	for i := 0; i < cfg.TimedRuns; i++ {
		start := time.Now()
		if _, err := m.Forward(input); err != nil {
			return nil, fmt.Errorf("timed inference failed: %w", err)
		}
		ms := float64(time.Since(start).Nanoseconds()) / 1e6
		latencies[i] = ms
		total += ms
	}
	sort.Float64s(latencies)

	mean := total / float64(cfg.TimedRuns)
	result := &BenchmarkResult{
		Runs:         cfg.TimedRuns,
		MeanMillis:   mean,
		MedianMillis: percentile(latencies, 0.50),
		P95Millis:    percentile(latencies, 0.95),
	}
	if mean > 0 {
		result.Throughput = 1000 / mean
	}
	return result, nil
}

// percentile reads the p-th percentile from sorted latencies.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// WriteBenchmarkReport writes benchmark_<format>.json beside the
// artifacts, the shape external tooling consumes.
func WriteBenchmarkReport(dir, format string, result *BenchmarkResult) error {
	path := filepath.Join(dir, fmt.Sprintf("benchmark_%s.json", format))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create benchmark report: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write benchmark report: %w", err)
	}
	return nil
}

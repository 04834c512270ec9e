package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"failsift/internal/logging"
	"failsift/internal/types"
)

// Event is one line of a JSONL execution log, as emitted by a test harness.
type Event struct {
	Kind       string           `json:"kind"` // start, sample, end
	TestName   string           `json:"test_name"`
	Timestamp  time.Time        `json:"timestamp"`
	Outcome    string           `json:"outcome,omitempty"`
	MemoryMB   float64          `json:"memory_mb,omitempty"`
	CPUPercent float64          `json:"cpu_percent,omitempty"`
	Error      *types.ErrorInfo `json:"error,omitempty"`
}

// IngestStats summarizes one replay.
type IngestStats struct {
	Events   int
	Failures int
	Skipped  int
}

// Ingest replays a JSONL event file through the session. Malformed lines
// are skipped and counted, never fatal; a harness crash mid-write must not
// make its log unreadable.
func (s *Session) Ingest(path string) (*IngestStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	stats := &IngestStats{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logging.MonitorDebug("Skipping malformed event at line %d: %v", lineNo, err)
			stats.Skipped++
			continue
		}
		if ev.TestName == "" {
			stats.Skipped++
			continue
		}

		switch ev.Kind {
		case "start":
			s.HandleStart(ev.TestName, ev.Timestamp)
		case "sample":
			s.HandleSample(types.ResourceSample{
				TestName:   ev.TestName,
				MemoryMB:   ev.MemoryMB,
				CPUPercent: ev.CPUPercent,
				Timestamp:  ev.Timestamp,
			})
		case "end":
			outcome := types.Outcome(ev.Outcome)
			if _, err := s.HandleEnd(ev.TestName, outcome, ev.Error, ev.Timestamp); err != nil {
				logging.Get(logging.CategoryMonitor).Warn("Event at line %d not fully processed: %v", lineNo, err)
			}
			if outcome.Failed() {
				stats.Failures++
			}
		default:
			stats.Skipped++
			continue
		}
		stats.Events++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("event file read failed: %w", err)
	}

	logging.Monitor("Ingested %d events (%d failures, %d skipped) from %s",
		stats.Events, stats.Failures, stats.Skipped, path)
	return stats, nil
}

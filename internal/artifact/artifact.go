// Package artifact captures point-in-time forensic context when a test
// fails: resource usage, recent log lines, environment metadata, and the
// raw error. Collection never raises into the failure path; a failing
// sub-collection degrades its field to "unavailable" and marks the bundle
// as partial evidence instead of aborting.
package artifact

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// Unavailable is the placeholder stored for a degraded field.
const Unavailable = "unavailable"

// ResourceSnapshot is the point-in-time resource reading in a bundle.
type ResourceSnapshot struct {
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	SysMB         float64 `json:"sys_mb"`
	NumGoroutines int     `json:"num_goroutines"`
	NumCPU        int     `json:"num_cpu"`
}

// Bundle is the immutable artifact captured for one failure.
// Degraded lists the fields that could not be collected; PartialEvidence is
// set whenever that list is non-empty.
type Bundle struct {
	ID         string    `json:"id"`
	TestName   string    `json:"test_name"`
	RecordID   string    `json:"record_id"`
	CapturedAt time.Time `json:"captured_at"`

	Message    string `json:"message"`
	StackTrace string `json:"stack_trace"`

	Resources   *ResourceSnapshot `json:"resources,omitempty"`
	LogExcerpt  []string          `json:"log_excerpt,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`

	PartialEvidence bool     `json:"partial_evidence"`
	Degraded        []string `json:"degraded,omitempty"`
}

// Probes supplies the sub-collection steps. Each may fail independently;
// the collector degrades the corresponding field rather than propagating.
type Probes struct {
	Resources   func() (*ResourceSnapshot, error)
	LogTail     func(n int) ([]string, error)
	Environment func() (map[string]string, error)
}

// DefaultProbes captures in-process runtime metrics, no log tail (the
// embedding harness wires its own), and a trimmed environment snapshot.
func DefaultProbes() Probes {
	return Probes{
		Resources: func() (*ResourceSnapshot, error) {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return &ResourceSnapshot{
				HeapAllocMB:   float64(ms.HeapAlloc) / (1 << 20),
				SysMB:         float64(ms.Sys) / (1 << 20),
				NumGoroutines: runtime.NumGoroutine(),
				NumCPU:        runtime.NumCPU(),
			}, nil
		},
		LogTail: func(n int) ([]string, error) {
			return nil, nil
		},
		Environment: func() (map[string]string, error) {
			host, err := os.Hostname()
			if err != nil {
				host = Unavailable
			}
			env := map[string]string{
				"hostname":   host,
				"go_version": runtime.Version(),
				"goos":       runtime.GOOS,
				"goarch":     runtime.GOARCH,
			}
			for _, key := range []string{"CI", "HOME", "PATH"} {
				if v, ok := os.LookupEnv(key); ok {
					// Cap long values; artifacts are evidence, not dumps.
					if len(v) > 256 {
						v = v[:256] + "..."
					}
					env[strings.ToLower(key)] = v
				}
			}
			return env, nil
		},
	}
}

package artifact

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"failsift/internal/logging"
	"failsift/internal/types"
)

// Sink persists finished bundles. Implemented by the SQLite store.
type Sink interface {
	SaveArtifact(b *Bundle) error
}

// Request asks for collection on behalf of one failure record. Priority
// orders pending requests when the queue is full: the lowest-priority
// pending request is the one dropped.
type Request struct {
	TestName string
	RecordID string
	ErrInfo  types.ErrorInfo
	Priority int
}

// Collector runs artifact collection on a background worker so a slow probe
// never blocks the monitoring loop. The queue is bounded; overflow drops the
// lowest-priority pending request and counts it rather than blocking.
type Collector struct {
	sink     Sink
	probes   Probes
	logTail  int
	capacity int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Request
	closed  bool

	dropped   atomic.Int64
	discarded atomic.Int64
	done      chan struct{}

	now func() time.Time // test seam
}

// NewCollector starts the background worker. capacity bounds the pending
// queue; logTail is how many recent log lines to capture per bundle.
func NewCollector(sink Sink, probes Probes, capacity, logTail int) *Collector {
	if capacity < 1 {
		capacity = 1
	}
	c := &Collector{
		sink:     sink,
		probes:   probes,
		logTail:  logTail,
		capacity: capacity,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	c.cond = sync.NewCond(&c.mu)
	go c.worker()
	return c
}

// Enqueue submits a collection request. Never blocks: when the queue is
// full the lowest-priority pending request loses its slot (which may be the
// incoming one) and the dropped counter is incremented.
func (c *Collector) Enqueue(req Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.dropped.Add(1)
		return
	}

	if len(c.pending) >= c.capacity {
		lowest := -1
		for i, p := range c.pending {
			if lowest == -1 || p.Priority < c.pending[lowest].Priority {
				lowest = i
			}
		}
		if lowest >= 0 && c.pending[lowest].Priority < req.Priority {
			logging.ArtifactDebug("Queue full: dropping pending collection for %s (priority %d)",
				c.pending[lowest].TestName, c.pending[lowest].Priority)
			c.pending = append(c.pending[:lowest], c.pending[lowest+1:]...)
		} else {
			logging.ArtifactDebug("Queue full: dropping incoming collection for %s (priority %d)",
				req.TestName, req.Priority)
			c.dropped.Add(1)
			return
		}
		c.dropped.Add(1)
	}

	c.pending = append(c.pending, req)
	c.cond.Signal()
}

// Dropped returns how many collection requests were shed under load.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Discarded returns how many in-flight requests were abandoned at shutdown.
func (c *Collector) Discarded() int64 {
	return c.discarded.Load()
}

// Stop drains pending collections within the context's deadline, then
// discards (and counts) whatever remains.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		remaining := int64(len(c.pending))
		c.pending = nil
		c.cond.Broadcast()
		c.mu.Unlock()
		if remaining > 0 {
			c.discarded.Add(remaining)
			logging.Artifact("Shutdown discarded %d pending collections", remaining)
		}
		<-c.done
		return ctx.Err()
	}
}

// worker pops the highest-priority pending request until closed and drained.
func (c *Collector) worker() {
	defer close(c.done)

	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.pending) == 0 && c.closed {
			c.mu.Unlock()
			return
		}

		best := 0
		for i, p := range c.pending {
			if p.Priority > c.pending[best].Priority {
				best = i
			}
		}
		req := c.pending[best]
		c.pending = append(c.pending[:best], c.pending[best+1:]...)
		c.mu.Unlock()

		bundle := c.Collect(req.TestName, req.RecordID, req.ErrInfo)
		if err := c.sink.SaveArtifact(bundle); err != nil {
			logging.Get(logging.CategoryArtifact).Error("Failed to persist bundle %s: %v", bundle.ID, err)
		}
	}
}

// Collect captures a bundle synchronously. It never returns an error: each
// failing probe degrades its field and flips the partial-evidence flag.
func (c *Collector) Collect(testName, recordID string, errInfo types.ErrorInfo) *Bundle {
	timer := logging.StartTimer(logging.CategoryArtifact, "Collect")
	defer timer.Stop()

	b := &Bundle{
		ID:         uuid.NewString(),
		TestName:   testName,
		RecordID:   recordID,
		CapturedAt: c.now(),
		Message:    errInfo.Message,
		StackTrace: errInfo.StackTrace,
	}

	if c.probes.Resources != nil {
		if snap, err := c.probes.Resources(); err == nil {
			b.Resources = snap
		} else {
			c.degrade(b, "resources", err)
		}
	} else {
		c.degrade(b, "resources", nil)
	}

	if c.probes.LogTail != nil {
		if lines, err := c.probes.LogTail(c.logTail); err == nil {
			b.LogExcerpt = lines
		} else {
			c.degrade(b, "log_excerpt", err)
		}
	} else {
		c.degrade(b, "log_excerpt", nil)
	}

	if c.probes.Environment != nil {
		if env, err := c.probes.Environment(); err == nil {
			b.Environment = env
		} else {
			c.degrade(b, "environment", err)
		}
	} else {
		c.degrade(b, "environment", nil)
	}

	return b
}

func (c *Collector) degrade(b *Bundle, field string, err error) {
	b.Degraded = append(b.Degraded, field)
	b.PartialEvidence = true
	if err != nil {
		logging.ArtifactDebug("Sub-collection %s degraded for %s: %v", field, b.TestName, err)
	}
}

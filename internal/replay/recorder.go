package replay

import (
	"context"
	"sync"
	"time"

	"lockstep/server/internal/scheduler"
	"lockstep/server/internal/telemetry"
)

const (
	metricRecorded = "replay_recorded_total"
	metricDropped  = "replay_dropped_total"
	metricFailed   = "replay_failed_total"

	appendTimeout = 5 * time.Second
)

// RecorderConfig tunes the asynchronous journal writer.
type RecorderConfig struct {
	// Buffer is the number of closures queued ahead of the writer. A full
	// queue drops closures rather than stalling the tick loop.
	Buffer  int
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// Recorder journals closures off the scheduling path.
type Recorder struct {
	store   *Store
	logger  telemetry.Logger
	metrics telemetry.Metrics

	queue chan scheduler.Closure
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewRecorder starts a writer for store. Close stops it.
func NewRecorder(store *Store, cfg RecorderConfig) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.DiscardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	r := &Recorder{
		store:   store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		queue:   make(chan scheduler.Closure, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues closure. It never blocks.
func (r *Recorder) Record(closure scheduler.Closure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- closure:
	default:
		r.metrics.Add(metricDropped, 1)
		r.logger.Printf("[replay] queue full, dropped tick %d", closure.Set.Tick)
	}
}

// Close flushes queued closures and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	for closure := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := r.store.Append(ctx, closure)
		cancel()
		if err != nil {
			r.metrics.Add(metricFailed, 1)
			r.logger.Printf("[replay] record tick %d: %v", closure.Set.Tick, err)
			continue
		}
		r.metrics.Add(metricRecorded, 1)
	}
}

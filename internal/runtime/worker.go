package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	configpkg "github.com/drblury/dequeueflow/internal/runtime/config"
	"github.com/drblury/dequeueflow/internal/runtime/cycle"
	"github.com/drblury/dequeueflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/dequeueflow/internal/runtime/logging"
	"github.com/drblury/dequeueflow/transport"
)

// DefaultDepthInterval is how often a worker samples its queue depth.
const DefaultDepthInterval = 15 * time.Second

// Worker states reported by WorkerStatus.
const (
	WorkerIdle       = "idle"
	WorkerRunning    = "running"
	WorkerBackingOff = "backing_off"
	WorkerStopped    = "stopped"
	WorkerFailed     = "failed"
)

// WorkerConfig holds what a Worker needs to consume one endpoint.
type WorkerConfig struct {
	Endpoint configpkg.Endpoint
	Observer *cycle.Observer
	Logger   loggingpkg.ServiceLogger
	// Timeout bounds each receive. Zero means configpkg.DefaultReceiveTimeout.
	Timeout time.Duration
	Hooks   CycleHooks
	// Metrics receives queue depth samples when Depth is set.
	Metrics *CycleMetrics
	// Depth is the driver's depth reporter, if it has one.
	Depth         transport.DepthReporter
	DepthInterval time.Duration
	// Backoff between failed cycles. Zero values use the library defaults.
	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration
	// Interactive reports whether an operator is attached. An access-denied
	// worker then parks instead of stopping the Service. Nil means false.
	Interactive cycle.InteractiveFunc
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	Endpoint            string    `json:"endpoint"`
	Path                string    `json:"path"`
	Transactional       bool      `json:"transactional"`
	Journal             bool      `json:"journal"`
	JournalPath         string    `json:"journal_path,omitempty"`
	State               string    `json:"state"`
	Cycles              uint64    `json:"cycles"`
	Messages            uint64    `json:"messages"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	LastCycleAt         time.Time `json:"last_cycle_at,omitempty"`
	LastMessageAt       time.Time `json:"last_message_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Worker runs dequeue cycles for one endpoint, strictly one after another.
type Worker struct {
	cfg    WorkerConfig
	logger loggingpkg.ServiceLogger

	mu        sync.RWMutex
	status    WorkerStatus
	lastDepth time.Time
}

// NewWorker returns a Worker for cfg.Endpoint.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = configpkg.DefaultReceiveTimeout
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = DefaultDepthInterval
	}
	ep := cfg.Endpoint
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With(loggingpkg.LogFields{"endpoint": ep.DisplayName()}),
		status: WorkerStatus{
			Endpoint:      ep.DisplayName(),
			Path:          ep.Path,
			Transactional: ep.Transactional,
			Journal:       ep.Journal,
			JournalPath:   ep.JournalPath,
			State:         WorkerIdle,
		},
	}
}

// Endpoint returns the consumed endpoint.
func (w *Worker) Endpoint() configpkg.Endpoint { return w.cfg.Endpoint }

// Status returns a copy of the worker status.
func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	w.status.State = state
	w.mu.Unlock()
}

func (w *Worker) consecutiveFailures() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status.ConsecutiveFailures
}

// RunOnce executes a single cycle and reports it to the hooks.
func (w *Worker) RunOnce(ctx context.Context) error {
	state := cycle.NewState(ids.NewCycleID(), w.cfg.Endpoint, w.cfg.Timeout)
	cc := newCycleContext(ctx, state, w.consecutiveFailures())

	if w.cfg.Hooks.OnCycleStart != nil {
		w.cfg.Hooks.OnCycleStart(cc)
	}

	err := w.cfg.Observer.Execute(ctx, state)
	cc.finish(state)

	if err != nil {
		if w.cfg.Hooks.OnCycleError != nil {
			w.cfg.Hooks.OnCycleError(cc, err)
		}
	} else if w.cfg.Hooks.OnCycleDone != nil {
		w.cfg.Hooks.OnCycleDone(cc)
	}

	w.record(state, err)
	return err
}

func (w *Worker) record(state *cycle.State, err error) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status.Cycles++
	w.status.LastCycleAt = now
	if state.Outcome == cycle.DequeueReceived {
		w.status.Messages++
		w.status.LastMessageAt = now
	}
	if err != nil {
		w.status.Failures++
		w.status.ConsecutiveFailures++
		w.status.LastError = err.Error()
		return
	}
	w.status.ConsecutiveFailures = 0
}

// Run loops cycles until ctx is done. A failed cycle is followed by an
// exponential backoff. An access-denied failure ends the cycle loop: when
// unattended the error is returned, when interactive the worker stays in
// the failed state until ctx is done so the other endpoints keep running.
// Cancellation is not an error.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.status.StartedAt = time.Now()
	w.status.State = WorkerRunning
	w.mu.Unlock()

	w.logger.Info("Worker started", loggingpkg.LogFields{
		"path":          w.cfg.Endpoint.Path,
		"transactional": w.cfg.Endpoint.Transactional,
		"journal":       w.cfg.Endpoint.JournalPath,
		"timeout":       w.cfg.Timeout.String(),
	})

	b := w.newBackOff()
	for {
		if ctx.Err() != nil {
			w.stopped()
			return nil
		}

		err := w.RunOnce(ctx)
		if err == nil {
			b.Reset()
			w.sampleDepth(ctx)
			continue
		}
		if ctx.Err() != nil {
			w.stopped()
			return nil
		}
		if transport.IsAccessDenied(err) {
			w.setState(WorkerFailed)
			if w.cfg.Interactive == nil || !w.cfg.Interactive() {
				return err
			}
			w.logger.Info("Worker parked after access denied", loggingpkg.LogFields{"path": w.cfg.Endpoint.Path})
			<-ctx.Done()
			return nil
		}

		wait := b.NextBackOff()
		w.setState(WorkerBackingOff)
		w.logger.Debug("Backing off after failed cycle", loggingpkg.LogFields{
			"wait":    wait.String(),
			"attempt": w.consecutiveFailures(),
		})
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.stopped()
			return nil
		case <-timer.C:
		}
		w.setState(WorkerRunning)
	}
}

func (w *Worker) stopped() {
	w.setState(WorkerStopped)
	w.logger.Info("Worker stopped", nil)
}

func (w *Worker) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if w.cfg.BackoffInitialInterval > 0 {
		b.InitialInterval = w.cfg.BackoffInitialInterval
	}
	if w.cfg.BackoffMaxInterval > 0 {
		b.MaxInterval = w.cfg.BackoffMaxInterval
	}
	b.Reset()
	return b
}

func (w *Worker) sampleDepth(ctx context.Context) {
	if w.cfg.Depth == nil || w.cfg.Metrics == nil {
		return
	}
	if time.Since(w.lastDepth) < w.cfg.DepthInterval {
		return
	}
	w.lastDepth = time.Now()

	depth, err := w.cfg.Depth.Depth(ctx, w.cfg.Endpoint.Path)
	if err != nil {
		w.logger.Debug("Could not sample queue depth", loggingpkg.LogFields{"error": err.Error()})
		return
	}
	w.cfg.Metrics.SetQueueDepth(w.cfg.Endpoint.DisplayName(), depth)
}

package main

import (
	"context"
	"sync"
	"time"

	"linentrack/station/syncer"
)

// Logger interface for worker operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// syncRunner is the slice of the coordinator the worker drives.
type syncRunner interface {
	DeltaSync(ctx context.Context) (*syncer.SyncResult, error)
	ProcessPendingOperations(ctx context.Context) (*syncer.DrainResult, error)
	Online() bool
}

// SyncWorker periodically runs a delta sync and drains the offline queue.
// It is the only component that initiates background synchronization; the
// HTTP handlers trigger syncs on demand through the same coordinator.
type SyncWorker struct {
	runner   syncRunner
	logger   Logger
	interval time.Duration

	// State tracking
	mu            sync.RWMutex
	running       bool
	lastAttempt   time.Time
	lastSuccess   time.Time
	lastError     string
	lastProcessed int

	// Lifecycle
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SyncWorkerStatus surfaces worker timings for the status endpoint.
type SyncWorkerStatus struct {
	Running       bool      `json:"running"`
	Online        bool      `json:"online"`
	LastAttempt   time.Time `json:"lastAttempt"`
	LastSuccess   time.Time `json:"lastSuccess"`
	LastError     string    `json:"lastError,omitempty"`
	LastProcessed int       `json:"lastProcessed"`
}

// NewSyncWorker creates a worker that runs every interval.
func NewSyncWorker(runner syncRunner, logger Logger, interval time.Duration) *SyncWorker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &SyncWorker{
		runner:   runner,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background loop. The first cycle runs immediately so a
// station coming back online reconciles without waiting out the interval.
func (w *SyncWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("Sync worker started", "interval", w.interval.String())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.runCycle()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.runCycle()
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight cycle.
func (w *SyncWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("Sync worker stopped")
}

// Status returns a snapshot of the worker lifecycle and recent activity.
func (w *SyncWorker) Status() SyncWorkerStatus {
	if w == nil {
		return SyncWorkerStatus{}
	}
	w.mu.RLock()
	status := SyncWorkerStatus{
		Running:       w.running,
		LastAttempt:   w.lastAttempt,
		LastSuccess:   w.lastSuccess,
		LastError:     w.lastError,
		LastProcessed: w.lastProcessed,
	}
	w.mu.RUnlock()
	status.Online = w.runner.Online()
	return status
}

// runCycle performs one delta sync plus a queue drain. A sync failure does
// not skip the drain: the queue replay is what recovers pending writes after
// an outage, whichever call notices connectivity first.
func (w *SyncWorker) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	w.mu.Lock()
	w.lastAttempt = time.Now()
	w.mu.Unlock()

	result, err := w.runner.DeltaSync(ctx)
	if err != nil {
		w.recordError(err.Error())
		w.logger.Debug("Periodic delta sync failed", "error", err)
	} else if result.Success {
		w.mu.Lock()
		w.lastSuccess = time.Now()
		w.lastError = ""
		w.mu.Unlock()
	}

	drain, err := w.runner.ProcessPendingOperations(ctx)
	if err != nil {
		w.recordError(err.Error())
		w.logger.Warn("Queue drain failed", "error", err)
		return
	}

	w.mu.Lock()
	w.lastProcessed = drain.Processed
	w.mu.Unlock()

	if drain.Processed > 0 {
		w.logger.Info("Replayed queued operations", "processed", drain.Processed, "failed", drain.Failed)
	}
}

func (w *SyncWorker) recordError(msg string) {
	w.mu.Lock()
	w.lastError = msg
	w.mu.Unlock()
}

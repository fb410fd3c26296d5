package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linentrack/station/syncer"
)

// stubLogger satisfies the Logger interface for tests
type stubLogger struct{}

func (stubLogger) Error(msg string, context ...interface{}) {}
func (stubLogger) Warn(msg string, context ...interface{})  {}
func (stubLogger) Info(msg string, context ...interface{})  {}
func (stubLogger) Debug(msg string, context ...interface{}) {}

// fakeRunner implements syncRunner for worker tests
type fakeRunner struct {
	mu         sync.Mutex
	deltaCalls int
	drainCalls int
	deltaErr   error
	processed  int
}

func (f *fakeRunner) DeltaSync(ctx context.Context) (*syncer.SyncResult, error) {
	f.mu.Lock()
	f.deltaCalls++
	f.mu.Unlock()
	if f.deltaErr != nil {
		return &syncer.SyncResult{}, f.deltaErr
	}
	return &syncer.SyncResult{Success: true}, nil
}

func (f *fakeRunner) ProcessPendingOperations(ctx context.Context) (*syncer.DrainResult, error) {
	f.mu.Lock()
	f.drainCalls++
	f.mu.Unlock()
	return &syncer.DrainResult{Processed: f.processed}, nil
}

func (f *fakeRunner) Online() bool { return true }

func (f *fakeRunner) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deltaCalls, f.drainCalls
}

func TestSyncWorkerRunsImmediately(t *testing.T) {
	runner := &fakeRunner{processed: 3}
	worker := NewSyncWorker(runner, stubLogger{}, time.Hour)

	worker.Start()
	defer worker.Stop()

	deadline := time.After(2 * time.Second)
	for {
		deltas, drains := runner.calls()
		if deltas >= 1 && drains >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not run its first cycle")
		case <-time.After(10 * time.Millisecond):
		}
	}

	status := worker.Status()
	if !status.Running {
		t.Error("expected worker running")
	}
	if status.LastAttempt.IsZero() {
		t.Error("expected last attempt recorded")
	}
	if status.LastProcessed != 3 {
		t.Errorf("expected 3 processed, got %d", status.LastProcessed)
	}
}

func TestSyncWorkerRecordsErrors(t *testing.T) {
	runner := &fakeRunner{deltaErr: errors.New("server unreachable")}
	worker := NewSyncWorker(runner, stubLogger{}, time.Hour)

	worker.Start()
	defer worker.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if worker.Status().LastError != "" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not record the sync error")
		case <-time.After(10 * time.Millisecond):
		}
	}

	status := worker.Status()
	if status.LastError != "server unreachable" {
		t.Errorf("unexpected last error %q", status.LastError)
	}
	if !status.LastSuccess.IsZero() {
		t.Error("expected no recorded success")
	}
}

func TestSyncWorkerStop(t *testing.T) {
	runner := &fakeRunner{}
	worker := NewSyncWorker(runner, stubLogger{}, 10*time.Millisecond)

	worker.Start()
	time.Sleep(50 * time.Millisecond)
	worker.Stop()

	if worker.Status().Running {
		t.Error("expected worker stopped")
	}

	deltasAfterStop, _ := runner.calls()
	time.Sleep(50 * time.Millisecond)
	deltasLater, _ := runner.calls()
	if deltasLater != deltasAfterStop {
		t.Error("worker kept running after Stop")
	}

	// Stopping twice is safe
	worker.Stop()
}

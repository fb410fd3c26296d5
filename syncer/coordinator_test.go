package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"linentrack/station/remote"
	"linentrack/station/storage"
)

// stubLogger satisfies the Logger interface for tests
type stubLogger struct{}

func (stubLogger) Error(msg string, context ...interface{}) {}
func (stubLogger) Warn(msg string, context ...interface{})  {}
func (stubLogger) Info(msg string, context ...interface{})  {}
func (stubLogger) Debug(msg string, context ...interface{}) {}

// recordingSink captures published events for assertions
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Status)
	}
	return out
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store := storage.NewStore(filepath.Join(t.TempDir(), "station.db"), stubLogger{})
	if err := store.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestCoordinator(t *testing.T, handler http.Handler, cfg Config) (*Coordinator, *storage.Store, *recordingSink) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := newTestStore(t)
	client := remote.NewClient(server.URL, "token", nil)
	sink := &recordingSink{}
	return New(store, client, sink, stubLogger{}, cfg), store, sink
}

func writeItemsPage(w http.ResponseWriter, items []map[string]interface{}, totalPages, total int) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": items,
		"pagination": map[string]interface{}{
			"totalPages": totalPages,
			"total":      total,
		},
	})
}

func TestFullSync(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/settings/tenants":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"id": "t1", "name": "Hotel Aurora"},
			})
		case "/settings/item-types":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"id": "y1", "name": "Bath Towel"},
			})
		case "/items":
			switch r.URL.Query().Get("page") {
			case "1":
				writeItemsPage(w, []map[string]interface{}{
					{"id": "i1", "rfidTag": "AA01", "tenantId": "t1"},
				}, 2, 2)
			case "2":
				writeItemsPage(w, []map[string]interface{}{
					{"id": "i2", "rfidTag": "AA02", "tenantId": "t1"},
				}, 2, 2)
			default:
				t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
			}
		default:
			http.NotFound(w, r)
		}
	})

	coordinator, store, sink := newTestCoordinator(t, handler, Config{PageSize: 1})

	result, err := coordinator.FullSync(context.Background())
	if err != nil {
		t.Fatalf("FullSync failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ItemsCount != 2 || result.Pages != 2 {
		t.Errorf("expected 2 items over 2 pages, got %d over %d", result.ItemsCount, result.Pages)
	}

	if _, err := store.LookupByRFID("AA02"); err != nil {
		t.Errorf("expected page 2 item to be cached: %v", err)
	}
	if _, ok, _ := store.GetSyncWatermark(); !ok {
		t.Error("expected watermark after full sync")
	}

	statuses := sink.statuses()
	if len(statuses) == 0 || statuses[0] != StatusSyncing {
		t.Errorf("expected initial syncing event, got %v", statuses)
	}
	if statuses[len(statuses)-1] != StatusCompleted {
		t.Errorf("expected final completed event, got %v", statuses)
	}
}

func TestFullSyncRejectedWhileRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/settings/tenants" {
			close(entered)
			<-release
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	})

	coordinator, _, _ := newTestCoordinator(t, handler, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.FullSync(context.Background())
	}()

	<-entered
	result, err := coordinator.FullSync(context.Background())
	if err != nil {
		t.Fatalf("concurrent FullSync returned error: %v", err)
	}
	if result.Success || result.Reason != ReasonAlreadyInProgress {
		t.Errorf("expected already_in_progress rejection, got %+v", result)
	}
	if coordinator.State() != StateSyncing {
		t.Errorf("expected syncing state, got %s", coordinator.State())
	}

	close(release)
	<-done

	if coordinator.State() != StateIdle {
		t.Errorf("expected idle state after completion, got %s", coordinator.State())
	}
}

func TestDeltaSyncWithoutWatermarkFallsBack(t *testing.T) {
	var tenantsFetched bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/settings/tenants":
			tenantsFetched = true
			json.NewEncoder(w).Encode([]map[string]interface{}{})
		case "/settings/item-types":
			json.NewEncoder(w).Encode([]map[string]interface{}{})
		case "/items":
			writeItemsPage(w, nil, 0, 0)
		}
	})

	coordinator, _, _ := newTestCoordinator(t, handler, Config{})

	result, err := coordinator.DeltaSync(context.Background())
	if err != nil {
		t.Fatalf("DeltaSync failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !tenantsFetched {
		t.Error("expected delta sync without watermark to run a full sync")
	}
}

func TestDeltaSyncOverlapAndWatermarkAdvance(t *testing.T) {
	var gotSince string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items" {
			http.NotFound(w, r)
			return
		}
		gotSince = r.URL.Query().Get("updatedSince")
		writeItemsPage(w, nil, 0, 0)
	})

	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	coordinator, store, _ := newTestCoordinator(t, handler, Config{
		WatermarkOverlap: 2 * time.Minute,
		Clock:            func() time.Time { return now },
	})

	watermark := now.Add(-time.Hour)
	if err := store.SetSyncWatermark(watermark); err != nil {
		t.Fatalf("set watermark failed: %v", err)
	}

	result, err := coordinator.DeltaSync(context.Background())
	if err != nil {
		t.Fatalf("DeltaSync failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	want := watermark.Add(-2 * time.Minute).Format(time.RFC3339)
	if gotSince != want {
		t.Errorf("expected updatedSince %s, got %s", want, gotSince)
	}

	// Zero changes still advance the watermark
	got, ok, _ := store.GetSyncWatermark()
	if !ok || !got.Equal(now) {
		t.Errorf("expected watermark advanced to %v, got %v (ok=%v)", now, got, ok)
	}
}

func TestFullSyncPartialPageFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/settings/tenants", "/settings/item-types":
			json.NewEncoder(w).Encode([]map[string]interface{}{})
		case "/items":
			if r.URL.Query().Get("page") == "1" {
				writeItemsPage(w, []map[string]interface{}{
					{"id": "i1", "rfidTag": "AA01"},
				}, 3, 3)
				return
			}
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	})

	coordinator, store, sink := newTestCoordinator(t, handler, Config{PageSize: 1})

	result, err := coordinator.FullSync(context.Background())
	if err == nil {
		t.Fatal("expected error from failing page")
	}
	if result.Success {
		t.Error("expected failed result")
	}

	// Page 1 survives; the watermark does not move
	if _, err := store.LookupByRFID("AA01"); err != nil {
		t.Errorf("expected page 1 item to remain cached: %v", err)
	}
	if _, ok, _ := store.GetSyncWatermark(); ok {
		t.Error("expected no watermark after failed full sync")
	}

	statuses := sink.statuses()
	if statuses[len(statuses)-1] != StatusError {
		t.Errorf("expected final error event, got %v", statuses)
	}
}

func TestMarkItemsCleanQueuedWhenOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	store := newTestStore(t)
	client := remote.NewClient(server.URL, "token", nil)
	coordinator := New(store, client, nil, stubLogger{}, Config{})

	result, err := coordinator.MarkItemsClean(context.Background(), []string{"i1", "i2"})
	if err != nil {
		t.Fatalf("MarkItemsClean failed: %v", err)
	}
	if result.Applied || !result.Queued {
		t.Fatalf("expected queued result, got %+v", result)
	}
	if result.OperationID == 0 {
		t.Error("expected an operation id")
	}

	ops, err := store.ListPendingOperations(0)
	if err != nil || len(ops) != 1 {
		t.Fatalf("expected 1 queued operation, got %d (%v)", len(ops), err)
	}
	if ops[0].OperationType != "mark_clean" {
		t.Errorf("unexpected operation type %q", ops[0].OperationType)
	}
}

func TestMarkItemsCleanAppliedWhenOnline(t *testing.T) {
	var gotBody map[string][]string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	})

	coordinator, store, _ := newTestCoordinator(t, handler, Config{})

	result, err := coordinator.MarkItemsClean(context.Background(), []string{"i1"})
	if err != nil {
		t.Fatalf("MarkItemsClean failed: %v", err)
	}
	if !result.Applied || result.Queued {
		t.Fatalf("expected applied result, got %+v", result)
	}
	if len(gotBody["itemIds"]) != 1 || gotBody["itemIds"][0] != "i1" {
		t.Errorf("unexpected request body %v", gotBody)
	}

	ops, _ := store.ListPendingOperations(0)
	if len(ops) != 0 {
		t.Errorf("expected empty queue, got %d operations", len(ops))
	}
}

func TestProcessPendingOperationsRemovesConfirmed(t *testing.T) {
	var mu sync.Mutex
	var replayed []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		replayed = append(replayed, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(`{}`))
	})

	coordinator, store, _ := newTestCoordinator(t, handler, Config{})

	store.EnqueuePendingOperation("mark_clean", "/items/mark-clean", "POST", `{"itemIds":["a"]}`)
	store.EnqueuePendingOperation("mark_clean", "/items/mark-clean", "POST", `{"itemIds":["b"]}`)

	result, err := coordinator.ProcessPendingOperations(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingOperations failed: %v", err)
	}
	if result.Processed != 2 || result.Failed != 0 || result.Stopped {
		t.Errorf("unexpected drain result %+v", result)
	}

	ops, _ := store.ListPendingOperations(0)
	if len(ops) != 0 {
		t.Errorf("expected empty queue, got %d", len(ops))
	}
	if len(replayed) != 2 {
		t.Errorf("expected 2 replays, got %d", len(replayed))
	}
}

func TestProcessPendingOperationsStopsWhenOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	store := newTestStore(t)
	client := remote.NewClient(server.URL, "token", nil)
	coordinator := New(store, client, nil, stubLogger{}, Config{})

	store.EnqueuePendingOperation("mark_clean", "/items/mark-clean", "POST", `{}`)
	store.EnqueuePendingOperation("mark_clean", "/items/mark-clean", "POST", `{}`)

	result, err := coordinator.ProcessPendingOperations(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingOperations failed: %v", err)
	}
	if !result.Stopped || result.Failed != 1 {
		t.Errorf("expected drain to stop after first offline failure, got %+v", result)
	}

	// Both operations remain queued, the first with its failure recorded
	ops, _ := store.ListPendingOperations(0)
	if len(ops) != 2 {
		t.Fatalf("expected both operations to remain, got %d", len(ops))
	}
	if ops[0].RetryCount != 1 {
		t.Errorf("expected retry recorded on first operation, got %d", ops[0].RetryCount)
	}
	if ops[1].RetryCount != 0 {
		t.Errorf("expected second operation untouched, got retry count %d", ops[1].RetryCount)
	}
}

func TestProcessPendingOperationsContinuesOnRejection(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid item", http.StatusUnprocessableEntity)
	})

	coordinator, store, _ := newTestCoordinator(t, handler, Config{})

	store.EnqueuePendingOperation("mark_clean", "/items/mark-clean", "POST", `{}`)
	store.EnqueuePendingOperation("mark_clean", "/items/mark-clean", "POST", `{}`)

	result, err := coordinator.ProcessPendingOperations(context.Background())
	if err != nil {
		t.Fatalf("ProcessPendingOperations failed: %v", err)
	}
	if result.Stopped {
		t.Error("a rejection must not stop the drain pass")
	}
	if result.Failed != 2 {
		t.Errorf("expected 2 failures, got %d", result.Failed)
	}

	ops, _ := store.ListPendingOperations(0)
	if len(ops) != 2 {
		t.Fatalf("expected both operations to remain, got %d", len(ops))
	}
	for _, op := range ops {
		if op.RetryCount != 1 {
			t.Errorf("expected retry recorded on operation %d, got %d", op.ID, op.RetryCount)
		}
	}
}

func TestInitializeOpensStoreAndReportsStats(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	store := storage.NewStore(filepath.Join(t.TempDir(), "station.db"), stubLogger{})
	client := remote.NewClient(server.URL, "", nil)
	coordinator := New(store, client, nil, stubLogger{}, Config{})

	// Empty token: no background sync is started
	stats, err := coordinator.Initialize(context.Background(), "")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer store.Close()
	if stats.ItemsCount != 0 {
		t.Errorf("expected empty cache, got %d items", stats.ItemsCount)
	}
}

func TestNewDefaultsNilLoggerAndSink(t *testing.T) {
	store := newTestStore(t)
	// An unreachable base URL keeps the client offline
	client := remote.NewClient("http://127.0.0.1:1", "token", nil)
	coordinator := New(store, client, nil, nil, Config{})

	// Every branch below logs; a nil logger must not panic
	result, err := coordinator.MarkItemsClean(context.Background(), []string{"i1"})
	if err != nil {
		t.Fatalf("MarkItemsClean failed: %v", err)
	}
	if !result.Queued {
		t.Errorf("expected queued result, got %+v", result)
	}

	if _, err := coordinator.FullSync(context.Background()); err == nil {
		t.Error("expected full sync against unreachable server to fail")
	}
}

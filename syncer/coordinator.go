// Package syncer orchestrates synchronization between the station's local
// cache and the remote laundry service API, including draining the offline
// write queue.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"linentrack/station/remote"
	"linentrack/station/storage"
)

// Page caps bound a runaway pagination loop; the server's metadata normally
// ends the loop well before these.
const (
	fullSyncMaxPages  = 500
	deltaSyncMaxPages = 100
)

// ReasonAlreadyInProgress marks the rejection of a sync started while
// another is running. It is a well-defined result, not an error.
const ReasonAlreadyInProgress = "already_in_progress"

// Coordinator states.
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
)

// Logger interface for coordinator operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nopLogger struct{}

func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// Config holds coordinator tuning knobs.
type Config struct {
	// PageSize is the item page size requested during sync.
	PageSize int
	// WatermarkOverlap is subtracted from the watermark when requesting a
	// delta, so station/server clock skew cannot hide items updated in the
	// instant the watermark was taken. Upserts are idempotent, so the
	// overlap only re-fetches a bounded window. Zero disables the overlap.
	WatermarkOverlap time.Duration
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

// Coordinator runs full and delta syncs against the remote API, drains the
// offline queue, and reports progress to the status sink. One sync runs at
// a time; a concurrent start is rejected, never queued.
type Coordinator struct {
	store  *storage.Store
	client *remote.Client
	events Sink
	logger Logger

	pageSize int
	overlap  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	syncing bool
}

// SyncResult reports the outcome of a full or delta sync.
type SyncResult struct {
	Success    bool           `json:"success"`
	Reason     string         `json:"reason,omitempty"`
	ItemsCount int            `json:"itemsCount"`
	Pages      int            `json:"pages"`
	Skipped    int            `json:"skipped"`
	Stats      *storage.Stats `json:"stats,omitempty"`
}

// DrainResult reports the outcome of one pass over the offline queue.
type DrainResult struct {
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Stopped   bool `json:"stopped"` // true when the pass halted on an offline failure
}

// MarkCleanResult reports how a mark-clean request was satisfied.
type MarkCleanResult struct {
	Applied     bool  `json:"applied"` // confirmed by the server
	Queued      bool  `json:"queued"`  // stored for later replay
	OperationID int64 `json:"operationId,omitempty"`
}

// New creates a Coordinator. The store may be unopened; Initialize opens it.
// A nil events sink or logger is replaced with a no-op.
func New(store *storage.Store, client *remote.Client, events Sink, logger Logger, cfg Config) *Coordinator {
	if events == nil {
		events = NopSink{}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Coordinator{
		store:    store,
		client:   client,
		events:   events,
		logger:   logger,
		pageSize: cfg.PageSize,
		overlap:  cfg.WatermarkOverlap,
		now:      cfg.Clock,
	}
}

// State returns the coordinator's current sync state.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncing {
		return StateSyncing
	}
	return StateIdle
}

// Online reports the connectivity signal derived from the most recent
// network call.
func (c *Coordinator) Online() bool {
	return c.client.Online()
}

// beginSync claims the non-reentrant sync slot. It returns false when a
// sync is already running.
func (c *Coordinator) beginSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncing {
		return false
	}
	c.syncing = true
	return true
}

func (c *Coordinator) endSync() {
	c.mu.Lock()
	c.syncing = false
	c.mu.Unlock()
}

// Initialize stores the bearer token, opens the local store, and returns
// current cache stats. When the cache is empty and a token is present, one
// full sync is kicked off in the background; the caller never waits on it.
func (c *Coordinator) Initialize(ctx context.Context, token string) (*storage.Stats, error) {
	c.client.SetToken(token)

	if err := c.store.Open(); err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	stats, err := c.store.Stats()
	if err != nil {
		return nil, err
	}

	if stats.ItemsCount == 0 && token != "" {
		c.logger.Info("Local cache is empty, starting initial full sync")
		go func() {
			syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if _, err := c.FullSync(syncCtx); err != nil {
				c.logger.Warn("Initial full sync failed", "error", err)
			}
		}()
	}

	return stats, nil
}

// FullSync re-downloads all tenants, item types, and items (paginated).
// Each page is upserted on receipt: a failure on page N keeps pages 1..N-1.
// The watermark advances only on full completion.
func (c *Coordinator) FullSync(ctx context.Context) (*SyncResult, error) {
	if !c.beginSync() {
		c.logger.Debug("Full sync rejected, another sync is running")
		return &SyncResult{Success: false, Reason: ReasonAlreadyInProgress}, nil
	}
	defer c.endSync()

	c.events.Publish(Event{Status: StatusSyncing, Message: "Full sync started"})
	c.logger.Info("Full sync started")

	result, err := c.runFullSync(ctx)
	if err != nil {
		c.logger.Error("Full sync failed", "error", err)
		c.events.Publish(Event{Status: StatusError, Message: "Full sync failed", Error: err.Error()})
		return result, err
	}

	stats, statsErr := c.store.Stats()
	if statsErr == nil {
		result.Stats = stats
	}
	c.logger.Info("Full sync completed", "items", result.ItemsCount, "pages", result.Pages)
	c.events.Publish(Event{Status: StatusCompleted, Message: "Full sync completed", Stats: result.Stats})
	return result, nil
}

func (c *Coordinator) runFullSync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}

	tenants, err := c.client.FetchTenants(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to fetch tenants: %w", err)
	}
	if _, err := c.store.UpsertTenants(tenants); err != nil {
		return result, err
	}

	itemTypes, err := c.client.FetchItemTypes(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to fetch item types: %w", err)
	}
	if _, err := c.store.UpsertItemTypes(itemTypes); err != nil {
		return result, err
	}

	if err := c.syncItemPages(ctx, time.Time{}, fullSyncMaxPages, result); err != nil {
		return result, err
	}

	if err := c.store.SetSyncWatermark(c.now()); err != nil {
		return result, err
	}

	result.Success = true
	return result, nil
}

// DeltaSync downloads only items updated since the watermark. Without a
// watermark it delegates entirely to FullSync. The watermark always
// advances on completion, even when nothing changed, so clock drift cannot
// cause repeated full rescans.
func (c *Coordinator) DeltaSync(ctx context.Context) (*SyncResult, error) {
	watermark, ok, err := c.store.GetSyncWatermark()
	if err != nil {
		return &SyncResult{}, err
	}
	if !ok {
		c.logger.Info("No sync watermark, falling back to full sync")
		return c.FullSync(ctx)
	}

	if !c.beginSync() {
		c.logger.Debug("Delta sync rejected, another sync is running")
		return &SyncResult{Success: false, Reason: ReasonAlreadyInProgress}, nil
	}
	defer c.endSync()

	since := watermark.Add(-c.overlap)

	c.events.Publish(Event{Status: StatusSyncing, Message: "Delta sync started"})
	c.logger.Debug("Delta sync started", "since", since.Format(time.RFC3339))

	result := &SyncResult{}
	if err := c.syncItemPages(ctx, since, deltaSyncMaxPages, result); err != nil {
		c.logger.Error("Delta sync failed", "error", err)
		c.events.Publish(Event{Status: StatusError, Message: "Delta sync failed", Error: err.Error()})
		return result, err
	}

	if err := c.store.SetSyncWatermark(c.now()); err != nil {
		return result, err
	}

	result.Success = true
	stats, statsErr := c.store.Stats()
	if statsErr == nil {
		result.Stats = stats
	}
	c.logger.Info("Delta sync completed", "items", result.ItemsCount, "pages", result.Pages)
	c.events.Publish(Event{Status: StatusCompleted, Message: "Delta sync completed", Stats: result.Stats})
	return result, nil
}

// syncItemPages walks the item listing in ascending page order, upserting
// each page as it arrives, until the server reports no further pages or
// maxPages is hit.
func (c *Coordinator) syncItemPages(ctx context.Context, updatedSince time.Time, maxPages int, result *SyncResult) error {
	for page := 1; page <= maxPages; page++ {
		itemsPage, err := c.client.FetchItemsPage(ctx, page, c.pageSize, updatedSince)
		if err != nil {
			return fmt.Errorf("failed to fetch items page %d: %w", page, err)
		}

		upserted, err := c.store.UpsertItems(itemsPage.Data)
		if err != nil {
			return fmt.Errorf("failed to store items page %d: %w", page, err)
		}

		result.ItemsCount += upserted.Upserted
		result.Skipped += upserted.Skipped
		result.Pages = page

		c.events.Publish(Event{
			Status:  StatusSyncing,
			Message: fmt.Sprintf("Synchronized page %d", page),
			Progress: &Progress{
				Page:       page,
				TotalItems: itemsPage.Pagination.Total,
				TotalPages: itemsPage.Pagination.TotalPages,
			},
		})

		if page >= itemsPage.Pagination.TotalPages || len(itemsPage.Data) == 0 {
			break
		}
	}
	return nil
}

// ProcessPendingOperations drains up to one queue page (oldest first),
// replaying each operation against the API. Confirmed operations are
// removed immediately so partial progress survives a later failure. The
// first offline-class failure stops the pass; a remote rejection records
// retry metadata and continues.
func (c *Coordinator) ProcessPendingOperations(ctx context.Context) (*DrainResult, error) {
	ops, err := c.store.ListPendingOperations(100)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	for _, op := range ops {
		var body interface{}
		if op.Payload != "" {
			body = json.RawMessage(op.Payload)
		}

		_, err := c.client.Do(ctx, op.Method, op.Endpoint, body)
		if err == nil {
			if removeErr := c.store.RemovePendingOperation(op.ID); removeErr != nil {
				c.logger.Warn("Failed to remove confirmed operation", "id", op.ID, "error", removeErr)
			}
			result.Processed++
			c.logger.Debug("Replayed queued operation", "id", op.ID, "type", op.OperationType)
			continue
		}

		if recordErr := c.store.RecordPendingOperationFailure(op.ID, err.Error()); recordErr != nil {
			c.logger.Warn("Failed to record operation failure", "id", op.ID, "error", recordErr)
		}
		result.Failed++

		if remote.IsOffline(err) {
			// No point timing out on every remaining operation; they stay
			// queued for the next attempt.
			c.logger.Info("Queue drain stopped, server unreachable", "remaining", len(ops)-result.Processed-result.Failed)
			result.Stopped = true
			break
		}

		c.logger.Warn("Queued operation rejected by server", "id", op.ID, "error", err)
	}

	return result, nil
}

// QueueOperation appends a remote mutation to the offline queue. When the
// client currently looks online, a drain attempt is scheduled immediately;
// its failure is silent and left to the next opportunity.
func (c *Coordinator) QueueOperation(opType, endpoint, method string, payload interface{}) (int64, error) {
	var encoded string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode payload: %w", err)
		}
		encoded = string(data)
	}

	id, err := c.store.EnqueuePendingOperation(opType, endpoint, method, encoded)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("Queued operation", "id", id, "type", opType, "endpoint", endpoint)

	if c.client.Online() {
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if _, err := c.ProcessPendingOperations(drainCtx); err != nil {
				c.logger.Debug("Post-enqueue drain failed", "error", err)
			}
		}()
	}

	return id, nil
}

// MarkItemsClean reports items as clean, preferring the direct API call and
// falling back to the offline queue on any failure. The caller always gets
// an applied-or-queued result, never a hard failure, unless even the local
// enqueue fails.
func (c *Coordinator) MarkItemsClean(ctx context.Context, itemIDs []string) (*MarkCleanResult, error) {
	err := c.client.MarkItemsClean(ctx, itemIDs)
	if err == nil {
		c.logger.Info("Items marked clean", "count", len(itemIDs))
		return &MarkCleanResult{Applied: true}, nil
	}

	c.logger.Warn("Mark-clean failed, queueing for replay", "count", len(itemIDs), "error", err)

	id, queueErr := c.QueueOperation("mark_clean", "/items/mark-clean", "POST",
		map[string]interface{}{"itemIds": itemIDs})
	if queueErr != nil {
		return nil, fmt.Errorf("mark-clean failed and could not be queued: %w", queueErr)
	}

	return &MarkCleanResult{Queued: true, OperationID: id}, nil
}

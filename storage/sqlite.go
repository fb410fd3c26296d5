package storage

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const timeFormat = time.RFC3339Nano

// watermarkKey is the sync_meta key holding the last-sync watermark.
const watermarkKey = "sync_watermark"

// Store is the station's local cache: server-authoritative items, tenants
// and item types, the offline write queue, and sync metadata.
//
// The working database lives in memory; durability comes from snapshot
// flushes to snapshotPath (a whole-file overwrite via VACUUM INTO plus
// rename). The in-memory state stays authoritative for the process lifetime
// even when a flush fails.
type Store struct {
	snapshotPath string
	logger       Logger

	mu sync.Mutex
	db *sql.DB

	// rev increments on every mutation; flushedRev records the revision the
	// last successful flush serialized. A mutation arriving during an
	// in-flight flush keeps rev ahead of flushedRev, so it is retried on the
	// next tick rather than silently considered saved.
	rev        int64
	flushedRev int64

	flushStop chan struct{}
	flushWG   sync.WaitGroup
}

// NewStore creates a store that will persist snapshots at snapshotPath.
// Call Open before use.
func NewStore(snapshotPath string, logger Logger) *Store {
	return &Store{
		snapshotPath: snapshotPath,
		logger:       logger,
	}
}

// Open loads the persisted snapshot if one exists, otherwise starts empty,
// and ensures the schema exists. Calling Open on an already-open store is a
// no-op returning nil.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection so every caller shares the one in-memory database
	// and writers are serialized. database/sql hands each new connection its
	// own empty :memory: database otherwise.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if s.snapshotPath != "" {
		if _, statErr := os.Stat(s.snapshotPath); statErr == nil {
			if err := restoreSnapshot(db, s.snapshotPath); err != nil {
				// A snapshot we cannot read is set aside rather than fatal:
				// the station can rebuild the cache from the server.
				backup := s.snapshotPath + ".corrupt-" + time.Now().Format("20060102_150405")
				renameErr := os.Rename(s.snapshotPath, backup)
				if s.logger != nil {
					s.logger.Warn("Snapshot restore failed, starting with empty cache",
						"error", err, "backup", backup, "renameError", renameErr)
				}
			}
		}
	}

	s.db = db
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	rfid_tag TEXT NOT NULL UNIQUE,
	tenant_id TEXT,
	item_type_id TEXT,
	status TEXT,
	tenant_name TEXT,
	item_type_name TEXT,
	updated_at TEXT,
	synced_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_items_rfid ON items(rfid_tag);
CREATE INDEX IF NOT EXISTS idx_items_tenant ON items(tenant_id);

CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT,
	qr_code TEXT,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS item_types (
	id TEXT PRIMARY KEY,
	name TEXT,
	sort_order INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pending_operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_type TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	payload TEXT,
	created_at TEXT NOT NULL,
	retry_count INTEGER DEFAULT 0,
	last_error TEXT
);

CREATE TABLE IF NOT EXISTS sync_meta (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at TEXT
);
`

// snapshotTables lists every table carried by the snapshot, restore copies
// them in this order.
var snapshotTables = []string{"items", "tenants", "item_types", "pending_operations", "sync_meta"}

// quoteSQLString escapes a string for inlining into SQL. ATTACH and VACUUM
// INTO take filename expressions where parameter binding is not reliable
// across drivers.
func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// restoreSnapshot copies the snapshot's tables into the in-memory database.
func restoreSnapshot(db *sql.DB, path string) error {
	if _, err := db.Exec("ATTACH DATABASE " + quoteSQLString(path) + " AS snap"); err != nil {
		return fmt.Errorf("failed to attach snapshot: %w", err)
	}
	defer db.Exec("DETACH DATABASE snap")

	for _, table := range snapshotTables {
		var present int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM snap.sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&present)
		if err != nil {
			return fmt.Errorf("failed to inspect snapshot: %w", err)
		}
		if present == 0 {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("INSERT OR REPLACE INTO main.%s SELECT * FROM snap.%s", table, table)); err != nil {
			return fmt.Errorf("failed to restore table %s: %w", table, err)
		}
	}

	// Keep AUTOINCREMENT counters so restored pending operation ids never
	// restart below already-issued ids.
	var hasSeq int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM snap.sqlite_master WHERE type='table' AND name='sqlite_sequence'",
	).Scan(&hasSeq); err == nil && hasSeq > 0 {
		db.Exec("DELETE FROM main.sqlite_sequence")
		db.Exec("INSERT INTO main.sqlite_sequence SELECT * FROM snap.sqlite_sequence")
	}

	return nil
}

// touch marks the store dirty. Callers hold no lock.
func (s *Store) touch() {
	s.mu.Lock()
	s.rev++
	s.mu.Unlock()
}

// handle returns the open database or ErrNotOpen.
func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotOpen
	}
	return s.db, nil
}

// LookupByRFID finds the cached item with exactly the given tag, matched
// case-insensitively (tags are stored uppercase). Tenant and item type names
// come from the live join when available, falling back to the denormalized
// copies captured at sync time. ErrNotFound is a normal outcome.
func (s *Store) LookupByRFID(tag string) (*CachedItem, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	normalized := strings.ToUpper(strings.TrimSpace(tag))
	if normalized == "" {
		return nil, ErrNotFound
	}

	row := db.QueryRow(`
		SELECT i.id, i.rfid_tag, i.tenant_id, i.item_type_id, i.status,
		       COALESCE(t.name, i.tenant_name, ''),
		       COALESCE(y.name, i.item_type_name, ''),
		       i.updated_at, i.synced_at
		FROM items i
		LEFT JOIN tenants t ON t.id = i.tenant_id
		LEFT JOIN item_types y ON y.id = i.item_type_id
		WHERE i.rfid_tag = ?`, normalized)

	var item CachedItem
	var updatedAt, syncedAt string
	err = row.Scan(&item.ID, &item.RFIDTag, &item.TenantID, &item.ItemTypeID,
		&item.Status, &item.TenantName, &item.ItemTypeName, &updatedAt, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up item: %w", err)
	}

	item.UpdatedAt = parseStoredTime(updatedAt)
	item.SyncedAt = parseStoredTime(syncedAt)
	return &item, nil
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertItems replaces cached items wholesale by id inside one transaction.
// Records missing their RFID tag are counted as skipped and do not fail the
// batch; any other failure rolls the whole batch back.
func (s *Store) UpsertItems(records []map[string]interface{}) (UpsertResult, error) {
	db, err := s.handle()
	if err != nil {
		return UpsertResult{}, err
	}

	tx, err := db.Begin()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO items
		(id, rfid_tag, tenant_id, item_type_id, status, tenant_name, item_type_name, updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return UpsertResult{}, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var result UpsertResult

	for _, record := range records {
		item, ok := normalizeItem(record)
		if !ok {
			result.Skipped++
			continue
		}

		var updatedAt string
		if !item.UpdatedAt.IsZero() {
			updatedAt = item.UpdatedAt.UTC().Format(timeFormat)
		}

		if _, err := stmt.Exec(item.ID, item.RFIDTag, item.TenantID, item.ItemTypeID,
			item.Status, item.TenantName, item.ItemTypeName, updatedAt,
			now.Format(timeFormat)); err != nil {
			tx.Rollback()
			return UpsertResult{}, fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
		}
		result.Upserted++
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit upsert: %w", err)
	}

	s.touch()
	return result, nil
}

// UpsertTenants replaces cached tenants wholesale by id inside one
// transaction.
func (s *Store) UpsertTenants(records []map[string]interface{}) (UpsertResult, error) {
	db, err := s.handle()
	if err != nil {
		return UpsertResult{}, err
	}

	tx, err := db.Begin()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var result UpsertResult
	for _, record := range records {
		tenant, ok := normalizeTenant(record)
		if !ok {
			result.Skipped++
			continue
		}
		var updatedAt string
		if !tenant.UpdatedAt.IsZero() {
			updatedAt = tenant.UpdatedAt.UTC().Format(timeFormat)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO tenants (id, name, qr_code, updated_at)
			VALUES (?, ?, ?, ?)`,
			tenant.ID, tenant.Name, tenant.QRCode, updatedAt); err != nil {
			tx.Rollback()
			return UpsertResult{}, fmt.Errorf("failed to upsert tenant %s: %w", tenant.ID, err)
		}
		result.Upserted++
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit tenants: %w", err)
	}

	s.touch()
	return result, nil
}

// UpsertItemTypes replaces cached item types wholesale by id inside one
// transaction.
func (s *Store) UpsertItemTypes(records []map[string]interface{}) (UpsertResult, error) {
	db, err := s.handle()
	if err != nil {
		return UpsertResult{}, err
	}

	tx, err := db.Begin()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var result UpsertResult
	for _, record := range records {
		itemType, ok := normalizeItemType(record)
		if !ok {
			result.Skipped++
			continue
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO item_types (id, name, sort_order)
			VALUES (?, ?, ?)`,
			itemType.ID, itemType.Name, itemType.SortOrder); err != nil {
			tx.Rollback()
			return UpsertResult{}, fmt.Errorf("failed to upsert item type %s: %w", itemType.ID, err)
		}
		result.Upserted++
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to commit item types: %w", err)
	}

	s.touch()
	return result, nil
}

// EnqueuePendingOperation appends a remote mutation to the offline queue and
// returns its assigned id. Once this returns, the operation is part of the
// durable snapshot until explicitly removed.
func (s *Store) EnqueuePendingOperation(opType, endpoint, method, payload string) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	res, err := db.Exec(`
		INSERT INTO pending_operations (operation_type, endpoint, method, payload, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, 0)`,
		opType, endpoint, method, payload, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read operation id: %w", err)
	}

	s.touch()
	return id, nil
}

// ListPendingOperations returns up to limit queued operations, oldest first.
// Callers must not assume the whole queue fits in one call.
func (s *Store) ListPendingOperations(limit int) ([]*PendingOperation, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(`
		SELECT id, operation_type, endpoint, method, payload, created_at, retry_count, COALESCE(last_error, '')
		FROM pending_operations
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		var op PendingOperation
		var createdAt string
		if err := rows.Scan(&op.ID, &op.OperationType, &op.Endpoint, &op.Method,
			&op.Payload, &createdAt, &op.RetryCount, &op.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		op.CreatedAt = parseStoredTime(createdAt)
		ops = append(ops, &op)
	}

	return ops, rows.Err()
}

// RemovePendingOperation deletes a queued operation after its confirmed
// remote apply.
func (s *Store) RemovePendingOperation(id int64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	res, err := db.Exec(`DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove operation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.touch()
	return nil
}

// RecordPendingOperationFailure increments the retry count and stores the
// last error without removing the row.
func (s *Store) RecordPendingOperationFailure(id int64, errorMessage string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	res, err := db.Exec(`
		UPDATE pending_operations
		SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to record failure for operation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.touch()
	return nil
}

// GetSyncWatermark returns the last sync watermark. ok is false when no
// sync has completed yet.
func (s *Store) GetSyncWatermark() (watermark time.Time, ok bool, err error) {
	db, err := s.handle()
	if err != nil {
		return time.Time{}, false, err
	}

	var value string
	err = db.QueryRow(`SELECT value FROM sync_meta WHERE key = ?`, watermarkKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark: %w", err)
	}

	t, parseErr := time.Parse(timeFormat, value)
	if parseErr != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SetSyncWatermark advances the watermark. It is monotonic: a value at or
// before the stored watermark leaves it unchanged.
func (s *Store) SetSyncWatermark(value time.Time) error {
	current, ok, err := s.GetSyncWatermark()
	if err != nil {
		return err
	}
	if ok && !value.After(current) {
		return nil
	}

	db, err := s.handle()
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeFormat)
	_, err = db.Exec(`
		INSERT INTO sync_meta (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		watermarkKey, value.UTC().Format(timeFormat), now)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}

	s.touch()
	return nil
}

// Stats returns cache counts and the last sync time.
func (s *Store) Stats() (*Stats, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM items", &stats.ItemsCount},
		{"SELECT COUNT(*) FROM tenants", &stats.TenantsCount},
		{"SELECT COUNT(*) FROM item_types", &stats.ItemTypesCount},
		{"SELECT COUNT(*) FROM pending_operations", &stats.PendingOperationsCount},
	}
	for _, c := range counts {
		if err := db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
	}

	if watermark, ok, err := s.GetSyncWatermark(); err == nil && ok {
		stats.LastSyncTime = &watermark
	}

	return stats, nil
}

// Flush writes a snapshot to disk if the store is dirty. The revision
// serialized is recorded only after the rename succeeds, so a flush that
// fails (or that races a concurrent mutation) leaves the store dirty and is
// retried on the next tick.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.rev == s.flushedRev {
		s.mu.Unlock()
		return nil
	}
	db := s.db
	rev := s.rev
	path := s.snapshotPath
	s.mu.Unlock()

	if path == "" {
		return nil
	}

	tmp := path + ".tmp"
	os.Remove(tmp)

	if _, err := db.Exec("VACUUM INTO " + quoteSQLString(tmp)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	s.mu.Lock()
	if rev > s.flushedRev {
		s.flushedRev = rev
	}
	s.mu.Unlock()
	return nil
}

// StartAutoFlush starts the background snapshot task. Flush failures are
// logged and retried on the next tick; they never propagate to callers.
func (s *Store) StartAutoFlush(interval time.Duration) {
	s.mu.Lock()
	if s.flushStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.flushStop = stop
	s.mu.Unlock()

	s.flushWG.Add(1)
	go func() {
		defer s.flushWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Flush(); err != nil {
					if s.logger != nil {
						s.logger.Warn("Cache snapshot flush failed", "error", err)
					}
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoFlush stops the background snapshot task deterministically.
func (s *Store) StopAutoFlush() {
	s.mu.Lock()
	stop := s.flushStop
	s.flushStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.flushWG.Wait()
	}
}

// Close stops the auto-flush task, attempts a final flush, and closes the
// database. The final flush failing is logged, not fatal.
func (s *Store) Close() error {
	s.StopAutoFlush()

	if err := s.Flush(); err != nil && err != ErrNotOpen {
		if s.logger != nil {
			s.logger.Warn("Final cache flush failed", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

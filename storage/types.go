package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no cached row. It is a
	// normal outcome for RFID lookups, not a failure.
	ErrNotFound = errors.New("not found in local cache")
	// ErrNotOpen is returned when an operation runs before Open succeeded
	ErrNotOpen = errors.New("store is not open")
)

// Logger interface for storage operations
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// CachedItem is the local copy of a server-authoritative textile item.
// RFIDTag is stored uppercase; TenantName and ItemTypeName are a best-effort
// join cache filled during sync so lookups can render without extra queries.
type CachedItem struct {
	ID           string    `json:"id"`
	RFIDTag      string    `json:"rfidTag"`
	TenantID     string    `json:"tenantId,omitempty"`
	ItemTypeID   string    `json:"itemTypeId,omitempty"`
	Status       string    `json:"status,omitempty"`
	TenantName   string    `json:"tenantName,omitempty"`
	ItemTypeName string    `json:"itemTypeName,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"` // remote timestamp
	SyncedAt     time.Time `json:"syncedAt"`  // local fetch time
}

// CachedTenant is the local read-only copy of a tenant record.
type CachedTenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	QRCode    string    `json:"qrCode,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CachedItemType is the local read-only copy of an item type record.
type CachedItemType struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sortOrder"`
}

// PendingOperation is a not-yet-acknowledged remote mutation. Operations are
// replayed strictly in id order and removed only after a confirmed remote
// apply.
type PendingOperation struct {
	ID            int64     `json:"id"`
	OperationType string    `json:"operationType"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	Payload       string    `json:"payload,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	RetryCount    int       `json:"retryCount"`
	LastError     string    `json:"lastError,omitempty"`
}

// UpsertResult reports how a bulk upsert went. Skipped counts records that
// were missing their RFID tag; they never fail the batch.
type UpsertResult struct {
	Upserted int `json:"upserted"`
	Skipped  int `json:"skipped"`
}

// Stats summarizes the cache contents.
type Stats struct {
	ItemsCount             int        `json:"itemsCount"`
	TenantsCount           int        `json:"tenantsCount"`
	ItemTypesCount         int        `json:"itemTypesCount"`
	PendingOperationsCount int        `json:"pendingOperationsCount"`
	LastSyncTime           *time.Time `json:"lastSyncTime,omitempty"`
}

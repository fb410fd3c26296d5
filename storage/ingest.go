package storage

import (
	"strings"
	"time"
)

// The remote API has shipped both camelCase and snake_case field names for
// the same logical fields over its lifetime. All of that tolerance lives
// here, at the ingestion boundary: the normalize* functions accept a raw
// decoded record and produce a typed row, trying each known spelling in
// order. Nothing outside this file looks at raw field names.

// rawField returns the first present, non-empty string value among the
// given key spellings.
func rawField(record map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := record[key]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// rawNumber returns the first present numeric value among the given key
// spellings. JSON decoding yields float64 for numbers.
func rawNumber(record map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := record[key]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case int:
				return float64(n), true
			case int64:
				return float64(n), true
			}
		}
	}
	return 0, false
}

// rawTime parses the first present timestamp among the given key spellings.
// The API emits ISO 8601 strings.
func rawTime(record map[string]interface{}, keys ...string) time.Time {
	raw := rawField(record, keys...)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// normalizeItem maps a raw item record to a CachedItem. The second return
// value is false when the record has no RFID tag; such records are skipped
// (and counted) by the caller, never failed.
func normalizeItem(record map[string]interface{}) (CachedItem, bool) {
	tag := rawField(record, "rfidTag", "rfid_tag")
	if tag == "" {
		return CachedItem{}, false
	}

	item := CachedItem{
		ID:           rawField(record, "id"),
		RFIDTag:      strings.ToUpper(tag),
		TenantID:     rawField(record, "tenantId", "tenant_id"),
		ItemTypeID:   rawField(record, "itemTypeId", "item_type_id"),
		Status:       rawField(record, "status"),
		TenantName:   rawField(record, "tenantName", "tenant_name"),
		ItemTypeName: rawField(record, "itemTypeName", "item_type_name"),
		UpdatedAt:    rawTime(record, "updatedAt", "updated_at"),
	}
	if item.ID == "" {
		// Some API versions key items by tag alone; fall back so the row
		// still has a stable primary key.
		item.ID = item.RFIDTag
	}
	return item, true
}

// normalizeTenant maps a raw tenant record to a CachedTenant. Records
// without an id are skipped.
func normalizeTenant(record map[string]interface{}) (CachedTenant, bool) {
	id := rawField(record, "id")
	if id == "" {
		return CachedTenant{}, false
	}
	return CachedTenant{
		ID:        id,
		Name:      rawField(record, "name"),
		QRCode:    rawField(record, "qrCode", "qr_code"),
		UpdatedAt: rawTime(record, "updatedAt", "updated_at"),
	}, true
}

// normalizeItemType maps a raw item type record to a CachedItemType.
// Records without an id are skipped.
func normalizeItemType(record map[string]interface{}) (CachedItemType, bool) {
	id := rawField(record, "id")
	if id == "" {
		return CachedItemType{}, false
	}
	sortOrder, _ := rawNumber(record, "sortOrder", "sort_order")
	return CachedItemType{
		ID:        id,
		Name:      rawField(record, "name"),
		SortOrder: int(sortOrder),
	}, true
}

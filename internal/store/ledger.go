package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Ledger entry categories. The ledger is the audit trail behind /api/ledger:
// layout mutations, fired alerts, and runtime faults all land here.
const (
	LedgerRoiCreated     = "roi_created"
	LedgerRoiUpdated     = "roi_updated"
	LedgerRoiDeleted     = "roi_deleted"
	LedgerRoiInvalid     = "roi_invalid"
	LedgerLaneOpen       = "lane_open"
	LedgerLaneClosed     = "lane_closed"
	LedgerAlertTriggered = "alert_triggered"
	LedgerRuleChanged    = "rule_changed"
	LedgerSettings       = "settings_changed"
	LedgerVenueStarted   = "venue_started"
	LedgerVenueStopped   = "venue_stopped"
	LedgerSourceError    = "source_error"
	LedgerSystem         = "system"
	LedgerPersistence    = "persist_degraded"
)

// Ledger severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// LedgerEntry is one activity ledger row.
type LedgerEntry struct {
	ID           string          `json:"id"`
	VenueID      string          `json:"venueId"`
	Category     string          `json:"category"`
	Severity     string          `json:"severity"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	TSUnixMillis int64           `json:"ts"`
}

// appendLedger writes one entry, assigning an id when the caller left it
// empty.
func appendLedger(ctx context.Context, e execer, entry *LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("led_%s", uuid.NewString())
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	query := `
		INSERT INTO activity_ledger (id, venue_id, category, severity, message, details_json, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := e.ExecContext(ctx, query,
		entry.ID, entry.VenueID, entry.Category, entry.Severity,
		entry.Message, string(entry.Details), entry.TSUnixMillis,
	); err != nil {
		return fmt.Errorf("append ledger entry %s: %w", entry.ID, err)
	}
	return nil
}

// AppendLedger writes one activity ledger entry.
func (s *Store) AppendLedger(ctx context.Context, entry *LedgerEntry) error {
	return appendLedger(ctx, s.DB, entry)
}

// LedgerFilter narrows ListLedger; the window applies to ts_ms.
type LedgerFilter struct {
	VenueID    string
	Category   string
	Severity   string
	FromMillis int64
	ToMillis   int64
	Limit      int
}

// ListLedger returns ledger entries newest-first.
func (s *Store) ListLedger(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error) {
	query := `
		SELECT id, venue_id, category, severity, message, details_json, ts_ms
		FROM activity_ledger
		WHERE 1=1
	`
	var args []any
	if f.VenueID != "" {
		query += " AND venue_id = ?"
		args = append(args, f.VenueID)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if f.FromMillis > 0 {
		query += " AND ts_ms >= ?"
		args = append(args, f.FromMillis)
	}
	if f.ToMillis > 0 {
		query += " AND ts_ms <= ?"
		args = append(args, f.ToMillis)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY ts_ms DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var entry LedgerEntry
		var details string
		if err := rows.Scan(
			&entry.ID, &entry.VenueID, &entry.Category, &entry.Severity,
			&entry.Message, &details, &entry.TSUnixMillis,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if details != "" {
			entry.Details = json.RawMessage(details)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

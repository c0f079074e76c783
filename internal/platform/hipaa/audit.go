// Package hipaa persists the portal's audit trail: one row per data access,
// export or rejected export, kept in the accounts store.
package hipaa

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/researchportal/internal/platform/db"
	"github.com/ehr/researchportal/internal/platform/sqlq"
	"github.com/ehr/researchportal/internal/platform/telemetry"
)

// Audit categories.
const (
	CategoryDataAccess = "DATA_ACCESS"
	CategoryDataExport = "DATA_EXPORT"
)

// Entry is one audit_trail row. UserID is nil for anonymous requests.
type Entry struct {
	ID          int64          `json:"id"`
	EventID     uuid.UUID      `json:"event_id"`
	UserID      *int64         `json:"user_id"`
	EventType   string         `json:"event_type"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	IPAddress   string         `json:"ip_address"`
	UserAgent   string         `json:"user_agent"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// AuditTrail writes and searches the audit_trail table.
type AuditTrail struct {
	q       db.Querier
	metrics *telemetry.Metrics
}

// NewAuditTrail creates an AuditTrail over the accounts store.
func NewAuditTrail(q db.Querier) *AuditTrail {
	return &AuditTrail{q: q}
}

// SetMetrics enables audit write counters.
func (a *AuditTrail) SetMetrics(m *telemetry.Metrics) {
	a.metrics = m
}

// Record inserts e and fills in its ID, EventID and CreatedAt. The write is
// synchronous; callers that must not proceed unaudited check the error.
func (a *AuditTrail) Record(ctx context.Context, e *Entry) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	var ip *string
	if parsed := net.ParseIP(e.IPAddress); parsed != nil {
		s := parsed.String()
		ip = &s
	}

	err := a.q.QueryRow(ctx, `
		INSERT INTO audit_trail (event_id, user_id, event_type, category, description, metadata, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7::inet, $8)
		RETURNING id, created_at`,
		e.EventID, e.UserID, e.EventType, e.Category, e.Description, e.Metadata, ip, e.UserAgent,
	).Scan(&e.ID, &e.CreatedAt)
	a.metrics.AuditWrite(e.Category, err)
	if err != nil {
		return fmt.Errorf("hipaa audit: record %s: %w", e.EventType, err)
	}
	return nil
}

// SearchParams filters an audit search. Zero values match everything.
type SearchParams struct {
	UserID    *int64
	EventType string
	Category  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

var entryCols = []string{
	"a.id", "a.event_id", "a.user_id", "a.event_type", "a.category", "a.description",
	"a.metadata", "COALESCE(host(a.ip_address), '')", "a.user_agent", "a.created_at",
}

func searchQuery(p SearchParams) *sqlq.Select {
	q := sqlq.From("audit_trail a", entryCols...)
	if p.UserID != nil {
		q.WhereEq("a.user_id", *p.UserID)
	}
	if p.EventType != "" {
		q.WhereEq("a.event_type", p.EventType)
	}
	if p.Category != "" {
		q.WhereEq("a.category", p.Category)
	}
	if p.Since != nil {
		q.WhereGTE("a.created_at", *p.Since)
	}
	if p.Until != nil {
		q.WhereLTE("a.created_at", *p.Until)
	}
	return q.OrderBy(sqlq.Desc("a.created_at"), sqlq.Desc("a.id"))
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.EventID, &e.UserID, &e.EventType, &e.Category, &e.Description,
		&e.Metadata, &e.IPAddress, &e.UserAgent, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Search returns one page of matching entries, newest first, and the total
// number of matches.
func (a *AuditTrail) Search(ctx context.Context, p SearchParams) ([]*Entry, int64, error) {
	q := searchQuery(p)

	var total int64
	sql, args := q.Count("a.id")
	if err := a.q.QueryRow(ctx, sql, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: count: %w", err)
	}

	sql, args = q.Page(p.Limit, p.Offset)
	rows, err := a.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: search: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("hipaa audit: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

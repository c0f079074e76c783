// Package export materializes a saved cohort into downloadable files. Every
// export is synchronous, re-derives the cohort's visits under the caller's
// current tier, and is written to the audit trail before it is returned.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/domain/cohort"
	"github.com/ehr/researchportal/internal/domain/visit"
	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/internal/platform/apperror"
	"github.com/ehr/researchportal/internal/platform/hipaa"
	"github.com/ehr/researchportal/internal/platform/telemetry"
)

// DefaultMaxRecords is the largest visit set an export may cover.
const DefaultMaxRecords int64 = 100000

// Audit event types.
const (
	EventSingleTable         = "EXPORT_SINGLE_TABLE"
	EventSingleTableWithDocs = "EXPORT_SINGLE_TABLE_WITH_DOCS"
	EventAllTables           = "EXPORT_ALL_TABLES"
	EventAllTablesWithDocs   = "EXPORT_ALL_TABLES_WITH_DOCS"
	EventDenied              = "EXPORT_DENIED"
	EventRejected            = "EXPORT_REJECTED"
)

// Export scopes, used as metric labels.
const (
	ScopeSingle = "single_table"
	ScopeAll    = "all_tables"
)

// CohortFinder loads a cohort regardless of owner.
type CohortFinder interface {
	Find(ctx context.Context, id int64) (*cohort.Cohort, error)
}

// VisitSource re-derives a cohort's visits under the access policy.
type VisitSource interface {
	Count(ctx context.Context, p *access.Principal, spec *filterspec.Spec) (int64, error)
	IDs(ctx context.Context, p *access.Principal, spec *filterspec.Spec) (*visit.IDSet, error)
}

// SingleRequest asks for one table of a cohort.
type SingleRequest struct {
	CohortID    int64
	TableID     string
	IncludeDocs bool
	Format      string
}

// AllRequest asks for every table of a cohort.
type AllRequest struct {
	CohortID    int64
	IncludeDocs bool
}

// Client identifies where an export request came from, for the audit trail.
type Client struct {
	IPAddress string
	UserAgent string
}

// Result is a generated export file and the audit entry that covers it.
type Result struct {
	Filename    string
	ContentType string
	Body        []byte
	RecordCount int
	Audit       *hipaa.Entry
}

type Service struct {
	cohorts    CohortFinder
	validator  *filterspec.Validator
	visits     VisitSource
	repo       Repository
	audit      hipaa.Recorder
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	maxRecords int64
	now        func() time.Time
}

func NewService(cohorts CohortFinder, validator *filterspec.Validator, visits VisitSource,
	repo Repository, audit hipaa.Recorder, logger zerolog.Logger) *Service {
	return &Service{
		cohorts:    cohorts,
		validator:  validator,
		visits:     visits,
		repo:       repo,
		audit:      audit,
		logger:     logger,
		maxRecords: DefaultMaxRecords,
		now:        time.Now,
	}
}

// SetMetrics attaches optional export metrics.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// SetMaxRecords overrides the visit ceiling. Non-positive values are
// ignored.
func (s *Service) SetMaxRecords(n int64) {
	if n > 0 {
		s.maxRecords = n
	}
}

// WithClock replaces the time source used for file names and READMEs.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ParseCohortID accepts a JSON number or numeric string and requires a
// positive integer.
func ParseCohortID(raw any) (int64, error) {
	var id int64
	switch v := raw.(type) {
	case float64:
		if v == float64(int64(v)) {
			id = int64(v)
		}
	case json.Number:
		id, _ = v.Int64()
	case string:
		id, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	case int64:
		id = v
	case int:
		id = int64(v)
	}
	if id <= 0 {
		return 0, apperror.NewValidation("cohort_id", "must be a positive integer")
	}
	return id, nil
}

// job is a cohort whose visits have been counted and whose id sets have
// been derived. The cohort is read once per export.
type job struct {
	cohort *cohort.Cohort
	spec   *filterspec.Spec
	ids    *visit.IDSet
	visits int64
}

// ExportSingle exports one registry table of a cohort as CSV or XLSX, or as
// a ZIP with a README when IncludeDocs is set.
func (s *Service) ExportSingle(ctx context.Context, p *access.Principal, req SingleRequest, client Client) (*Result, error) {
	verr := &apperror.ValidationError{}
	if req.CohortID <= 0 {
		verr.Add("cohort_id", "must be a positive integer")
	}
	t, ok := LookupTable(req.TableID)
	if !ok {
		verr.Add("table_id", fmt.Sprintf("invalid table id %q; allowed: %s",
			req.TableID, strings.Join(TableIDs(), ", ")))
	}
	format := strings.ToLower(req.Format)
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatXLSX {
		verr.Add("format", fmt.Sprintf("unsupported format %q; allowed: csv, xlsx", req.Format))
	}
	if err := verr.OrNil(); err != nil {
		s.metrics.ExportOutcome(ScopeSingle, "invalid")
		return nil, err
	}

	j, err := s.prepare(ctx, p, req.CohortID, ScopeSingle, client)
	if err != nil {
		return nil, err
	}
	td, err := s.fetch(ctx, t, j.ids)
	if err != nil {
		s.metrics.ExportOutcome(ScopeSingle, "error")
		return nil, err
	}

	encode := encodeCSV
	contentType := contentTypeCSV
	if format == FormatXLSX {
		encode = encodeXLSX
		contentType = contentTypeXLSX
	}
	body, err := encode(td)
	if err != nil {
		s.metrics.ExportOutcome(ScopeSingle, "error")
		return nil, apperror.Internal("encode "+t.ID, err)
	}

	now := s.now()
	base := exportBase(j.cohort.ID, j.cohort.Name, t.ID, now)
	res := &Result{
		Filename:    base + "." + format,
		ContentType: contentType,
		Body:        body,
		RecordCount: len(td.Rows),
	}
	if req.IncludeDocs {
		readme := renderReadme(s.readmeInfo(p, j, []tableData{td}, format, now))
		res.Body, err = encodeZIP([]zipEntry{
			{Name: t.ID + "." + format, Body: body},
			{Name: readmeName, Body: readme},
		}, now)
		if err != nil {
			s.metrics.ExportOutcome(ScopeSingle, "error")
			return nil, apperror.Internal("archive "+t.ID, err)
		}
		res.Filename = base + ".zip"
		res.ContentType = contentTypeZIP
	}

	eventType := EventSingleTable
	if req.IncludeDocs {
		eventType = EventSingleTableWithDocs
	}
	entry := s.entry(p, client, eventType, fmt.Sprintf("Exported table %s (%d records) from cohort %d",
		t.ID, len(td.Rows), j.cohort.ID))
	entry.Metadata["table_id"] = t.ID
	entry.Metadata["record_count"] = len(td.Rows)
	entry.Metadata["include_docs"] = req.IncludeDocs
	entry.Metadata["cohort_id"] = j.cohort.ID
	entry.Metadata["cohort_name"] = SanitizeFilename(j.cohort.Name)
	entry.Metadata["format"] = format
	entry.Metadata["visit_count"] = j.visits
	if err := s.commit(ctx, ScopeSingle, entry); err != nil {
		return nil, err
	}
	s.metrics.ExportedRows(t.ID, len(td.Rows))
	res.Audit = entry
	return res, nil
}

// ExportAll exports every registry table of a cohort into one ZIP.
func (s *Service) ExportAll(ctx context.Context, p *access.Principal, req AllRequest, client Client) (*Result, error) {
	if req.CohortID <= 0 {
		s.metrics.ExportOutcome(ScopeAll, "invalid")
		return nil, apperror.NewValidation("cohort_id", "must be a positive integer")
	}
	j, err := s.prepare(ctx, p, req.CohortID, ScopeAll, client)
	if err != nil {
		return nil, err
	}

	tables := Tables()
	data := make([]tableData, 0, len(tables))
	entries := make([]zipEntry, 0, len(tables)+1)
	counts := make(map[string]int, len(tables))
	total := 0
	for _, t := range tables {
		td, err := s.fetch(ctx, t, j.ids)
		if err != nil {
			s.metrics.ExportOutcome(ScopeAll, "error")
			return nil, err
		}
		body, err := encodeCSV(td)
		if err != nil {
			s.metrics.ExportOutcome(ScopeAll, "error")
			return nil, apperror.Internal("encode "+t.ID, err)
		}
		data = append(data, td)
		entries = append(entries, zipEntry{Name: t.ID + ".csv", Body: body})
		counts[t.ID] = len(td.Rows)
		total += len(td.Rows)
	}

	now := s.now()
	if req.IncludeDocs {
		entries = append(entries, zipEntry{
			Name: readmeName,
			Body: renderReadme(s.readmeInfo(p, j, data, FormatCSV, now)),
		})
	}
	body, err := encodeZIP(entries, now)
	if err != nil {
		s.metrics.ExportOutcome(ScopeAll, "error")
		return nil, apperror.Internal("archive cohort", err)
	}

	eventType := EventAllTables
	if req.IncludeDocs {
		eventType = EventAllTablesWithDocs
	}
	entry := s.entry(p, client, eventType, fmt.Sprintf("Exported %d tables (%d records) from cohort %d",
		len(tables), total, j.cohort.ID))
	entry.Metadata["table_count"] = len(tables)
	entry.Metadata["record_count"] = total
	entry.Metadata["table_counts"] = counts
	entry.Metadata["include_docs"] = req.IncludeDocs
	entry.Metadata["cohort_id"] = j.cohort.ID
	entry.Metadata["cohort_name"] = SanitizeFilename(j.cohort.Name)
	entry.Metadata["visit_count"] = j.visits
	if err := s.commit(ctx, ScopeAll, entry); err != nil {
		return nil, err
	}
	for _, td := range data {
		s.metrics.ExportedRows(td.Table.ID, len(td.Rows))
	}

	return &Result{
		Filename:    exportBase(j.cohort.ID, j.cohort.Name, "all_tables", now) + ".zip",
		ContentType: contentTypeZIP,
		Body:        body,
		RecordCount: total,
		Audit:       entry,
	}, nil
}

// exportBase names an export file without extension. Only the cohort name is
// sanitized and capped so the table and date always survive.
func exportBase(cohortID int64, cohortName, table string, now time.Time) string {
	return fmt.Sprintf("cohort_%d_%s_%s_%s",
		cohortID, SanitizeFilename(cohortName), table, now.UTC().Format("20060102"))
}

// prepare loads the cohort, checks ownership, re-derives its visits under
// p's current tier and enforces the record ceiling before any row is read.
func (s *Service) prepare(ctx context.Context, p *access.Principal, cohortID int64, scope string, client Client) (*job, error) {
	c, err := s.cohorts.Find(ctx, cohortID)
	if errors.Is(err, cohort.ErrNotFound) {
		s.metrics.ExportOutcome(scope, "not_found")
		return nil, apperror.NotFound("cohort")
	}
	if err != nil {
		s.metrics.ExportOutcome(scope, "error")
		return nil, apperror.Internal("load cohort", err)
	}
	if c.OwnerID != p.UserID {
		s.metrics.ExportOutcome(scope, "denied")
		entry := s.entry(p, client, EventDenied, fmt.Sprintf("Denied %s export of cohort %d owned by another user", scope, c.ID))
		entry.Metadata["cohort_id"] = c.ID
		entry.Metadata["scope"] = scope
		s.recordRefusal(ctx, entry)
		return nil, apperror.Forbidden("you do not have permission to export cohort %d", c.ID)
	}

	spec, err := s.validator.ValidateFilters(c.Filters)
	if err != nil {
		s.metrics.ExportOutcome(scope, "invalid")
		return nil, err
	}
	n, err := s.visits.Count(ctx, p, spec)
	if err != nil {
		s.metrics.ExportOutcome(scope, "error")
		return nil, err
	}
	if n > s.maxRecords {
		s.metrics.ExportOutcome(scope, "rejected")
		entry := s.entry(p, client, EventRejected, fmt.Sprintf("Rejected %s export of cohort %d: %d visits exceeds the maximum of %d",
			scope, c.ID, n, s.maxRecords))
		entry.Metadata["cohort_id"] = c.ID
		entry.Metadata["cohort_name"] = SanitizeFilename(c.Name)
		entry.Metadata["scope"] = scope
		entry.Metadata["record_count"] = n
		entry.Metadata["max_records"] = s.maxRecords
		s.recordRefusal(ctx, entry)
		return nil, &apperror.ResourceLimitError{Resource: "visit", Actual: n, Maximum: s.maxRecords}
	}

	ids, err := s.visits.IDs(ctx, p, spec)
	if err != nil {
		s.metrics.ExportOutcome(scope, "error")
		return nil, err
	}
	return &job{cohort: c, spec: spec, ids: ids, visits: n}, nil
}

func (s *Service) fetch(ctx context.Context, t Table, ids *visit.IDSet) (tableData, error) {
	rows, err := s.repo.Rows(ctx, t, t.ids(ids))
	if err != nil {
		return tableData{}, apperror.Internal("fetch "+t.ID, err)
	}
	return tableData{Table: t, Rows: rows}, nil
}

func (s *Service) entry(p *access.Principal, client Client, eventType, description string) *hipaa.Entry {
	uid := p.UserID
	return &hipaa.Entry{
		EventID:     uuid.New(),
		UserID:      &uid,
		EventType:   eventType,
		Category:    hipaa.CategoryDataExport,
		Description: description,
		Metadata:    map[string]any{},
		IPAddress:   client.IPAddress,
		UserAgent:   client.UserAgent,
	}
}

// commit writes the audit entry for a generated export. The export is not
// returned unless the entry is stored.
func (s *Service) commit(ctx context.Context, scope string, e *hipaa.Entry) error {
	if err := s.audit.Record(ctx, e); err != nil {
		s.metrics.ExportOutcome(scope, "audit_failed")
		return apperror.Internal("record export audit", err)
	}
	s.metrics.ExportOutcome(scope, "ok")
	return nil
}

// recordRefusal audits a refused export. The refusal stands even if the
// entry cannot be written.
func (s *Service) recordRefusal(ctx context.Context, e *hipaa.Entry) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error().Err(err).
			Str("event_type", e.EventType).
			Interface("metadata", e.Metadata).
			Msg("failed to record export refusal")
	}
}

func (s *Service) readmeInfo(p *access.Principal, j *job, tables []tableData, ext string, now time.Time) readmeInfo {
	return readmeInfo{
		CohortID:    j.cohort.ID,
		CohortName:  j.cohort.Name,
		Description: j.cohort.Description,
		Filters:     j.spec.Describe(),
		UserID:      p.UserID,
		GeneratedAt: now,
		Tables:      tables,
		FileExt:     ext,
	}
}

package clinical

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/researchportal/internal/platform/db"
	"github.com/ehr/researchportal/internal/platform/sqlq"
)

type repoPG struct{ q db.Querier }

// NewRepoPG returns a Repository backed by the clinical store.
func NewRepoPG(q db.Querier) Repository {
	return &repoPG{q: q}
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender,
		&p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.PostalCode,
		&p.TierID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Address = CombineAddress(p.AddressLine1, p.AddressLine2)
	return &p, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	if err := row.Scan(&p.ID, &p.NPI, &p.FirstName, &p.LastName, &p.Specialty,
		&p.AddressLine1, &p.AddressLine2, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Address = CombineAddress(p.AddressLine1, p.AddressLine2)
	return &p, nil
}

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	if err := row.Scan(&e.ID, &e.PatientID, &e.ProviderID, &e.EncounterType,
		&e.StartTime, &e.EndTime, &e.TierID, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanFile(row pgx.Row) (*EncounterFile, error) {
	var f EncounterFile
	if err := row.Scan(&f.ID, &f.EncounterID, &f.FileType, &f.FilePath, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// collect runs sql and scans every row.
func collect[T any](ctx context.Context, q db.Querier, what, sql string, args []any, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()
	items := []*T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

// page returns one page of sel and its total row count.
func page[T any](ctx context.Context, q db.Querier, what, key string, sel *sqlq.Select, limit, offset int, scan func(pgx.Row) (*T, error)) ([]*T, int64, error) {
	countSQL, countArgs := sel.Count(key)
	var total int64
	if err := q.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", what, err)
	}
	sql, args := sel.Page(limit, offset)
	items, err := collect(ctx, q, what, sql, args, scan)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListPatients(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*Patient, int64, error) {
	return page(ctx, r.q, "patients", "p.id", q, limit, offset, scanPatient)
}

func (r *repoPG) ListProviders(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*Provider, int64, error) {
	return page(ctx, r.q, "providers", "r.id", q, limit, offset, scanProvider)
}

func (r *repoPG) ListEncounters(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*Encounter, int64, error) {
	return page(ctx, r.q, "encounters", "e.id", q, limit, offset, scanEncounter)
}

func (r *repoPG) ListFiles(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*EncounterFile, int64, error) {
	return page(ctx, r.q, "encounter files", "f.id", q, limit, offset, scanFile)
}

func (r *repoPG) GetEncounter(ctx context.Context, id int64) (*Encounter, error) {
	sql, args := encounterQuery().WhereEq("e.id", id).SQL()
	e, err := scanEncounter(r.q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get encounter %d: %w", id, err)
	}
	return e, nil
}

func (r *repoPG) FilesOf(ctx context.Context, encounterID int64) ([]*EncounterFile, error) {
	sql, args := fileQuery().WhereEq("f.encounter_id", encounterID).SQL()
	return collect(ctx, r.q, "encounter files", sql, args, scanFile)
}

func (r *repoPG) CreatePatient(ctx context.Context, p *Patient) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO patient (mrn, first_name, last_name, birth_date, gender,
			address_line1, address_line2, city, state, postal_code, tier_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		p.MRN, p.FirstName, p.LastName, p.BirthDate, p.Gender,
		p.AddressLine1, p.AddressLine2, p.City, p.State, p.PostalCode, p.TierID,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *repoPG) CreateProvider(ctx context.Context, p *Provider) error {
	err := r.q.QueryRow(ctx, `
		INSERT INTO clinical_provider (npi, first_name, last_name, specialty, address_line1, address_line2)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		p.NPI, p.FirstName, p.LastName, p.Specialty, p.AddressLine1, p.AddressLine2,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

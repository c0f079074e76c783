package clinical

import (
	"context"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/platform/sqlq"
)

// Tier paths of the clinical tables. Files reach their tier through the
// parent encounter.
var (
	PatientTierPath   = access.Direct("p.tier_id")
	EncounterTierPath = access.Direct("e.tier_id")
	FileTierPath      = access.OneHop(access.Relation{
		Table:     "encounter",
		Alias:     "fe",
		LocalKey:  "f.encounter_id",
		RemoteKey: "id",
	}, "tier_id")
)

var (
	patientCols = []string{
		"p.id", "p.mrn", "p.first_name", "p.last_name", "p.birth_date", "p.gender",
		"p.address_line1", "p.address_line2", "p.city", "p.state", "p.postal_code",
		"p.tier_id", "p.created_at",
	}
	providerCols = []string{
		"r.id", "r.npi", "r.first_name", "r.last_name", "r.specialty",
		"r.address_line1", "r.address_line2", "r.created_at",
	}
	encounterCols = []string{
		"e.id", "e.patient_id", "e.provider_id", "e.encounter_type",
		"e.start_time", "e.end_time", "e.tier_id", "e.created_at",
	}
	fileCols = []string{"f.id", "f.encounter_id", "f.file_type", "f.file_path", "f.created_at"}
)

func patientQuery() *sqlq.Select {
	return sqlq.From("patient p", patientCols...).OrderBy(sqlq.Asc("p.id"))
}

func providerQuery() *sqlq.Select {
	return sqlq.From("clinical_provider r", providerCols...).OrderBy(sqlq.Asc("r.id"))
}

func encounterQuery() *sqlq.Select {
	return sqlq.From("encounter e", encounterCols...).
		OrderBy(sqlq.Desc("e.start_time"), sqlq.Desc("e.id"))
}

func fileQuery() *sqlq.Select {
	return sqlq.From("encounter_file f", fileCols...).OrderBy(sqlq.Asc("f.id"))
}

// Repository executes clinical store queries. List methods return one page
// of q and the total number of rows q matches.
type Repository interface {
	ListPatients(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*Patient, int64, error)
	ListProviders(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*Provider, int64, error)
	ListEncounters(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*Encounter, int64, error)
	ListFiles(ctx context.Context, q *sqlq.Select, limit, offset int) ([]*EncounterFile, int64, error)
	GetEncounter(ctx context.Context, id int64) (*Encounter, error)
	FilesOf(ctx context.Context, encounterID int64) ([]*EncounterFile, error)
	CreatePatient(ctx context.Context, p *Patient) error
	CreateProvider(ctx context.Context, p *Provider) error
}

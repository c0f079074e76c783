// Package clinical serves the tier-bearing records of the clinical store:
// patients, providers, encounters and the files attached to encounters.
package clinical

import (
	"errors"
	"time"

	"github.com/ehr/researchportal/internal/domain/tier"
)

// ErrNotFound is returned when a clinical record does not exist.
var ErrNotFound = errors.New("clinical record not found")

// Patient maps to the patient table. Address is derived from the two
// stored address lines.
type Patient struct {
	ID           int64      `db:"id" json:"id"`
	MRN          string     `db:"mrn" json:"mrn"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	BirthDate    *time.Time `db:"birth_date" json:"birth_date"`
	Gender       *string    `db:"gender" json:"gender"`
	AddressLine1 string     `db:"address_line1" json:"address_line1"`
	AddressLine2 string     `db:"address_line2" json:"address_line2"`
	Address      string     `db:"-" json:"address"`
	City         string     `db:"city" json:"city"`
	State        string     `db:"state" json:"state"`
	PostalCode   string     `db:"postal_code" json:"postal_code"`
	TierID       tier.Ref   `db:"tier_id" json:"tier_id"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Provider maps to the clinical_provider table. Providers carry no tier.
type Provider struct {
	ID           int64     `db:"id" json:"id"`
	NPI          string    `db:"npi" json:"npi"`
	FirstName    string    `db:"first_name" json:"first_name"`
	LastName     string    `db:"last_name" json:"last_name"`
	Specialty    string    `db:"specialty" json:"specialty"`
	AddressLine1 string    `db:"address_line1" json:"address_line1"`
	AddressLine2 string    `db:"address_line2" json:"address_line2"`
	Address      string    `db:"-" json:"address"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Encounter maps to the encounter table. Files is only loaded for single
// encounter reads.
type Encounter struct {
	ID            int64            `db:"id" json:"id"`
	PatientID     int64            `db:"patient_id" json:"patient_id"`
	ProviderID    *int64           `db:"provider_id" json:"provider_id"`
	EncounterType string           `db:"encounter_type" json:"encounter_type"`
	StartTime     *time.Time       `db:"start_time" json:"start_time"`
	EndTime       *time.Time       `db:"end_time" json:"end_time"`
	TierID        tier.Ref         `db:"tier_id" json:"tier_id"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	Files         []*EncounterFile `db:"-" json:"files,omitempty"`
}

// EncounterFile maps to the encounter_file table. Its tier is the tier of
// its encounter.
type EncounterFile struct {
	ID          int64     `db:"id" json:"id"`
	EncounterID int64     `db:"encounter_id" json:"encounter_id"`
	FileType    string    `db:"file_type" json:"file_type"`
	FilePath    string    `db:"file_path" json:"file_path"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

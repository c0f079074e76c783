package tier

import (
	"errors"
	"time"
)

// MinLevel and MaxLevel bound the tier levels.
const (
	MinLevel = 1
	MaxLevel = 5
)

// ErrNotFound is returned when no tier matches the lookup.
var ErrNotFound = errors.New("tier not found")

// Tier maps to the tier table of the accounts store. Higher levels expose
// more sensitive data.
type Tier struct {
	ID                       int       `db:"id" json:"id" yaml:"-"`
	Level                    int       `db:"level" json:"level" yaml:"level"`
	Name                     string    `db:"name" json:"name" yaml:"name"`
	Description              string    `db:"description" json:"description" yaml:"description"`
	DeidentificationRequired bool      `db:"deidentification_required" json:"deidentification_required" yaml:"deidentification_required"`
	ObscureFacesVoices       bool      `db:"obscure_faces_voices" json:"obscure_faces_voices" yaml:"obscure_faces_voices"`
	ExternalAccess           bool      `db:"external_access" json:"external_access" yaml:"external_access"`
	DUARequired              bool      `db:"dua_required" json:"dua_required" yaml:"dua_required"`
	CreatedAt                time.Time `db:"created_at" json:"created_at" yaml:"-"`
}

// Ref is a tier identifier stored on entities that live outside the
// accounts store. It is a plain integer because the database cannot enforce
// a reference across stores; resolve it through the access policy.
type Ref int

// ValidLevel reports whether level is within [MinLevel, MaxLevel].
func ValidLevel(level int) bool {
	return level >= MinLevel && level <= MaxLevel
}

package clinical

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/domain/tier"
	"github.com/ehr/researchportal/internal/platform/apperror"
)

// EncounterFilter narrows an encounter listing.
type EncounterFilter struct {
	PatientID *int64
}

// FileFilter narrows an encounter file listing.
type FileFilter struct {
	EncounterID *int64
}

// PatientInput is the body of a patient registration.
type PatientInput struct {
	MRN        string `json:"mrn"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	BirthDate  string `json:"birth_date"`
	Gender     string `json:"gender"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	TierID     int    `json:"tier_id"`
}

// ProviderInput is the body of a provider registration.
type ProviderInput struct {
	NPI       string `json:"npi"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Specialty string `json:"specialty"`
	Address   string `json:"address"`
}

type Service struct {
	repo   Repository
	policy *access.Policy
	tiers  access.Catalog
}

func NewService(repo Repository, policy *access.Policy, tiers access.Catalog) *Service {
	return &Service{repo: repo, policy: policy, tiers: tiers}
}

func (s *Service) ListPatients(ctx context.Context, p *access.Principal, limit, offset int) ([]*Patient, int64, error) {
	q, err := s.policy.FilterByTier(ctx, patientQuery(), p, PatientTierPath)
	if err != nil {
		return nil, 0, apperror.Internal("apply tier policy", err)
	}
	items, total, err := s.repo.ListPatients(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, apperror.Internal("list patients", err)
	}
	return items, total, nil
}

// ListProviders lists providers to any principal with a tier. Providers
// carry no tier of their own.
func (s *Service) ListProviders(ctx context.Context, p *access.Principal, limit, offset int) ([]*Provider, int64, error) {
	q := providerQuery()
	if _, ok := access.VisibleTierCeiling(p); !ok {
		q.Never()
	}
	items, total, err := s.repo.ListProviders(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, apperror.Internal("list providers", err)
	}
	return items, total, nil
}

func (s *Service) ListEncounters(ctx context.Context, p *access.Principal, f EncounterFilter, limit, offset int) ([]*Encounter, int64, error) {
	base := encounterQuery()
	if f.PatientID != nil {
		base.WhereEq("e.patient_id", *f.PatientID)
	}
	q, err := s.policy.FilterByTier(ctx, base, p, EncounterTierPath)
	if err != nil {
		return nil, 0, apperror.Internal("apply tier policy", err)
	}
	items, total, err := s.repo.ListEncounters(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, apperror.Internal("list encounters", err)
	}
	return items, total, nil
}

func (s *Service) ListFiles(ctx context.Context, p *access.Principal, f FileFilter, limit, offset int) ([]*EncounterFile, int64, error) {
	base := fileQuery()
	if f.EncounterID != nil {
		base.WhereEq("f.encounter_id", *f.EncounterID)
	}
	q, err := s.policy.FilterByTier(ctx, base, p, FileTierPath)
	if err != nil {
		return nil, 0, apperror.Internal("apply tier policy", err)
	}
	items, total, err := s.repo.ListFiles(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, apperror.Internal("list encounter files", err)
	}
	return items, total, nil
}

// GetEncounter returns an encounter with its files. An encounter p may not
// see is reported as missing.
func (s *Service) GetEncounter(ctx context.Context, p *access.Principal, id int64) (*Encounter, error) {
	e, err := s.repo.GetEncounter(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("encounter")
	}
	if err != nil {
		return nil, apperror.Internal("get encounter", err)
	}
	ok, err := s.policy.CanAccess(ctx, p, e.TierID)
	if err != nil {
		return nil, apperror.Internal("check encounter tier", err)
	}
	if !ok {
		return nil, apperror.NotFound("encounter")
	}
	files, err := s.repo.FilesOf(ctx, id)
	if err != nil {
		return nil, apperror.Internal("list encounter files", err)
	}
	e.Files = files
	return e, nil
}

// CreatePatient registers a patient. The tier must exist in the catalog.
func (s *Service) CreatePatient(ctx context.Context, in PatientInput) (*Patient, error) {
	verr := &apperror.ValidationError{}
	p := &Patient{
		MRN:        strings.TrimSpace(in.MRN),
		FirstName:  strings.TrimSpace(in.FirstName),
		LastName:   strings.TrimSpace(in.LastName),
		City:       strings.TrimSpace(in.City),
		State:      strings.TrimSpace(in.State),
		PostalCode: strings.TrimSpace(in.PostalCode),
		TierID:     tier.Ref(in.TierID),
	}
	p.setAddress(in.Address)
	if p.MRN == "" {
		verr.Add("mrn", "this field is required")
	}
	if g := strings.TrimSpace(in.Gender); g != "" {
		p.Gender = &g
	}
	if in.BirthDate != "" {
		d, err := time.Parse(time.DateOnly, in.BirthDate)
		if err != nil {
			verr.Add("birth_date", "must be a date in YYYY-MM-DD format")
		} else {
			p.BirthDate = &d
		}
	}
	if err := s.checkTier(ctx, in.TierID, verr); err != nil {
		return nil, err
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if err := s.repo.CreatePatient(ctx, p); err != nil {
		return nil, apperror.Internal("create patient", err)
	}
	return p, nil
}

// CreateProvider registers a provider.
func (s *Service) CreateProvider(ctx context.Context, in ProviderInput) (*Provider, error) {
	p := &Provider{
		NPI:       strings.TrimSpace(in.NPI),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Specialty: strings.TrimSpace(in.Specialty),
	}
	p.setAddress(in.Address)
	if p.NPI == "" {
		return nil, apperror.NewValidation("npi", "this field is required")
	}
	if err := s.repo.CreateProvider(ctx, p); err != nil {
		return nil, apperror.Internal("create provider", err)
	}
	return p, nil
}

// checkTier records a validation message when id is not a catalog tier.
// Only catalog failures are returned.
func (s *Service) checkTier(ctx context.Context, id int, verr *apperror.ValidationError) error {
	if id <= 0 {
		verr.Add("tier_id", "this field is required")
		return nil
	}
	_, err := s.tiers.GetByID(ctx, id)
	if errors.Is(err, tier.ErrNotFound) {
		verr.Add("tier_id", "unknown tier")
		return nil
	}
	if err != nil {
		return apperror.Internal("resolve tier", err)
	}
	return nil
}

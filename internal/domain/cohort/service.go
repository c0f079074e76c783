package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/internal/platform/apperror"
)

// Counter counts the visits a principal may see under a filter spec.
type Counter interface {
	Count(ctx context.Context, p *access.Principal, spec *filterspec.Spec) (int64, error)
}

// Input is the writable part of a cohort. Nil members are left unchanged
// by a partial update.
type Input struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Filters     json.RawMessage `json:"filters"`
	VisitCount  *int64          `json:"visit_count"`
	// RefreshCount recomputes visit_count from the new filters.
	RefreshCount bool `json:"refresh_count"`
}

type Service struct {
	repo      Repository
	validator *filterspec.Validator
	counter   Counter
}

func NewService(repo Repository, validator *filterspec.Validator, counter Counter) *Service {
	return &Service{repo: repo, validator: validator, counter: counter}
}

func mapErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("cohort")
	}
	return apperror.Internal(op, err)
}

func (s *Service) List(ctx context.Context, p *access.Principal, limit, offset int) ([]*Cohort, int64, error) {
	items, total, err := s.repo.List(ctx, p.UserID, limit, offset)
	if err != nil {
		return nil, 0, apperror.Internal("list cohorts", err)
	}
	for _, c := range items {
		c.summarize()
	}
	return items, total, nil
}

func (s *Service) Get(ctx context.Context, p *access.Principal, id int64) (*Cohort, error) {
	c, err := s.repo.Get(ctx, p.UserID, id)
	if err != nil {
		return nil, mapErr("get cohort", err)
	}
	return c.summarize(), nil
}

// Spec validates the stored filters of c.
func (s *Service) Spec(c *Cohort) (*filterspec.Spec, error) {
	return s.validator.ValidateFilters(c.Filters)
}

func (s *Service) Create(ctx context.Context, p *access.Principal, in Input) (*Cohort, error) {
	verr := &apperror.ValidationError{}
	name := checkName(in.Name, true, verr)
	spec := s.checkFilters(in.Filters, verr)
	if in.VisitCount != nil && *in.VisitCount < 0 {
		verr.Add("visit_count", "must not be negative")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if spec == nil {
		spec, _ = s.validator.ValidateFilters(nil)
	}

	c := &Cohort{OwnerID: p.UserID, Name: name, Filters: spec.Document()}
	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.VisitCount != nil {
		c.VisitCount = *in.VisitCount
	} else if s.counter != nil {
		n, err := s.counter.Count(ctx, p, spec)
		if err != nil {
			return nil, err
		}
		c.VisitCount = n
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, apperror.Internal("create cohort", err)
	}
	return c.summarize(), nil
}

// Update applies in to the caller's cohort id. A full update requires a
// name and replaces description and filters; a partial one changes only the
// members that are present.
func (s *Service) Update(ctx context.Context, p *access.Principal, id int64, in Input, partial bool) (*Cohort, error) {
	c, err := s.repo.Get(ctx, p.UserID, id)
	if err != nil {
		return nil, mapErr("get cohort", err)
	}

	verr := &apperror.ValidationError{}
	var name string
	if in.Name != nil || !partial {
		name = checkName(in.Name, true, verr)
	}
	spec := s.checkFilters(in.Filters, verr)
	if in.VisitCount != nil && *in.VisitCount < 0 {
		verr.Add("visit_count", "must not be negative")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	if name != "" {
		c.Name = name
	}
	switch {
	case in.Description != nil:
		c.Description = *in.Description
	case !partial:
		c.Description = ""
	}
	switch {
	case spec != nil:
		c.Filters = spec.Document()
	case !partial:
		c.Filters = map[string]any{}
	}
	switch {
	case in.VisitCount != nil:
		c.VisitCount = *in.VisitCount
	case in.RefreshCount && s.counter != nil:
		if spec == nil {
			if spec, err = s.Spec(c); err != nil {
				return nil, err
			}
		}
		n, err := s.counter.Count(ctx, p, spec)
		if err != nil {
			return nil, err
		}
		c.VisitCount = n
	}

	if err := s.repo.Update(ctx, c); err != nil {
		return nil, mapErr("update cohort", err)
	}
	return c.summarize(), nil
}

// Duplicate copies the caller's cohort id, filters and snapshot count
// included. An empty name yields "Copy of <name>".
func (s *Service) Duplicate(ctx context.Context, p *access.Principal, id int64, name string) (*Cohort, error) {
	src, err := s.repo.Get(ctx, p.UserID, id)
	if err != nil {
		return nil, mapErr("get cohort", err)
	}
	if strings.TrimSpace(name) == "" {
		name = truncate("Copy of "+src.Name, MaxNameLength)
	} else {
		verr := &apperror.ValidationError{}
		name = checkName(&name, true, verr)
		if err := verr.OrNil(); err != nil {
			return nil, err
		}
	}
	dup := &Cohort{
		OwnerID:     p.UserID,
		Name:        name,
		Description: src.Description,
		Filters:     src.Filters,
		VisitCount:  src.VisitCount,
	}
	if err := s.repo.Create(ctx, dup); err != nil {
		return nil, apperror.Internal("duplicate cohort", err)
	}
	return dup.summarize(), nil
}

func (s *Service) Delete(ctx context.Context, p *access.Principal, id int64) error {
	if err := s.repo.Delete(ctx, p.UserID, id); err != nil {
		return mapErr("delete cohort", err)
	}
	return nil
}

// checkName trims the name and records a validation error when it is
// missing, blank or too long.
func checkName(name *string, required bool, verr *apperror.ValidationError) string {
	if name == nil {
		if required {
			verr.Add("name", "is required")
		}
		return ""
	}
	trimmed := strings.TrimSpace(*name)
	switch {
	case trimmed == "":
		verr.Add("name", "must not be blank")
	case utf8.RuneCountInString(trimmed) > MaxNameLength:
		verr.Add("name", "must be at most 255 characters")
	}
	return trimmed
}

// checkFilters returns nil when raw is absent.
func (s *Service) checkFilters(raw json.RawMessage, verr *apperror.ValidationError) *filterspec.Spec {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		verr.Add("filters", "must be valid JSON")
		return nil
	}
	spec, err := s.validator.ValidateFilters(doc)
	if err != nil {
		var ve *apperror.ValidationError
		if errors.As(err, &ve) {
			verr.Merge(ve)
		} else {
			verr.Add("filters", err.Error())
		}
		return nil
	}
	return spec
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

package visit

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/internal/platform/apperror"
	"github.com/ehr/researchportal/internal/platform/telemetry"
)

type Service struct {
	repo      Repository
	policy    *access.Policy
	validator *filterspec.Validator
	metrics   *telemetry.Metrics
}

func NewService(repo Repository, policy *access.Policy, validator *filterspec.Validator) *Service {
	return &Service{repo: repo, policy: policy, validator: validator}
}

// SetMetrics attaches optional query metrics.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// Validator returns the filter validator shared with cohorts and exports.
func (s *Service) Validator() *filterspec.Validator {
	return s.validator
}

// Query gates the visit table for p and applies spec.
func (s *Service) Query(ctx context.Context, p *access.Principal, spec *filterspec.Spec) (Query, error) {
	base, err := s.policy.FilterByTier(ctx, Base(), p, TierPath)
	if err != nil {
		return Query{}, apperror.Internal("apply tier policy", err)
	}
	return Build(base, spec), nil
}

// Search returns one page of visits with the filtered and total counts.
// The three queries run concurrently.
func (s *Service) Search(ctx context.Context, p *access.Principal, spec *filterspec.Spec, limit, offset int) (*SearchResult, error) {
	q, err := s.Query(ctx, p, spec)
	if err != nil {
		return nil, err
	}
	res := &SearchResult{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.observe("page", time.Now())
		visits, err := s.repo.List(gctx, q.Filtered, limit, offset)
		res.Visits = visits
		return err
	})
	g.Go(func() error {
		defer s.observe("count", time.Now())
		n, err := s.repo.Count(gctx, q.Filtered)
		res.Filtered = n
		return err
	})
	g.Go(func() error {
		defer s.observe("total", time.Now())
		n, err := s.repo.Count(gctx, q.Total)
		res.Total = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, apperror.Internal("search visits", err)
	}
	return res, nil
}

// Count returns the number of visits matching spec that p may see.
func (s *Service) Count(ctx context.Context, p *access.Principal, spec *filterspec.Spec) (int64, error) {
	q, err := s.Query(ctx, p, spec)
	if err != nil {
		return 0, err
	}
	defer s.observe("count", time.Now())
	n, err := s.repo.Count(ctx, q.Filtered)
	if err != nil {
		return 0, apperror.Internal("count visits", err)
	}
	return n, nil
}

// IDs derives the visit, person and provider ids of the visits matching
// spec that p may see.
func (s *Service) IDs(ctx context.Context, p *access.Principal, spec *filterspec.Spec) (*IDSet, error) {
	q, err := s.Query(ctx, p, spec)
	if err != nil {
		return nil, err
	}
	defer s.observe("ids", time.Now())
	ids, err := s.repo.IDs(ctx, q.Filtered)
	if err != nil {
		return nil, apperror.Internal("derive visit ids", err)
	}
	return ids, nil
}

func (s *Service) observe(op string, start time.Time) {
	s.metrics.ObserveQuery(op, time.Since(start))
}

package visit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/domain/tier"
	"github.com/ehr/researchportal/internal/platform/apperror"
	"github.com/ehr/researchportal/internal/platform/sqlq"
)

type catalog struct{}

func (catalog) List(context.Context) ([]*tier.Tier, error) {
	var ts []*tier.Tier
	for l := 1; l <= 5; l++ {
		ts = append(ts, &tier.Tier{ID: l, Level: l})
	}
	return ts, nil
}

func (catalog) GetByID(_ context.Context, id int) (*tier.Tier, error) {
	if id < 1 || id > 5 {
		return nil, tier.ErrNotFound
	}
	return &tier.Tier{ID: id, Level: id}, nil
}

type mockRepo struct {
	mu      sync.Mutex
	visits  []*Visit
	total   int64
	matched int64
	err     error
	queries []string
}

func (m *mockRepo) record(q *sqlq.Select) {
	sql, _ := q.SQL()
	m.mu.Lock()
	m.queries = append(m.queries, sql)
	m.mu.Unlock()
}

func (m *mockRepo) List(_ context.Context, q *sqlq.Select, limit, offset int) ([]*Visit, error) {
	m.record(q)
	return m.visits, m.err
}

// Count tells the filtered and total queries apart by their ORDER BY, which
// only the filtered query carries.
func (m *mockRepo) Count(_ context.Context, q *sqlq.Select) (int64, error) {
	m.record(q)
	sql, _ := q.SQL()
	if strings.Contains(sql, "ORDER BY") {
		return m.matched, m.err
	}
	return m.total, m.err
}

func (m *mockRepo) IDs(_ context.Context, q *sqlq.Select) (*IDSet, error) {
	m.record(q)
	return &IDSet{}, m.err
}

func newTestService(repo Repository) *Service {
	return NewService(repo, access.NewPolicy(catalog{}), validator())
}

func tier5() *access.Principal {
	return &access.Principal{UserID: 1, Tier: &access.PrincipalTier{ID: 5, Level: 5}}
}

func day(s string) *time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return &d
}

func TestService_Search(t *testing.T) {
	repo := &mockRepo{
		visits:  []*Visit{{ID: 2, TierID: 2, VisitStartDate: day("2024-02-01")}, {ID: 1, TierID: 1, VisitStartDate: day("2024-01-01")}},
		matched: 2,
		total:   3,
	}
	svc := newTestService(repo)
	spec := mustSpec(t, `{"visit": {"tier_id": [1, 2]}}`, `{"field": "visit_start_date", "direction": "desc"}`)

	res, err := svc.Search(context.Background(), tier5(), spec, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Filtered)
	assert.Equal(t, int64(3), res.Total)
	assert.Len(t, res.Visits, 2)
	assert.Len(t, repo.queries, 3)
}

func TestService_SearchNoTier(t *testing.T) {
	repo := &mockRepo{}
	svc := newTestService(repo)

	_, err := svc.Search(context.Background(), &access.Principal{UserID: 9}, mustSpec(t, `{}`, ""), 20, 0)
	require.NoError(t, err)
	for _, q := range repo.queries {
		assert.Contains(t, q, "WHERE FALSE")
	}
}

func TestService_SearchSuperuserUngated(t *testing.T) {
	repo := &mockRepo{}
	svc := newTestService(repo)

	_, err := svc.Search(context.Background(), &access.Principal{UserID: 1, IsSuperuser: true}, mustSpec(t, `{}`, ""), 20, 0)
	require.NoError(t, err)
	for _, q := range repo.queries {
		assert.NotContains(t, q, "WHERE")
	}
}

func TestService_SearchHidesStoreErrors(t *testing.T) {
	svc := newTestService(&mockRepo{err: errors.New("relation visit_occurrence does not exist")})

	_, err := svc.Search(context.Background(), tier5(), mustSpec(t, `{}`, ""), 20, 0)
	var ie *apperror.InternalError
	require.True(t, errors.As(err, &ie))
	status, body := apperror.Status(err)
	assert.Equal(t, http.StatusInternalServerError, status)
	raw, _ := json.Marshal(body)
	assert.NotContains(t, string(raw), "visit_occurrence")
}

func TestService_Count(t *testing.T) {
	svc := newTestService(&mockRepo{matched: 42})
	n, err := svc.Count(context.Background(), tier5(), mustSpec(t, `{"clinical": {"lab_name": "a1c"}}`, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestService_IDs(t *testing.T) {
	repo := &mockRepo{}
	svc := newTestService(repo)
	_, err := svc.IDs(context.Background(), &access.Principal{UserID: 3, Tier: &access.PrincipalTier{ID: 2, Level: 2}},
		mustSpec(t, `{"visit": {"visit_type": ["Outpatient"]}}`, ""))
	require.NoError(t, err)
	require.Len(t, repo.queries, 1)
	assert.Contains(t, repo.queries[0], "v.tier_id = ANY($1)")
	assert.Contains(t, repo.queries[0], "v.visit_type = ANY($2)")

	repo.err = errors.New("timeout")
	_, err = svc.IDs(context.Background(), tier5(), mustSpec(t, `{}`, ""))
	var ie *apperror.InternalError
	assert.ErrorAs(t, err, &ie)
}

func newSearchContext(body, target string, p *access.Principal) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if p != nil {
		access.SetPrincipal(c, p)
	}
	return c, rec
}

func TestHandler_Search(t *testing.T) {
	repo := &mockRepo{
		visits:  []*Visit{{ID: 2, TierID: 2}, {ID: 1, TierID: 1}},
		matched: 30,
		total:   90,
	}
	h := NewHandler(newTestService(repo))
	c, rec := newSearchContext(
		`{"filters": {"visit": {"tier_id": [1, 2]}}, "sort": {"field": "visit_start_date", "direction": "desc"}}`,
		"/api/v1/visits/search?limit=2", tier5())

	require.NoError(t, h.Search(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count         int64   `json:"count"`
		Next          *string `json:"next"`
		Previous      *string `json:"previous"`
		Results       []Visit `json:"results"`
		FilterSummary struct {
			TotalVisits    int64 `json:"total_visits"`
			FilteredVisits int64 `json:"filtered_visits"`
			ActiveFilters  int   `json:"active_filters"`
		} `json:"filter_summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(30), resp.Count)
	require.NotNil(t, resp.Next)
	assert.Contains(t, *resp.Next, "offset=2")
	assert.Nil(t, resp.Previous)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, int64(90), resp.FilterSummary.TotalVisits)
	assert.Equal(t, int64(30), resp.FilterSummary.FilteredVisits)
	assert.Equal(t, 1, resp.FilterSummary.ActiveFilters)
}

func TestHandler_SearchValidation(t *testing.T) {
	h := NewHandler(newTestService(&mockRepo{}))
	c, _ := newSearchContext(`{"filters": {"visit": {"tier_id": 6}}, "sort": {"field": "ssn"}}`, "/api/v1/visits/search", tier5())

	err := h.Search(c)
	var ve *apperror.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Fields, "filters.visit.tier_id")
	assert.Contains(t, ve.Fields, "sort.field")
}

func TestHandler_SearchUnauthenticated(t *testing.T) {
	h := NewHandler(newTestService(&mockRepo{}))
	c, _ := newSearchContext(`{}`, "/api/v1/visits/search", nil)

	err := h.Search(c)
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusUnauthorized, he.Code)
}

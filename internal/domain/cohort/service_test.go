package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/researchportal/internal/access"
	"github.com/ehr/researchportal/internal/filterspec"
	"github.com/ehr/researchportal/internal/platform/apperror"
)

type memRepo struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*Cohort
	err    error
}

func newMemRepo() *memRepo {
	return &memRepo{items: map[int64]*Cohort{}}
}

func (m *memRepo) Create(_ context.Context, c *Cohort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(c.ID) * time.Minute)
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.items[c.ID] = &cp
	return nil
}

func (m *memRepo) Get(_ context.Context, ownerID, id int64) (*Cohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.items[id]
	if !ok || c.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) Find(_ context.Context, id int64) (*Cohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, ownerID int64, limit, offset int) ([]*Cohort, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	var out []*Cohort
	for id := m.nextID; id > 0; id-- {
		if c, ok := m.items[id]; ok && c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	total := int64(len(out))
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memRepo) Update(_ context.Context, c *Cohort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cur, ok := m.items[c.ID]
	if !ok || cur.OwnerID != c.OwnerID {
		return ErrNotFound
	}
	c.UpdatedAt = cur.UpdatedAt.Add(time.Hour)
	cp := *c
	m.items[c.ID] = &cp
	return nil
}

func (m *memRepo) Delete(_ context.Context, ownerID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

type fakeCounter struct {
	n     int64
	err   error
	calls int
	last  *filterspec.Spec
}

func (f *fakeCounter) Count(_ context.Context, _ *access.Principal, spec *filterspec.Spec) (int64, error) {
	f.calls++
	f.last = spec
	return f.n, f.err
}

var (
	alice = &access.Principal{UserID: 1, Username: "alice", Tier: &access.PrincipalTier{ID: 3, Level: 3}}
	bob   = &access.Principal{UserID: 2, Username: "bob", Tier: &access.PrincipalTier{ID: 5, Level: 5}}
)

func newTestService(counter *fakeCounter) (*Service, *memRepo) {
	repo := newMemRepo()
	v := filterspec.NewValidator(filterspec.DefaultLimits()).
		WithClock(func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) })
	return NewService(repo, v, counter), repo
}

func strp(s string) *string { return &s }
func intp(n int64) *int64   { return &n }

func fieldsOf(t *testing.T, err error) map[string][]string {
	t.Helper()
	var ve *apperror.ValidationError
	require.ErrorAs(t, err, &ve)
	return ve.Fields
}

func TestCreate_StoresCanonicalFiltersAndCount(t *testing.T) {
	counter := &fakeCounter{n: 42}
	svc, repo := newTestService(counter)

	c, err := svc.Create(context.Background(), alice, Input{
		Name:    strp("  Diabetes 2020  "),
		Filters: json.RawMessage(`{"tier_id": [1, 2], "condition": "diabetes", "gender": ""}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "Diabetes 2020", c.Name)
	assert.Equal(t, int64(1), c.OwnerID)
	assert.Equal(t, int64(42), c.VisitCount)
	assert.Equal(t, 1, counter.calls)
	assert.Equal(t, map[string]any{
		"visit":    map[string]any{"tier_id": []any{int64(1), int64(2)}},
		"clinical": map[string]any{"condition_source_value": "diabetes"},
	}, c.Filters)
	require.NotNil(t, c.FilterSummary)
	assert.Equal(t, 2, c.FilterSummary.Total)
	assert.Equal(t, 1, c.FilterSummary.Clinical)
	assert.Contains(t, repo.items, c.ID)
}

func TestCreate_ExplicitCountSkipsCounter(t *testing.T) {
	counter := &fakeCounter{n: 42}
	svc, _ := newTestService(counter)

	c, err := svc.Create(context.Background(), alice, Input{Name: strp("Snapshot"), VisitCount: intp(7)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.VisitCount)
	assert.Zero(t, counter.calls)
	assert.Equal(t, map[string]any{}, c.Filters)
}

func TestCreate_ReportsAllProblems(t *testing.T) {
	svc, repo := newTestService(&fakeCounter{})

	_, err := svc.Create(context.Background(), alice, Input{
		Name:       strp("   "),
		Filters:    json.RawMessage(`{"visit": {"tier_id": 9}}`),
		VisitCount: intp(-1),
	})
	fields := fieldsOf(t, err)
	assert.Contains(t, fields, "name")
	assert.Contains(t, fields, "filters.visit.tier_id")
	assert.Contains(t, fields, "visit_count")
	assert.Empty(t, repo.items)
}

func TestCreate_NameRules(t *testing.T) {
	svc, _ := newTestService(&fakeCounter{})
	ctx := context.Background()

	_, err := svc.Create(ctx, alice, Input{})
	assert.Equal(t, []string{"is required"}, fieldsOf(t, err)["name"])

	_, err = svc.Create(ctx, alice, Input{Name: strp(strings.Repeat("é", MaxNameLength+1))})
	assert.Equal(t, []string{"must be at most 255 characters"}, fieldsOf(t, err)["name"])

	c, err := svc.Create(ctx, alice, Input{Name: strp(strings.Repeat("é", MaxNameLength))})
	require.NoError(t, err)
	assert.Equal(t, MaxNameLength, len([]rune(c.Name)))
}

func TestCreate_InvalidJSONFilters(t *testing.T) {
	svc, _ := newTestService(&fakeCounter{})
	_, err := svc.Create(context.Background(), alice, Input{Name: strp("x"), Filters: json.RawMessage(`[1,`)})
	assert.Contains(t, fieldsOf(t, err), "filters")
}

func TestCreate_CounterFailure(t *testing.T) {
	boom := apperror.Internal("count visits", errors.New("db down"))
	svc, repo := newTestService(&fakeCounter{err: boom})
	_, err := svc.Create(context.Background(), alice, Input{Name: strp("x")})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, repo.items)
}

func TestOwnerIsolation(t *testing.T) {
	svc, _ := newTestService(&fakeCounter{})
	ctx := context.Background()
	c, err := svc.Create(ctx, alice, Input{Name: strp("mine")})
	require.NoError(t, err)

	var nf *apperror.NotFoundError
	_, err = svc.Get(ctx, bob, c.ID)
	assert.ErrorAs(t, err, &nf)
	_, err = svc.Update(ctx, bob, c.ID, Input{Name: strp("stolen")}, false)
	assert.ErrorAs(t, err, &nf)
	_, err = svc.Duplicate(ctx, bob, c.ID, "")
	assert.ErrorAs(t, err, &nf)
	assert.ErrorAs(t, svc.Delete(ctx, bob, c.ID), &nf)

	items, total, err := svc.List(ctx, bob, 20, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Zero(t, total)

	got, err := svc.Get(ctx, alice, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Name)
}

func TestUpdate_FullReplacesAndPartialMerges(t *testing.T) {
	counter := &fakeCounter{n: 10}
	svc, _ := newTestService(counter)
	ctx := context.Background()

	c, err := svc.Create(ctx, alice, Input{
		Name:        strp("orig"),
		Description: strp("first"),
		Filters:     json.RawMessage(`{"visit": {"visit_type": ["Inpatient"]}}`),
	})
	require.NoError(t, err)

	patched, err := svc.Update(ctx, alice, c.ID, Input{Description: strp("second")}, true)
	require.NoError(t, err)
	assert.Equal(t, "orig", patched.Name)
	assert.Equal(t, "second", patched.Description)
	assert.Equal(t, c.Filters, patched.Filters)
	assert.Equal(t, int64(10), patched.VisitCount)

	_, err = svc.Update(ctx, alice, c.ID, Input{Description: strp("x")}, false)
	assert.Contains(t, fieldsOf(t, err), "name")

	replaced, err := svc.Update(ctx, alice, c.ID, Input{Name: strp("renamed")}, false)
	require.NoError(t, err)
	assert.Equal(t, "renamed", replaced.Name)
	assert.Empty(t, replaced.Description)
	assert.Equal(t, map[string]any{}, replaced.Filters)
	assert.Equal(t, int64(10), replaced.VisitCount)
	assert.Equal(t, 1, counter.calls)
}

func TestUpdate_VisitCount(t *testing.T) {
	counter := &fakeCounter{n: 10}
	svc, _ := newTestService(counter)
	ctx := context.Background()
	c, err := svc.Create(ctx, alice, Input{Name: strp("c")})
	require.NoError(t, err)

	counter.n = 99
	changed, err := svc.Update(ctx, alice, c.ID, Input{Filters: json.RawMessage(`{"gender": ["F"]}`)}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(10), changed.VisitCount, "count is a snapshot unless a refresh is requested")

	refreshed, err := svc.Update(ctx, alice, c.ID, Input{
		Filters:      json.RawMessage(`{"gender": ["M"]}`),
		RefreshCount: true,
	}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(99), refreshed.VisitCount)
	v, ok := counter.last.Get(filterspec.PersonDemographics, "gender")
	require.True(t, ok)
	assert.Equal(t, []string{"M"}, v.Strings)

	explicit, err := svc.Update(ctx, alice, c.ID, Input{VisitCount: intp(3), RefreshCount: true}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), explicit.VisitCount)
}

func TestDuplicate(t *testing.T) {
	counter := &fakeCounter{n: 5}
	svc, _ := newTestService(counter)
	ctx := context.Background()
	c, err := svc.Create(ctx, alice, Input{
		Name:    strp("Heart failure"),
		Filters: json.RawMessage(`{"clinical": {"condition_source_value": "heart"}}`),
	})
	require.NoError(t, err)

	dup, err := svc.Duplicate(ctx, alice, c.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, dup.ID)
	assert.Equal(t, "Copy of Heart failure", dup.Name)
	assert.Equal(t, c.Filters, dup.Filters)
	assert.Equal(t, int64(5), dup.VisitCount)
	assert.Equal(t, 1, counter.calls)

	named, err := svc.Duplicate(ctx, alice, c.ID, " Variant ")
	require.NoError(t, err)
	assert.Equal(t, "Variant", named.Name)
}

func TestDuplicate_TruncatesLongNames(t *testing.T) {
	svc, _ := newTestService(&fakeCounter{})
	ctx := context.Background()
	c, err := svc.Create(ctx, alice, Input{Name: strp(strings.Repeat("a", MaxNameLength))})
	require.NoError(t, err)

	dup, err := svc.Duplicate(ctx, alice, c.ID, "")
	require.NoError(t, err)
	assert.Len(t, dup.Name, MaxNameLength)
	assert.True(t, strings.HasPrefix(dup.Name, "Copy of aaa"))
}

func TestList_NewestFirst(t *testing.T) {
	svc, _ := newTestService(&fakeCounter{})
	ctx := context.Background()
	for _, n := range []string{"one", "two", "three"} {
		_, err := svc.Create(ctx, alice, Input{Name: strp(n)})
		require.NoError(t, err)
	}
	items, total, err := svc.List(ctx, alice, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 2)
	assert.Equal(t, "three", items[0].Name)
	assert.Equal(t, "two", items[1].Name)
	assert.NotNil(t, items[0].FilterSummary)
}

func TestStoreErrorsAreInternal(t *testing.T) {
	svc, repo := newTestService(&fakeCounter{})
	repo.err = errors.New("connection reset")

	_, _, err := svc.List(context.Background(), alice, 20, 0)
	var ie *apperror.InternalError
	assert.ErrorAs(t, err, &ie)
	_, err = svc.Get(context.Background(), alice, 1)
	assert.ErrorAs(t, err, &ie)
}

func TestSpec_RevalidatesStoredFilters(t *testing.T) {
	svc, _ := newTestService(&fakeCounter{})
	stored := &Cohort{Filters: map[string]any{
		"visit": map[string]any{"tier_id": []any{float64(2)}},
	}}
	spec, err := svc.Spec(stored)
	require.NoError(t, err)
	v, ok := spec.Get(filterspec.Visit, "tier_id")
	require.True(t, ok)
	assert.Equal(t, []int64{2}, v.Ints)
}

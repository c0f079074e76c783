package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store names. Each logical store is a separate database; references between
// them are plain integers that the database cannot enforce.
const (
	StoreAccounts = "accounts"
	StoreClinical = "clinical"
	StoreResearch = "research"
)

// Querier is the subset of pgxpool.Pool, pgxpool.Conn and pgx.Tx used by
// repositories.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// StoreURLs holds the connection string of every logical store.
type StoreURLs struct {
	Accounts string
	Clinical string
	Research string
}

// Stores groups the connection pools of the three logical stores.
type Stores struct {
	Accounts *pgxpool.Pool
	Clinical *pgxpool.Pool
	Research *pgxpool.Pool
}

// OpenStores connects to every store. Already-opened pools are closed if a
// later store fails to connect.
func OpenStores(ctx context.Context, urls StoreURLs, maxConns, minConns int32) (*Stores, error) {
	s := &Stores{}
	var err error
	if s.Accounts, err = NewPool(ctx, urls.Accounts, maxConns, minConns); err != nil {
		return nil, fmt.Errorf("%s store: %w", StoreAccounts, err)
	}
	if s.Clinical, err = NewPool(ctx, urls.Clinical, maxConns, minConns); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s store: %w", StoreClinical, err)
	}
	if s.Research, err = NewPool(ctx, urls.Research, maxConns, minConns); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s store: %w", StoreResearch, err)
	}
	return s, nil
}

// Pool returns the pool for the named store, or nil.
func (s *Stores) Pool(name string) *pgxpool.Pool {
	switch name {
	case StoreAccounts:
		return s.Accounts
	case StoreClinical:
		return s.Clinical
	case StoreResearch:
		return s.Research
	}
	return nil
}

// Named returns the pools keyed by store name.
func (s *Stores) Named() map[string]*pgxpool.Pool {
	return map[string]*pgxpool.Pool{
		StoreAccounts: s.Accounts,
		StoreClinical: s.Clinical,
		StoreResearch: s.Research,
	}
}

func (s *Stores) Close() {
	for _, p := range []*pgxpool.Pool{s.Accounts, s.Clinical, s.Research} {
		if p != nil {
			p.Close()
		}
	}
}

package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// StoreHealth is the health of one logical store.
type StoreHealth struct {
	Store   string     `json:"store"`
	Healthy bool       `json:"healthy"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// checkStores pings every store. Ping errors are reduced to a boolean so that
// connection details never reach the response.
func checkStores(ctx context.Context, stores map[string]pinger) ([]StoreHealth, bool) {
	names := make([]string, 0, len(stores))
	for n := range stores {
		names = append(names, n)
	}
	sort.Strings(names)

	allHealthy := true
	out := make([]StoreHealth, 0, len(names))
	for _, name := range names {
		h := StoreHealth{Store: name, Healthy: stores[name] != nil && stores[name].Ping(ctx) == nil}
		if !h.Healthy {
			allHealthy = false
		}
		out = append(out, h)
	}
	return out, allHealthy
}

// HealthHandler returns a handler that pings every store.
func HealthHandler(stores *Stores) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		named := stores.Named()
		pingers := make(map[string]pinger, len(named))
		for name, p := range named {
			if p != nil {
				pingers[name] = p
			} else {
				pingers[name] = nil
			}
		}

		results, healthy := checkStores(ctx, pingers)
		for i := range results {
			if p := named[results[i].Store]; p != nil {
				results[i].Pool = GetPoolStats(p)
			}
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status": status,
			"stores": results,
		})
	}
}

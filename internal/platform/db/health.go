package db

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a snapshot of the pgx pool.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is one named dependency probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// PoolCheck probes the database.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "postgres", Probe: pool.Ping}
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler runs every check concurrently with a shared deadline and
// answers 503 if any fails. Error text is reported per dependency only.
func HealthHandler(timeout time.Duration, checks ...Check) echo.HandlerFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		results := make(map[string]checkResult, len(checks))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, chk := range checks {
			wg.Add(1)
			go func(chk Check) {
				defer wg.Done()
				res := checkResult{Status: "healthy"}
				if err := chk.Probe(ctx); err != nil {
					res = checkResult{Status: "unhealthy", Error: err.Error()}
				}
				mu.Lock()
				results[chk.Name] = res
				mu.Unlock()
			}(chk)
		}
		wg.Wait()

		status, code := "healthy", http.StatusOK
		for _, r := range results {
			if r.Status != "healthy" {
				status, code = "unhealthy", http.StatusServiceUnavailable
				break
			}
		}
		return c.JSON(code, map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}

package db

import (
	"context"
	"net/http"
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

// Check is an additional dependency probed by the health endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler reports the database pool and every extra check. Any
// failure turns the response into a 503. A nil pool is skipped.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]interface{}{}
		components := map[string]string{}

		if pool != nil {
			stats := GetPoolStats(pool)
			if err := pool.Ping(ctx); err != nil {
				stats.Healthy = false
				components["database"] = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				components["database"] = "ok"
			}
			body["pool"] = stats
		}

		for _, chk := range checks {
			if err := chk.Ping(ctx); err != nil {
				components[chk.Name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[chk.Name] = "ok"
		}

		body["components"] = components
		body["status"] = "healthy"
		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		return c.JSON(status, body)
	}
}

package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPool exports connection pool occupancy sampled from stat at
// scrape time.
func RegisterPool(reg prometheus.Registerer, stat func() *pgxpool.Stat) error {
	sample := func(pick func(*pgxpool.Stat) int32) func() float64 {
		return func() float64 {
			s := stat()
			if s == nil {
				return 0
			}
			return float64(pick(s))
		}
	}
	return Register(reg,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "todo_db_pool_acquired_conns",
			Help: "Connections currently checked out of the pool.",
		}, sample((*pgxpool.Stat).AcquiredConns)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "todo_db_pool_idle_conns",
			Help: "Idle connections held by the pool.",
		}, sample((*pgxpool.Stat).IdleConns)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "todo_db_pool_total_conns",
			Help: "Total connections held by the pool.",
		}, sample((*pgxpool.Stat).TotalConns)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "todo_db_pool_max_conns",
			Help: "Maximum connections the pool may open.",
		}, sample((*pgxpool.Stat).MaxConns)),
	)
}

package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Pool roles label which process owns the connections.
const (
	PoolRoleClient  = "client"
	PoolRoleBackend = "backend"
)

type poolStat struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	read      func(*pgxpool.Stat) float64
}

type poolCollector struct {
	pool  *pgxpool.Pool
	stats []poolStat
}

// RegisterPoolMetrics reports pgxpool statistics on every scrape, labelled
// with role.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool, role string) {
	labels := prometheus.Labels{"role": role}
	stat := func(name, help string, vt prometheus.ValueType, read func(*pgxpool.Stat) float64) poolStat {
		return poolStat{desc: prometheus.NewDesc(name, help, nil, labels), valueType: vt, read: read}
	}

	reg.MustRegister(&poolCollector{
		pool: pool,
		stats: []poolStat{
			stat("flagkit_db_pool_acquired", "Connections currently checked out of the pool.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			stat("flagkit_db_pool_idle", "Idle connections in the pool.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			stat("flagkit_db_pool_total", "Connections open in the pool.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			stat("flagkit_db_pool_max", "Maximum connections the pool may open.", prometheus.GaugeValue,
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
			stat("flagkit_db_pool_acquires_total", "Successful connection acquisitions.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) }),
			stat("flagkit_db_pool_empty_acquires_total", "Acquisitions that had to wait for a connection.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
			stat("flagkit_db_pool_acquire_wait_seconds_total", "Time spent waiting to acquire connections.", prometheus.CounterValue,
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() }),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.valueType, s.read(stat))
	}
}

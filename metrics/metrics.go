package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values of tilecache metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	Hit  = "hit"
	Miss = "miss"

	Inserted    = "inserted"
	Updated     = "updated"
	NotModified = "not_modified"
	Rejected    = "rejected"
)

// Collectors of offline.Database metrics.
var (
	GetTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_get_total",
		Help: "Cumulative number of ambient cache reads, by result.",
	}, []string{"result"})
	PutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilecache_put_total",
		Help: "Cumulative number of ambient and region writes, by result.",
	}, []string{"result"})
	PutBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_put_bytes_total",
		Help: "Cumulative number of payload bytes stored (after compression).",
	})
	EvictedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_evicted_rows_total",
		Help: "Cumulative number of unpinned resource and tile rows evicted.",
	})
	EvictionFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_eviction_failed_total",
		Help: "Cumulative number of evictions which could not free enough space.",
	})
	DatabaseResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_database_resets_total",
		Help: "Cumulative number of times the database file was removed and recreated.",
	})
	TileLimitExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilecache_tile_limit_exceeded_total",
		Help: "Cumulative number of writes refused by the offline tile count limit.",
	})
)

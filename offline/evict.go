package offline

import (
	"context"
	"database/sql"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/tilecache/metrics"
)

// evictBatchSize is the number of least-recently accessed unpinned rows
// considered by each eviction round.
const evictBatchSize = 50

// evict deletes least-recently accessed unpinned rows until the used size of
// the file, plus |needed| bytes and a page of slack, fits the ambient budget.
// It returns false if no more rows can be evicted and the budget is still
// exceeded. Pinned rows are never evicted, so the offline tile count is
// unaffected.
func (d *Database) evict(ctx context.Context, needed uint64) (bool, error) {
	var pageSize, err = d.pragma(ctx, stmtPageSize)
	if err != nil {
		return false, err
	}
	pageCount, err := d.pragma(ctx, stmtPageCount)
	if err != nil {
		return false, err
	}

	// Used size is measured in pages, as not all of a row's size is in its
	// data column and pages may be fragmented.
	var usedSize = func() (uint64, error) {
		var free, err = d.pragma(ctx, stmtFreelistCount)
		if err != nil {
			return 0, err
		}
		return uint64(pageSize * (pageCount - free)), nil
	}

	for {
		used, err := usedSize()
		if err != nil {
			return false, err
		} else if used+needed+uint64(pageSize) <= d.opts.MaximumAmbientCacheSize {
			return true, nil
		}

		var accessed sql.NullInt64
		if err = d.queryRow(ctx, stmtOldestUnpinned, []interface{}{evictBatchSize}, &accessed); err != nil {
			return false, err
		} else if !accessed.Valid {
			return false, nil // Nothing is evictable.
		}

		resources, err := d.exec(ctx, stmtEvictResources, accessed.Int64)
		if err != nil {
			return false, err
		}
		tiles, err := d.exec(ctx, stmtEvictTiles, accessed.Int64)
		if err != nil {
			return false, err
		}

		if resources+tiles == 0 {
			return false, nil
		}
		metrics.EvictedRowsTotal.Add(float64(resources + tiles))

		log.WithFields(log.Fields{
			"resources": resources,
			"tiles":     tiles,
			"accessed":  accessed.Int64,
			"used":      used,
			"needed":    needed,
		}).Debug("evicted ambient cache entries")
	}
}

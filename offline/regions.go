package offline

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/tilecache/metrics"
)

// Region is a stored offline region.
type Region struct {
	ID         int64
	Definition RegionDefinition
	// Metadata is an opaque, application-defined description of the Region.
	Metadata []byte
}

// RegionStatus counts the stored rows pinned by a Region. Resource counts
// and sizes include those of tiles.
type RegionStatus struct {
	CompletedResourceCount uint64
	CompletedResourceSize  uint64
	CompletedTileCount     uint64
	CompletedTileSize      uint64
}

// CreateRegion stores a new Region of the RegionDefinition and Metadata.
func (d *Database) CreateRegion(ctx context.Context, def RegionDefinition, metadata []byte) (Region, error) {
	var enc, err = EncodeRegionDefinition(def)
	if err != nil {
		return Region{}, errors.WithMessage(err, "create region")
	}
	stmt, err := d.statement(ctx, stmtCreateRegion)
	if err != nil {
		return Region{}, d.handleError(err, "create region")
	}
	res, err := stmt.ExecContext(ctx, enc, nonNilBlob(metadata))
	if err != nil {
		return Region{}, d.handleError(err, "create region")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Region{}, d.handleError(err, "create region")
	}
	return Region{ID: id, Definition: def.normalize(), Metadata: metadata}, nil
}

// ListRegions returns all stored Regions, ordered on ID. Regions having a
// malformed definition are logged and skipped.
func (d *Database) ListRegions(ctx context.Context) ([]Region, error) {
	var stmt, err = d.statement(ctx, stmtListRegions)
	if err != nil {
		return nil, d.handleError(err, "list regions")
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, d.handleError(err, "list regions")
	}
	var out, lerr = d.scanRegions(rows)
	if lerr != nil {
		return nil, d.handleError(lerr, "list regions")
	}
	return out, nil
}

// scanRegions reads (id, definition, description) rows, closing |rows|.
func (d *Database) scanRegions(rows *sql.Rows) ([]Region, error) {
	defer rows.Close()

	var out []Region
	for rows.Next() {
		var (
			region Region
			enc    string
			err    error
		)
		if err = rows.Scan(&region.ID, &enc, &region.Metadata); err != nil {
			return nil, err
		}
		if region.Definition, err = d.decodeDefinition(enc); err != nil {
			log.WithFields(log.Fields{"err": err, "id": region.ID}).
				Error("skipping region with malformed definition")
			continue
		}
		out = append(out, region)
	}
	return out, rows.Err()
}

// RegionDefinition returns the decoded definition of Region |id|.
func (d *Database) RegionDefinition(ctx context.Context, id int64) (RegionDefinition, error) {
	var enc string
	var err = d.queryRow(ctx, stmtRegionDefinition, []interface{}{id}, &enc)
	if err == sql.ErrNoRows {
		return RegionDefinition{}, errors.Errorf("region %d not found", id)
	} else if err != nil {
		return RegionDefinition{}, d.handleError(err, "load region definition")
	}
	def, err := d.decodeDefinition(enc)
	if err != nil {
		return RegionDefinition{}, d.handleError(err, "load region definition")
	}
	return def, nil
}

// UpdateMetadata replaces the Metadata of Region |id|, returning it.
func (d *Database) UpdateMetadata(ctx context.Context, id int64, metadata []byte) ([]byte, error) {
	if _, err := d.exec(ctx, stmtUpdateMetadata, nonNilBlob(metadata), id); err != nil {
		return nil, d.handleError(err, "update region metadata")
	}
	return metadata, nil
}

// DeleteRegion deletes Region |id| and its pins. Rows it pinned which no
// other Region pins become part of the ambient cache, which is then brought
// back within its budget.
func (d *Database) DeleteRegion(ctx context.Context, id int64) error {
	if _, err := d.exec(ctx, stmtDeleteRegion, id); err != nil {
		return d.handleError(err, "delete region")
	}
	d.offlineTileCount = -1

	if _, err := d.evict(ctx, 0); err != nil {
		return d.handleError(err, "delete region")
	}
	if d.opts.AutoPack {
		if err := d.vacuum(ctx); err != nil {
			return d.handleError(err, "delete region")
		}
	}
	return nil
}

// PutRegionResource stores the Response of the Resource and pins it to
// Region |id|, returning the stored size. Region writes never evict.
//
// If the Resource is a provider tile newly pinned while the offline tile
// count limit is already reached, the write is kept but
// ErrTileCountLimitExceeded is returned.
func (d *Database) PutRegionResource(ctx context.Context, id int64, r Resource, resp Response) (uint64, error) {
	var size uint64
	var limitErr error

	var err = d.transact(ctx, txImmediate, func() (err error) {
		size, err = d.putRegionResourceInternal(ctx, id, r, resp)
		if err == ErrTileCountLimitExceeded {
			limitErr, err = err, nil // Commit, then return.
		}
		return err
	})
	if err != nil {
		d.offlineTileCount = -1 // Increments were rolled back.
		metrics.PutTotal.WithLabelValues(metrics.Fail).Inc()
		return 0, d.handleError(err, "write region resource")
	} else if limitErr != nil {
		return size, limitErr
	}
	return size, nil
}

// PutRegionResources stores and pins a batch of writes within a single
// transaction, and adds their counts and sizes to |status| once committed.
//
// If a write exceeds the offline tile count limit, the writes preceding it
// and the write itself are committed, remaining writes are skipped, and
// ErrTileCountLimitExceeded is returned without updating |status|.
func (d *Database) PutRegionResources(ctx context.Context, id int64, writes []RegionWrite, status *RegionStatus) error {
	var batch RegionStatus
	var limitErr error

	var err = d.transact(ctx, txImmediate, func() error {
		for _, w := range writes {
			var size, err = d.putRegionResourceInternal(ctx, id, w.Resource, w.Response)
			if err == ErrTileCountLimitExceeded {
				limitErr = err
				return nil
			} else if err != nil {
				return err
			}
			batch.CompletedResourceCount++
			batch.CompletedResourceSize += size

			if w.Resource.isTile() {
				batch.CompletedTileCount++
				batch.CompletedTileSize += size
			}
		}
		return nil
	})
	if err != nil {
		d.offlineTileCount = -1
		metrics.PutTotal.WithLabelValues(metrics.Fail).Inc()
		return d.handleError(err, "write region resources")
	} else if limitErr != nil {
		return limitErr
	}

	if status != nil {
		status.CompletedResourceCount += batch.CompletedResourceCount
		status.CompletedResourceSize += batch.CompletedResourceSize
		status.CompletedTileCount += batch.CompletedTileCount
		status.CompletedTileSize += batch.CompletedTileSize
	}
	return nil
}

// putRegionResourceInternal stores and pins a Resource within the current
// transaction.
func (d *Database) putRegionResourceInternal(ctx context.Context, id int64, r Resource, resp Response) (uint64, error) {
	var provider = d.isProviderTile(r)

	// Resolve the count before pinning, so it excludes this Resource.
	if provider {
		if _, err := d.tileCount(ctx); err != nil {
			return 0, err
		}
	}

	var result, err = d.putInternal(ctx, r, resp, false)
	if err != nil {
		return 0, err
	}
	unused, err := d.markUsed(ctx, id, r)
	if err != nil {
		return 0, err
	}

	if !provider || !unused {
		return result.Size, nil
	}
	var exceeded = uint64(d.offlineTileCount) >= d.opts.OfflineTileCountLimit
	d.offlineTileCount++

	if exceeded {
		log.WithFields(log.Fields{
			"region": id,
			"url":    r.URL,
			"limit":  d.opts.OfflineTileCountLimit,
		}).Info("offline tile count limit exceeded")
		metrics.TileLimitExceededTotal.Inc()
		return result.Size, ErrTileCountLimitExceeded
	}
	return result.Size, nil
}

// MarkUsedResources pins already-stored Resources to Region |id|.
// Resources which aren't stored are ignored.
func (d *Database) MarkUsedResources(ctx context.Context, id int64, resources []Resource) error {
	var err = d.transact(ctx, txImmediate, func() error {
		for _, r := range resources {
			var unused, err = d.markUsed(ctx, id, r)
			if err != nil {
				return err
			} else if unused && d.isProviderTile(r) && d.offlineTileCount >= 0 {
				d.offlineTileCount++
			}
		}
		return nil
	})
	if err != nil {
		d.offlineTileCount = -1
		return d.handleError(err, "mark resources as used")
	}
	return nil
}

// markUsed pins the Resource to Region |id|. It returns true if the
// Resource was not previously pinned by any Region.
func (d *Database) markUsed(ctx context.Context, id int64, r Resource) (bool, error) {
	var insert, elsewhere = stmtMarkResourceUsed, stmtResourceUsedElsewhere
	var args = []interface{}{id, r.URL}
	if r.isTile() {
		insert, elsewhere = stmtMarkTileUsed, stmtTileUsedElsewhere
		args = append([]interface{}{id}, tileKey(r.Tile)...)
	}

	if changed, err := d.exec(ctx, insert, args...); err != nil {
		return false, err
	} else if changed == 0 {
		return false, nil // Already pinned by this Region, or not stored.
	}

	var other int64
	switch err := d.queryRow(ctx, elsewhere, args, &other); err {
	case sql.ErrNoRows:
		return true, nil
	case nil:
		return false, nil
	default:
		return false, err
	}
}

// RegionCompletedStatus returns the counts and sizes of rows pinned by
// Region |id|.
func (d *Database) RegionCompletedStatus(ctx context.Context, id int64) (RegionStatus, error) {
	var status RegionStatus
	var resourceSize, tileSize sql.NullInt64

	if err := d.queryRow(ctx, stmtRegionResourceStatus, []interface{}{id},
		&status.CompletedResourceCount, &resourceSize); err != nil {
		return RegionStatus{}, d.handleError(err, "get region status")
	}
	if err := d.queryRow(ctx, stmtRegionTileStatus, []interface{}{id},
		&status.CompletedTileCount, &tileSize); err != nil {
		return RegionStatus{}, d.handleError(err, "get region status")
	}
	status.CompletedResourceSize = uint64(resourceSize.Int64)
	status.CompletedTileSize = uint64(tileSize.Int64)

	status.CompletedResourceCount += status.CompletedTileCount
	status.CompletedResourceSize += status.CompletedTileSize
	return status, nil
}

// OfflineTileCount returns the number of distinct provider tiles pinned by
// Regions. The count is cached until a Region is deleted or merged in.
func (d *Database) OfflineTileCount(ctx context.Context) (uint64, error) {
	var count, err = d.tileCount(ctx)
	if err != nil {
		return 0, d.handleError(err, "count offline tiles")
	}
	return uint64(count), nil
}

func (d *Database) tileCount(ctx context.Context) (int64, error) {
	if d.offlineTileCount >= 0 {
		return d.offlineTileCount, nil
	}
	var count int64
	if err := d.queryRow(ctx, stmtOfflineTileCount, []interface{}{d.opts.ProviderURLPrefix}, &count); err != nil {
		return 0, err
	}
	d.offlineTileCount = count
	return count, nil
}

// OfflineTileCountLimitExceeded returns whether the offline tile count has
// reached its limit.
func (d *Database) OfflineTileCountLimitExceeded(ctx context.Context) (bool, error) {
	var count, err = d.OfflineTileCount(ctx)
	if err != nil {
		return false, err
	}
	return count >= d.opts.OfflineTileCountLimit, nil
}

// OfflineTileCountLimit returns the current offline tile count limit.
func (d *Database) OfflineTileCountLimit() uint64 { return d.opts.OfflineTileCountLimit }

// SetOfflineTileCountLimit changes the offline tile count limit. Tiles
// already pinned beyond a lowered limit are kept.
func (d *Database) SetOfflineTileCountLimit(limit uint64) { d.opts.OfflineTileCountLimit = limit }

func (d *Database) isProviderTile(r Resource) bool {
	return r.Kind == KindTile && strings.HasPrefix(r.URL, d.opts.ProviderURLPrefix)
}

// decodeDefinition decodes |enc|, memoizing the result. Returned
// definitions don't share memory with the memo.
func (d *Database) decodeDefinition(enc string) (RegionDefinition, error) {
	if v, ok := d.definitions.Get(enc); ok {
		return v.(RegionDefinition).normalize(), nil
	}
	var def, err = DecodeRegionDefinition(enc)
	if err != nil {
		return RegionDefinition{}, err
	}
	d.definitions.Add(enc, def)
	return def.normalize(), nil
}

// nonNilBlob maps nil metadata to an empty blob, as "description" is
// compared with IS when merging.
func nonNilBlob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

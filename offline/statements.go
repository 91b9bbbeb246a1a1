package offline

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// stmtID identifies a cached, prepared statement of the Database connection.
type stmtID int

const (
	stmtUserVersion stmtID = iota
	stmtAutoVacuum
	stmtPageSize
	stmtPageCount
	stmtFreelistCount

	stmtTouchResource
	stmtGetResource
	stmtHasResource
	stmtNotModifiedResource
	stmtUpdateResource
	stmtInsertResource

	stmtTouchTile
	stmtGetTile
	stmtHasTile
	stmtNotModifiedTile
	stmtUpdateTile
	stmtInsertTile

	stmtInvalidateAmbientTiles
	stmtInvalidateAmbientResources
	stmtClearAmbientTiles
	stmtClearAmbientResources
	stmtInvalidateRegionTiles
	stmtInvalidateRegionResources

	stmtHasRegions
	stmtListRegions
	stmtCreateRegion
	stmtUpdateMetadata
	stmtDeleteRegion
	stmtRegionDefinition

	stmtMarkTileUsed
	stmtTileUsedElsewhere
	stmtMarkResourceUsed
	stmtResourceUsedElsewhere

	stmtRegionResourceStatus
	stmtRegionTileStatus

	stmtOldestUnpinned
	stmtEvictResources
	stmtEvictTiles

	stmtOfflineTileCount

	numStatements
)

var statementSQL = [numStatements]string{
	stmtUserVersion:   `PRAGMA user_version`,
	stmtAutoVacuum:    `PRAGMA auto_vacuum`,
	stmtPageSize:      `PRAGMA page_size`,
	stmtPageCount:     `PRAGMA page_count`,
	stmtFreelistCount: `PRAGMA freelist_count`,

	stmtTouchResource: `UPDATE resources SET accessed = ?1 WHERE url = ?2`,
	stmtGetResource: `
		SELECT etag, expires, must_revalidate, modified, data, compressed
		FROM resources
		WHERE url = ?1`,
	stmtHasResource: `SELECT length(data) FROM resources WHERE url = ?1`,
	stmtNotModifiedResource: `
		UPDATE resources
		SET accessed        = ?1,
		    expires         = ?2,
		    must_revalidate = ?3
		WHERE url = ?4`,
	stmtUpdateResource: `
		UPDATE resources
		SET kind            = ?1,
		    etag            = ?2,
		    expires         = ?3,
		    must_revalidate = ?4,
		    modified        = ?5,
		    accessed        = ?6,
		    data            = ?7,
		    compressed      = ?8
		WHERE url = ?9`,
	stmtInsertResource: `
		INSERT INTO resources (url, kind, etag, expires, must_revalidate, modified, accessed, data, compressed)
		VALUES                (?1,  ?2,   ?3,   ?4,      ?5,              ?6,       ?7,       ?8,   ?9)`,

	stmtTouchTile: `
		UPDATE tiles
		SET accessed = ?1
		WHERE url_template = ?2
		  AND pixel_ratio  = ?3
		  AND x            = ?4
		  AND y            = ?5
		  AND z            = ?6`,
	stmtGetTile: `
		SELECT etag, expires, must_revalidate, modified, data, compressed
		FROM tiles
		WHERE url_template = ?1
		  AND pixel_ratio  = ?2
		  AND x            = ?3
		  AND y            = ?4
		  AND z            = ?5`,
	stmtHasTile: `
		SELECT length(data)
		FROM tiles
		WHERE url_template = ?1
		  AND pixel_ratio  = ?2
		  AND x            = ?3
		  AND y            = ?4
		  AND z            = ?5`,
	stmtNotModifiedTile: `
		UPDATE tiles
		SET accessed        = ?1,
		    expires         = ?2,
		    must_revalidate = ?3
		WHERE url_template = ?4
		  AND pixel_ratio  = ?5
		  AND x            = ?6
		  AND y            = ?7
		  AND z            = ?8`,
	stmtUpdateTile: `
		UPDATE tiles
		SET modified        = ?1,
		    etag            = ?2,
		    expires         = ?3,
		    must_revalidate = ?4,
		    accessed        = ?5,
		    data            = ?6,
		    compressed      = ?7
		WHERE url_template = ?8
		  AND pixel_ratio  = ?9
		  AND x            = ?10
		  AND y            = ?11
		  AND z            = ?12`,
	stmtInsertTile: `
		INSERT INTO tiles (url_template, pixel_ratio, x,  y,  z,  modified, must_revalidate, etag, expires, accessed, data, compressed)
		VALUES            (?1,           ?2,          ?3, ?4, ?5, ?6,       ?7,              ?8,   ?9,      ?10,      ?11,  ?12)`,

	stmtInvalidateAmbientTiles: `
		UPDATE tiles
		SET expires = 0, must_revalidate = 1
		WHERE id NOT IN (SELECT tile_id FROM region_tiles)`,
	stmtInvalidateAmbientResources: `
		UPDATE resources
		SET expires = 0, must_revalidate = 1
		WHERE id NOT IN (SELECT resource_id FROM region_resources)`,
	stmtClearAmbientTiles: `
		DELETE FROM tiles
		WHERE id NOT IN (SELECT tile_id FROM region_tiles)`,
	stmtClearAmbientResources: `
		DELETE FROM resources
		WHERE id NOT IN (SELECT resource_id FROM region_resources)`,
	stmtInvalidateRegionTiles: `
		UPDATE tiles
		SET expires = 0, must_revalidate = 1
		WHERE id IN (SELECT tile_id FROM region_tiles WHERE region_id = ?1)`,
	stmtInvalidateRegionResources: `
		UPDATE resources
		SET expires = 0, must_revalidate = 1
		WHERE id IN (SELECT resource_id FROM region_resources WHERE region_id = ?1)`,

	stmtHasRegions:       `SELECT EXISTS (SELECT 1 FROM regions)`,
	stmtListRegions:      `SELECT id, definition, description FROM regions ORDER BY id`,
	stmtCreateRegion:     `INSERT INTO regions (definition, description) VALUES (?1, ?2)`,
	stmtUpdateMetadata:   `UPDATE regions SET description = ?1 WHERE id = ?2`,
	stmtDeleteRegion:     `DELETE FROM regions WHERE id = ?1`,
	stmtRegionDefinition: `SELECT definition FROM regions WHERE id = ?1`,

	stmtMarkTileUsed: `
		INSERT OR IGNORE INTO region_tiles (region_id, tile_id)
		SELECT ?1, tiles.id
		FROM tiles
		WHERE url_template = ?2
		  AND pixel_ratio  = ?3
		  AND x            = ?4
		  AND y            = ?5
		  AND z            = ?6`,
	stmtTileUsedElsewhere: `
		SELECT region_id
		FROM region_tiles, tiles
		WHERE region_id   != ?1
		  AND tile_id      = tiles.id
		  AND url_template = ?2
		  AND pixel_ratio  = ?3
		  AND x            = ?4
		  AND y            = ?5
		  AND z            = ?6
		LIMIT 1`,
	stmtMarkResourceUsed: `
		INSERT OR IGNORE INTO region_resources (region_id, resource_id)
		SELECT ?1, resources.id
		FROM resources
		WHERE resources.url = ?2`,
	stmtResourceUsedElsewhere: `
		SELECT region_id
		FROM region_resources, resources
		WHERE region_id     != ?1
		  AND resource_id    = resources.id
		  AND resources.url  = ?2
		LIMIT 1`,

	stmtRegionResourceStatus: `
		SELECT COUNT(*), SUM(LENGTH(data))
		FROM region_resources, resources
		WHERE region_id = ?1
		  AND resource_id = resources.id`,
	stmtRegionTileStatus: `
		SELECT COUNT(*), SUM(LENGTH(data))
		FROM region_tiles, tiles
		WHERE region_id = ?1
		  AND tile_id = tiles.id`,

	stmtOldestUnpinned: `
		SELECT max(accessed)
		FROM (
		    SELECT accessed
		    FROM resources
		    LEFT JOIN region_resources ON resource_id = resources.id
		    WHERE resource_id IS NULL
		  UNION ALL
		    SELECT accessed
		    FROM tiles
		    LEFT JOIN region_tiles ON tile_id = tiles.id
		    WHERE tile_id IS NULL
		  ORDER BY accessed ASC LIMIT ?1
		)`,
	stmtEvictResources: `
		DELETE FROM resources
		WHERE id IN (
		  SELECT id FROM resources
		  LEFT JOIN region_resources ON resource_id = resources.id
		  WHERE resource_id IS NULL
		    AND accessed <= ?1
		)`,
	stmtEvictTiles: `
		DELETE FROM tiles
		WHERE id IN (
		  SELECT id FROM tiles
		  LEFT JOIN region_tiles ON tile_id = tiles.id
		  WHERE tile_id IS NULL
		    AND accessed <= ?1
		)`,

	stmtOfflineTileCount: `
		SELECT COUNT(DISTINCT id)
		FROM region_tiles, tiles
		WHERE tile_id = tiles.id
		  AND substr(url_template, 1, length(?1)) = ?1`,
}

// statement returns the prepared statement of |id|, preparing and caching it
// on first use. Cached statements are discarded whenever the connection is.
func (d *Database) statement(ctx context.Context, id stmtID) (*sql.Stmt, error) {
	if err := d.ensureOpen(ctx); err != nil {
		return nil, err
	}
	if stmt, ok := d.statements[id]; ok {
		return stmt, nil
	}
	var stmt, err = d.conn.PrepareContext(ctx, statementSQL[id])
	if err != nil {
		return nil, errors.WithMessagef(err, "preparing statement %d", id)
	}
	d.statements[id] = stmt
	return stmt, nil
}

// exec runs the cached statement |id| and returns the number of changed rows.
func (d *Database) exec(ctx context.Context, id stmtID, args ...interface{}) (int64, error) {
	var stmt, err = d.statement(ctx, id)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// queryRow runs the cached statement |id| and scans its first row into
// |dest|. It returns sql.ErrNoRows if there is no row.
func (d *Database) queryRow(ctx context.Context, id stmtID, args []interface{}, dest ...interface{}) error {
	var stmt, err = d.statement(ctx, id)
	if err != nil {
		return err
	}
	return stmt.QueryRowContext(ctx, args...).Scan(dest...)
}

// pragma returns the integer value of a cached pragma statement.
func (d *Database) pragma(ctx context.Context, id stmtID) (int64, error) {
	var v int64
	if err := d.queryRow(ctx, id, nil, &v); err != nil {
		return 0, errors.WithMessage(err, statementSQL[id])
	}
	return v, nil
}

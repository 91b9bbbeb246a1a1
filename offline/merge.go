package offline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// MergeDatabase imports the Regions of the side-loaded database file at
// |path|, together with the tiles and resources they pin. Rows already
// present (by natural key) are kept as-is, as are Regions having an
// identical definition and metadata. It returns the Regions of this
// Database which correspond to those of the side-loaded file.
//
// The side-loaded file must be of the current schema version. If its
// import would exceed the offline tile count limit, nothing is imported
// and ErrTileCountLimitExceeded is returned.
func (d *Database) MergeDatabase(ctx context.Context, path string) ([]Region, error) {
	if ok, err := afero.Exists(d.opts.Fs, path); err != nil {
		return nil, d.handleError(err, "merge database")
	} else if !ok {
		return nil, errors.Errorf("merge database %s does not exist", path)
	}
	if err := d.ensureOpen(ctx); err != nil {
		return nil, d.handleError(err, "merge database")
	}

	if _, err := d.conn.ExecContext(ctx, "ATTACH DATABASE ?1 AS side", path); err != nil {
		log.WithFields(log.Fields{"err": err, "side": path}).
			Error("can't attach database for merge")
		return nil, errors.WithMessage(err, "attach merge database")
	}
	defer func() {
		if d.conn == nil {
			return // Closed after a corruption.
		}
		if _, err := d.conn.ExecContext(context.Background(), "DETACH DATABASE side"); err != nil {
			log.WithFields(log.Fields{"err": err, "side": path}).
				Warn("failed to detach merge database")
		}
	}()

	var regions, err = d.mergeAttached(ctx)
	if err == ErrTileCountLimitExceeded {
		return nil, err
	} else if err != nil {
		log.WithFields(log.Fields{"err": err, "side": path}).Error("merge database failed")
		return nil, errors.WithMessage(err, "merge database")
	}
	return regions, nil
}

func (d *Database) mergeAttached(ctx context.Context) ([]Region, error) {
	var sideVersion, mainVersion int64
	if err := d.conn.QueryRowContext(ctx, "PRAGMA side.user_version").Scan(&sideVersion); err != nil {
		return nil, err
	}
	mainVersion, err := d.pragma(ctx, stmtUserVersion)
	if err != nil {
		return nil, err
	}
	if sideVersion < schemaVersion || sideVersion != mainVersion {
		return nil, errors.Errorf("merge database has incorrect user_version %d (expected %d)",
			sideVersion, mainVersion)
	}

	current, err := d.tileCount(ctx)
	if err != nil {
		return nil, err
	}
	var incoming int64
	if err = d.conn.QueryRowContext(ctx, mergeTileCountSQL, d.opts.ProviderURLPrefix).Scan(&incoming); err != nil {
		return nil, err
	}
	if uint64(current+incoming) > d.opts.OfflineTileCountLimit {
		log.WithFields(log.Fields{
			"current":  current,
			"incoming": incoming,
			"limit":    d.opts.OfflineTileCountLimit,
		}).Info("merge would exceed offline tile count limit")
		return nil, ErrTileCountLimitExceeded
	}

	if err = d.transact(ctx, txImmediate, func() error {
		_, err := d.conn.ExecContext(ctx, mergeSQL)
		return err
	}); err != nil {
		return nil, err
	}
	d.offlineTileCount = -1

	rows, err := d.conn.QueryContext(ctx, mergedRegionsSQL)
	if err != nil {
		return nil, err
	}
	return d.scanRegions(rows)
}

// mergeTileCountSQL counts provider tiles pinned by side-loaded Regions
// which are not yet stored.
const mergeTileCountSQL = `
SELECT COUNT(DISTINCT st.id)
FROM side.tiles st
JOIN side.region_tiles srt ON srt.tile_id = st.id
LEFT JOIN tiles t
  ON  st.url_template = t.url_template
  AND st.pixel_ratio  = t.pixel_ratio
  AND st.z            = t.z
  AND st.x            = t.x
  AND st.y            = t.y
WHERE t.id IS NULL
  AND substr(st.url_template, 1, length(?1)) = ?1`

// mergeSQL copies Regions, rows, and pins of the side database. Side ids are
// remapped onto ids of this database through natural keys.
const mergeSQL = `
INSERT INTO regions (definition, description)
SELECT DISTINCT sr.definition, sr.description
FROM side.regions sr
WHERE NOT EXISTS (
  SELECT 1 FROM regions r
  WHERE r.definition = sr.definition AND r.description IS sr.description
);

CREATE TEMPORARY TABLE region_mapping AS
SELECT sr.id AS side_id, MIN(r.id) AS main_id
FROM side.regions sr
JOIN regions r ON r.definition = sr.definition AND r.description IS sr.description
GROUP BY sr.id;

INSERT INTO tiles (url_template, pixel_ratio, z, x, y, expires, modified, etag, data, compressed, accessed, must_revalidate)
SELECT st.url_template, st.pixel_ratio, st.z, st.x, st.y, st.expires, st.modified, st.etag, st.data, st.compressed, st.accessed, st.must_revalidate
FROM side.tiles st
LEFT JOIN tiles t
  ON  st.url_template = t.url_template
  AND st.pixel_ratio  = t.pixel_ratio
  AND st.z            = t.z
  AND st.x            = t.x
  AND st.y            = t.y
WHERE t.id IS NULL
  AND st.id IN (SELECT tile_id FROM side.region_tiles);

INSERT INTO resources (url, kind, expires, modified, etag, data, compressed, accessed, must_revalidate)
SELECT sr.url, sr.kind, sr.expires, sr.modified, sr.etag, sr.data, sr.compressed, sr.accessed, sr.must_revalidate
FROM side.resources sr
LEFT JOIN resources r ON sr.url = r.url
WHERE r.id IS NULL
  AND sr.id IN (SELECT resource_id FROM side.region_resources);

INSERT OR IGNORE INTO region_tiles (region_id, tile_id)
SELECT m.main_id, t.id
FROM side.region_tiles srt
JOIN region_mapping m ON m.side_id = srt.region_id
JOIN side.tiles st ON st.id = srt.tile_id
JOIN tiles t
  ON  st.url_template = t.url_template
  AND st.pixel_ratio  = t.pixel_ratio
  AND st.z            = t.z
  AND st.x            = t.x
  AND st.y            = t.y;

INSERT OR IGNORE INTO region_resources (region_id, resource_id)
SELECT m.main_id, r.id
FROM side.region_resources srr
JOIN region_mapping m ON m.side_id = srr.region_id
JOIN side.resources sr ON sr.id = srr.resource_id
JOIN resources r ON sr.url = r.url;

DROP TABLE temp.region_mapping;
`

// mergedRegionsSQL selects the Regions matching those of the side database.
const mergedRegionsSQL = `
SELECT DISTINCT r.id, r.definition, r.description
FROM side.regions sr
JOIN regions r ON sr.definition = r.definition AND sr.description IS r.description
ORDER BY r.id`

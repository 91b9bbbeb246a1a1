package offline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// schemaVersion is the user_version of a current Database file.
const schemaVersion = 6

const schemaSQL = `
CREATE TABLE resources (
  id              INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
  url             TEXT    NOT NULL,
  kind            INTEGER NOT NULL,
  expires         INTEGER,
  modified        INTEGER,
  etag            TEXT,
  data            BLOB,
  compressed      INTEGER NOT NULL DEFAULT 0,
  accessed        INTEGER NOT NULL,
  must_revalidate INTEGER NOT NULL DEFAULT 0,
  UNIQUE (url)
);

CREATE TABLE tiles (
  id              INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
  url_template    TEXT    NOT NULL,
  pixel_ratio     INTEGER NOT NULL,
  z               INTEGER NOT NULL,
  x               INTEGER NOT NULL,
  y               INTEGER NOT NULL,
  expires         INTEGER,
  modified        INTEGER,
  etag            TEXT,
  data            BLOB,
  compressed      INTEGER NOT NULL DEFAULT 0,
  accessed        INTEGER NOT NULL,
  must_revalidate INTEGER NOT NULL DEFAULT 0,
  UNIQUE (url_template, pixel_ratio, z, x, y)
);

CREATE TABLE regions (
  id          INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
  definition  TEXT NOT NULL,
  description BLOB
);

CREATE TABLE region_resources (
  region_id   INTEGER NOT NULL REFERENCES regions(id) ON DELETE CASCADE,
  resource_id INTEGER NOT NULL REFERENCES resources(id),
  UNIQUE (region_id, resource_id)
);

CREATE TABLE region_tiles (
  region_id INTEGER NOT NULL REFERENCES regions(id) ON DELETE CASCADE,
  tile_id   INTEGER NOT NULL REFERENCES tiles(id),
  UNIQUE (region_id, tile_id)
);

CREATE INDEX resources_accessed ON resources (accessed);
CREATE INDEX tiles_accessed ON tiles (accessed);
CREATE INDEX region_resources_resource_id ON region_resources (resource_id);
CREATE INDEX region_tiles_tile_id ON region_tiles (tile_id);
`

// migrate brings the connected file to schemaVersion. Version 0 is an empty
// (or pre-versioning) file. Versions 2 through 5 are upgraded in place, and
// unknown versions cause the file to be recreated if |recreate|.
func (d *Database) migrate(ctx context.Context, recreate bool) error {
	var version, err = d.pragma(ctx, stmtUserVersion)
	if err != nil {
		return err
	}
	var entry = log.WithFields(log.Fields{"path": d.path, "version": version})

	switch version {
	case 0, 1:
		// Newly created, or a legacy cache which is simply discarded.
		if err = d.removeOldCacheTable(ctx); err != nil {
			return err
		}
		return d.createSchema(ctx)
	case 2, 3, 4, 5:
		entry.Info("migrating offline database")
	case schemaVersion:
		return nil
	default:
		if !recreate {
			return errors.Errorf("unsupported offline database version %d", version)
		} else if err = d.removeExisting(); err != nil {
			return err
		}
		return d.initialize(ctx, false)
	}

	if version == 2 {
		if err = d.migrateToV3(ctx); err != nil {
			return err
		}
	}
	// Version 3 differs from 4 only by its treatment of expiration times.
	if version <= 4 {
		if err = d.migrateToV5(ctx); err != nil {
			return err
		}
	}
	return d.migrateToV6(ctx)
}

func (d *Database) migrateToV3(ctx context.Context) error {
	if err := d.vacuum(ctx); err != nil {
		return err
	}
	return d.execAll(ctx, "PRAGMA user_version = 3")
}

func (d *Database) migrateToV5(ctx context.Context) error {
	return d.execAll(ctx,
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = FULL",
		"PRAGMA user_version = 5",
	)
}

func (d *Database) migrateToV6(ctx context.Context) error {
	return d.transact(ctx, txDeferred, func() error {
		return d.execAll(ctx,
			"ALTER TABLE resources ADD COLUMN must_revalidate INTEGER NOT NULL DEFAULT 0",
			"ALTER TABLE tiles ADD COLUMN must_revalidate INTEGER NOT NULL DEFAULT 0",
			"PRAGMA user_version = 6",
		)
	})
}

func (d *Database) createSchema(ctx context.Context) error {
	// auto_vacuum must be set before any table is created.
	if err := d.vacuum(ctx); err != nil {
		return err
	}
	if err := d.execAll(ctx,
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = FULL",
	); err != nil {
		return err
	}
	return d.transact(ctx, txDeferred, func() error {
		return d.execAll(ctx, schemaSQL, "PRAGMA user_version = 6")
	})
}

// removeOldCacheTable drops the table of a version 1 cache.
func (d *Database) removeOldCacheTable(ctx context.Context) error {
	if err := d.execAll(ctx, "DROP TABLE IF EXISTS http_cache"); err != nil {
		return err
	}
	if d.opts.AutoPack {
		return d.vacuum(ctx)
	}
	return nil
}

// vacuum switches the file to incremental auto-vacuum with a full VACUUM if
// it isn't already, and otherwise releases its free pages. It may not be
// called within a transaction.
func (d *Database) vacuum(ctx context.Context) error {
	var mode, err = d.pragma(ctx, stmtAutoVacuum)
	if err != nil {
		return err
	}
	if mode != autoVacuumIncremental {
		return d.execAll(ctx, "PRAGMA auto_vacuum = INCREMENTAL", "VACUUM")
	}
	return d.incrementalVacuum(ctx)
}

// incrementalVacuum frees one page for each row it steps, so all rows are
// drained.
func (d *Database) incrementalVacuum(ctx context.Context) error {
	var rows, err = d.conn.QueryContext(ctx, "PRAGMA incremental_vacuum")
	if err != nil {
		return errors.WithMessage(err, "incremental_vacuum")
	}
	defer rows.Close()

	for rows.Next() {
	}
	return errors.WithMessage(rows.Err(), "incremental_vacuum")
}

// execAll runs uncached statements of the connection, in order.
func (d *Database) execAll(ctx context.Context, stmts ...string) error {
	if err := d.ensureOpen(ctx); err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := d.conn.ExecContext(ctx, s); err != nil {
			return errors.WithMessagef(err, "executing %.40q", s)
		}
	}
	return nil
}

const autoVacuumIncremental = 2

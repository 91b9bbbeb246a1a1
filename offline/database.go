package offline

import (
	"context"
	"database/sql"
	"os"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/tilecache/codecs"
	"go.gazette.dev/tilecache/metrics"
)

// InMemory is the path of a Database which is never persisted. Each Open of
// InMemory is an independent, initially empty Database.
const InMemory = ":memory:"

// Options of a Database.
type Options struct {
	// MaximumAmbientCacheSize bounds the bytes used by rows which no region
	// pins. Zero disables the ambient cache entirely.
	MaximumAmbientCacheSize uint64
	// OfflineTileCountLimit bounds the number of distinct provider tiles
	// pinned by regions.
	OfflineTileCountLimit uint64
	// ProviderURLPrefix identifies provider tiles by their URL template.
	ProviderURLPrefix string
	// Codec which compresses newly written payloads.
	Codec codecs.Codec
	// AutoPack reclaims free pages after region deletions and migrations.
	AutoPack bool
	// Fs on which the database file is removed and looked up.
	Fs afero.Fs
}

// DefaultOptions returns Options having a 50 MiB ambient cache and a limit
// of 6,000 offline "mapbox://" tiles.
func DefaultOptions() Options {
	return Options{
		MaximumAmbientCacheSize: 50 * 1024 * 1024,
		OfflineTileCountLimit:   6000,
		ProviderURLPrefix:       "mapbox://",
		Codec:                   codecs.DEFLATE,
		AutoPack:                true,
		Fs:                      afero.NewOsFs(),
	}
}

// Database is an offline cache and region store backed by a SQLite file.
// The file is opened lazily: if a previous open failed or the file was
// removed after a corruption, the next operation tries again.
type Database struct {
	path string
	opts Options

	db         *sql.DB
	conn       *sql.Conn
	statements map[stmtID]*sql.Stmt

	// Number of pinned provider tiles, or -1 if not yet known.
	offlineTileCount int64
	// Decoded RegionDefinitions, keyed on their encoding.
	definitions *lru.Cache
}

// Open a Database at |path|, creating or migrating it as required. Open
// never fails: errors are logged, and the open is retried by the next
// operation of the Database.
func Open(ctx context.Context, path string, opts Options) *Database {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	var definitions, err = lru.New(definitionCacheSize)
	if err != nil {
		panic(err) // Only returned for a non-positive size.
	}

	var d = &Database{
		path:             path,
		opts:             opts,
		offlineTileCount: -1,
		definitions:      definitions,
	}
	if err = d.ensureOpen(ctx); err != nil {
		_ = d.handleError(err, "open database")
	}
	return d
}

// Path of the Database file.
func (d *Database) Path() string { return d.path }

// ChangePath switches the Database to the file at |path|, which is opened
// (and created or migrated) immediately. The previous file is left as-is.
func (d *Database) ChangePath(ctx context.Context, path string) error {
	log.WithFields(log.Fields{"from": d.path, "to": path}).Info("changing offline database path")

	d.cleanup()
	d.path = path

	if err := d.ensureOpen(ctx); err != nil {
		return d.handleError(err, "change database path")
	}
	return nil
}

// Close the Database. A closed Database may be used again, in which case it
// re-opens its file.
func (d *Database) Close() error {
	var err error
	if d.db != nil {
		for _, stmt := range d.statements {
			_ = stmt.Close()
		}
		d.statements = nil

		if d.conn != nil {
			err = d.conn.Close()
		}
		if cerr := d.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	d.db, d.conn = nil, nil
	d.offlineTileCount = -1
	return err
}

func (d *Database) ensureOpen(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}
	return d.initialize(ctx, true)
}

// initialize opens the connection and brings the file's schema to the
// current version. If |recreate|, a file of an unknown version is removed
// and initialized once more. On failure the connection is closed again.
func (d *Database) initialize(ctx context.Context, recreate bool) (err error) {
	if d.db, err = sql.Open("sqlite3", d.path+dsnParams); err != nil {
		d.db = nil
		return errors.WithMessage(err, "opening sqlite3 database")
	}
	// A single connection is pinned for the Database's lifetime. Among other
	// things, this keeps an InMemory database alive.
	d.db.SetMaxOpenConns(1)
	d.statements = make(map[stmtID]*sql.Stmt)

	if d.conn, err = d.db.Conn(ctx); err != nil {
		_ = d.db.Close()
		d.db, d.conn = nil, nil
		return errors.WithMessage(err, "connecting to sqlite3 database")
	}
	defer func() {
		if err != nil {
			d.cleanup()
		}
	}()
	return d.migrate(ctx, recreate)
}

// cleanup releases the connection, discarding any error.
func (d *Database) cleanup() {
	if err := d.Close(); err != nil {
		log.WithFields(log.Fields{"err": err, "path": d.path}).
			Warn("failed to close offline database")
	}
}

// removeExisting closes and deletes the Database file. The next operation
// re-creates it.
func (d *Database) removeExisting() error {
	log.WithField("path", d.path).Warn("removing existing incompatible offline database")
	metrics.DatabaseResetsTotal.Inc()

	d.cleanup()

	if d.path == InMemory {
		return nil
	}
	for _, p := range []string{d.path, d.path + "-journal"} {
		if _, err := d.opts.Fs.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := d.opts.Fs.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.WithMessagef(err, "removing %s", p)
		}
	}
	return nil
}

// handleError logs |err|, removes the Database file if |err| reports it as
// corrupt, and returns |err| annotated with |action|. ErrTileCountLimitExceeded
// is returned unmodified.
func (d *Database) handleError(err error, action string) error {
	if err == ErrTileCountLimitExceeded {
		return err
	}
	var entry = log.WithFields(log.Fields{"err": err, "action": action, "path": d.path})

	if IsCorruption(err) {
		entry.Error("offline database is corrupt")

		if rerr := d.removeExisting(); rerr != nil {
			log.WithFields(log.Fields{"err": rerr, "path": d.path}).
				Error("failed to remove offline database file")
		}
	} else if sqliteCode(err) != -1 {
		entry.Warn("offline database operation failed")
	} else {
		entry.Error("offline database operation failed")
	}
	return errors.WithMessage(err, action)
}

// disabled is true if the ambient cache is disabled and no region exists,
// in which case nothing is read or written.
func (d *Database) disabled(ctx context.Context) (bool, error) {
	if d.opts.MaximumAmbientCacheSize != 0 {
		return false, nil
	}
	var exists bool
	if err := d.queryRow(ctx, stmtHasRegions, nil, &exists); err != nil {
		return false, err
	}
	return !exists, nil
}

// txMode begins a transaction. Transactions which write take the write lock
// up front, as a deferred transaction upgrading from a read lock fails
// immediately (rather than waiting) when another connection is writing.
type txMode string

const (
	txDeferred  txMode = "BEGIN"
	txImmediate txMode = "BEGIN IMMEDIATE"
)

// transact runs |fn| within a transaction of the pinned connection, which
// is committed if |fn| returns nil and is otherwise rolled back.
func (d *Database) transact(ctx context.Context, mode txMode, fn func() error) (err error) {
	if err = d.ensureOpen(ctx); err != nil {
		return err
	}
	if _, err = d.conn.ExecContext(ctx, string(mode)); err != nil {
		return errors.WithMessage(err, "beginning transaction")
	}
	var done bool
	defer func() {
		if done {
			return
		}
		if d.conn != nil {
			if _, rerr := d.conn.ExecContext(context.Background(), "ROLLBACK"); rerr != nil {
				log.WithField("err", rerr).Warn("failed to roll back transaction")
			}
		}
		if r := recover(); r != nil {
			panic(r)
		}
	}()

	if err = fn(); err != nil {
		return err
	}
	if _, err = d.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return errors.WithMessage(err, "committing transaction")
	}
	done = true
	return nil
}

const (
	// Foreign keys enforce region pins. Writers wait on locks held by other
	// connections indefinitely.
	dsnParams = "?_foreign_keys=1&_busy_timeout=2147483647"

	definitionCacheSize = 64
)

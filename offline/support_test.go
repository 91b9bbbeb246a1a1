package offline

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// newTestDB returns an InMemory Database of DefaultOptions modified by |fns|.
func newTestDB(t *testing.T, fns ...func(*Options)) *Database {
	return openTestDB(t, InMemory, fns...)
}

func openTestDB(t *testing.T, path string, fns ...func(*Options)) *Database {
	var opts = DefaultOptions()
	for _, fn := range fns {
		fn(&opts)
	}
	var d = Open(context.Background(), path, opts)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func withAmbientSize(size uint64) func(*Options) {
	return func(o *Options) { o.MaximumAmbientCacheSize = size }
}

func withTileLimit(limit uint64) func(*Options) {
	return func(o *Options) { o.OfflineTileCountLimit = limit }
}

func tempPath(t *testing.T, name string) string {
	return filepath.Join(t.TempDir(), name)
}

// withFakeClock makes each read of the clock advance by one second, so that
// successive writes have distinct access times.
func withFakeClock(t *testing.T) {
	var now = time.Unix(1500000000, 0)
	timeNow = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	t.Cleanup(func() { timeNow = time.Now })
}

// randomBytes returns |n| incompressible bytes.
func randomBytes(n int) []byte {
	var b = make([]byte, n)
	_, _ = rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func testDefinition() RegionDefinition {
	return RegionDefinition{
		StyleURL:   "http://example.com/style",
		Bounds:     Hull(LatLng{Lat: 1, Lng: 2}, LatLng{Lat: 3, Lng: 4}),
		MinZoom:    5,
		MaxZoom:    6,
		PixelRatio: 2.0,
	}
}

func mustCreateRegion(t *testing.T, d *Database) Region {
	var region, err = d.CreateRegion(context.Background(), testDefinition(), []byte("meta"))
	require.NoError(t, err)
	return region
}

var (
	styleResource = StyleResource("http://example.com/")
	tileResource  = TileResource("http://example.com/{z}-{x}-{y}.pbf", 1.0, 0, 0, 0)
)

func dataResponse(data string) Response {
	return Response{Data: []byte(data)}
}

// queryInt runs a single-valued integer query over the Database connection.
func queryInt(t *testing.T, d *Database, query string, args ...interface{}) int64 {
	require.NoError(t, d.ensureOpen(context.Background()))

	var v sql.NullInt64
	require.NoError(t, d.conn.QueryRowContext(context.Background(), query, args...).Scan(&v))
	return v.Int64
}

func queryString(t *testing.T, d *Database, query string) string {
	require.NoError(t, d.ensureOpen(context.Background()))

	var v string
	require.NoError(t, d.conn.QueryRowContext(context.Background(), query).Scan(&v))
	return v
}

// columnNames returns the ordered column names of |table|.
func columnNames(t *testing.T, db interface {
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
}, table string) []string {
	var rows, err = db.QueryContext(context.Background(), fmt.Sprintf("PRAGMA table_info(%s)", table))
	require.NoError(t, err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			cid      int
			name     string
			typ      string
			notNull  bool
			defValue sql.NullString
			pk       int
		)
		require.NoError(t, rows.Scan(&cid, &name, &typ, &notNull, &defValue, &pk))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	return names
}

// legacySchemaSQL is the layout of schema versions 2 through 5, which
// predate the "must_revalidate" columns.
const legacySchemaSQL = `
CREATE TABLE resources (
  id         INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
  url        TEXT    NOT NULL,
  kind       INTEGER NOT NULL,
  expires    INTEGER,
  modified   INTEGER,
  etag       TEXT,
  data       BLOB,
  compressed INTEGER NOT NULL DEFAULT 0,
  accessed   INTEGER NOT NULL,
  UNIQUE (url)
);

CREATE TABLE tiles (
  id           INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
  url_template TEXT    NOT NULL,
  pixel_ratio  INTEGER NOT NULL,
  z            INTEGER NOT NULL,
  x            INTEGER NOT NULL,
  y            INTEGER NOT NULL,
  expires      INTEGER,
  modified     INTEGER,
  etag         TEXT,
  data         BLOB,
  compressed   INTEGER NOT NULL DEFAULT 0,
  accessed     INTEGER NOT NULL,
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

// writeLegacyDatabase writes a database file of schema |version|, holding a
// single region which pins a resource and a tile. Files before version 5
// use WAL journaling, and no file has incremental auto-vacuum.
func writeLegacyDatabase(t *testing.T, path string, version int) {
	var db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var journal = "DELETE"
	if version < 5 {
		journal = "WAL"
	}
	definition, err := EncodeRegionDefinition(testDefinition())
	require.NoError(t, err)

	for _, stmt := range []string{
		"PRAGMA journal_mode = " + journal,
		legacySchemaSQL,
		`INSERT INTO resources (url, kind, etag, expires, modified, accessed, data, compressed)
		 VALUES ('http://example.com/', 1, 'etag', 1700000000, 1600000000, 1500000000, X'6C65676163792064617461', 0)`,
		`INSERT INTO tiles (url_template, pixel_ratio, z, x, y, accessed, data, compressed)
		 VALUES ('http://example.com/{z}-{x}-{y}.pbf', 1, 0, 0, 0, 1500000000, X'74696C65', 0)`,
		fmt.Sprintf("INSERT INTO regions (definition, description) VALUES ('%s', X'6D657461')", definition),
		"INSERT INTO region_resources (region_id, resource_id) SELECT regions.id, resources.id FROM regions, resources",
		"INSERT INTO region_tiles (region_id, tile_id) SELECT regions.id, tiles.id FROM regions, tiles",
		fmt.Sprintf("PRAGMA user_version = %d", version),
	} {
		_, err = db.Exec(stmt)
		require.NoError(t, err)
	}

	// Pad the file with freed pages.
	_, err = db.Exec("CREATE TABLE padding (data BLOB)")
	require.NoError(t, err)
	for i := 0; i != 32; i++ {
		_, err = db.Exec("INSERT INTO padding (data) VALUES (?)", randomBytes(4096))
		require.NoError(t, err)
	}
	_, err = db.Exec("DROP TABLE padding")
	require.NoError(t, err)
}

// filePragma reads an integer pragma of the database file at |path|, using
// an independent connection.
func filePragma(t *testing.T, path, pragma string) int64 {
	var db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var v int64
	require.NoError(t, db.QueryRow("PRAGMA "+pragma).Scan(&v))
	return v
}

// newLogHook captures log entries of the standard logger for the test's
// duration.
func newLogHook(t *testing.T) *logtest.Hook {
	var hook = logtest.NewGlobal()
	t.Cleanup(hook.Reset)
	return hook
}

func countEntries(hook *logtest.Hook, level log.Level, msg string) int {
	var n int
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}

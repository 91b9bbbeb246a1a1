// Package offline implements a disk-backed cache of map resources and tiles
// which doubles as durable storage for offline regions.
//
// # Database Representation
//
// A Database is a single SQLite file holding five tables: "resources" (keyed
// by URL), "tiles" (keyed by URL template, pixel ratio and x/y/z coordinate),
// "regions", and the "region_resources" and "region_tiles" join tables which
// pin rows to regions. The SQLite user_version pragma records the schema
// version; older versions are migrated forward on open, and unknown versions
// cause the file to be removed and recreated.
//
// # Ambient Cache and Regions
//
// Rows not pinned by any region form the "ambient" cache. The ambient cache
// is bounded by a byte budget which is enforced before every ambient write,
// by deleting least-recently accessed unpinned rows. Used size is measured in
// SQLite pages (page_count less freelist_count) rather than by summing
// payloads, so enforcement costs a handful of pragma reads. Pinned rows are
// never evicted.
//
// Tiles of the offline provider (URLs having the configured provider prefix)
// which are pinned by a region additionally count against a row-count limit.
// A write which pins a new provider tile while the limit is already reached
// returns ErrTileCountLimitExceeded. The triggering row is kept: the limit
// admits that write and refuses the ones after it.
//
// # Error Handling
//
// Every exported operation logs its failures and returns them wrapped with a
// description of the failed action. If SQLite reports the file as corrupt,
// not a database, or moved, the file is removed before returning and the
// next operation starts over with a fresh database. Callers may treat any
// error other than ErrTileCountLimitExceeded as a cache miss.
//
// A Database is not safe for concurrent use. Multiple Databases (or
// processes) may share a file; SQLite serializes them and waits on locks
// without bound.
package offline

package offline

import (
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ErrTileCountLimitExceeded is returned by region writes and merges which
// would pin more offline provider tiles than the configured limit allows.
// Unlike other errors of a Database, it's the caller's to handle (typically
// by stopping a region download).
var ErrTileCountLimitExceeded = errors.New("offline tile count limit exceeded")

// IsCorruption returns whether |err| reports a corrupt, non-database, or
// moved database file. Operations failing with such errors have removed the
// file, and the next operation recreates it.
func IsCorruption(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code == sqlite3.ErrCorrupt ||
		sqlErr.Code == sqlite3.ErrNotADB ||
		(sqlErr.Code == sqlite3.ErrReadonly && sqlErr.ExtendedCode == sqlite3.ErrReadonlyDbMoved)
}

// isCorruptRead is the narrower test applied when refreshing access times,
// where any other failure is tolerated.
func isCorruptRead(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code == sqlite3.ErrCorrupt || sqlErr.Code == sqlite3.ErrNotADB
}

func sqliteCode(err error) int {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return int(sqlErr.Code)
	}
	return -1
}

package offline

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/tilecache/codecs"
	"go.gazette.dev/tilecache/metrics"
)

// Get returns the stored Response of the Resource, or nil if there is none
// (or the Database is disabled). Reading an entry refreshes its access time.
func (d *Database) Get(ctx context.Context, r Resource) (*Response, error) {
	if off, err := d.disabled(ctx); err != nil {
		return nil, d.handleError(err, "read resource")
	} else if off {
		return nil, nil
	}
	var resp, _, err = d.getInternal(ctx, r)
	if err != nil {
		metrics.GetTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, d.handleError(err, "read resource")
	} else if resp == nil {
		metrics.GetTotal.WithLabelValues(metrics.Miss).Inc()
	} else {
		metrics.GetTotal.WithLabelValues(metrics.Hit).Inc()
	}
	return resp, nil
}

// GetRegionResource is Get for the region download path: it's not subject
// to the Database being disabled, and also returns the stored size.
func (d *Database) GetRegionResource(ctx context.Context, r Resource) (*Response, uint64, error) {
	var resp, size, err = d.getInternal(ctx, r)
	if err != nil {
		return nil, 0, d.handleError(err, "read region resource")
	}
	return resp, size, nil
}

// Has returns the stored payload size of the Resource without reading the
// payload, and whether it's stored at all. A stored no-content Response has
// size zero.
func (d *Database) Has(ctx context.Context, r Resource) (uint64, bool, error) {
	if off, err := d.disabled(ctx); err != nil {
		return 0, false, d.handleError(err, "query resource existence")
	} else if off {
		return 0, false, nil
	}
	var size, ok, err = d.hasInternal(ctx, r)
	if err != nil {
		return 0, false, d.handleError(err, "query resource existence")
	}
	return size, ok, nil
}

// HasRegionResource is Has for the region download path.
func (d *Database) HasRegionResource(ctx context.Context, r Resource) (uint64, bool, error) {
	var size, ok, err = d.hasInternal(ctx, r)
	if err != nil {
		return 0, false, d.handleError(err, "query region resource existence")
	}
	return size, ok, nil
}

// Put stores the Response of the Resource into the ambient cache, first
// evicting unpinned entries as needed to respect the ambient budget. It's a
// no-op returning a zero PutResult if the Response is an error, or if the
// needed space could not be made.
func (d *Database) Put(ctx context.Context, r Resource, resp Response) (PutResult, error) {
	if off, err := d.disabled(ctx); err != nil {
		return PutResult{}, d.handleError(err, "write resource")
	} else if off {
		return PutResult{}, nil
	}
	var result PutResult
	var err = d.transact(ctx, txImmediate, func() (err error) {
		result, err = d.putInternal(ctx, r, resp, true)
		return err
	})
	if err != nil {
		metrics.PutTotal.WithLabelValues(metrics.Fail).Inc()
		return PutResult{}, d.handleError(err, "write resource")
	}
	return result, nil
}

func (d *Database) getInternal(ctx context.Context, r Resource) (*Response, uint64, error) {
	var touch, get = stmtTouchResource, stmtGetResource
	var key = []interface{}{r.URL}
	if r.isTile() {
		touch, get, key = stmtTouchTile, stmtGetTile, tileKey(r.Tile)
	}

	// Refresh the access time used for LRU eviction. Failing to do so doesn't
	// fail the read, unless the failure indicates corruption.
	if _, err := d.exec(ctx, touch, append([]interface{}{timeNow().Unix()}, key...)...); isCorruptRead(err) {
		return nil, 0, err
	} else if err != nil {
		log.WithFields(log.Fields{"err": err, "url": r.URL, "code": sqliteCode(err)}).
			Warn("failed to update access time")
	}

	var (
		etag           sql.NullString
		expires        sql.NullInt64
		mustRevalidate bool
		modified       sql.NullInt64
		data           []byte
		compressed     bool
	)
	var err = d.queryRow(ctx, get, key, &etag, &expires, &mustRevalidate, &modified, &data, &compressed)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, err
	}

	var resp = &Response{
		Etag:           etag.String,
		Expires:        fromNullUnix(expires),
		MustRevalidate: mustRevalidate,
		Modified:       fromNullUnix(modified),
	}
	var size = uint64(len(data))

	if data == nil {
		resp.NoContent = true
	} else if compressed {
		if resp.Data, err = codecs.Decompress(d.opts.Codec, data); err != nil {
			return nil, 0, errors.WithMessagef(err, "decompressing %s", r.URL)
		}
	} else {
		resp.Data = data
	}
	return resp, size, nil
}

func (d *Database) hasInternal(ctx context.Context, r Resource) (uint64, bool, error) {
	var id, key = stmtHasResource, []interface{}{r.URL}
	if r.isTile() {
		id, key = stmtHasTile, tileKey(r.Tile)
	}
	var size sql.NullInt64
	if err := d.queryRow(ctx, id, key, &size); err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	return uint64(size.Int64), true, nil
}

// putInternal stores the Response within the current transaction. If
// |evict| is set, unpinned entries are first evicted to make room.
func (d *Database) putInternal(ctx context.Context, r Resource, resp Response, evict bool) (PutResult, error) {
	if resp.Error != nil {
		metrics.PutTotal.WithLabelValues(metrics.Rejected).Inc()
		return PutResult{}, nil
	}

	var payload interface{}
	var compressed bool
	var size uint64

	if resp.NoContent {
		payload = nil
	} else if resp.Data == nil {
		payload = []byte{}
	} else {
		var enc, err = codecs.Compress(d.opts.Codec, resp.Data)
		if err != nil {
			return PutResult{}, errors.WithMessage(err, "compressing payload")
		}
		if compressed = len(enc) < len(resp.Data); compressed {
			payload, size = enc, uint64(len(enc))
		} else {
			payload, size = resp.Data, uint64(len(resp.Data))
		}
	}

	if evict {
		if ok, err := d.evict(ctx, size); err != nil {
			return PutResult{}, err
		} else if !ok {
			log.WithFields(log.Fields{"url": r.URL, "size": size}).
				Info("unable to make space for entry")
			metrics.EvictionFailedTotal.Inc()
			metrics.PutTotal.WithLabelValues(metrics.Rejected).Inc()
			return PutResult{}, nil
		}
	}

	var inserted bool
	var err error
	if r.isTile() {
		inserted, err = d.putTile(ctx, r.Tile, resp, payload, compressed)
	} else {
		inserted, err = d.putResource(ctx, r, resp, payload, compressed)
	}
	if err != nil {
		return PutResult{}, err
	}

	switch {
	case resp.NotModified:
		metrics.PutTotal.WithLabelValues(metrics.NotModified).Inc()
	case inserted:
		metrics.PutTotal.WithLabelValues(metrics.Inserted).Inc()
	default:
		metrics.PutTotal.WithLabelValues(metrics.Updated).Inc()
	}
	metrics.PutBytesTotal.Add(float64(size))

	return PutResult{Inserted: inserted, Size: size}, nil
}

// putResource updates the existing row of the Resource, or inserts it if
// there is none. Rows are never replaced, as that would change their id and
// drop their region pins.
func (d *Database) putResource(ctx context.Context, r Resource, resp Response, payload interface{}, compressed bool) (bool, error) {
	var now = timeNow().Unix()

	if resp.NotModified {
		_, err := d.exec(ctx, stmtNotModifiedResource,
			now, nullableUnix(resp.Expires), resp.MustRevalidate, r.URL)
		return false, err
	}

	var changed, err = d.exec(ctx, stmtUpdateResource,
		int(r.Kind),
		nullableString(resp.Etag),
		nullableUnix(resp.Expires),
		resp.MustRevalidate,
		nullableUnix(resp.Modified),
		now,
		payload,
		compressed,
		r.URL,
	)
	if err != nil || changed != 0 {
		return false, err
	}

	_, err = d.exec(ctx, stmtInsertResource,
		r.URL,
		int(r.Kind),
		nullableString(resp.Etag),
		nullableUnix(resp.Expires),
		resp.MustRevalidate,
		nullableUnix(resp.Modified),
		now,
		payload,
		compressed,
	)
	return err == nil, err
}

func (d *Database) putTile(ctx context.Context, t *TileData, resp Response, payload interface{}, compressed bool) (bool, error) {
	var now = timeNow().Unix()

	if resp.NotModified {
		_, err := d.exec(ctx, stmtNotModifiedTile, append([]interface{}{
			now, nullableUnix(resp.Expires), resp.MustRevalidate}, tileKey(t)...)...)
		return false, err
	}

	var changed, err = d.exec(ctx, stmtUpdateTile, append([]interface{}{
		nullableUnix(resp.Modified),
		nullableString(resp.Etag),
		nullableUnix(resp.Expires),
		resp.MustRevalidate,
		now,
		payload,
		compressed,
	}, tileKey(t)...)...)
	if err != nil || changed != 0 {
		return false, err
	}

	_, err = d.exec(ctx, stmtInsertTile, append(tileKey(t),
		nullableUnix(resp.Modified),
		resp.MustRevalidate,
		nullableString(resp.Etag),
		nullableUnix(resp.Expires),
		now,
		payload,
		compressed,
	)...)
	return err == nil, err
}

// tileKey returns the natural key of a tile row, in statement order.
func tileKey(t *TileData) []interface{} {
	return []interface{}{t.URLTemplate, int(t.PixelRatio), int(t.X), int(t.Y), int(t.Z)}
}

func fromNullUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

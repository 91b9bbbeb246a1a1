package offline

import (
	"context"
)

// InvalidateAmbientCache marks every unpinned row as expired and requiring
// revalidation. Rows are kept, and remain usable as conditional-request
// bases.
func (d *Database) InvalidateAmbientCache(ctx context.Context) error {
	if _, err := d.exec(ctx, stmtInvalidateAmbientTiles); err != nil {
		return d.handleError(err, "invalidate ambient cache")
	}
	if _, err := d.exec(ctx, stmtInvalidateAmbientResources); err != nil {
		return d.handleError(err, "invalidate ambient cache")
	}
	return nil
}

// ClearAmbientCache deletes every unpinned row.
func (d *Database) ClearAmbientCache(ctx context.Context) error {
	if _, err := d.exec(ctx, stmtClearAmbientTiles); err != nil {
		return d.handleError(err, "clear ambient cache")
	}
	if _, err := d.exec(ctx, stmtClearAmbientResources); err != nil {
		return d.handleError(err, "clear ambient cache")
	}
	if d.opts.AutoPack {
		if err := d.vacuum(ctx); err != nil {
			return d.handleError(err, "clear ambient cache")
		}
	}
	return nil
}

// InvalidateRegion marks every row pinned by Region |id| as expired and
// requiring revalidation.
func (d *Database) InvalidateRegion(ctx context.Context, id int64) error {
	if _, err := d.exec(ctx, stmtInvalidateRegionTiles, id); err != nil {
		return d.handleError(err, "invalidate region")
	}
	if _, err := d.exec(ctx, stmtInvalidateRegionResources, id); err != nil {
		return d.handleError(err, "invalidate region")
	}
	return nil
}

// Pack releases the free pages of the Database file, shrinking it.
func (d *Database) Pack(ctx context.Context) error {
	if err := d.ensureOpen(ctx); err != nil {
		return d.handleError(err, "pack storage")
	}
	if err := d.vacuum(ctx); err != nil {
		return d.handleError(err, "pack storage")
	}
	return nil
}

// Reset deletes the Database file, including all Regions, and creates it
// anew.
func (d *Database) Reset(ctx context.Context) error {
	if err := d.removeExisting(); err != nil {
		return d.handleError(err, "reset database")
	}
	if err := d.ensureOpen(ctx); err != nil {
		return d.handleError(err, "reset database")
	}
	return nil
}

// MaximumAmbientCacheSize returns the current ambient cache budget.
func (d *Database) MaximumAmbientCacheSize() uint64 { return d.opts.MaximumAmbientCacheSize }

// SetMaximumAmbientCacheSize changes the ambient cache budget. If the file
// is now larger than the budget, unpinned rows are evicted to fit. On
// failure the previous budget is kept.
func (d *Database) SetMaximumAmbientCacheSize(ctx context.Context, size uint64) error {
	var previous = d.opts.MaximumAmbientCacheSize
	d.opts.MaximumAmbientCacheSize = size

	var err = func() error {
		var pageSize, err = d.pragma(ctx, stmtPageSize)
		if err != nil {
			return err
		}
		pageCount, err := d.pragma(ctx, stmtPageCount)
		if err != nil {
			return err
		}
		if uint64(pageSize*pageCount) <= size {
			return nil
		}
		if _, err = d.evict(ctx, 0); err != nil {
			return err
		}
		if d.opts.AutoPack {
			return d.vacuum(ctx)
		}
		return nil
	}()

	if err != nil {
		d.opts.MaximumAmbientCacheSize = previous
		return d.handleError(err, "set maximum ambient cache size")
	}
	return nil
}

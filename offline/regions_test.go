package offline

import (
	"context"
	"fmt"
	"math"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestCreateListAndDeleteRegions(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)

	var def = testDefinition()
	var other = testDefinition()
	other.StyleURL = "http://example.com/other"
	other.Geometry = []byte(`{"type":"Point","coordinates":[1,2]}`)

	var a, err = d.CreateRegion(ctx, def, []byte("a"))
	require.NoError(t, err)
	b, err := d.CreateRegion(ctx, other, []byte("b"))
	require.NoError(t, err)
	require.Less(t, a.ID, b.ID)
	require.Equal(t, LatLngBounds{}, b.Definition.Bounds)

	regions, err := d.ListRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 2)

	require.Equal(t, a.ID, regions[0].ID)
	require.True(t, def.Equal(regions[0].Definition))
	require.Equal(t, []byte("a"), regions[0].Metadata)
	require.Equal(t, b.ID, regions[1].ID)
	require.True(t, other.Equal(regions[1].Definition))
	require.Equal(t, []byte("b"), regions[1].Metadata)

	loaded, err := d.RegionDefinition(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, other.Equal(loaded))

	require.NoError(t, d.DeleteRegion(ctx, a.ID))

	regions, err = d.ListRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	require.Equal(t, b.ID, regions[0].ID)

	_, err = d.RegionDefinition(ctx, a.ID)
	require.EqualError(t, err, fmt.Sprintf("region %d not found", a.ID))
}

func TestCreateRegionRejectsInvalidDefinition(t *testing.T) {
	var d = newTestDB(t)

	var def = testDefinition()
	def.MinZoom, def.MaxZoom = 10, 5

	var _, err = d.CreateRegion(context.Background(), def, nil)
	require.Error(t, err)
}

func TestRegionWithInfiniteMaxZoom(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)

	var def = testDefinition()
	def.MaxZoom = math.Inf(1)

	var _, err = d.CreateRegion(ctx, def, nil)
	require.NoError(t, err)

	regions, err := d.ListRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	require.True(t, math.IsInf(regions[0].Definition.MaxZoom, 1))
	require.Empty(t, regions[0].Metadata)
}

func TestListRegionsSkipsMalformedDefinitions(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)
	var hook = newLogHook(t)

	var good = mustCreateRegion(t, d)
	var _, err = d.conn.ExecContext(ctx,
		"INSERT INTO regions (definition, description) VALUES ('{\"not\": \"valid\"}', X'')")
	require.NoError(t, err)

	regions, err := d.ListRegions(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	require.Equal(t, good.ID, regions[0].ID)
	require.Equal(t, 1, countEntries(hook, log.ErrorLevel, "skipping region with malformed definition"))
}

func TestUpdateRegionMetadata(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)

	var region = mustCreateRegion(t, d)
	var md, err = d.UpdateMetadata(ctx, region.ID, []byte("updated"))
	require.NoError(t, err)
	require.Equal(t, []byte("updated"), md)

	regions, err := d.ListRegions(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("updated"), regions[0].Metadata)
}

func TestDeletedRegionRowsBecomeAmbient(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)

	var a = mustCreateRegion(t, d)
	var b = mustCreateRegion(t, d)

	var _, err = d.PutRegionResource(ctx, a.ID, styleResource, dataResponse("shared"))
	require.NoError(t, err)
	_, err = d.PutRegionResource(ctx, b.ID, styleResource, dataResponse("shared"))
	require.NoError(t, err)

	require.NoError(t, d.DeleteRegion(ctx, a.ID))

	// Still pinned by |b|.
	require.NoError(t, d.ClearAmbientCache(ctx))
	got, err := d.Get(ctx, styleResource)
	require.NoError(t, err)
	require.Equal(t, []byte("shared"), got.Data)

	// No longer pinned, but retained within the ambient budget.
	require.NoError(t, d.DeleteRegion(ctx, b.ID))
	got, err = d.Get(ctx, styleResource)
	require.NoError(t, err)
	require.Equal(t, []byte("shared"), got.Data)

	require.NoError(t, d.ClearAmbientCache(ctx))
	got, err = d.Get(ctx, styleResource)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRegionCompletedStatus(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)
	var region = mustCreateRegion(t, d)

	var status, err = d.RegionCompletedStatus(ctx, region.ID)
	require.NoError(t, err)
	require.Equal(t, RegionStatus{}, status)

	styleSize, err := d.PutRegionResource(ctx, region.ID, styleResource, dataResponse("data"))
	require.NoError(t, err)

	status, err = d.RegionCompletedStatus(ctx, region.ID)
	require.NoError(t, err)
	require.Equal(t, RegionStatus{
		CompletedResourceCount: 1,
		CompletedResourceSize:  styleSize,
	}, status)

	tileSize, err := d.PutRegionResource(ctx, region.ID, tileResource, dataResponse("data"))
	require.NoError(t, err)

	status, err = d.RegionCompletedStatus(ctx, region.ID)
	require.NoError(t, err)
	require.Equal(t, RegionStatus{
		CompletedResourceCount: 2,
		CompletedResourceSize:  styleSize + tileSize,
		CompletedTileCount:     1,
		CompletedTileSize:      tileSize,
	}, status)
}

func TestHasRegionResource(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t, withAmbientSize(0))
	var region = mustCreateRegion(t, d)

	for _, r := range []Resource{styleResource, tileResource} {
		var _, ok, err = d.HasRegionResource(ctx, r)
		require.NoError(t, err)
		require.False(t, ok)

		_, err = d.PutRegionResource(ctx, region.ID, r, Response{Data: randomBytes(1024)})
		require.NoError(t, err)

		size, ok, err := d.HasRegionResource(ctx, r)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(1024), size)
	}

	// A stored no-content response exists, with no size.
	var empty = StyleResource("http://example.com/empty")
	var _, err = d.PutRegionResource(ctx, region.ID, empty, Response{NoContent: true})
	require.NoError(t, err)

	size, ok, err := d.HasRegionResource(ctx, empty)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, size)
}

func TestOfflineTileCount(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)

	var region1 = mustCreateRegion(t, d)
	var region2 = mustCreateRegion(t, d)

	var provider1 = TileResource("mapbox://tiles/1/{z}/{x}/{y}", 1.0, 0, 0, 0)
	var provider2 = TileResource("mapbox://tiles/2/{z}/{x}/{y}", 1.0, 0, 0, 0)
	var external = TileResource("http://example.com/{z}/{x}/{y}", 1.0, 0, 0, 0)

	var count = func() uint64 {
		var n, err = d.OfflineTileCount(ctx)
		require.NoError(t, err)
		return n
	}
	var put = func(region Region, r Resource) {
		var _, err = d.PutRegionResource(ctx, region.ID, r, dataResponse("data"))
		require.NoError(t, err)
	}

	require.Equal(t, uint64(0), count())

	put(region1, provider1)
	require.Equal(t, uint64(1), count())

	// Re-writing the same tile doesn't count it twice.
	put(region1, provider1)
	require.Equal(t, uint64(1), count())

	// Neither does pinning it to a second region.
	put(region2, provider1)
	require.Equal(t, uint64(1), count())

	put(region2, provider2)
	require.Equal(t, uint64(2), count())

	// Tiles of other providers aren't counted.
	put(region1, external)
	require.Equal(t, uint64(2), count())

	// Ambient tiles aren't counted.
	var _, err = d.Put(ctx, TileResource("mapbox://tiles/3/{z}/{x}/{y}", 1.0, 0, 0, 0), dataResponse("data"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), count())

	// |provider1| is still pinned by |region1|.
	require.NoError(t, d.DeleteRegion(ctx, region2.ID))
	require.Equal(t, uint64(1), count())

	require.NoError(t, d.DeleteRegion(ctx, region1.ID))
	require.Equal(t, uint64(0), count())
}

func TestTileCountLimitAdmitsThenStops(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t, withTileLimit(1))
	var hook = newLogHook(t)
	var region = mustCreateRegion(t, d)

	var tile1 = TileResource("mapbox://tiles/{z}/{x}/{y}", 1.0, 0, 0, 1)
	var tile2 = TileResource("mapbox://tiles/{z}/{x}/{y}", 1.0, 0, 0, 2)

	exceeded, err := d.OfflineTileCountLimitExceeded(ctx)
	require.NoError(t, err)
	require.False(t, exceeded)

	_, err = d.PutRegionResource(ctx, region.ID, tile1, dataResponse("data"))
	require.NoError(t, err)

	exceeded, err = d.OfflineTileCountLimitExceeded(ctx)
	require.NoError(t, err)
	require.True(t, exceeded)

	// The write exceeding the limit is kept, but reports the limit.
	size, err := d.PutRegionResource(ctx, region.ID, tile2, dataResponse("data"))
	require.Equal(t, ErrTileCountLimitExceeded, err)
	require.Equal(t, uint64(4), size)
	require.Equal(t, 1, countEntries(hook, log.InfoLevel, "offline tile count limit exceeded"))

	_, ok, err := d.HasRegionResource(ctx, tile2)
	require.NoError(t, err)
	require.True(t, ok)

	count, err := d.OfflineTileCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	// Writes of already-pinned tiles and of non-provider resources proceed.
	_, err = d.PutRegionResource(ctx, region.ID, tile1, dataResponse("updated"))
	require.NoError(t, err)
	_, err = d.PutRegionResource(ctx, region.ID, styleResource, dataResponse("data"))
	require.NoError(t, err)
	_, err = d.PutRegionResource(ctx, region.ID, tileResource, dataResponse("data"))
	require.NoError(t, err)

	// Raising the limit admits further tiles.
	d.SetOfflineTileCountLimit(10)
	require.Equal(t, uint64(10), d.OfflineTileCountLimit())
	_, err = d.PutRegionResource(ctx, region.ID, TileResource("mapbox://tiles/{z}/{x}/{y}", 1.0, 0, 0, 3), dataResponse("data"))
	require.NoError(t, err)
}

func TestPutRegionResourcesBatches(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t, withTileLimit(2))
	var region = mustCreateRegion(t, d)

	var tile = func(z int8) Resource { return TileResource("mapbox://tiles/{z}/{x}/{y}", 1.0, 0, 0, z) }
	var write = func(r Resource) RegionWrite { return RegionWrite{Resource: r, Response: dataResponse("data")} }

	var status RegionStatus
	require.NoError(t, d.PutRegionResources(ctx, region.ID, []RegionWrite{
		write(styleResource),
		write(tile(1)),
	}, &status))
	require.Equal(t, RegionStatus{
		CompletedResourceCount: 2,
		CompletedResourceSize:  8,
		CompletedTileCount:     1,
		CompletedTileSize:      4,
	}, status)

	// tile(2) reaches the limit, tile(3) exceeds it and is kept, and tile(4)
	// is never written.
	var err = d.PutRegionResources(ctx, region.ID, []RegionWrite{
		write(tile(2)),
		write(tile(3)),
		write(tile(4)),
	}, &status)
	require.Equal(t, ErrTileCountLimitExceeded, err)
	require.Equal(t, uint64(2), status.CompletedResourceCount)

	for z, expect := range map[int8]bool{2: true, 3: true, 4: false} {
		var _, ok, err = d.HasRegionResource(ctx, tile(z))
		require.NoError(t, err)
		require.Equal(t, expect, ok, "tile %d", z)
	}

	actual, err := d.RegionCompletedStatus(ctx, region.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), actual.CompletedTileCount)

	count, err := d.OfflineTileCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)
}

func TestMarkUsedResources(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)
	var region = mustCreateRegion(t, d)

	var provider = TileResource("mapbox://tiles/{z}/{x}/{y}", 1.0, 0, 0, 0)
	var missing = StyleResource("http://example.com/missing")

	for _, r := range []Resource{styleResource, provider} {
		var _, err = d.Put(ctx, r, dataResponse("data"))
		require.NoError(t, err)
	}
	count, err := d.OfflineTileCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)

	require.NoError(t, d.MarkUsedResources(ctx, region.ID, []Resource{styleResource, provider, missing}))

	count, err = d.OfflineTileCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	status, err := d.RegionCompletedStatus(ctx, region.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), status.CompletedResourceCount)
	require.Equal(t, uint64(1), status.CompletedTileCount)

	// Pinned rows survive clearing of the ambient cache.
	require.NoError(t, d.ClearAmbientCache(ctx))
	for _, r := range []Resource{styleResource, provider} {
		var got, err = d.Get(ctx, r)
		require.NoError(t, err)
		require.NotNil(t, got)
	}
}

func TestDecodedDefinitionsAreNotShared(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t)

	var def = testDefinition()
	def.Geometry = []byte(`{"type":"Point","coordinates":[1,2]}`)

	var region, err = d.CreateRegion(ctx, def, nil)
	require.NoError(t, err)

	regions, err := d.ListRegions(ctx)
	require.NoError(t, err)
	regions[0].Definition.Geometry[1] = 'X'

	loaded, err := d.RegionDefinition(ctx, region.ID)
	require.NoError(t, err)
	require.True(t, def.Equal(loaded))

	regions, err = d.ListRegions(ctx)
	require.NoError(t, err)
	require.True(t, def.Equal(regions[0].Definition))
}

func TestDeleteRegionInvalidatesTileCountOnEvictionFailure(t *testing.T) {
	var ctx = context.Background()
	var d = newTestDB(t, withAmbientSize(0))

	var region = mustCreateRegion(t, d)
	var tile = TileResource("mapbox://tiles/{z}/{x}/{y}", 1.0, 0, 0, 0)

	var _, err = d.PutRegionResource(ctx, region.ID, tile, dataResponse("tile"))
	require.NoError(t, err)

	count, err := d.OfflineTileCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	// Evicting the no-longer pinned tile fails after the region is deleted.
	_, err = d.conn.ExecContext(ctx, `CREATE TRIGGER refuse_eviction BEFORE DELETE ON tiles
		BEGIN SELECT RAISE(ABORT, 'eviction refused'); END`)
	require.NoError(t, err)

	err = d.DeleteRegion(ctx, region.ID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "eviction refused")

	count, err = d.OfflineTileCount(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)
}

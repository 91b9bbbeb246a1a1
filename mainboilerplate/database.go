package mainboilerplate

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.gazette.dev/tilecache/codecs"
	"go.gazette.dev/tilecache/offline"
)

// DatabaseConfig configures an offline.Database.
type DatabaseConfig struct {
	Path            string `long:"path" env:"PATH" default:"tilecache.db" description:"Path of the offline database file, or ':memory:'"`
	AmbientSize     string `long:"ambient-size" env:"AMBIENT_SIZE" default:"50MiB" description:"Maximum size of the ambient cache. Zero disables the ambient cache"`
	TileCountLimit  uint64 `long:"tile-limit" env:"TILE_LIMIT" default:"6000" description:"Maximum number of offline provider tiles pinned by regions"`
	ProviderPrefix  string `long:"provider-prefix" env:"PROVIDER_PREFIX" default:"mapbox://" description:"URL prefix of tiles which count against --tile-limit"`
	Codec           string `long:"codec" env:"CODEC" default:"deflate" choice:"none" choice:"deflate" choice:"gzip" choice:"snappy" choice:"zstandard" description:"Compression codec of newly written payloads"`
	DisableAutoPack bool   `long:"no-auto-pack" env:"NO_AUTO_PACK" description:"Don't reclaim free pages after deletions"`
}

// Options returns the offline.Options of the DatabaseConfig.
func (c DatabaseConfig) Options() (offline.Options, error) {
	var opts = offline.DefaultOptions()

	var size, err = humanize.ParseBytes(c.AmbientSize)
	if err != nil {
		return offline.Options{}, err
	}
	opts.MaximumAmbientCacheSize = size
	opts.OfflineTileCountLimit = c.TileCountLimit
	opts.ProviderURLPrefix = c.ProviderPrefix
	opts.AutoPack = !c.DisableAutoPack
	opts.Fs = afero.NewOsFs()

	if opts.Codec, err = codecs.ParseCodec(c.Codec); err != nil {
		return offline.Options{}, err
	}
	return opts, nil
}

// MustOpen opens the configured offline.Database.
func (c DatabaseConfig) MustOpen(ctx context.Context) *offline.Database {
	var opts, err = c.Options()
	Must(err, "invalid database configuration", "path", c.Path)

	return offline.Open(ctx, c.Path, opts)
}

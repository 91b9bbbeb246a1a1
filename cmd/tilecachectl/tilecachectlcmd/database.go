package tilecachectlcmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	mbp "go.gazette.dev/tilecache/mainboilerplate"
	"go.gazette.dev/tilecache/offline"
)

type cmdAmbientInvalidate struct{}

type cmdAmbientClear struct{}

type cmdAmbientSetSize struct {
	Size string `long:"size" required:"true" description:"New maximum ambient cache size, eg '100MiB'. Zero disables the ambient cache"`
}

type cmdPack struct{}

type cmdReset struct {
	Yes bool `long:"yes" description:"Confirm deletion of all regions and cached resources"`
}

type cmdMerge struct {
	Side string `long:"side" required:"true" description:"Path of the side-loaded database to merge"`
}

type cmdTileCount struct{}

type cmdGet struct {
	ResourceConfig
	Output string `long:"output" short:"O" default:"-" description:"Path to which the payload is written. Use '-' for stdout"`
	Region bool   `long:"region" description:"Read even if the ambient cache is disabled"`
}

type cmdPut struct {
	ResourceConfig
	Input     string        `long:"input" short:"i" default:"-" description:"Path of the payload. Use '-' for stdin"`
	Etag      string        `long:"etag" description:"Entity tag of the payload"`
	TTL       time.Duration `long:"ttl" description:"Time until the payload expires. Zero for no expiry"`
	NoContent bool          `long:"no-content" description:"Store that the resource has no content"`
	Region    int64         `long:"region" description:"If non-zero, the ID of the region to store the resource into"`
}

func init() {
	CommandRegistry.AddCommand("ambient", "invalidate", "Invalidate the ambient cache", `
Mark every resource and tile of the ambient cache as expired, forcing their
revalidation before use. Nothing is deleted.
`, &cmdAmbientInvalidate{})

	CommandRegistry.AddCommand("ambient", "clear", "Clear the ambient cache", `
Delete every resource and tile which no offline region uses.
`, &cmdAmbientClear{})

	CommandRegistry.AddCommand("ambient", "set-size", "Resize the ambient cache", `
Evict least-recently used ambient resources and tiles until the database fits
within --size. The size is not persisted: set --db.ambient-size to apply it to
future invocations.
`, &cmdAmbientSetSize{})

	CommandRegistry.AddCommand("", "pack", "Reclaim free space of the database file", "", &cmdPack{})
	CommandRegistry.AddCommand("", "reset", "Delete and recreate the database", `
Delete the database file, including all offline regions, and create it anew.
Requires --yes.
`, &cmdReset{})
	CommandRegistry.AddCommand("", "merge", "Merge a side-loaded database", `
Import the offline regions of a side-loaded database, with their resources and
tiles, and list the corresponding regions of this database. Resources, tiles,
and regions which already exist are kept as-is.
`, &cmdMerge{})
	CommandRegistry.AddCommand("", "tile-count", "Show the offline tile count and limit", "", &cmdTileCount{})
	CommandRegistry.AddCommand("", "get", "Read a stored resource or tile", `
Write the payload of a stored resource or tile to --output, and its metadata
to stderr.
`, &cmdGet{})
	CommandRegistry.AddCommand("", "put", "Store a resource or tile", `
Store a resource or tile from --input, into the ambient cache or (if --region
is set) into an offline region.
`, &cmdPut{})
}

func (cmd *cmdAmbientInvalidate) Execute([]string) error {
	var ctx = startup()
	mbp.Must(db.InvalidateAmbientCache(ctx), "failed to invalidate ambient cache")
	return nil
}

func (cmd *cmdAmbientClear) Execute([]string) error {
	var ctx = startup()
	mbp.Must(db.ClearAmbientCache(ctx), "failed to clear ambient cache")
	return nil
}

func (cmd *cmdAmbientSetSize) Execute([]string) error {
	var ctx = startup()

	var size, err = humanize.ParseBytes(cmd.Size)
	mbp.Must(err, "invalid size", "size", cmd.Size)
	mbp.Must(db.SetMaximumAmbientCacheSize(ctx, size), "failed to resize ambient cache")
	return nil
}

func (cmd *cmdPack) Execute([]string) error {
	var ctx = startup()
	mbp.Must(db.Pack(ctx), "failed to pack database")
	return nil
}

func (cmd *cmdReset) Execute([]string) error {
	if !cmd.Yes {
		return fmt.Errorf("reset deletes all regions: pass --yes to confirm")
	}
	var ctx = startup()
	mbp.Must(db.Reset(ctx), "failed to reset database")
	return nil
}

func (cmd *cmdMerge) Execute([]string) error {
	var ctx = startup()

	var regions, err = db.MergeDatabase(ctx, cmd.Side)
	mbp.Must(err, "failed to merge database", "side", cmd.Side)

	var out []regionOutput
	for _, r := range regions {
		out = append(out, newRegionOutput(r))
	}
	writeYAML(out)
	return nil
}

func (cmd *cmdTileCount) Execute([]string) error {
	var ctx = startup()

	var count, err = db.OfflineTileCount(ctx)
	mbp.Must(err, "failed to count offline tiles")

	var table = tablewriter.NewWriter(os.Stdout)
	table.Header("Offline Tiles", "Limit", "Exceeded")
	_ = table.Append([]string{
		humanize.Comma(int64(count)),
		humanize.Comma(int64(db.OfflineTileCountLimit())),
		fmt.Sprintf("%t", count >= db.OfflineTileCountLimit()),
	})
	mbp.Must(table.Render(), "failed to render table")
	return nil
}

func (cmd *cmdGet) Execute([]string) error {
	var ctx = startup()
	var resource = cmd.Resource()

	var resp *offline.Response
	var err error
	if cmd.Region {
		resp, _, err = db.GetRegionResource(ctx, resource)
	} else {
		resp, err = db.Get(ctx, resource)
	}
	mbp.Must(err, "failed to read resource", "url", resource.URL)

	if resp == nil {
		return fmt.Errorf("%s is not stored", resource.URL)
	}
	fmt.Fprintf(os.Stderr, "url: %s\netag: %s\nmodified: %s\nexpires: %s\nmust-revalidate: %t\nno-content: %t\nsize: %s\n",
		resource.URL, resp.Etag, formatTime(resp.Modified), formatTime(resp.Expires),
		resp.MustRevalidate, resp.NoContent, humanize.IBytes(uint64(len(resp.Data))))

	if cmd.Output == "-" {
		_, err = os.Stdout.Write(resp.Data)
	} else {
		err = os.WriteFile(cmd.Output, resp.Data, 0644)
	}
	mbp.Must(err, "failed to write output")
	return nil
}

func (cmd *cmdPut) Execute([]string) error {
	var ctx = startup()
	var resource = cmd.Resource()

	var resp = offline.Response{
		NoContent: cmd.NoContent,
		Etag:      cmd.Etag,
		Modified:  time.Now(),
	}
	if cmd.TTL != 0 {
		resp.Expires = time.Now().Add(cmd.TTL)
	}
	if !cmd.NoContent {
		var err error
		resp.Data, err = readInput(cmd.Input)
		mbp.Must(err, "failed to read input")
	}

	if cmd.Region != 0 {
		var size, err = db.PutRegionResource(ctx, cmd.Region, resource, resp)
		if err == offline.ErrTileCountLimitExceeded {
			fmt.Fprintf(os.Stderr, "stored, but the offline tile count limit (%d) is now exceeded\n",
				db.OfflineTileCountLimit())
		} else {
			mbp.Must(err, "failed to write region resource", "url", resource.URL)
		}
		fmt.Printf("stored %s (%s)\n", resource.URL, humanize.IBytes(size))
		return nil
	}

	var result, err = db.Put(ctx, resource, resp)
	mbp.Must(err, "failed to write resource", "url", resource.URL)

	if result.Inserted {
		fmt.Printf("inserted %s (%s)\n", resource.URL, humanize.IBytes(result.Size))
	} else if result.Size != 0 || cmd.NoContent {
		fmt.Printf("updated %s (%s)\n", resource.URL, humanize.IBytes(result.Size))
	} else {
		fmt.Printf("not stored: %s (ambient cache is full or disabled)\n", resource.URL)
	}
	return nil
}

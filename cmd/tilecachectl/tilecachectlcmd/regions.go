package tilecachectlcmd

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	mbp "go.gazette.dev/tilecache/mainboilerplate"
	"go.gazette.dev/tilecache/offline"
	"gopkg.in/yaml.v2"
)

type cmdRegionsList struct {
	OutputConfig
}

type cmdRegionsCreate struct {
	Definition string `long:"definition" short:"d" required:"true" description:"Path of a YAML region definition. Use '-' for stdin"`
	Geometry   string `long:"geometry" description:"Path of a GeoJSON geometry, used instead of the definition's bounds"`
	Metadata   string `long:"metadata" short:"m" description:"Opaque metadata of the region"`
}

type cmdRegionsDelete struct{}

type cmdRegionsStatus struct {
	OutputConfig
}

type cmdRegionsSetMetadata struct {
	Metadata string `long:"metadata" short:"m" description:"Opaque metadata of the region"`
}

type cmdRegionsInvalidate struct{}

func init() {
	CommandRegistry.AddCommand("regions", "list", "List offline regions", `
List offline regions, their definitions and metadata.

Results can be output in a variety of --format options:
yaml:  Prints regions as a YAML list.
json:  Prints regions as JSON, one per line, with their stored definition encoding.
table: Prints as a table.
`, &cmdRegionsList{})

	CommandRegistry.AddCommand("regions", "create", "Create an offline region", `
Create an offline region from a YAML definition, such as:

>    style_url: mapbox://styles/mapbox/streets-v11
>    bounds: {south: 37.7, west: -122.5, north: 37.8, east: -122.4}
>    min_zoom: 0
>    max_zoom: 16
>    pixel_ratio: 2

An omitted max_zoom (or .inf) covers all zoom levels. Use --geometry to
define the region's area with a GeoJSON geometry rather than bounds.
`, &cmdRegionsCreate{})

	CommandRegistry.AddCommand("regions", "delete", "Delete offline regions", `
Delete the offline regions of the given IDs. Resources and tiles no other
region uses become part of the ambient cache.
`, &cmdRegionsDelete{})

	CommandRegistry.AddCommand("regions", "status", "Show completed status of offline regions", `
Show the number and size of stored resources and tiles of the given region
IDs, or of all regions if none are given.
`, &cmdRegionsStatus{})

	CommandRegistry.AddCommand("regions", "set-metadata", "Replace the metadata of an offline region", "", &cmdRegionsSetMetadata{})

	CommandRegistry.AddCommand("regions", "invalidate", "Invalidate offline regions", `
Mark every resource and tile of the given region IDs as expired, forcing their
revalidation before use.
`, &cmdRegionsInvalidate{})
}

func (cmd *cmdRegionsList) Execute([]string) error {
	var ctx = startup()

	var regions, err = db.ListRegions(ctx)
	mbp.Must(err, "failed to list regions")

	switch cmd.Format {
	case "table":
		var table = tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Style", "Area", "Zoom", "Ratio", "Metadata")

		for _, r := range regions {
			var area = "<geometry>"
			if len(r.Definition.Geometry) == 0 {
				var b = r.Definition.Bounds
				area = fmt.Sprintf("%g,%g,%g,%g", b.South, b.West, b.North, b.East)
			}
			_ = table.Append([]string{
				fmt.Sprintf("%d", r.ID),
				r.Definition.StyleURL,
				area,
				formatZoom(r.Definition.MinZoom) + "-" + formatZoom(r.Definition.MaxZoom),
				fmt.Sprintf("%g", r.Definition.PixelRatio),
				string(r.Metadata),
			})
		}
		mbp.Must(table.Render(), "failed to render table")
	case "yaml":
		var out []regionOutput
		for _, r := range regions {
			out = append(out, newRegionOutput(r))
		}
		writeYAML(out)
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		for _, r := range regions {
			mbp.Must(enc.Encode(newRegionOutput(r)), "failed to encode to json")
		}
	}
	return nil
}

func (cmd *cmdRegionsCreate) Execute([]string) error {
	var ctx = startup()

	var b, err = readInput(cmd.Definition)
	mbp.Must(err, "failed to read region definition")

	var def = offline.RegionDefinition{MaxZoom: math.Inf(1)}
	if err = yaml.UnmarshalStrict(b, &def); err != nil {
		// `yaml` produces nicely formatted error messages that are best printed as-is.
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return fmt.Errorf("YAML decode failed")
	}
	if cmd.Geometry != "" {
		def.Geometry, err = os.ReadFile(cmd.Geometry)
		mbp.Must(err, "failed to read geometry")
	}

	region, err := db.CreateRegion(ctx, def, []byte(cmd.Metadata))
	mbp.Must(err, "failed to create region")

	writeYAML(newRegionOutput(region))
	return nil
}

func (cmd *cmdRegionsDelete) Execute(args []string) error {
	var ctx = startup()

	for _, arg := range args {
		var id = mustParseRegionID(arg)
		mbp.Must(db.DeleteRegion(ctx, id), "failed to delete region", "id", id)
	}
	return nil
}

func (cmd *cmdRegionsStatus) Execute(args []string) error {
	var ctx = startup()

	var ids []int64
	for _, arg := range args {
		ids = append(ids, mustParseRegionID(arg))
	}
	if len(args) == 0 {
		var regions, err = db.ListRegions(ctx)
		mbp.Must(err, "failed to list regions")

		for _, r := range regions {
			ids = append(ids, r.ID)
		}
	}

	type statusOutput struct {
		ID                     int64  `yaml:"id" json:"id"`
		CompletedResourceCount uint64 `yaml:"completed_resource_count" json:"completed_resource_count"`
		CompletedResourceSize  uint64 `yaml:"completed_resource_size" json:"completed_resource_size"`
		CompletedTileCount     uint64 `yaml:"completed_tile_count" json:"completed_tile_count"`
		CompletedTileSize      uint64 `yaml:"completed_tile_size" json:"completed_tile_size"`
	}
	var out []statusOutput

	for _, id := range ids {
		var s, err = db.RegionCompletedStatus(ctx, id)
		mbp.Must(err, "failed to get region status", "id", id)

		out = append(out, statusOutput{
			ID:                     id,
			CompletedResourceCount: s.CompletedResourceCount,
			CompletedResourceSize:  s.CompletedResourceSize,
			CompletedTileCount:     s.CompletedTileCount,
			CompletedTileSize:      s.CompletedTileSize,
		})
	}

	switch cmd.Format {
	case "table":
		var table = tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Resources", "Resource Size", "Tiles", "Tile Size")

		for _, s := range out {
			_ = table.Append([]string{
				fmt.Sprintf("%d", s.ID),
				humanize.Comma(int64(s.CompletedResourceCount)),
				humanize.IBytes(s.CompletedResourceSize),
				humanize.Comma(int64(s.CompletedTileCount)),
				humanize.IBytes(s.CompletedTileSize),
			})
		}
		mbp.Must(table.Render(), "failed to render table")
	case "yaml":
		writeYAML(out)
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		for _, s := range out {
			mbp.Must(enc.Encode(s), "failed to encode to json")
		}
	}
	return nil
}

func (cmd *cmdRegionsSetMetadata) Execute(args []string) error {
	var ctx = startup()

	if len(args) != 1 {
		return fmt.Errorf("expected exactly one region ID")
	}
	var id = mustParseRegionID(args[0])

	var _, err = db.UpdateMetadata(ctx, id, []byte(cmd.Metadata))
	mbp.Must(err, "failed to update region metadata", "id", id)
	return nil
}

func (cmd *cmdRegionsInvalidate) Execute(args []string) error {
	var ctx = startup()

	for _, arg := range args {
		var id = mustParseRegionID(arg)
		mbp.Must(db.InvalidateRegion(ctx, id), "failed to invalidate region", "id", id)
	}
	return nil
}

// readInput reads the file at |path|, or stdin if |path| is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

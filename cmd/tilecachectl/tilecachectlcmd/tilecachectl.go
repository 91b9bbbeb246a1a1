package tilecachectlcmd

import (
	"context"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/tilecache/mainboilerplate"
	"go.gazette.dev/tilecache/offline"
	"gopkg.in/yaml.v2"
)

const iniFilename = "tilecachectl.ini"

var (
	baseCfg = new(struct {
		DB  mbp.DatabaseConfig `group:"Database" namespace:"db" env-namespace:"DB"`
		Log mbp.LogConfig      `group:"Logging" namespace:"log" env-namespace:"LOG"`
	})
	// RegionsCfg and AmbientCfg hold no configuration. They exist to
	// organize sub-commands.
	RegionsCfg = new(struct{})
	AmbientCfg = new(struct{})

	// CommandRegistry of tilecachectl sub-commands. Sub-commands register
	// themselves from init().
	CommandRegistry = mbp.NewCommandRegistry()
)

// OutputConfig is common configuration of commands producing listings.
type OutputConfig struct {
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" choice:"json" default:"table" description:"Output format"`
}

// ResourceConfig identifies a Resource by URL, or a tile by its URL template
// and coordinates.
type ResourceConfig struct {
	URL        string  `long:"url" description:"URL of a non-tile resource"`
	Kind       string  `long:"kind" default:"style" choice:"style" choice:"source" choice:"glyphs" choice:"sprite-image" choice:"sprite-json" choice:"image" description:"Kind of a non-tile resource"`
	Template   string  `long:"template" description:"URL template of a tile. If set, --x, --y and --z identify the tile"`
	PixelRatio float64 `long:"pixel-ratio" default:"1" description:"Pixel ratio of a tile"`
	X          int32   `long:"x" description:"Tile column"`
	Y          int32   `long:"y" description:"Tile row"`
	Z          int8    `long:"z" description:"Tile zoom"`
}

// Resource returns the configured offline.Resource.
func (c ResourceConfig) Resource() offline.Resource {
	if c.Template != "" {
		return offline.TileResource(c.Template, c.PixelRatio, c.X, c.Y, c.Z)
	}
	return offline.NewResource(parseKind(c.Kind), c.URL)
}

func parseKind(s string) offline.Kind {
	for k := offline.KindUnknown; k <= offline.KindImage; k++ {
		if k.String() == s {
			return k
		}
	}
	return offline.KindUnknown
}

// db is the Database opened by startup.
var db *offline.Database

func startup() context.Context {
	mbp.InitLog(baseCfg.Log)

	var ctx = context.Background()
	db = baseCfg.DB.MustOpen(ctx)
	return ctx
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}

func mustParseRegionID(arg string) int64 {
	var id, err = strconv.ParseInt(arg, 10, 64)
	mbp.Must(err, "invalid region ID", "arg", arg)
	return id
}

// writeYAML writes |v| to stdout as YAML.
func writeYAML(v interface{}) {
	var b, err = yaml.Marshal(v)
	mbp.Must(err, "failed to encode YAML")
	_, _ = os.Stdout.Write(b)
}

// regionOutput is the listing form of an offline.Region.
type regionOutput struct {
	ID         int64                    `yaml:"id" json:"id"`
	Definition offline.RegionDefinition `yaml:"definition" json:"-"`
	Encoded    string                   `yaml:"-" json:"definition"`
	Metadata   string                   `yaml:"metadata" json:"metadata"`
}

func newRegionOutput(r offline.Region) regionOutput {
	var enc, err = offline.EncodeRegionDefinition(r.Definition)
	mbp.Must(err, "failed to encode region definition", "id", r.ID)

	return regionOutput{
		ID:         r.ID,
		Definition: r.Definition,
		Encoded:    enc,
		Metadata:   string(r.Metadata),
	}
}

func formatZoom(z float64) string {
	if math.IsInf(z, 1) {
		return "inf"
	}
	return strconv.FormatFloat(z, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "<none>"
	}
	return t.UTC().Format(time.RFC3339)
}

// Execute tilecachectl.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `tilecachectl is a tool for inspecting and maintaining offline tile databases.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure tilecachectl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/tilecache/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`

	// Commands which only organize nested sub-commands. They must exist
	// before registered sub-commands are added.
	_ = mustAddCmd(parser.Command, "regions", "Manage offline regions", "", RegionsCfg)
	_ = mustAddCmd(parser.Command, "ambient", "Manage the ambient cache", "", AmbientCfg)

	mbp.Must(CommandRegistry.AddCommands("", parser.Command, true), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename)
}

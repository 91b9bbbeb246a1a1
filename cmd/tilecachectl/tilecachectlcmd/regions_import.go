package tilecachectlcmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/tilecache/mainboilerplate"
	"go.gazette.dev/tilecache/offline"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

type cmdRegionsImport struct {
	Manifest    string `long:"manifest" required:"true" description:"Path of the YAML manifest of files to import. Use '-' for stdin"`
	BatchSize   int    `long:"batch-size" default:"64" description:"Number of resources written per transaction"`
	Concurrency int    `long:"concurrency" default:"8" description:"Number of files read concurrently"`
}

// manifestEntry is a file to import, and the Resource and Response
// metadata it's stored under.
type manifestEntry struct {
	URL        string    `yaml:"url"`
	Kind       string    `yaml:"kind"`
	Template   string    `yaml:"template"`
	PixelRatio float64   `yaml:"pixel_ratio"`
	X          int32     `yaml:"x"`
	Y          int32     `yaml:"y"`
	Z          int8      `yaml:"z"`
	File       string    `yaml:"file"`
	NoContent  bool      `yaml:"no_content"`
	Etag       string    `yaml:"etag"`
	Modified   time.Time `yaml:"modified"`
	Expires    time.Time `yaml:"expires"`
}

func init() {
	CommandRegistry.AddCommand("regions", "import", "Import files into an offline region", `
Import files into the offline region of the given ID.

The --manifest is a YAML list of entries, each naming a file (relative to the
manifest) and the resource it's stored as. Non-tile resources are identified
by "url" and "kind", and tiles by "template", "pixel_ratio", "x", "y" and "z":

>    - url: mapbox://styles/mapbox/streets-v11
>      kind: style
>      file: style.json
>    - template: mapbox://tiles/{z}/{x}/{y}.vector.pbf
>      x: 0
>      y: 0
>      z: 0
>      file: 0-0-0.vector.pbf
>      etag: "abc"
>      expires: 2030-01-01T00:00:00Z

An entry with "no_content: true" has no file, and records that the resource
is known to be empty.

Files are written in batches of --batch-size, each in its own transaction. If
the offline tile count limit is reached, the import stops after the batch
which exceeded it.
`, &cmdRegionsImport{})
}

func (cmd *cmdRegionsImport) validate() error {
	if cmd.BatchSize < 1 {
		return fmt.Errorf("--batch-size must be at least 1 (got %d)", cmd.BatchSize)
	} else if cmd.Concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1 (got %d)", cmd.Concurrency)
	}
	return nil
}

func (cmd *cmdRegionsImport) Execute(args []string) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	var ctx = startup()

	if len(args) != 1 {
		return fmt.Errorf("expected exactly one region ID")
	}
	var id = mustParseRegionID(args[0])

	var b, err = readInput(cmd.Manifest)
	mbp.Must(err, "failed to read manifest")

	var entries []manifestEntry
	if err = yaml.UnmarshalStrict(b, &entries); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return fmt.Errorf("YAML decode failed")
	}

	var dir = "."
	if cmd.Manifest != "-" {
		dir = filepath.Dir(cmd.Manifest)
	}
	writes, err := loadWrites(ctx, dir, entries, cmd.Concurrency)
	mbp.Must(err, "failed to load manifest files")

	var status offline.RegionStatus
	for begin := 0; begin < len(writes); begin += cmd.BatchSize {
		var end = begin + cmd.BatchSize
		if end > len(writes) {
			end = len(writes)
		}

		err = db.PutRegionResources(ctx, id, writes[begin:end], &status)
		if err == offline.ErrTileCountLimitExceeded {
			log.WithFields(log.Fields{
				"region": id,
				"limit":  db.OfflineTileCountLimit(),
			}).Warn("offline tile count limit exceeded; stopping import")
			break
		}
		mbp.Must(err, "failed to write region resources", "region", id)
	}

	fmt.Printf("imported %s resources (%s), of which %s tiles (%s)\n",
		humanize.Comma(int64(status.CompletedResourceCount)),
		humanize.IBytes(status.CompletedResourceSize),
		humanize.Comma(int64(status.CompletedTileCount)),
		humanize.IBytes(status.CompletedTileSize),
	)
	return nil
}

// loadWrites reads the files of |entries| with bounded concurrency,
// returning RegionWrites in manifest order.
func loadWrites(ctx context.Context, dir string, entries []manifestEntry, concurrency int) ([]offline.RegionWrite, error) {
	var writes = make([]offline.RegionWrite, len(entries))
	var group, _ = errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for i := range entries {
		var i, e = i, entries[i]

		group.Go(func() error {
			var w = offline.RegionWrite{
				Resource: ResourceConfig{
					URL:        e.URL,
					Kind:       e.Kind,
					Template:   e.Template,
					PixelRatio: e.PixelRatio,
					X:          e.X,
					Y:          e.Y,
					Z:          e.Z,
				}.Resource(),
				Response: offline.Response{
					NoContent: e.NoContent,
					Etag:      e.Etag,
					Modified:  e.Modified,
					Expires:   e.Expires,
				},
			}
			if !e.NoContent {
				var data, err = os.ReadFile(filepath.Join(dir, e.File))
				if err != nil {
					return errors.WithMessagef(err, "entry %d", i)
				}
				w.Response.Data = data
			}
			writes[i] = w
			return nil
		})
	}
	return writes, group.Wait()
}

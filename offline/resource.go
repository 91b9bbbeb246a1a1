package offline

import (
	"strconv"
	"strings"
	"time"
)

// Kind of a Resource.
type Kind int

const (
	KindUnknown Kind = iota
	KindStyle
	KindSource
	KindTile
	KindGlyphs
	KindSpriteImage
	KindSpriteJSON
	KindImage
)

var kindNames = [...]string{"unknown", "style", "source", "tile", "glyphs", "sprite-image", "sprite-json", "image"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// TileData identifies a tile independently of the URL it was fetched from.
type TileData struct {
	URLTemplate string
	PixelRatio  uint8
	X, Y        int32
	Z           int8
}

// Resource is a cacheable request. Tiles (Kind == KindTile) are keyed by
// their TileData; all other kinds by URL.
type Resource struct {
	Kind Kind
	URL  string
	Tile *TileData
}

// NewResource returns a non-tile Resource of the Kind and URL.
func NewResource(kind Kind, url string) Resource {
	return Resource{Kind: kind, URL: url}
}

// StyleResource returns a KindStyle Resource of the URL.
func StyleResource(url string) Resource { return NewResource(KindStyle, url) }

// TileResource returns a tile Resource. Its URL expands the {x}, {y}, {z}
// and {ratio} tokens of |urlTemplate|, and ratios above 1 are stored as 2.
func TileResource(urlTemplate string, pixelRatio float64, x, y int32, z int8) Resource {
	var ratio uint8 = 1
	if pixelRatio > 1 {
		ratio = 2
	}
	var ratioToken string
	if ratio == 2 {
		ratioToken = "@2x"
	}
	var url = strings.NewReplacer(
		"{x}", strconv.Itoa(int(x)),
		"{y}", strconv.Itoa(int(y)),
		"{z}", strconv.Itoa(int(z)),
		"{ratio}", ratioToken,
	).Replace(urlTemplate)

	return Resource{
		Kind: KindTile,
		URL:  url,
		Tile: &TileData{
			URLTemplate: urlTemplate,
			PixelRatio:  ratio,
			X:           x,
			Y:           y,
			Z:           z,
		},
	}
}

func (r Resource) isTile() bool { return r.Kind == KindTile && r.Tile != nil }

// ErrorReason classifies a failed fetch.
type ErrorReason int

const (
	ReasonSuccess ErrorReason = iota + 1
	ReasonNotFound
	ReasonServer
	ReasonConnection
	ReasonRateLimit
	ReasonOther
)

// ResponseError describes why a fetch failed. Responses having an error are
// never stored.
type ResponseError struct {
	Reason  ErrorReason
	Message string
}

// Response is the result of fetching a Resource.
type Response struct {
	Error *ResponseError
	// NoContent marks a response with no payload, which is stored and
	// returned distinctly from an empty payload.
	NoContent bool
	// NotModified marks a revalidation: only Expires and MustRevalidate of
	// an existing entry are refreshed.
	NotModified    bool
	MustRevalidate bool
	// Data is the payload. A nil Data of a response without NoContent is
	// stored as an empty payload.
	Data []byte
	// Zero Modified and Expires are stored as absent.
	Modified time.Time
	Expires  time.Time
	// Empty Etag is stored as absent.
	Etag string
}

// PutResult is the outcome of storing a Response.
type PutResult struct {
	// Inserted is true if the Resource had no existing entry.
	Inserted bool
	// Size is the number of payload bytes stored, after compression.
	Size uint64
}

// RegionWrite pairs a Resource and its Response for batched region writes.
type RegionWrite struct {
	Resource Resource
	Response Response
}

func nullableUnix(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var timeNow = time.Now

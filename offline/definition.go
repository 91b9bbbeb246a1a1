package offline

import (
	"bytes"
	"math"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// LatLng is a geographic coordinate in degrees.
type LatLng struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// LatLngBounds is a geographic bounding box in degrees.
type LatLngBounds struct {
	South float64 `yaml:"south"`
	West  float64 `yaml:"west"`
	North float64 `yaml:"north"`
	East  float64 `yaml:"east"`
}

// Hull returns the smallest LatLngBounds containing both points.
func Hull(a, b LatLng) LatLngBounds {
	return LatLngBounds{
		South: math.Min(a.Lat, b.Lat),
		West:  math.Min(a.Lng, b.Lng),
		North: math.Max(a.Lat, b.Lat),
		East:  math.Max(a.Lng, b.Lng),
	}
}

// WorldBounds returns LatLngBounds covering the whole Web Mercator world.
func WorldBounds() LatLngBounds {
	return LatLngBounds{South: -90, West: -180, North: 90, East: 180}
}

// Validate returns an error if the LatLngBounds are malformed.
func (b LatLngBounds) Validate() error {
	for _, v := range []float64{b.South, b.West, b.North, b.East} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("bounds must be finite")
		}
	}
	if b.South > b.North {
		return errors.Errorf("bounds south (%v) is greater than north (%v)", b.South, b.North)
	} else if b.South < -90 || b.North > 90 {
		return errors.Errorf("bounds latitude outside of [-90, 90]")
	}
	return nil
}

// RegionDefinition describes the content of an offline region: a style, an
// area given as either Bounds or a GeoJSON Geometry, a zoom range and a pixel
// ratio. The Database stores it encoded and never interprets it.
type RegionDefinition struct {
	StyleURL string       `yaml:"style_url"`
	Bounds   LatLngBounds `yaml:"bounds"`
	// Geometry, if set, is a GeoJSON geometry which is used instead of Bounds.
	// Bounds of a Geometry definition are ignored and aren't stored.
	Geometry json.RawMessage `yaml:"-"`
	MinZoom  float64         `yaml:"min_zoom"`
	// MaxZoom may be +Inf.
	MaxZoom           float64 `yaml:"max_zoom"`
	PixelRatio        float64 `yaml:"pixel_ratio"`
	IncludeIdeographs bool    `yaml:"include_ideographs"`
}

// Validate returns an error if the RegionDefinition is malformed.
func (d RegionDefinition) Validate() error {
	if len(d.Geometry) == 0 {
		if err := d.Bounds.Validate(); err != nil {
			return err
		}
	} else if !json.Valid(d.Geometry) {
		return errors.New("geometry is not valid JSON")
	}
	if math.IsNaN(d.MinZoom) || math.IsInf(d.MinZoom, 0) || d.MinZoom < 0 {
		return errors.Errorf("invalid min zoom %v", d.MinZoom)
	} else if math.IsNaN(d.MaxZoom) || math.IsInf(d.MaxZoom, -1) || d.MaxZoom < d.MinZoom {
		return errors.Errorf("invalid max zoom %v (min zoom %v)", d.MaxZoom, d.MinZoom)
	} else if math.IsNaN(d.PixelRatio) || math.IsInf(d.PixelRatio, 0) || d.PixelRatio <= 0 {
		return errors.Errorf("invalid pixel ratio %v", d.PixelRatio)
	}
	return nil
}

// Equal returns whether the RegionDefinitions are identical. Bounds are
// compared only if neither has a Geometry.
func (d RegionDefinition) Equal(o RegionDefinition) bool {
	return d.StyleURL == o.StyleURL &&
		(len(d.Geometry) != 0 || len(o.Geometry) != 0 || d.Bounds == o.Bounds) &&
		bytes.Equal(d.Geometry, o.Geometry) &&
		d.MinZoom == o.MinZoom &&
		d.MaxZoom == o.MaxZoom &&
		d.PixelRatio == o.PixelRatio &&
		d.IncludeIdeographs == o.IncludeIdeographs
}

type encodedDefinition struct {
	StyleURL          *string         `json:"style_url"`
	Bounds            []float64       `json:"bounds,omitempty"`
	Geometry          json.RawMessage `json:"geometry,omitempty"`
	MinZoom           *float64        `json:"min_zoom"`
	MaxZoom           *float64        `json:"max_zoom,omitempty"`
	PixelRatio        *float64        `json:"pixel_ratio"`
	IncludeIdeographs bool            `json:"include_ideographs,omitempty"`
}

// normalize returns the RegionDefinition as it's decoded from its stored
// form: Bounds are zeroed if there's a Geometry, and the Geometry is copied.
func (d RegionDefinition) normalize() RegionDefinition {
	if len(d.Geometry) != 0 {
		d.Bounds = LatLngBounds{}
		d.Geometry = append(json.RawMessage(nil), d.Geometry...)
	}
	return d
}

// EncodeRegionDefinition returns the stored JSON form of the RegionDefinition.
// An infinite MaxZoom is encoded by omitting "max_zoom".
func EncodeRegionDefinition(d RegionDefinition) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	var enc = encodedDefinition{
		StyleURL:          &d.StyleURL,
		MinZoom:           &d.MinZoom,
		PixelRatio:        &d.PixelRatio,
		IncludeIdeographs: d.IncludeIdeographs,
	}
	if len(d.Geometry) != 0 {
		enc.Geometry = d.Geometry
	} else {
		enc.Bounds = []float64{d.Bounds.South, d.Bounds.West, d.Bounds.North, d.Bounds.East}
	}
	if !math.IsInf(d.MaxZoom, 1) {
		enc.MaxZoom = &d.MaxZoom
	}

	var b, err = json.Marshal(enc)
	if err != nil {
		return "", errors.WithMessage(err, "encoding region definition")
	}
	return string(b), nil
}

// DecodeRegionDefinition parses the stored JSON form of a RegionDefinition.
func DecodeRegionDefinition(s string) (RegionDefinition, error) {
	var enc encodedDefinition
	if err := json.Unmarshal([]byte(s), &enc); err != nil {
		return RegionDefinition{}, errors.WithMessage(err, "malformed offline region definition")
	}

	var d = RegionDefinition{
		MaxZoom:           math.Inf(1),
		IncludeIdeographs: enc.IncludeIdeographs,
	}
	switch {
	case enc.StyleURL == nil:
		return RegionDefinition{}, errors.New("malformed offline region definition: missing style_url")
	case enc.MinZoom == nil:
		return RegionDefinition{}, errors.New("malformed offline region definition: missing min_zoom")
	case enc.PixelRatio == nil:
		return RegionDefinition{}, errors.New("malformed offline region definition: missing pixel_ratio")
	case (len(enc.Bounds) == 0) == (len(enc.Geometry) == 0):
		return RegionDefinition{}, errors.New("malformed offline region definition: expected exactly one of bounds or geometry")
	case len(enc.Bounds) != 0 && len(enc.Bounds) != 4:
		return RegionDefinition{}, errors.Errorf("malformed offline region definition: bounds has %d values", len(enc.Bounds))
	}

	d.StyleURL = *enc.StyleURL
	d.MinZoom = *enc.MinZoom
	d.PixelRatio = *enc.PixelRatio

	if enc.MaxZoom != nil {
		d.MaxZoom = *enc.MaxZoom
	}
	if len(enc.Bounds) != 0 {
		d.Bounds = LatLngBounds{South: enc.Bounds[0], West: enc.Bounds[1], North: enc.Bounds[2], East: enc.Bounds[3]}
	} else {
		d.Geometry = append(json.RawMessage(nil), enc.Geometry...)
	}

	if err := d.Validate(); err != nil {
		return RegionDefinition{}, errors.WithMessage(err, "malformed offline region definition")
	}
	return d, nil
}

package model

import (
	"math"
	"strconv"
	"strings"
)

// locationSeparator joins the rounded floats of a location tag. It never
// appears inside a formatted float, so tags split unambiguously.
const locationSeparator = "_"

// Location is the anchor of a local descriptor: keypoint coordinates and
// orientation in the source image.
type Location struct {
	x     float64
	y     float64
	angle float64
}

// NewLocation creates a Location.
func NewLocation(x, y, angle float64) Location {
	return Location{x: x, y: y, angle: angle}
}

// X returns the keypoint x coordinate.
func (l Location) X() float64 { return l.x }

// Y returns the keypoint y coordinate.
func (l Location) Y() float64 { return l.y }

// Angle returns the keypoint orientation in degrees.
func (l Location) Angle() float64 { return l.angle }

// Tag encodes the location as "x_y_angle" with each float rounded to two
// decimals. The form is reversible: ParseTag recovers the coordinates.
func (l Location) Tag() string {
	return formatRounded(l.x) + locationSeparator + formatRounded(l.y) + locationSeparator + formatRounded(l.angle)
}

// ParseTag extracts the first two floats of a location tag, which are the
// keypoint coordinates. Returns false if the tag has fewer than two parseable
// parts.
func ParseTag(tag string) (x, y float64, ok bool) {
	parts := strings.Split(tag, locationSeparator)
	if len(parts) < 2 {
		return 0, 0, false
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, false
	}
	y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}

// formatRounded renders a float rounded to two decimals in its shortest
// decimal form, always keeping a decimal point ("12.0", not "12") so tags
// stay readable and stable across writers.
func formatRounded(v float64) string {
	s := strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

package geometry

import (
	"errors"
	"fmt"
	"strings"
)

// Preset enumerates the simulated viewport sizes used when previewing
// responsive content.
type Preset string

const (
	// PresetDesktop uses the dynamic container width and an unbounded height.
	PresetDesktop Preset = "desktop"
	// PresetTablet simulates a 768x1024 viewport.
	PresetTablet Preset = "tablet"
	// PresetMobile simulates a 390x844 viewport.
	PresetMobile Preset = "mobile"
)

const (
	tabletWidth  = 768
	tabletHeight = 1024
	mobileWidth  = 390
	mobileHeight = 844
)

// ErrInvalidPreset indicates an unknown viewport preset value.
var ErrInvalidPreset = errors.New("geometry: invalid viewport preset")

// ParsePreset validates raw input and returns a Preset.
func ParsePreset(rawInput string) (Preset, error) {
	switch Preset(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PresetDesktop:
		return PresetDesktop, nil
	case PresetTablet:
		return PresetTablet, nil
	case PresetMobile:
		return PresetMobile, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPreset, rawInput)
	}
}

// String returns the preset identifier.
func (p Preset) String() string {
	return string(p)
}

// Dims describes the pixel dimensions of a viewport. A zero Height means the
// viewport is unbounded vertically.
type Dims struct {
	Width  float64
	Height float64
}

// Dimensions resolves the pixel dimensions for the preset. For the desktop
// preset the width comes from the live container and the height stays zero.
func (p Preset) Dimensions(containerWidth float64) Dims {
	switch p {
	case PresetTablet:
		return Dims{Width: tabletWidth, Height: tabletHeight}
	case PresetMobile:
		return Dims{Width: mobileWidth, Height: mobileHeight}
	default:
		return Dims{Width: containerWidth, Height: 0}
	}
}

// Position is an absolute pixel coordinate within a viewport, with an
// optional box extent for region annotations.
type Position struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// RelPosition expresses a position as percentages of the viewport dimensions.
// YPct is raw pixels when the source viewport is unbounded vertically.
type RelPosition struct {
	XPct float64
	YPct float64
}

// AbsoluteToRelative converts an absolute position into viewport-relative
// percentages. Vertical values pass through unscaled when the viewport height
// is unbounded.
func AbsoluteToRelative(position Position, dims Dims) RelPosition {
	rel := RelPosition{}
	if dims.Width > 0 {
		rel.XPct = position.X / dims.Width * 100
	}
	if dims.Height > 0 {
		rel.YPct = position.Y / dims.Height * 100
	} else {
		rel.YPct = position.Y
	}
	return rel
}

// RelativeToAbsolute expands viewport-relative percentages back into absolute
// pixels for the given dimensions.
func RelativeToAbsolute(rel RelPosition, dims Dims) Position {
	position := Position{}
	if dims.Width > 0 {
		position.X = rel.XPct / 100 * dims.Width
	}
	if dims.Height > 0 {
		position.Y = rel.YPct / 100 * dims.Height
	} else {
		position.Y = rel.YPct
	}
	return position
}

// AdjustPositions re-projects each position from one preset's coordinate
// space into another's by round-tripping through relative coordinates.
// Returns the input untouched when the presets match. Vertical coordinates
// only rescale when both presets have a bounded height; otherwise y carries
// over unchanged. The transform is round-trip stable: A -> B -> A reproduces
// the originals up to rounding.
func AdjustPositions(positions []Position, from, to Preset, containerWidth float64) []Position {
	if from == to {
		return positions
	}
	fromDims := from.Dimensions(containerWidth)
	toDims := to.Dimensions(containerWidth)
	scaleY := fromDims.Height > 0 && toDims.Height > 0

	adjusted := make([]Position, len(positions))
	for i, position := range positions {
		rel := AbsoluteToRelative(position, fromDims)
		moved := RelativeToAbsolute(rel, toDims)
		if !scaleY {
			moved.Y = position.Y
		}
		moved.Width = position.Width
		moved.Height = position.Height
		adjusted[i] = moved
	}
	return adjusted
}

// ClampToBounds forces x into [0, width] and, when the viewport has a bounded
// height, y into [0, height].
func ClampToBounds(position Position, dims Dims) Position {
	clamped := position
	if clamped.X < 0 {
		clamped.X = 0
	}
	if dims.Width > 0 && clamped.X > dims.Width {
		clamped.X = dims.Width
	}
	if clamped.Y < 0 {
		clamped.Y = 0
	}
	if dims.Height > 0 && clamped.Y > dims.Height {
		clamped.Y = dims.Height
	}
	return clamped
}

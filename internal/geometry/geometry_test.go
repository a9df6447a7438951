package geometry

import (
	"math"
	"testing"
)

func TestAdjustPositionsDesktopToTabletAndBack(t *testing.T) {
	const containerWidth = 1200.0
	original := []Position{{X: 600, Y: 300}}

	onTablet := AdjustPositions(original, PresetDesktop, PresetTablet, containerWidth)
	if len(onTablet) != 1 {
		t.Fatalf("expected one adjusted position, got %d", len(onTablet))
	}
	if math.Abs(onTablet[0].X-384) > 0.01 {
		t.Fatalf("expected x 384 on tablet, got %f", onTablet[0].X)
	}
	if onTablet[0].Y != 300 {
		t.Fatalf("expected y to carry over unchanged, got %f", onTablet[0].Y)
	}

	backOnDesktop := AdjustPositions(onTablet, PresetTablet, PresetDesktop, containerWidth)
	if math.Abs(backOnDesktop[0].X-600) > 1 {
		t.Fatalf("expected x to return to 600, got %f", backOnDesktop[0].X)
	}
	if math.Abs(backOnDesktop[0].Y-300) > 1 {
		t.Fatalf("expected y to return to 300, got %f", backOnDesktop[0].Y)
	}
}

func TestAdjustPositionsRoundTripStable(t *testing.T) {
	const containerWidth = 1440.0
	presets := []Preset{PresetDesktop, PresetTablet, PresetMobile}
	positions := []Position{
		{X: 0, Y: 0},
		{X: 120.5, Y: 96.25, Width: 40, Height: 24},
		{X: 377, Y: 811},
	}

	for _, fromPreset := range presets {
		for _, toPreset := range presets {
			there := AdjustPositions(positions, fromPreset, toPreset, containerWidth)
			back := AdjustPositions(there, toPreset, fromPreset, containerWidth)
			for i := range positions {
				if math.Abs(back[i].X-positions[i].X) > 1 {
					t.Fatalf("%s->%s->%s x drifted: want %f got %f",
						fromPreset, toPreset, fromPreset, positions[i].X, back[i].X)
				}
				if math.Abs(back[i].Y-positions[i].Y) > 1 {
					t.Fatalf("%s->%s->%s y drifted: want %f got %f",
						fromPreset, toPreset, fromPreset, positions[i].Y, back[i].Y)
				}
				if back[i].Width != positions[i].Width || back[i].Height != positions[i].Height {
					t.Fatalf("box extent should never rescale, got %+v", back[i])
				}
			}
		}
	}
}

func TestAdjustPositionsSamePresetIsNoOp(t *testing.T) {
	positions := []Position{{X: 10, Y: 20}}
	adjusted := AdjustPositions(positions, PresetTablet, PresetTablet, 1200)
	if &adjusted[0] != &positions[0] {
		t.Fatalf("expected identical slice for matching presets")
	}
}

func TestAbsoluteRelativeRoundTrip(t *testing.T) {
	dims := PresetTablet.Dimensions(0)
	original := Position{X: 384, Y: 512}
	rel := AbsoluteToRelative(original, dims)
	if math.Abs(rel.XPct-50) > 0.01 || math.Abs(rel.YPct-50) > 0.01 {
		t.Fatalf("expected 50%%/50%%, got %+v", rel)
	}
	back := RelativeToAbsolute(rel, dims)
	if math.Abs(back.X-original.X) > 0.01 || math.Abs(back.Y-original.Y) > 0.01 {
		t.Fatalf("round trip drifted: %+v", back)
	}
}

func TestAbsoluteToRelativeUnboundedHeightPassesYThrough(t *testing.T) {
	dims := PresetDesktop.Dimensions(1000)
	rel := AbsoluteToRelative(Position{X: 250, Y: 4321}, dims)
	if rel.YPct != 4321 {
		t.Fatalf("expected raw y for unbounded viewport, got %f", rel.YPct)
	}
	back := RelativeToAbsolute(rel, dims)
	if back.Y != 4321 {
		t.Fatalf("expected y preserved, got %f", back.Y)
	}
}

func TestClampToBounds(t *testing.T) {
	tests := []struct {
		name     string
		position Position
		dims     Dims
		wantX    float64
		wantY    float64
	}{
		{name: "inside", position: Position{X: 100, Y: 200}, dims: Dims{Width: 768, Height: 1024}, wantX: 100, wantY: 200},
		{name: "negative", position: Position{X: -5, Y: -9}, dims: Dims{Width: 768, Height: 1024}, wantX: 0, wantY: 0},
		{name: "overflow", position: Position{X: 900, Y: 2000}, dims: Dims{Width: 768, Height: 1024}, wantX: 768, wantY: 1024},
		{name: "unbounded-height", position: Position{X: 900, Y: 99999}, dims: Dims{Width: 768, Height: 0}, wantX: 768, wantY: 99999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clamped := ClampToBounds(tt.position, tt.dims)
			if clamped.X != tt.wantX || clamped.Y != tt.wantY {
				t.Fatalf("unexpected clamp result %+v", clamped)
			}
			if clamped.X < 0 || (tt.dims.Width > 0 && clamped.X > tt.dims.Width) {
				t.Fatalf("x escaped bounds: %f", clamped.X)
			}
			if tt.dims.Height > 0 && (clamped.Y < 0 || clamped.Y > tt.dims.Height) {
				t.Fatalf("y escaped bounds: %f", clamped.Y)
			}
		})
	}
}

func TestParsePreset(t *testing.T) {
	for _, valid := range []string{"desktop", " Tablet ", "MOBILE"} {
		if _, err := ParsePreset(valid); err != nil {
			t.Fatalf("expected %q to parse: %v", valid, err)
		}
	}
	if _, err := ParsePreset("watch"); err == nil {
		t.Fatalf("expected unknown preset to fail")
	}
}

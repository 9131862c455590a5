package geometry

import (
	"math"

	"github.com/banshee-data/scanprep/internal/scan"
)

// MaxExactCoord is the largest magnitude at which every integer survives a
// float64 to float32 conversion unchanged.
const MaxExactCoord = 1 << 24

// CheckGridAlignment verifies that every component of coords is an exact
// integer multiple of stride and representable exactly as float32.
func CheckGridAlignment(coords []scan.Vec3, stride int, stage scan.Stage) error {
	if stride < 1 {
		return &scan.AlignmentError{Stage: stage, Stride: stride, Reason: "stride must be at least 1"}
	}
	for i, c := range coords {
		for a, v := range c {
			if err := checkComponent(i, a, v, stride, stage); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckGridAlignment32 is CheckGridAlignment for the float32 coordinates
// that are written to disk.
func CheckGridAlignment32(coords [][3]float32, stride int, stage scan.Stage) error {
	if stride < 1 {
		return &scan.AlignmentError{Stage: stage, Stride: stride, Reason: "stride must be at least 1"}
	}
	for i, c := range coords {
		for a, v := range c {
			if err := checkComponent(i, a, float64(v), stride, stage); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkComponent(row, axis int, v float64, stride int, stage scan.Stage) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > MaxExactCoord {
		return &scan.AlignmentError{Stage: stage, Row: row, Axis: axis, Value: v, Stride: stride,
			Reason: "coordinate is not finite or exceeds the exact float32 range"}
	}
	if math.Mod(v, float64(stride)) != 0 {
		return &scan.AlignmentError{Stage: stage, Row: row, Axis: axis, Value: v, Stride: stride}
	}
	return nil
}

package types

import (
	"fmt"
	"image"
	"strings"
)

// Side identifies which foot a footprint belongs to
type Side string

const (
	Left  Side = "Left"
	Right Side = "Right"
)

// ParseSide accepts "left"/"right" in any case
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left", "l":
		return Left, nil
	case "right", "r":
		return Right, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// ArchType is the arch classification derived from the arch index
type ArchType string

const (
	ArchNormal ArchType = "Normal"
	ArchFlat   ArchType = "Flat"
	ArchHigh   ArchType = "High"
)

// Diagnosis is the clinical finding reported alongside a scan
type Diagnosis string

const (
	DiagnosisNormal     Diagnosis = "Normal"
	DiagnosisSupination Diagnosis = "Supination"
	DiagnosisPronation  Diagnosis = "Pronation"
)

// ParseDiagnosis maps free text onto a Diagnosis; unknown values are Normal
func ParseDiagnosis(s string) Diagnosis {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "supination":
		return DiagnosisSupination
	case "pronation":
		return DiagnosisPronation
	}
	return DiagnosisNormal
}

// ShapeProfile describes one detected footprint
type ShapeProfile struct {
	Side      Side     `json:"side"`
	WidthPx   int      `json:"width_px"`
	HeightPx  int      `json:"height_px"`
	ArchIndex float64  `json:"arch_index"`
	ArchType  ArchType `json:"arch_type"`
}

// Footprints is the result of segmenting one image. Right is nil when only
// one footprint was found.
type Footprints struct {
	Left  ShapeProfile  `json:"left"`
	Right *ShapeProfile `json:"right"`
}

// Profiles returns the detected profiles in left-to-right order
func (f Footprints) Profiles() []ShapeProfile {
	out := []ShapeProfile{f.Left}
	if f.Right != nil {
		out = append(out, *f.Right)
	}
	return out
}

// Get returns the profile for a side
func (f Footprints) Get(side Side) (ShapeProfile, bool) {
	switch side {
	case Left:
		return f.Left, true
	case Right:
		if f.Right != nil {
			return *f.Right, true
		}
	}
	return ShapeProfile{}, false
}

// FootprintRegion is a detected blob: its external boundary, bounding box and
// a mask of its foreground pixels cropped to Bounds.
type FootprintRegion struct {
	Contour []image.Point
	Bounds  image.Rectangle
	Area    float64
	Mask    *image.Gray
}

// ScaleFactors are the per-axis multipliers applied to the reference mesh
type ScaleFactors struct {
	X float64 `json:"scale_x"`
	Y float64 `json:"scale_y"`
	Z float64 `json:"scale_z"`
}

// MeasurementRecord is the patient data feeding one pipeline request.
// Absent values are nil.
type MeasurementRecord struct {
	WeightKg   *float64  `json:"weight_kg"`
	TargetSize *int      `json:"target_size"`
	Diagnosis  Diagnosis `json:"diagnosis"`
	ImageBytes []byte    `json:"-"`
}

// Complete reports whether weight and target size are both present
func (r MeasurementRecord) Complete() bool {
	return r.WeightKg != nil && r.TargetSize != nil
}

// NewRecord builds a complete record
func NewRecord(weightKg float64, targetSize int, diagnosis Diagnosis, imageBytes []byte) MeasurementRecord {
	return MeasurementRecord{
		WeightKg:   &weightKg,
		TargetSize: &targetSize,
		Diagnosis:  diagnosis,
		ImageBytes: imageBytes,
	}
}

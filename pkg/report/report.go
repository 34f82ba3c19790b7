// Package report reads patient metadata (weight, shoe size, diagnosis) from
// rendered clinical report pages.
package report

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/menta2k/orthotic-engine/pkg/types"
)

// Extractor reads a MeasurementRecord from one report page image. The
// returned record carries the page bytes so the footprint on it can be
// analyzed. Missing fields are left nil rather than reported as errors.
type Extractor interface {
	Extract(ctx context.Context, page []byte) (types.MeasurementRecord, error)
}

var (
	weightPattern = regexp.MustCompile(`(?i)(?:poids|weight)\s*:\s*(\d+(?:[.,]\d+)?)`)
	sizePattern   = regexp.MustCompile(`(?i)(?:pointure|shoe\s+size|size)\s*:\s*(\d+)`)
)

// ParseText extracts metadata from report text. Diagnosis defaults to
// Normal; Supination wins when both findings are mentioned.
func ParseText(text string) types.MeasurementRecord {
	record := types.MeasurementRecord{Diagnosis: types.DiagnosisNormal}

	if m := weightPattern.FindStringSubmatch(text); m != nil {
		if w, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64); err == nil && w > 0 {
			record.WeightKg = &w
		}
	}
	if m := sizePattern.FindStringSubmatch(text); m != nil {
		if s, err := strconv.Atoi(m[1]); err == nil && s > 0 {
			record.TargetSize = &s
		}
	}

	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "SUPINATION"):
		record.Diagnosis = types.DiagnosisSupination
	case strings.Contains(upper, "PRONATION"):
		record.Diagnosis = types.DiagnosisPronation
	}
	return record
}

// Missing lists the record fields that still need manual input
func Missing(record types.MeasurementRecord) []string {
	var missing []string
	if record.WeightKg == nil {
		missing = append(missing, "weight_kg")
	}
	if record.TargetSize == nil {
		missing = append(missing, "target_size")
	}
	return missing
}

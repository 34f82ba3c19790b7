package report

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/orthotic-engine/internal/logging"
	"github.com/menta2k/orthotic-engine/pkg/client"
	"github.com/menta2k/orthotic-engine/pkg/types"
)

// ExtractionPrompt asks a vision model for the report fields as JSON
const ExtractionPrompt = `This image is a page from a podiatry pressure-scan report.
Read the patient's body weight in kilograms ("Poids" or "Weight"), shoe size ("Pointure" or "Size")
and any diagnosis mentioning supination or pronation.
Respond with JSON only:
{"weight_kg": <number or null>, "shoe_size": <integer or null>, "diagnosis": "Normal" | "Supination" | "Pronation"}`

// VisionExtractor asks a vision model to read the report page
type VisionExtractor struct {
	client client.VisionClient
	model  string
	logger *zap.Logger
}

// NewVisionExtractor creates an extractor querying model through c
func NewVisionExtractor(c client.VisionClient, model string, logger *zap.Logger) *VisionExtractor {
	return &VisionExtractor{
		client: c,
		model:  model,
		logger: logging.OrNop(logger),
	}
}

type modelAnswer struct {
	WeightKg  json.Number `json:"weight_kg"`
	ShoeSize  json.Number `json:"shoe_size"`
	Diagnosis string      `json:"diagnosis"`
}

// Extract queries the model and decodes its answer
func (e *VisionExtractor) Extract(ctx context.Context, page []byte) (types.MeasurementRecord, error) {
	raw, err := e.client.Query(ctx, e.model, ExtractionPrompt, page)
	if err != nil {
		return types.MeasurementRecord{}, fmt.Errorf("vision query failed: %w", err)
	}

	record, err := parseModelAnswer(raw)
	if err != nil {
		e.logger.Warn("unreadable model answer", zap.String("model", e.model), zap.Error(err))
		return types.MeasurementRecord{}, err
	}
	record.ImageBytes = page

	e.logger.Debug("report read by vision model",
		zap.String("model", e.model),
		zap.Strings("missing", Missing(record)))
	return record, nil
}

func parseModelAnswer(raw string) (types.MeasurementRecord, error) {
	cleaned := sanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return types.MeasurementRecord{}, fmt.Errorf("no JSON object in model answer")
	}

	var answer modelAnswer
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&answer); err != nil {
		return types.MeasurementRecord{}, fmt.Errorf("failed to decode model answer: %w", err)
	}

	record := types.MeasurementRecord{Diagnosis: types.ParseDiagnosis(answer.Diagnosis)}
	if w, err := answer.WeightKg.Float64(); err == nil && w > 0 {
		record.WeightKg = &w
	}
	if s, err := strconv.ParseFloat(answer.ShoeSize.String(), 64); err == nil && s > 0 {
		size := int(s)
		record.TargetSize = &size
	}
	return record, nil
}

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas, and
// keeps the outermost {...}
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

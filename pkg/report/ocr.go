package report

import (
	"context"
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"go.uber.org/zap"

	"github.com/menta2k/orthotic-engine/internal/logging"
	"github.com/menta2k/orthotic-engine/pkg/types"
)

// OCRExtractor runs Tesseract over the page and parses the recognized text
type OCRExtractor struct {
	mu     sync.Mutex
	client *gosseract.Client
	logger *zap.Logger
}

// NewOCRExtractor creates an extractor for the given Tesseract languages,
// e.g. "fra" or "fra+eng". Close must be called to release the engine.
func NewOCRExtractor(language string, logger *zap.Logger) (*OCRExtractor, error) {
	client := gosseract.NewClient()
	if language == "" {
		language = "eng"
	}
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	return &OCRExtractor{
		client: client,
		logger: logging.OrNop(logger),
	}, nil
}

// Close releases OCR resources
func (e *OCRExtractor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// Extract recognizes the page text and parses it
func (e *OCRExtractor) Extract(ctx context.Context, page []byte) (types.MeasurementRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.MeasurementRecord{}, err
	}

	text, err := e.text(page)
	if err != nil {
		return types.MeasurementRecord{}, err
	}

	record := ParseText(text)
	record.ImageBytes = page

	e.logger.Debug("report text recognized",
		zap.Int("chars", len(text)),
		zap.Strings("missing", Missing(record)),
		zap.String("diagnosis", string(record.Diagnosis)))

	return record, nil
}

// the tesseract handle is not safe for concurrent use
func (e *OCRExtractor) text(page []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.SetImageFromBytes(page); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}
	return text, nil
}

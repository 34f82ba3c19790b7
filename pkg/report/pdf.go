package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/menta2k/orthotic-engine/internal/logging"
	"github.com/menta2k/orthotic-engine/pkg/raster"
	"github.com/menta2k/orthotic-engine/pkg/types"
)

// ErrNotPDF is returned when a document does not start with a PDF header
var ErrNotPDF = errors.New("not a PDF document")

// DefaultDPI is the resolution report pages are rendered at
const DefaultDPI = 150

// IsPDF reports whether data starts with the PDF magic bytes
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// PageRenderer rasterizes one zero-based page of a PDF document
type PageRenderer interface {
	RenderPage(doc []byte, page int) (image.Image, error)
}

// FitzRenderer renders pages with MuPDF
type FitzRenderer struct {
	DPI float64
}

// RenderPage implements PageRenderer
func (r FitzRenderer) RenderPage(doc []byte, page int) (image.Image, error) {
	d, err := fitz.NewFromMemory(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer d.Close()

	if page < 0 || page >= d.NumPage() {
		return nil, fmt.Errorf("page %d out of range (document has %d)", page+1, d.NumPage())
	}

	dpi := r.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	img, err := d.ImageDPI(page, dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page+1, err)
	}
	return img, nil
}

// FirstPageText returns the text layer of the first page. The PDF reader
// panics on some malformed documents; those are reported as ErrNotPDF.
func FirstPageText(doc []byte) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrNotPDF, p)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	if r.NumPage() < 1 {
		return "", nil
	}
	text, err = r.Page(1).GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	return text, nil
}

// PDFExtractor reads a clinical report delivered as PDF. Metadata comes from
// the first page's text layer; the page is also rendered to PNG and attached
// as the record's image so the footprint heatmap on it can be analyzed.
//
// When the text layer lacks weight or size and a scanned extractor is
// configured, the rendered page is passed to it and only the missing fields
// are taken from its answer.
type PDFExtractor struct {
	renderer PageRenderer
	codec    *raster.Codec
	scanned  Extractor
	logger   *zap.Logger
}

// NewPDFExtractor creates a PDF extractor. scanned may be nil.
func NewPDFExtractor(renderer PageRenderer, codec *raster.Codec, scanned Extractor, logger *zap.Logger) *PDFExtractor {
	if renderer == nil {
		renderer = FitzRenderer{DPI: DefaultDPI}
	}
	if codec == nil {
		codec = raster.New()
	}
	return &PDFExtractor{
		renderer: renderer,
		codec:    codec,
		scanned:  scanned,
		logger:   logging.OrNop(logger),
	}
}

// Extract implements Extractor. A page that cannot be rendered is not an
// error: the record is returned without image bytes.
func (e *PDFExtractor) Extract(ctx context.Context, doc []byte) (types.MeasurementRecord, error) {
	if !IsPDF(doc) {
		return types.MeasurementRecord{}, ErrNotPDF
	}

	text, err := FirstPageText(doc)
	if err != nil {
		return types.MeasurementRecord{}, err
	}
	record := ParseText(text)
	record.ImageBytes = e.renderFirstPage(doc)

	if len(Missing(record)) == 0 || e.scanned == nil || record.ImageBytes == nil {
		return record, nil
	}

	e.logger.Info("PDF text layer incomplete, reading rendered page",
		zap.Strings("missing", Missing(record)))
	scanned, err := e.scanned.Extract(ctx, record.ImageBytes)
	if err != nil {
		if ctx.Err() != nil {
			return types.MeasurementRecord{}, ctx.Err()
		}
		e.logger.Warn("rendered page extraction failed", zap.Error(err))
		return record, nil
	}
	return merge(record, scanned), nil
}

func (e *PDFExtractor) renderFirstPage(doc []byte) []byte {
	img, err := e.renderer.RenderPage(doc, 0)
	if err != nil {
		e.logger.Warn("failed to render PDF page", zap.Error(err))
		return nil
	}
	data, err := e.codec.Encode(img, "png")
	if err != nil {
		e.logger.Warn("failed to encode rendered PDF page", zap.Error(err))
		return nil
	}
	return data
}

// merge fills fields absent from primary with those of secondary
func merge(primary, secondary types.MeasurementRecord) types.MeasurementRecord {
	if primary.WeightKg == nil {
		primary.WeightKg = secondary.WeightKg
	}
	if primary.TargetSize == nil {
		primary.TargetSize = secondary.TargetSize
	}
	if primary.Diagnosis == types.DiagnosisNormal && secondary.Diagnosis != "" {
		primary.Diagnosis = secondary.Diagnosis
	}
	return primary
}

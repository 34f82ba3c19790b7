// Package overlay draws segmentation results over a scan for inspection.
package overlay

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/orthotic-engine/pkg/raster"
	"github.com/menta2k/orthotic-engine/pkg/shape"
	"github.com/menta2k/orthotic-engine/pkg/types"
)

var (
	leftColor     = color.NRGBA{0, 255, 0, 255}   // left region
	rightColor    = color.NRGBA{0, 170, 255, 255} // right region
	isthmusColor  = color.NRGBA{255, 0, 0, 255}
	forefootColor = color.NRGBA{255, 204, 0, 255}
)

// Renderer draws regions and their measurement slices
type Renderer struct {
	slices shape.SliceSpec
	codec  *raster.Codec
}

// New creates a Renderer marking the rows given by slices
func New(slices shape.SliceSpec, codec *raster.Codec) *Renderer {
	if codec == nil {
		codec = raster.New()
	}
	return &Renderer{slices: slices, codec: codec}
}

// Render returns a copy of img with each region's contour, bounding box and
// slice rows drawn on it. Regions are expected in left-to-right order, in
// coordinates relative to the image's top-left corner as the detector
// reports them. The copy always starts at (0, 0).
func (r *Renderer) Render(img image.Image, regions []types.FootprintRegion) *image.NRGBA {
	out := imaging.Clone(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	stroke := int(math.Max(2, 0.004*float64(min(w, h))))

	for i, region := range regions {
		c := leftColor
		if i > 0 {
			c = rightColor
		}
		b := region.Bounds

		for _, p := range region.Contour {
			drawHLine(out, p.Y, p.X, p.X+1, c)
		}
		drawRect(out, b, c, stroke)

		isthmus, forefoot := shape.SliceRows(b, r.slices)
		for s := 0; s < stroke; s++ {
			drawHLine(out, isthmus+s, b.Min.X, b.Max.X, isthmusColor)
			drawHLine(out, forefoot+s, b.Min.X, b.Max.X, forefootColor)
		}
	}
	return out
}

// Save renders the overlay and writes it to path
func (r *Renderer) Save(img image.Image, regions []types.FootprintRegion, path, format string, quality int) error {
	return r.codec.Save(r.Render(img, regions), path, format, quality, false)
}

func drawRect(img *image.NRGBA, b image.Rectangle, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, b.Min.Y+s, b.Min.X, b.Max.X, c)
		drawHLine(img, b.Max.Y-1-s, b.Min.X, b.Max.X, c)
		drawVLine(img, b.Min.X+s, b.Min.Y, b.Max.Y, c)
		drawVLine(img, b.Max.X-1-s, b.Min.Y, b.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	bw, bh := img.Bounds().Dx(), img.Bounds().Dy()
	if y < 0 || y >= bh {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0, x1 = max(x0, 0), min(x1, bw)
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	bw, bh := img.Bounds().Dx(), img.Bounds().Dy()
	if x < 0 || x >= bw {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0, y1 = max(y0, 0), min(y1, bh)
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}

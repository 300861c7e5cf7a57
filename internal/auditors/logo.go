package auditors

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	maxPageSide     = 160
	minTemplateSide = 8
	matchStride     = 2
	maxLogoImages   = 24
)

// Template widths tried, as fractions of the page image width.
var logoScales = []float64{0.08, 0.1, 0.125, 0.15, 0.2, 0.25, 0.3, 0.4, 0.5, 0.65, 0.8, 1}

type logoParams struct {
	Reference string  `yaml:"reference"`
	Threshold float64 `yaml:"threshold"`
	Required  *bool   `yaml:"required"`
	Severity  string  `yaml:"severity"`
}

// Logo looks for a reference mark on the document's images using
// multi-scale normalised cross-correlation.
type Logo struct{}

func (Logo) ID() string       { return IDLogo }
func (Logo) Category() string { return "branding" }

func (l Logo) Audit(ctx context.Context, in Input) ([]models.Finding, error) {
	var p logoParams
	if err := in.Params.Decode(&p); err != nil {
		return nil, err
	}
	if p.Reference == "" {
		return nil, fmt.Errorf("logo reference image is not configured")
	}
	if p.Threshold <= 0 {
		p.Threshold = 0.8
	}
	required := p.Required == nil || *p.Required

	data, err := os.ReadFile(p.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to read logo reference: %w", err)
	}
	ref, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode logo reference: %w", err)
	}

	best, bestPage, decoded := 0.0, 0, 0
	for i, img := range in.Images {
		if i >= maxLogoImages {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, _, err := image.Decode(bytes.NewReader(img.Data))
		if err != nil {
			continue
		}
		decoded++
		score, err := matchTemplate(ctx, page, ref)
		if err != nil {
			return nil, err
		}
		if score > best {
			best, bestPage = score, img.Page
		}
		if best >= p.Threshold {
			return nil, nil
		}
	}
	if !required {
		return nil, nil
	}

	severity := models.SeverityCritical
	if p.Severity != "" {
		severity = models.ParseSeverity(p.Severity)
	}
	msg := "Required logo was not found: the document has no decodable images."
	if decoded > 0 {
		msg = fmt.Sprintf("Required logo was not found in %d image(s) (best match %.2f).", decoded, best)
	}
	return []models.Finding{{
		AuditorID:  l.ID(),
		Severity:   severity,
		Category:   l.Category(),
		RuleID:     "logo-missing",
		Location:   models.Location{Page: bestPage},
		Message:    msg,
		Suggestion: "Place the approved logo on the document.",
	}}, nil
}

// gray is a grayscale image as floats in row-major order.
type gray struct {
	w, h int
	px   []float64
}

func toGray(src image.Image, w, h int) gray {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	g := gray{w: w, h: h, px: make([]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.px[y*w+x] = float64(dst.Pix[y*dst.Stride+x])
		}
	}
	return g
}

// matchTemplate returns the best NCC score of ref over page across scales.
func matchTemplate(ctx context.Context, page, ref image.Image) (float64, error) {
	pb, rb := page.Bounds(), ref.Bounds()
	if pb.Dx() == 0 || pb.Dy() == 0 || rb.Dx() == 0 || rb.Dy() == 0 {
		return 0, nil
	}
	scale := math.Min(1, float64(maxPageSide)/float64(max(pb.Dx(), pb.Dy())))
	pw := max(1, int(math.Round(float64(pb.Dx())*scale)))
	ph := max(1, int(math.Round(float64(pb.Dy())*scale)))
	pg := toGray(page, pw, ph)
	aspect := float64(rb.Dy()) / float64(rb.Dx())

	best := -1.0
	for _, s := range logoScales {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		tw := int(math.Round(float64(pw) * s))
		th := int(math.Round(float64(tw) * aspect))
		if tw < minTemplateSide || th < minTemplateSide || tw > pw || th > ph {
			continue
		}
		tpl := toGray(ref, tw, th)
		if score := ncc(pg, tpl); score > best {
			best = score
		}
	}
	return best, nil
}

func ncc(page, tpl gray) float64 {
	n := float64(tpl.w * tpl.h)
	mean := 0.0
	for _, v := range tpl.px {
		mean += v
	}
	mean /= n
	centred := make([]float64, len(tpl.px))
	tplVar := 0.0
	for i, v := range tpl.px {
		centred[i] = v - mean
		tplVar += centred[i] * centred[i]
	}
	if tplVar == 0 {
		return -1
	}

	best := -1.0
	for y := 0; y+tpl.h <= page.h; y += matchStride {
		for x := 0; x+tpl.w <= page.w; x += matchStride {
			var sum, sumSq, cross float64
			for ty := 0; ty < tpl.h; ty++ {
				row := (y+ty)*page.w + x
				trow := ty * tpl.w
				for tx := 0; tx < tpl.w; tx++ {
					v := page.px[row+tx]
					sum += v
					sumSq += v * v
					cross += v * centred[trow+tx]
				}
			}
			winVar := sumSq - sum*sum/n
			if winVar <= 0 {
				continue
			}
			if score := cross / math.Sqrt(winVar*tplVar); score > best {
				best = score
			}
		}
	}
	return best
}

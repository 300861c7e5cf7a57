// Package pdftext reads the native text layer and embedded images of a PDF.
// Page content streams are read with pdfcpu and interpreted here, which
// yields text with per-fragment font size and fill color.
package pdftext

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const (
	maxImages     = 24
	maxImageBytes = 8 << 20
)

// Page is the native text of one page.
type Page struct {
	Number    int
	Text      string
	Fragments []models.Fragment

	shown     int
	undecoded int
}

// Document is the native text layer of a PDF, bounded by a page cap.
type Document struct {
	PageCount int
	Pages     []Page
	Truncated bool
}

// Text joins page texts with form feeds between pages.
func (d *Document) Text() string {
	parts := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n\f")
}

// Fragments returns every page's fragments in page order.
func (d *Document) Fragments() []models.Fragment {
	var out []models.Fragment
	for _, p := range d.Pages {
		out = append(out, p.Fragments...)
	}
	return out
}

// HasTextLayer reports whether the pages carry visible characters and most
// shown strings could be mapped back to text. Composite fonts without a
// ToUnicode map only yield glyph ids, so such documents need OCR.
func (d *Document) HasTextLayer() bool {
	visible := false
	shown, undecoded := 0, 0
	for _, p := range d.Pages {
		shown += p.shown
		undecoded += p.undecoded
		if !visible && strings.IndexFunc(p.Text, func(r rune) bool { return !unicode.IsSpace(r) }) >= 0 {
			visible = true
		}
	}
	return visible && undecoded*2 <= shown
}

// Undecoded counts text-showing operations whose font had no text mapping.
func (d *Document) Undecoded() int {
	n := 0
	for _, p := range d.Pages {
		n += p.undecoded
	}
	return n
}

func configuration() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

func pageLimit(pageCount, pageCap int) int {
	if pageCap > 0 && pageCount > pageCap {
		return pageCap
	}
	return pageCount
}

// Read extracts the text layer of the PDF at path, reading at most pageCap
// pages (0 means no cap). Shown strings are decoded through each page's font
// resources: ToUnicode maps first, then simple-font Differences.
func Read(path string, pageCap int) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	ctx, err := api.ReadContext(f, configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	limit := pageLimit(ctx.PageCount, pageCap)

	doc := &Document{PageCount: ctx.PageCount, Truncated: limit < ctx.PageCount}
	for n := 1; n <= limit; n++ {
		pageDict, _, inherited, err := ctx.PageDict(n, false)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", n, err)
		}
		content, err := ctx.PageContent(pageDict, n)
		if err != nil && !errors.Is(err, model.ErrNoContent) {
			return nil, fmt.Errorf("failed to read content of page %d: %w", n, err)
		}
		var fonts map[string]*font
		if inherited != nil {
			fonts = pageFonts(ctx, inherited.Resources)
		}
		doc.Pages = append(doc.Pages, parsePage(n, content, fonts))
	}
	return doc, nil
}

// Images returns the embedded raster images of the first pages, bounded in
// count and size.
func Images(path string, pageCap int) ([]models.PageImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	var pages []string
	if pageCap > 0 {
		pages = []string{fmt.Sprintf("1-%d", pageCap)}
	}
	perPage, err := api.ExtractImagesRaw(f, pages, configuration())
	if err != nil {
		return nil, fmt.Errorf("failed to extract images: %w", err)
	}

	var out []models.PageImage
	for _, imgs := range perPage {
		keys := make([]int, 0, len(imgs))
		for k := range imgs {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			img := imgs[k]
			if len(out) >= maxImages {
				return out, nil
			}
			data, err := io.ReadAll(io.LimitReader(img, maxImageBytes+1))
			if err != nil || len(data) > maxImageBytes {
				continue
			}
			out = append(out, models.PageImage{
				Page:     img.PageNr,
				Name:     img.Name,
				FileType: img.FileType,
				Data:     data,
			})
		}
	}
	return out, nil
}

// Trim writes the first pageCap pages of the PDF at path to outPath.
func Trim(path, outPath string, pageCap int) error {
	if err := api.TrimFile(path, outPath, []string{fmt.Sprintf("1-%d", pageCap)}, configuration()); err != nil {
		return fmt.Errorf("failed to trim pdf: %w", err)
	}
	return nil
}

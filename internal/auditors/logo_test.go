package auditors

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogo is a 64x64 mark of flat blocks, so downscaling keeps it crisp.
func testLogo() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(255)
			switch {
			case x >= 24 && x < 40 && y >= 24 && y < 40:
				v = 255
			case x < 32 && y < 32:
				v = 0
			case x >= 32 && y >= 32:
				v = 0
			case x < 32:
				v = 128
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func blankPage() *image.Gray {
	page := image.NewGray(image.Rect(0, 0, 320, 320))
	for i := range page.Pix {
		page.Pix[i] = 255
	}
	for x := 20; x < 300; x++ {
		for y := 250; y < 262; y++ {
			page.SetGray(x, y, color.Gray{Y: 40})
		}
	}
	return page
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func logoInput(t *testing.T, page image.Image, params Params) Input {
	t.Helper()
	ref := filepath.Join(t.TempDir(), "logo.png")
	require.NoError(t, os.WriteFile(ref, encodePNG(t, testLogo()), 0o644))
	if params == nil {
		params = Params{}
	}
	params["reference"] = ref
	return Input{
		Images: []models.PageImage{{Page: 1, Name: "page", FileType: "png", Data: encodePNG(t, page)}},
		Params: params,
	}
}

func TestLogoFoundOnPage(t *testing.T) {
	page := blankPage()
	logo := testLogo()
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			page.SetGray(100+x, 60+y, logo.GrayAt(x, y))
		}
	}
	findings, err := Logo{}.Audit(context.Background(), logoInput(t, page, nil))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestLogoMissing(t *testing.T) {
	findings, err := Logo{}.Audit(context.Background(), logoInput(t, blankPage(), nil))
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.SeverityCritical, findings[0].Severity)
	assert.Equal(t, "logo-missing", findings[0].RuleID)
}

func TestLogoOptional(t *testing.T) {
	findings, err := Logo{}.Audit(context.Background(), logoInput(t, blankPage(), Params{"required": false}))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestLogoWithoutImages(t *testing.T) {
	in := logoInput(t, blankPage(), nil)
	in.Images = nil
	findings, err := Logo{}.Audit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Message, "no decodable images")
}

func TestLogoMissingReference(t *testing.T) {
	_, err := Logo{}.Audit(context.Background(), Input{Params: Params{"reference": "/nonexistent/logo.png"}})
	assert.Error(t, err)
}

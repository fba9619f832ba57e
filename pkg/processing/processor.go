package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/retina-grader/internal/utils"
	"github.com/menta2k/retina-grader/pkg/types"
)

// Processor handles image I/O around the grading pipeline
type Processor struct {
	httpClient *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// LoadImageFromURL downloads and decodes an image over HTTP(S)
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", "retina-grader/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") && contentType != "application/octet-stream" {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %v", err)
	}

	return p.DecodeBytes(imageData)
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return p.DecodeBytes(data)
}

// LoadImageSmart loads an image from a file path, an HTTP(S) URL, or any
// other location the afs file system understands (s3://, file://)
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (image.Image, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return p.LoadImageFromURL(ctx, source)
	case utils.IsRemote(source):
		data, err := utils.ReadURL(ctx, source)
		if err != nil {
			return nil, err
		}
		return p.DecodeBytes(data)
	default:
		return p.LoadImage(source)
	}
}

// DecodeBytes decodes PNG, JPEG or WebP data. Failures are InvalidImage.
func (p *Processor) DecodeBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("%w: unknown or unsupported format", types.ErrInvalidImage)
}

// PrepareImageForModel encodes img as base64 PNG or JPEG for a vision model
// request. Images larger than maxDim on either side are shrunk to fit;
// maxDim <= 0 keeps the size. quality only applies to JPEG.
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	var err error
	if strings.EqualFold(format, "png") {
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default:
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// Tile is one labelled image in a contact sheet or snapshot set
type Tile struct {
	Name  string
	Image image.Image
}

// SaveSnapshots writes each tile as NNN_name.format into dir and returns the
// written paths. Nil images are skipped but keep their index.
func (p *Processor) SaveSnapshots(dir string, tiles []Tile, format string, quality int) ([]string, error) {
	if format == "" {
		format = "png"
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var paths []string
	for i, tile := range tiles {
		if tile.Image == nil {
			continue
		}
		path := filepath.Join(dir, utils.SnapshotFilename(i, tile.Name, format))
		if err := p.SaveImage(tile.Image, path, format, quality, format == "webp" && quality >= 100); err != nil {
			return paths, fmt.Errorf("failed to save %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Contact sheet layout
const (
	sheetColumns = 3
	sheetGap     = 8
	labelHeight  = 18
)

var (
	sheetBackground = color.NRGBA{24, 24, 24, 255}
	sheetText       = color.NRGBA{230, 230, 230, 255}
	sheetHighlight  = color.NRGBA{255, 204, 0, 255}
)

// ContactSheet lays tiles out in a grid of tileSize squares with the tile
// name under each one and caption under the whole sheet. The last tile is
// framed.
func (p *Processor) ContactSheet(tiles []Tile, tileSize int, caption string) *image.NRGBA {
	if tileSize <= 0 {
		tileSize = 224
	}
	rows := (len(tiles) + sheetColumns - 1) / sheetColumns
	cellW := tileSize + sheetGap
	cellH := tileSize + labelHeight + sheetGap

	width := sheetColumns*cellW + sheetGap
	height := rows*cellH + sheetGap
	if caption != "" {
		height += labelHeight
	}
	sheet := imaging.New(width, height, sheetBackground)

	for i, tile := range tiles {
		x := sheetGap + (i%sheetColumns)*cellW
		y := sheetGap + (i/sheetColumns)*cellH

		if tile.Image != nil {
			thumb := imaging.Fit(tile.Image, tileSize, tileSize, imaging.Linear)
			tb := thumb.Bounds()
			offset := image.Pt(x+(tileSize-tb.Dx())/2, y+(tileSize-tb.Dy())/2)
			sheet = imaging.Paste(sheet, thumb, offset)
		}
		if i == len(tiles)-1 {
			drawFrame(sheet, image.Rect(x-2, y-2, x+tileSize+2, y+tileSize+2), sheetHighlight, 2)
		}
		drawLabel(sheet, x+2, y+tileSize+13, tile.Name)
	}

	if caption != "" {
		drawLabel(sheet, sheetGap, height-5, caption)
	}
	return sheet
}

func drawLabel(img *image.NRGBA, x, y int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(sheetText),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func drawFrame(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(img, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(img, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(img, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0 = max(x0, 0)
	x1 = min(x1, img.Bounds().Dx())
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
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0 = max(y0, 0)
	y1 = min(y1, img.Bounds().Dy())
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}

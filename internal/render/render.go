// Package render draws greeting images: a quote in the top half, a caption
// in the bottom half, on a photo or generated background.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/gomediumitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/gofont/gosmallcaps"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var ErrEmptyText = errors.New("render: quote and caption must not be blank")

const strokeWidth = 3

var palette = []color.RGBA{
	{R: 255, G: 255, B: 0, A: 255},   // yellow
	{R: 255, G: 215, B: 0, A: 255},   // gold
	{R: 0, G: 255, B: 127, A: 255},   // springgreen
	{R: 255, G: 0, B: 255, A: 255},   // magenta
	{R: 255, G: 69, B: 0, A: 255},    // orangered
	{R: 255, G: 0, B: 0, A: 255},     // red
	{R: 0, G: 255, B: 255, A: 255},   // cyan
	{R: 255, G: 255, B: 255, A: 255}, // white
}

var fontData = [][]byte{
	goregular.TTF,
	gobold.TTF,
	goitalic.TTF,
	gobolditalic.TTF,
	gomedium.TTF,
	gomediumitalic.TTF,
	gosmallcaps.TTF,
}

type Options struct {
	Width   int
	Height  int
	Quality int // JPEG quality 1..100
	Seed    int64

	// BackgroundURL, when set, is fetched for every image. Empty means a
	// generated gradient, which keeps output reproducible.
	BackgroundURL string
	Timeout       time.Duration
}

type Renderer struct {
	opts   Options
	fonts  []*opentype.Font
	client *http.Client
}

func New(opts Options) (*Renderer, error) {
	if opts.Width <= 0 {
		opts.Width = 400
	}
	if opts.Height <= 0 {
		opts.Height = 300
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = jpeg.DefaultQuality
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	fonts := make([]*opentype.Font, 0, len(fontData))
	for i, b := range fontData {
		f, err := opentype.Parse(b)
		if err != nil {
			return nil, fmt.Errorf("render: parse font %d: %w", i, err)
		}
		fonts = append(fonts, f)
	}
	return &Renderer{opts: opts, fonts: fonts, client: &http.Client{Timeout: opts.Timeout}}, nil
}

// Render returns JPEG bytes. With no background URL the result depends only
// on the inputs and Options.Seed.
func (r *Renderer) Render(ctx context.Context, quote, caption string) ([]byte, error) {
	quote = strings.TrimSpace(quote)
	caption = strings.TrimSpace(caption)
	if quote == "" || caption == "" {
		return nil, ErrEmptyText
	}
	rng := rand.New(rand.NewSource(r.opts.Seed ^ inputHash(quote, caption)))
	w, h := r.opts.Width, r.opts.Height

	var (
		img *image.RGBA
		err error
	)
	if r.opts.BackgroundURL != "" {
		img, err = fetchBackground(ctx, r.client, r.opts.BackgroundURL, w, h)
		if err != nil {
			return nil, err
		}
	} else {
		img = gradientBackground(rng, w, h)
	}

	qb := block{font: r.fonts[rng.Intn(len(r.fonts))]}
	cb := block{font: r.fonts[rng.Intn(len(r.fonts))]}
	qb, cb, err = balance(qb, cb, quote, caption)
	if err != nil {
		return nil, fmt.Errorf("render: layout: %w", err)
	}

	half := h / 2
	if err := drawBlock(img, qb, image.Rect(0, 0, w, half), palette[rng.Intn(len(palette))]); err != nil {
		return nil, err
	}
	if err := drawBlock(img, cb, image.Rect(0, half, w, h), palette[rng.Intn(len(palette))]); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.opts.Quality}); err != nil {
		return nil, fmt.Errorf("render: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// drawBlock centres the lines inside box with a black outline.
func drawBlock(dst *image.RGBA, b block, box image.Rectangle, fill color.RGBA) error {
	size, err := fit(b.font, b.lines, box.Dx(), box.Dy())
	if err != nil {
		return fmt.Errorf("render: fit: %w", err)
	}
	face, err := newFace(b.font, size)
	if err != nil {
		return fmt.Errorf("render: face: %w", err)
	}
	defer face.Close()

	_, bh := extent(face, b.lines)
	m := face.Metrics()
	lineH := (m.Ascent + m.Descent).Ceil()
	top := box.Min.Y + (box.Dy()-bh)/2

	stroke := image.NewUniform(color.Black)
	ink := image.NewUniform(fill)
	for i, line := range b.lines {
		lw := font.MeasureString(face, line).Ceil()
		x := box.Min.X + (box.Dx()-lw)/2
		y := top + i*(lineH+lineSpacing) + m.Ascent.Ceil()

		d := &font.Drawer{Dst: dst, Face: face, Src: stroke}
		for dy := -strokeWidth; dy <= strokeWidth; dy++ {
			for dx := -strokeWidth; dx <= strokeWidth; dx++ {
				if dx*dx+dy*dy > strokeWidth*strokeWidth {
					continue
				}
				d.Dot = fixed.P(x+dx, y+dy)
				d.DrawString(line)
			}
		}
		d.Src = ink
		d.Dot = fixed.P(x, y)
		d.DrawString(line)
	}
	return nil
}

func inputHash(quote, caption string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(quote))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(caption))
	return int64(h.Sum64())
}

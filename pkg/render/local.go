package render

import (
	"context"
	"fmt"
	"strings"

	"github.com/gogpu/gg"
	ggtext "github.com/gogpu/gg/text"

	"github.com/3leaps/pinforge/pkg/canvaspool"
	"github.com/3leaps/pinforge/pkg/imagecache"
	"github.com/3leaps/pinforge/pkg/template"
)

// Local rasterizes templates on pooled canvases in this process.
//
// The pool and cache are injected rather than process-global so their
// lifetime is owned by whoever runs the job.
type Local struct {
	pool   *canvaspool.Pool
	cache  *imagecache.Cache
	encode EncodeOptions
}

var _ Renderer = (*Local)(nil)

// NewLocal creates a local renderer. Pool and cache are required.
func NewLocal(pool *canvaspool.Pool, cache *imagecache.Cache, encode EncodeOptions) (*Local, error) {
	if pool == nil {
		return nil, fmt.Errorf("local renderer requires a canvas pool")
	}
	if cache == nil {
		return nil, fmt.Errorf("local renderer requires an image cache")
	}
	return &Local{pool: pool, cache: cache, encode: encode}, nil
}

// Render draws the row's template onto a pooled canvas and encodes it.
//
// The canvas is released on every path, including draw and encode failures.
func (l *Local) Render(ctx context.Context, req *Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	m := clampMultiplier(req.Multiplier)
	width := req.Template.CanvasSize.Width * m
	height := req.Template.CanvasSize.Height * m

	dc, err := l.pool.Acquire(ctx, width, height)
	if err != nil {
		return nil, fmt.Errorf("acquire canvas: %w", err)
	}
	defer l.pool.Release(dc)

	if err := l.draw(dc, req, m); err != nil {
		return nil, err
	}

	blob, ext, err := encodeCanvas(dc, l.encode)
	if err != nil {
		return nil, err
	}

	return &Result{
		RowIndex:   req.RowIndex,
		TemplateID: req.Template.ID,
		FileName:   fmt.Sprintf("pin-%05d.%s", req.RowIndex, ext),
		Blob:       blob,
	}, nil
}

func (l *Local) draw(dc *gg.Context, req *Request, multiplier int) error {
	// Pooled contexts may carry state from the previous render.
	dc.Identity()
	dc.ClearPath()

	// Elements are authored in 1x canvas coordinates; the transform applies
	// the raster multiplier.
	dc.Scale(float64(multiplier), float64(multiplier))

	bg := req.Template.BackgroundColor
	if bg == "" {
		bg = "#ffffff"
	}
	dc.SetHexColor(bg)
	dc.DrawRectangle(0, 0, float64(req.Template.CanvasSize.Width), float64(req.Template.CanvasSize.Height))
	if err := dc.Fill(); err != nil {
		return fmt.Errorf("fill background: %w", err)
	}

	for i, el := range req.Template.Elements {
		if err := l.drawElement(dc, el, req); err != nil {
			return fmt.Errorf("template %s element %d: %w", req.Template.ID, i, err)
		}
	}

	dc.Identity()
	return nil
}

func (l *Local) drawElement(dc *gg.Context, el template.Element, req *Request) error {
	switch el.Type {
	case template.ElementRect:
		dc.SetHexColor(fillColor(el))
		if el.CornerRadius > 0 {
			dc.DrawRoundedRectangle(el.X, el.Y, el.Width, el.Height, el.CornerRadius)
		} else {
			dc.DrawRectangle(el.X, el.Y, el.Width, el.Height)
		}
		return dc.Fill()

	case template.ElementEllipse:
		dc.SetHexColor(fillColor(el))
		dc.DrawEllipse(el.X+el.Width/2, el.Y+el.Height/2, el.Width/2, el.Height/2)
		return dc.Fill()

	case template.ElementText:
		return l.drawText(dc, el, req)

	case template.ElementImage:
		return l.drawImage(dc, el, req)
	}

	return fmt.Errorf("unknown element type %q", el.Type)
}

func (l *Local) drawText(dc *gg.Context, el template.Element, req *Request) error {
	s := template.ResolvePlaceholders(el.Text, req.Row, req.Mapping)
	if s == "" {
		return nil
	}

	if el.FontPath != "" {
		size := el.FontSize
		if size <= 0 {
			size = 16
		}
		if err := dc.LoadFontFace(el.FontPath, size); err != nil {
			return fmt.Errorf("load font %s: %w", el.FontPath, err)
		}
	}

	color := el.Color
	if color == "" {
		color = "#000000"
	}
	dc.SetHexColor(color)

	if el.Width > 0 {
		drawWrapped(dc, s, el)
		return nil
	}

	dc.DrawStringAnchored(s, el.X, el.Y, 0, 1)
	return nil
}

// drawWrapped word-wraps the string into the element width and draws each
// line at the element's alignment.
func drawWrapped(dc *gg.Context, s string, el template.Element) {
	lineHeight := el.LineHeight
	if lineHeight <= 0 {
		lineHeight = 1.2
	}
	// Fixed-height sample so blank lines keep their slot.
	_, lh := dc.MeasureString("Mg")

	y := el.Y
	for _, line := range wrapString(dc, s, el.Width) {
		x, ax := el.X, 0.0
		switch textAlign(el.Align) {
		case ggtext.AlignCenter:
			x, ax = el.X+el.Width/2, 0.5
		case ggtext.AlignRight:
			x, ax = el.X+el.Width, 1
		}
		dc.DrawStringAnchored(line, x, y, ax, 1)
		y += lh * lineHeight
	}
}

// wrapString breaks s into lines no wider than width, at word boundaries.
// A single word wider than the element overflows rather than splitting.
func wrapString(dc *gg.Context, s string, width float64) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		line := words[0]
		for _, word := range words[1:] {
			joined := line + " " + word
			if w, _ := dc.MeasureString(joined); w > width {
				lines = append(lines, line)
				line = word
				continue
			}
			line = joined
		}
		lines = append(lines, line)
	}
	return lines
}

func (l *Local) drawImage(dc *gg.Context, el template.Element, req *Request) error {
	url := strings.TrimSpace(template.ResolvePlaceholders(el.URL, req.Row, req.Mapping))
	if url == "" {
		return nil
	}
	if strings.Contains(url, "{{") {
		return fmt.Errorf("unresolved image placeholder %q", el.URL)
	}

	img, ok := l.cache.Get(url)
	if !ok {
		return fmt.Errorf("image not preloaded: %s", url)
	}

	opacity := el.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	dc.DrawImageEx(img, gg.DrawImageOptions{
		X:             el.X,
		Y:             el.Y,
		DstWidth:      el.Width,
		DstHeight:     el.Height,
		Interpolation: gg.InterpBilinear,
		Opacity:       opacity,
		BlendMode:     gg.BlendNormal,
	})
	return nil
}

func fillColor(el template.Element) string {
	if el.Fill != "" {
		return el.Fill
	}
	return "#000000"
}

func textAlign(align string) ggtext.Alignment {
	switch strings.ToLower(align) {
	case "center":
		return ggtext.AlignCenter
	case "right":
		return ggtext.AlignRight
	default:
		return ggtext.AlignLeft
	}
}

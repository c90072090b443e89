package render

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	lineSpacing = 10 // px between lines
	minSize     = 6
	maxSize     = 160
	measureSize = 24 // reference size used while balancing line breaks
)

// wrap breaks text into lines of at most cols runes, on spaces where possible.
func wrap(text string, cols int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if cols < 1 {
		cols = 1
	}
	var lines []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			lines = append(lines, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, w := range words {
		for utf8.RuneCountInString(w) > cols {
			flush()
			r := []rune(w)
			lines = append(lines, string(r[:cols]))
			w = string(r[cols:])
		}
		n := utf8.RuneCountInString(w)
		if curLen > 0 && curLen+1+n > cols {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(w)
		curLen += n
	}
	flush()
	return lines
}

type block struct {
	lines []string
	font  *opentype.Font
}

// extent is the pixel size of lines drawn with face, including line spacing.
func extent(face font.Face, lines []string) (w, h int) {
	var maxW fixed.Int26_6
	for _, l := range lines {
		if lw := font.MeasureString(face, l); lw > maxW {
			maxW = lw
		}
	}
	m := face.Metrics()
	lineH := (m.Ascent + m.Descent).Ceil()
	h = len(lines)*lineH + (len(lines)-1)*lineSpacing
	if h < 0 {
		h = 0
	}
	return maxW.Ceil(), h
}

func newFace(f *opentype.Font, size float64) (font.Face, error) {
	return opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// balance narrows both blocks together until the combined text is neither a
// long ribbon nor a tall column: 0.5 < height/width < 2.
func balance(quote, caption block, quoteText, captionText string) (block, block, error) {
	qf, err := newFace(quote.font, measureSize)
	if err != nil {
		return quote, caption, err
	}
	defer qf.Close()
	cf, err := newFace(caption.font, measureSize)
	if err != nil {
		return quote, caption, err
	}
	defer cf.Close()

	cols := max(utf8.RuneCountInString(quoteText), utf8.RuneCountInString(captionText))
	for ; cols >= 1; cols-- {
		quote.lines = wrap(quoteText, cols)
		caption.lines = wrap(captionText, cols)
		qw, qh := extent(qf, quote.lines)
		cw, ch := extent(cf, caption.lines)
		if qw+cw == 0 {
			break
		}
		ratio := float64(qh+ch) / float64(qw+cw)
		if ratio > 0.5 && ratio < 2 {
			break
		}
		if ratio >= 2 {
			// narrowing only makes it taller
			break
		}
	}
	return quote, caption, nil
}

// fit returns the largest size at which the lines fill at most 90% of the
// width and 80% of the box height.
func fit(f *opentype.Font, lines []string, boxW, boxH int) (float64, error) {
	limitW := 0.9 * float64(boxW)
	limitH := 0.8 * float64(boxH)
	lo, hi := minSize, maxSize
	best := minSize
	for lo <= hi {
		mid := (lo + hi) / 2
		face, err := newFace(f, float64(mid))
		if err != nil {
			return 0, err
		}
		w, h := extent(face, lines)
		face.Close()
		if float64(w) <= limitW && float64(h) <= limitH {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return float64(best), nil
}

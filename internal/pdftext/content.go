package pdftext

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/Lllllllleong/documentauditflow/internal/models"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokName
	tokArray
	tokOperator
)

type token struct {
	kind  tokenKind
	num   float64
	str   []byte
	text  string
	items []token
}

type lexer struct {
	data []byte
	pos  int
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		if c == '%' {
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
			continue
		}
		if !isSpace(c) {
			return
		}
		l.pos++
	}
}

func (l *lexer) regular() string {
	start := l.pos
	for l.pos < len(l.data) && !isSpace(l.data[l.pos]) && !isDelim(l.data[l.pos]) {
		l.pos++
	}
	return string(l.data[start:l.pos])
}

// next returns the next operand or operator. Dictionaries are skipped whole.
func (l *lexer) next() token {
	for {
		l.skipSpace()
		if l.pos >= len(l.data) {
			return token{kind: tokEOF}
		}
		c := l.data[l.pos]
		switch {
		case c == '(':
			l.pos++
			return token{kind: tokString, str: l.literal()}
		case c == '<':
			if l.pos+1 < len(l.data) && l.data[l.pos+1] == '<' {
				l.pos += 2
				l.skipDict()
				continue
			}
			l.pos++
			return token{kind: tokString, str: l.hex()}
		case c == '[':
			l.pos++
			return l.array()
		case c == '/':
			l.pos++
			return token{kind: tokName, text: l.regular()}
		case c == ']' || c == '>' || c == '{' || c == '}' || c == ')':
			l.pos++
			continue
		default:
			word := l.regular()
			if word == "" {
				l.pos++
				continue
			}
			if c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') {
				if f, err := strconv.ParseFloat(word, 64); err == nil {
					return token{kind: tokNumber, num: f}
				}
			}
			return token{kind: tokOperator, text: word}
		}
	}
}

func (l *lexer) array() token {
	arr := token{kind: tokArray}
	for {
		l.skipSpace()
		if l.pos >= len(l.data) {
			return arr
		}
		if l.data[l.pos] == ']' {
			l.pos++
			return arr
		}
		t := l.next()
		if t.kind == tokEOF {
			return arr
		}
		if t.kind == tokArray {
			arr.items = append(arr.items, t.items...)
			continue
		}
		arr.items = append(arr.items, t)
	}
}

func (l *lexer) skipDict() {
	depth := 1
	for l.pos < len(l.data) && depth > 0 {
		switch {
		case l.data[l.pos] == '(':
			l.pos++
			l.literal()
			continue
		case strings.HasPrefix(string(l.data[l.pos:min(l.pos+2, len(l.data))]), "<<"):
			depth++
			l.pos += 2
			continue
		case strings.HasPrefix(string(l.data[l.pos:min(l.pos+2, len(l.data))]), ">>"):
			depth--
			l.pos += 2
			continue
		}
		l.pos++
	}
}

func (l *lexer) literal() []byte {
	var out []byte
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		case '\\':
			if l.pos >= len(l.data) {
				return out
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r':
				if l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						v = v*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return out
}

func (l *lexer) hex() []byte {
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		c := l.data[l.pos]
		if !isSpace(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i+1 < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			continue
		}
		out = append(out, byte(v))
	}
	return out
}

// skipInlineImage moves past the binary data of a BI ... ID ... EI block.
func (l *lexer) skipInlineImage() {
	for {
		t := l.next()
		if t.kind == tokEOF || (t.kind == tokOperator && t.text == "ID") {
			break
		}
	}
	for l.pos+2 < len(l.data) {
		if isSpace(l.data[l.pos]) && l.data[l.pos+1] == 'E' && l.data[l.pos+2] == 'I' &&
			(l.pos+3 == len(l.data) || isSpace(l.data[l.pos+3])) {
			l.pos += 3
			return
		}
		l.pos++
	}
	l.pos = len(l.data)
}

// decodeString maps a shown string to text. UTF-16BE strings with a BOM are
// decoded; everything else is read as a single-byte encoding with control
// bytes dropped, which also collapses zero-padded two-byte codes.
func decodeString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		units := make([]uint16, 0, len(b)/2)
		for i := 2; i+1 < len(b); i += 2 {
			units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(units))
	}
	var sb strings.Builder
	for _, c := range b {
		switch {
		case c == '\t':
			sb.WriteByte(' ')
		case c >= 0x20 && c < 0x7f:
			sb.WriteByte(c)
		case c >= 0xa0:
			sb.WriteRune(rune(c))
		}
	}
	return sb.String()
}

type textState struct {
	font     *font
	fontSize float64
	color    models.RGB
}

type run struct {
	text  string
	size  float64
	color models.RGB
	// lineBreak is set when the run starts a new text line.
	lineBreak bool
}

type interpreter struct {
	fonts    map[string]*font
	state    textState
	stack    []textState
	scale    float64
	operands []token
	runs     []run
	pending  bool // next run starts a new line
	space    bool // next run is horizontally separated
	// shown counts text-showing operations, undecoded those in opaque fonts.
	shown     int
	undecoded int
}

func clamp01(v float64) uint8 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint8(math.Round(v * 255))
}

func (in *interpreter) nums() []float64 {
	out := make([]float64, 0, len(in.operands))
	for _, t := range in.operands {
		if t.kind == tokNumber {
			out = append(out, t.num)
		}
	}
	return out
}

func (in *interpreter) setFill(n []float64) {
	switch len(n) {
	case 1:
		g := clamp01(n[0])
		in.state.color = models.RGB{R: g, G: g, B: g}
	case 3:
		in.state.color = models.RGB{R: clamp01(n[0]), G: clamp01(n[1]), B: clamp01(n[2])}
	case 4:
		c, m, y, k := n[0], n[1], n[2], n[3]
		in.state.color = models.RGB{
			R: clamp01((1 - c) * (1 - k)),
			G: clamp01((1 - m) * (1 - k)),
			B: clamp01((1 - y) * (1 - k)),
		}
	}
}

func (in *interpreter) show(text string) {
	if text == "" {
		return
	}
	if in.space && !in.pending && !strings.HasPrefix(text, " ") {
		text = " " + text
	}
	size := math.Round(in.state.fontSize*in.scale*100) / 100
	in.runs = append(in.runs, run{text: text, size: size, color: in.state.color, lineBreak: in.pending})
	in.pending = false
	in.space = false
}

func (in *interpreter) decode(b []byte) string {
	text, ok := in.state.font.decode(b)
	if !ok {
		in.undecoded++
	}
	return text
}

func (in *interpreter) last() (token, bool) {
	if len(in.operands) == 0 {
		return token{}, false
	}
	return in.operands[len(in.operands)-1], true
}

func (in *interpreter) exec(op string) {
	n := in.nums()
	switch op {
	case "q":
		in.stack = append(in.stack, in.state)
	case "Q":
		if len(in.stack) > 0 {
			in.state = in.stack[len(in.stack)-1]
			in.stack = in.stack[:len(in.stack)-1]
		}
	case "BT":
		in.scale = 1
		in.pending = true
	case "Tf":
		if len(n) > 0 {
			in.state.fontSize = math.Abs(n[len(n)-1])
		}
		for _, t := range in.operands {
			if t.kind == tokName {
				in.state.font = in.fonts[t.text]
			}
		}
	case "Tm":
		if len(n) == 6 {
			in.scale = math.Hypot(n[2], n[3])
			if in.scale == 0 {
				in.scale = 1
			}
		}
		in.pending = true
	case "Td", "TD":
		if len(n) == 2 && n[1] != 0 {
			in.pending = true
		} else {
			in.space = true
		}
	case "T*":
		in.pending = true
	case "Tj":
		if t, ok := in.last(); ok && t.kind == tokString {
			in.shown++
			in.show(in.decode(t.str))
		}
	case "'", "\"":
		in.pending = true
		if t, ok := in.last(); ok && t.kind == tokString {
			in.shown++
			in.show(in.decode(t.str))
		}
	case "TJ":
		t, ok := in.last()
		if !ok || t.kind != tokArray {
			break
		}
		in.shown++
		before := in.undecoded
		var sb strings.Builder
		for _, item := range t.items {
			switch item.kind {
			case tokString:
				sb.WriteString(in.decode(item.str))
			case tokNumber:
				if item.num < -250 && sb.Len() > 0 {
					sb.WriteByte(' ')
				}
			}
		}
		if in.undecoded > before {
			in.undecoded = before + 1
		}
		in.show(sb.String())
	case "rg", "g", "k":
		in.setFill(n)
	case "sc", "scn":
		if len(n) == len(in.operands) {
			in.setFill(n)
		}
	}
}

// ParseContent interprets a decoded page content stream and returns the page
// text and its styled fragments. Offsets are rune offsets into the page text.
// Strings are decoded as single-byte text; see parsePage for font-aware decoding.
func ParseContent(page int, stream []byte) (string, []models.Fragment) {
	p := parsePage(page, stream, nil)
	return p.Text, p.Fragments
}

// parsePage interprets a content stream, decoding shown strings through the
// page's fonts keyed by resource name.
func parsePage(page int, stream []byte, fonts map[string]*font) Page {
	in := &interpreter{scale: 1, fonts: fonts}
	lx := &lexer{data: stream}
	for {
		t := lx.next()
		if t.kind == tokEOF {
			break
		}
		if t.kind != tokOperator {
			in.operands = append(in.operands, t)
			continue
		}
		if t.text == "BI" {
			lx.skipInlineImage()
		} else {
			in.exec(t.text)
		}
		in.operands = in.operands[:0]
	}
	text, frags := assemble(page, in.runs)
	return Page{Number: page, Text: text, Fragments: frags, shown: in.shown, undecoded: in.undecoded}
}

func assemble(page int, runs []run) (string, []models.Fragment) {
	var sb strings.Builder
	var frags []models.Fragment
	offset := 0
	for i, r := range runs {
		if r.lineBreak && i > 0 {
			sb.WriteByte('\n')
			offset++
		}
		n := len(frags)
		sameStyle := n > 0 && !r.lineBreak && frags[n-1].FontSize == r.size && *frags[n-1].Color == r.color
		if sameStyle {
			frags[n-1].Text += r.text
		} else {
			color := r.color
			frags = append(frags, models.Fragment{
				ID:       fmt.Sprintf("p%d-f%d", page, n),
				Page:     page,
				Offset:   offset,
				Text:     r.text,
				FontSize: r.size,
				Color:    &color,
			})
		}
		sb.WriteString(r.text)
		offset += utf8.RuneCountInString(r.text)
	}
	return sb.String(), frags
}

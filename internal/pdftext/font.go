package pdftext

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// maxRangeCodes bounds a single bfrange so a hostile CMap cannot blow up the map.
const maxRangeCodes = 1 << 16

// font maps the codes of shown strings to text.
type font struct {
	// composite fonts (Type0) use two-byte codes.
	composite bool
	toUnicode map[uint32]string
	// differences overrides single-byte codes of simple fonts.
	differences map[byte]rune
}

// opaque reports whether codes are glyph ids with no way back to text.
func (f *font) opaque() bool {
	return f.composite && len(f.toUnicode) == 0
}

// decode maps a shown string to text. ok is false for opaque fonts.
func (f *font) decode(b []byte) (text string, ok bool) {
	if f == nil {
		return decodeString(b), true
	}
	if f.opaque() {
		return "", false
	}
	if !f.composite && len(f.toUnicode) == 0 && len(f.differences) == 0 {
		return decodeString(b), true
	}
	var sb strings.Builder
	if f.composite {
		for i := 0; i+1 < len(b); i += 2 {
			if s, found := f.toUnicode[uint32(b[i])<<8|uint32(b[i+1])]; found {
				sb.WriteString(s)
			}
		}
		return sb.String(), true
	}
	for _, c := range b {
		if s, found := f.toUnicode[uint32(c)]; found {
			sb.WriteString(s)
			continue
		}
		if r, found := f.differences[c]; found {
			sb.WriteRune(r)
			continue
		}
		sb.WriteString(decodeString([]byte{c}))
	}
	return sb.String(), true
}

// pageFonts loads the fonts of a page resource dictionary keyed by resource name.
func pageFonts(ctx *model.Context, resources types.Dict) map[string]*font {
	if resources == nil {
		return nil
	}
	obj, found := resources.Find("Font")
	if !found {
		return nil
	}
	fontDict, err := ctx.DereferenceDict(obj)
	if err != nil || fontDict == nil {
		return nil
	}
	fonts := make(map[string]*font, len(fontDict))
	for name, ref := range fontDict {
		d, err := ctx.DereferenceDict(ref)
		if err != nil || d == nil {
			continue
		}
		fonts[name] = loadFont(ctx, d)
	}
	return fonts
}

func loadFont(ctx *model.Context, d types.Dict) *font {
	f := &font{}
	if subtype := d.NameEntry("Subtype"); subtype != nil && *subtype == "Type0" {
		f.composite = true
	}
	if obj, found := d.Find("ToUnicode"); found {
		sd, _, err := ctx.DereferenceStreamDict(obj)
		if err == nil && sd != nil && sd.Decode() == nil {
			f.toUnicode = parseToUnicode(sd.Content)
		}
	}
	if !f.composite {
		f.differences = differences(ctx, d)
	}
	return f
}

// differences reads the /Differences array of a simple font's encoding dictionary.
func differences(ctx *model.Context, d types.Dict) map[byte]rune {
	obj, found := d.Find("Encoding")
	if !found {
		return nil
	}
	obj, err := ctx.Dereference(obj)
	if err != nil {
		return nil
	}
	enc, ok := obj.(types.Dict)
	if !ok {
		return nil
	}
	diffObj, found := enc.Find("Differences")
	if !found {
		return nil
	}
	arr, err := ctx.DereferenceArray(diffObj)
	if err != nil {
		return nil
	}
	out := make(map[byte]rune)
	code := -1
	for _, item := range arr {
		switch v := item.(type) {
		case types.Integer:
			code = v.Value()
		case types.Name:
			if code >= 0 && code <= 0xff {
				if r, ok := glyphRune(string(v)); ok {
					out[byte(code)] = r
				}
			}
			code++
		}
	}
	return out
}

// parseToUnicode reads the bfchar and bfrange sections of a ToUnicode CMap.
func parseToUnicode(data []byte) map[uint32]string {
	out := make(map[uint32]string)
	lx := &lexer{data: data}
	var operands []token
	for {
		t := lx.next()
		if t.kind == tokEOF {
			return out
		}
		if t.kind != tokOperator {
			operands = append(operands, t)
			continue
		}
		switch t.text {
		case "endbfchar":
			for i := 0; i+1 < len(operands); i += 2 {
				src, dst := operands[i], operands[i+1]
				if src.kind == tokString && dst.kind == tokString {
					out[codeOf(src.str)] = utf16BE(dst.str)
				}
			}
		case "endbfrange":
			for i := 0; i+2 < len(operands); i += 3 {
				addRange(out, operands[i], operands[i+1], operands[i+2])
			}
		}
		operands = operands[:0]
	}
}

func addRange(out map[uint32]string, lo, hi, dst token) {
	if lo.kind != tokString || hi.kind != tokString {
		return
	}
	start, end := codeOf(lo.str), codeOf(hi.str)
	if end < start || end-start >= maxRangeCodes {
		return
	}
	switch dst.kind {
	case tokArray:
		for i, item := range dst.items {
			if uint32(i) > end-start {
				break
			}
			if item.kind == tokString {
				out[start+uint32(i)] = utf16BE(item.str)
			}
		}
	case tokString:
		units := utf16Units(dst.str)
		if len(units) == 0 {
			return
		}
		for code := start; code <= end; code++ {
			shifted := append([]uint16(nil), units...)
			shifted[len(shifted)-1] += uint16(code - start)
			out[code] = string(utf16.Decode(shifted))
		}
	}
}

func codeOf(b []byte) uint32 {
	var c uint32
	for _, x := range b {
		c = c<<8 | uint32(x)
	}
	return c
}

func utf16Units(b []byte) []uint16 {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return units
}

func utf16BE(b []byte) string {
	if len(b)%2 == 1 {
		return string(b)
	}
	return string(utf16.Decode(utf16Units(b)))
}

var glyphNames = map[string]rune{
	"space": ' ', "exclam": '!', "quotedbl": '"', "numbersign": '#', "dollar": '$',
	"percent": '%', "ampersand": '&', "quotesingle": '\'', "quoteright": '\u2019',
	"quoteleft": '\u2018', "parenleft": '(', "parenright": ')', "asterisk": '*',
	"plus": '+', "comma": ',', "hyphen": '-', "period": '.', "slash": '/',
	"zero": '0', "one": '1', "two": '2', "three": '3', "four": '4', "five": '5',
	"six": '6', "seven": '7', "eight": '8', "nine": '9', "colon": ':',
	"semicolon": ';', "less": '<', "equal": '=', "greater": '>', "question": '?',
	"at": '@', "bracketleft": '[', "backslash": '\\', "bracketright": ']',
	"underscore": '_', "braceleft": '{', "bar": '|', "braceright": '}',
	"bullet": '\u2022', "endash": '\u2013', "emdash": '\u2014', "ellipsis": '\u2026',
	"quotedblleft": '\u201c', "quotedblright": '\u201d', "Euro": '\u20ac',
	"sterling": '\u00a3', "yen": '\u00a5', "copyright": '\u00a9', "registered": '\u00ae',
	"trademark": '\u2122', "degree": '\u00b0', "section": '\u00a7', "paragraph": '\u00b6',
	"fi": '\ufb01', "fl": '\ufb02', "eacute": '\u00e9', "egrave": '\u00e8', "aacute": '\u00e1',
	"agrave": '\u00e0', "ccedilla": '\u00e7', "udieresis": '\u00fc', "odieresis": '\u00f6',
	"adieresis": '\u00e4', "germandbls": '\u00df', "ntilde": '\u00f1',
}

// glyphRune resolves an Adobe glyph name: single letters, uniXXXX and
// the common punctuation names.
func glyphRune(name string) (rune, bool) {
	if len(name) == 1 {
		return rune(name[0]), true
	}
	if r, ok := glyphNames[name]; ok {
		return r, true
	}
	if strings.HasPrefix(name, "uni") && len(name) == 7 {
		if v, err := strconv.ParseUint(name[3:], 16, 16); err == nil {
			return rune(v), true
		}
	}
	return 0, false
}

// Package ansihtml converts terminal output carrying SGR escape sequences
// into a span-only HTML fragment that is safe to embed in a page.
package ansihtml

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/microcosm-cc/bluemonday"
)

var (
	styledSpan = regexp.MustCompile(`<span style="([^"]*)">`)
	classValue = regexp.MustCompile(`^ansi-[a-z-]+$`)
)

// Renderer turns ANSI-annotated text into markup. It is safe for
// concurrent use; the same input and palette always produce the same bytes.
type Renderer struct {
	pal    *Palette
	policy *bluemonday.Policy
}

func New(p *Palette) *Renderer {
	if p == nil {
		p = MustPalette(DefaultTheme)
	}
	policy := bluemonday.NewPolicy()
	policy.AllowElements("span")
	policy.AllowAttrs("class").Matching(classValue).OnElements("span")
	policy.AllowNoAttrs().OnElements("span")
	return &Renderer{pal: p, policy: policy}
}

// Palette returns the palette in use.
func (r *Renderer) Palette() *Palette { return r.pal }

// Render drops blank lines, converts SGR styling into spans, rewrites
// foreground colours from the base palette into classes and sanitizes the
// result.
func (r *Renderer) Render(text string) string {
	text = DropBlankLines(text)
	if text == "" {
		return ""
	}
	return r.policy.Sanitize(r.classify(r.styled(text)))
}

// DropBlankLines removes lines that are empty or whitespace only.
func DropBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// styled converts SGR sequences into inline-styled spans with escaped text.
// Every other escape or control sequence is dropped except newline and tab.
func (r *Renderer) styled(s string) string {
	var (
		b     strings.Builder
		open  int
		state byte
		p     = ansi.NewParser()
	)
	b.Grow(len(s) + len(s)/4)
	remaining := s
	for len(remaining) > 0 {
		seq, _, n, newState := ansi.DecodeSequence(remaining, state, p)
		state = newState
		remaining = remaining[n:]

		switch {
		case seq == "\n" || seq == "\t":
			b.WriteString(seq)
		case ansi.HasCsiPrefix(seq):
			cmd := ansi.Cmd(p.Command())
			if cmd.Final() != 'm' || cmd.Prefix() != 0 || cmd.Intermediate() != 0 {
				continue
			}
			decls, reset := r.sgr(p.Params())
			if reset {
				for ; open > 0; open-- {
					b.WriteString("</span>")
				}
			}
			if len(decls) > 0 {
				b.WriteString(`<span style="`)
				b.WriteString(html.EscapeString(strings.Join(decls, ";")))
				b.WriteString(`">`)
				open++
			}
		case isControl(seq):
			// Other escapes, C0 and C1 controls.
		default:
			b.WriteString(html.EscapeString(seq))
		}
	}
	for ; open > 0; open-- {
		b.WriteString("</span>")
	}
	return b.String()
}

func isControl(seq string) bool {
	if seq == "" {
		return true
	}
	c := seq[0]
	return c < 0x20 || c == 0x7f || (len(seq) == 1 && c >= 0x80)
}

// sgr translates one SGR parameter list into CSS declarations. reset is
// true when the list contains a full reset; declarations following the
// reset in the same sequence are still returned.
func (r *Renderer) sgr(params ansi.Params) (decls []string, reset bool) {
	if len(params) == 0 {
		return nil, true
	}
	for i := 0; i < len(params); i++ {
		code := params[i].Param(0)
		switch {
		case code == 0:
			reset = true
			decls = decls[:0]
		case code == 1:
			decls = append(decls, "font-weight:bold")
		case code == 2:
			decls = append(decls, "opacity:0.7")
		case code == 3:
			decls = append(decls, "font-style:italic")
		case code == 4:
			decls = append(decls, "text-decoration:underline")
		case code == 9:
			decls = append(decls, "text-decoration:line-through")
		case code >= 30 && code <= 37:
			decls = append(decls, "color:"+r.pal.Hex(code-30))
		case code >= 90 && code <= 97:
			decls = append(decls, "color:"+r.pal.Hex(code-90+8))
		case code >= 40 && code <= 47:
			decls = append(decls, "background-color:"+r.pal.Hex(code-40))
		case code >= 100 && code <= 107:
			decls = append(decls, "background-color:"+r.pal.Hex(code-100+8))
		case code == 39:
			decls = append(decls, "color:inherit")
		case code == 49:
			decls = append(decls, "background-color:inherit")
		case code == 38 || code == 48:
			hex, used := r.extended(params[i+1:])
			i += used
			if hex == "" {
				continue
			}
			prop := "color:"
			if code == 48 {
				prop = "background-color:"
			}
			decls = append(decls, prop+hex)
		}
	}
	return decls, reset
}

// extended decodes the tail of a 38/48 sequence: 5;n or 2;r;g;b. It returns
// the colour and how many parameters were consumed.
func (r *Renderer) extended(rest ansi.Params) (string, int) {
	if len(rest) == 0 {
		return "", 0
	}
	switch rest[0].Param(0) {
	case 5:
		if len(rest) < 2 {
			return "", len(rest)
		}
		return r.pal.Hex(rest[1].Param(0)), 2
	case 2:
		if len(rest) < 4 {
			return "", len(rest)
		}
		return "#" + hex2(rest[1].Param(0)) + hex2(rest[2].Param(0)) + hex2(rest[3].Param(0)), 4
	}
	return "", 1
}

func hex2(v int) string {
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	s := strconv.FormatInt(int64(v), 16)
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// classify rewrites every styled span: a foreground colour from the base
// palette becomes a class, anything else becomes a bare span.
func (r *Renderer) classify(s string) string {
	return styledSpan.ReplaceAllStringFunc(s, func(tag string) string {
		m := styledSpan.FindStringSubmatch(tag)
		if cls, ok := r.spanClass(html.UnescapeString(m[1])); ok {
			return `<span class="` + cls + `">`
		}
		return "<span>"
	})
}

func (r *Renderer) spanClass(style string) (string, bool) {
	var color string
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(strings.ToLower(prop)) == "color" {
			color = strings.TrimSpace(val)
		}
	}
	if color == "" {
		return "", false
	}
	return r.pal.Class(color)
}

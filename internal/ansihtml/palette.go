package ansihtml

import (
	"fmt"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Names of the sixteen base colours, in index order. Classes are
// "ansi-" + name.
var Names = [16]string{
	"black", "red", "green", "yellow", "blue", "magenta", "cyan", "white",
	"bright-black", "bright-red", "bright-green", "bright-yellow",
	"bright-blue", "bright-magenta", "bright-cyan", "bright-white",
}

// Theme holds the sixteen base colours as #rrggbb.
type Theme [16]string

// DefaultTheme is the dashboard palette.
var DefaultTheme = Theme{
	"#222233", "#e65c4f", "#55d88b", "#f0c24f", "#7cb8ff", "#b48efc", "#6cd3e3", "#f5f5f7",
	"#555566", "#ff7366", "#7ef5ac", "#ffe16a", "#9acbff", "#d4aaff", "#8ee9f4", "#ffffff",
}

// XtermTheme is the classic VGA base palette.
var XtermTheme = Theme{
	"#000000", "#aa0000", "#00aa00", "#aa5500", "#0000aa", "#aa00aa", "#00aaaa", "#aaaaaa",
	"#555555", "#ff5555", "#55ff55", "#ffff55", "#5555ff", "#ff55ff", "#55ffff", "#ffffff",
}

var cubeSteps = [6]uint8{0, 95, 135, 175, 215, 255}

// Palette is the full 256-colour table plus the reverse map from base-16
// hex values to class names.
type Palette struct {
	hex   [256]string
	class map[string]string
}

// NewPalette builds a palette from theme with per-index overrides applied.
// Override keys must be 0..15 and values parseable hex colours.
func NewPalette(theme Theme, overrides map[int]string) (*Palette, error) {
	for i, v := range overrides {
		if i < 0 || i > 15 {
			return nil, fmt.Errorf("theme override index %d out of range 0-15", i)
		}
		c, err := colorful.Hex(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("theme override %d: %w", i, err)
		}
		theme[i] = c.Hex()
	}

	p := &Palette{class: make(map[string]string, 16)}
	for i, h := range theme {
		h = strings.ToLower(h)
		p.hex[i] = h
		// First index wins when two base colours share a value.
		if _, ok := p.class[h]; !ok {
			p.class[h] = "ansi-" + Names[i]
		}
	}
	for r := 0; r < 6; r++ {
		for g := 0; g < 6; g++ {
			for b := 0; b < 6; b++ {
				p.hex[16+36*r+6*g+b] = rgb(cubeSteps[r], cubeSteps[g], cubeSteps[b])
			}
		}
	}
	for i := 0; i < 24; i++ {
		l := uint8(8 + 10*i)
		p.hex[232+i] = rgb(l, l, l)
	}
	return p, nil
}

// MustPalette is NewPalette for values known to be valid.
func MustPalette(theme Theme) *Palette {
	p, err := NewPalette(theme, nil)
	if err != nil {
		panic(err)
	}
	return p
}

func rgb(r, g, b uint8) string {
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}.Hex()
}

// Hex returns the colour for index i (0..255).
func (p *Palette) Hex(i int) string {
	if i < 0 || i > 255 {
		return ""
	}
	return p.hex[i]
}

// Class maps a base-16 hex colour (any case) to its class name.
func (p *Palette) Class(hex string) (string, bool) {
	c, ok := p.class[strings.ToLower(strings.TrimSpace(hex))]
	return c, ok
}

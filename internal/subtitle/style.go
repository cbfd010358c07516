package subtitle

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultStyleName is the style every unattributed subtitle uses.
const DefaultStyleName = "Default"

const styleFormat = "Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, " +
	"Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, " +
	"Alignment, MarginL, MarginR, MarginV, Encoding"

// Style is one compiled ASS style. DisplayName is the speaker name shown in
// the dialogue prefix and may be empty.
type Style struct {
	Name        string
	FontName    string
	FontSize    int
	Color       string // ASS &H00BBGGRR
	DisplayName string
}

// Line renders the style as an ASS "Style:" line: outline border, bottom-centre
// alignment, 10px margins.
func (s Style) Line() string {
	return fmt.Sprintf("Style: %s,%s,%d,%s,&H000000FF,&H00000000,&H00000000,0,0,0,0,100,100,0,0,1,2,1,2,10,10,10,1",
		sanitizeField(s.Name), sanitizeField(s.FontName), s.FontSize, s.Color)
}

// StyleSection is an ordered list of compiled styles. The first entry is always
// the default style.
type StyleSection struct {
	Styles []Style
}

// Lookup returns the speaker style registered under name.
func (s StyleSection) Lookup(name string) (Style, bool) {
	for _, st := range s.Styles {
		if st.Name == name && st.Name != DefaultStyleName {
			return st, true
		}
	}
	return Style{}, false
}

// CompileStyles builds the default style plus one style per configured speaker,
// in sorted speaker-label order.
func CompileStyles(cfg StyleConfig) StyleSection {
	cfg = cfg.WithDefaults(NewDefaultStyle())
	base := Style{
		Name:     DefaultStyleName,
		FontName: cfg.Default.FontName,
		FontSize: int(cfg.Default.FontSize),
		Color:    ToASSColor(cfg.Default.FontColor),
	}

	section := StyleSection{Styles: []Style{base}}

	keys := make([]string, 0, len(cfg.Speakers))
	for k := range cfg.Speakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, label := range keys {
		if label == DefaultStyleName {
			continue
		}
		sp := cfg.Speakers[label]
		st := Style{
			Name:        label,
			FontName:    base.FontName,
			FontSize:    base.FontSize,
			Color:       base.Color,
			DisplayName: strings.TrimSpace(sp.Name),
		}
		if sp.FontSize > 0 {
			st.FontSize = int(sp.FontSize)
		}
		if strings.TrimSpace(sp.Color) != "" {
			st.Color = ToASSColor(sp.Color)
		}
		section.Styles = append(section.Styles, st)
	}
	return section
}

// ToASSColor converts "#RRGGBB" to "&H00BBGGRR". Anything else yields white.
func ToASSColor(hex string) string {
	hex = strings.TrimSpace(hex)
	if !isHexColor(hex) {
		hex = DefaultFontColor
	}
	hex = strings.ToUpper(hex)
	r, g, b := hex[1:3], hex[3:5], hex[5:7]
	return "&H00" + b + g + r
}

func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, c := range s[1:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// sanitizeField strips characters that would break comma-delimited ASS fields.
func sanitizeField(s string) string {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", "")
}

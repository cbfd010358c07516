package subtitle

import (
	"fmt"
	"math"
	"strings"
)

const eventFormat = "Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text"

// Encode renders a complete ASS document. Subtitles keep their input order.
func Encode(subs []Subtitle, styles StyleSection) string {
	if len(styles.Styles) == 0 {
		styles = CompileStyles(StyleConfig{})
	}

	var sb strings.Builder
	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString(styleFormat)
	sb.WriteString("\n")
	for _, st := range styles.Styles {
		sb.WriteString(st.Line())
		sb.WriteString("\n")
	}

	sb.WriteString("\n[Events]\n")
	sb.WriteString(eventFormat)
	sb.WriteString("\n")
	for _, sub := range subs {
		sb.WriteString(dialogueLine(sub, styles))
		sb.WriteString("\n")
	}
	return sb.String()
}

func dialogueLine(sub Subtitle, styles StyleSection) string {
	styleName, name := DefaultStyleName, ""
	if st, ok := styles.Lookup(sub.Speaker); ok {
		styleName, name = st.Name, st.DisplayName
	}

	text := sub.Text
	if name != "" {
		text = fmt.Sprintf(`{\b1}%s:{\b0} %s`, name, text)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\n", `\N`)

	return fmt.Sprintf("Dialogue: 0,%s,%s,%s,%s,0,0,0,,%s",
		FormatTimestamp(sub.Start), FormatTimestamp(sub.End),
		sanitizeField(styleName), sanitizeField(name), text)
}

// FormatTimestamp renders seconds as H:MM:SS.cc, truncating to hundredths.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	whole := math.Floor(seconds)
	cs := int((seconds - whole) * 100)
	total := int64(whole)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
}

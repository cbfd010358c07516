package subtitle

import (
	"regexp"
	"strconv"
	"strings"
)

var cueTimingRe = regexp.MustCompile(`((?:\d+:)?\d{2}:\d{2}[.,]\d{3})\s*-->\s*((?:\d+:)?\d{2}:\d{2}[.,]\d{3})`)

// ParseVTT turns WebVTT (or SRT) cue text into raw segments. Multi-line cue
// text is joined with spaces; NOTE/STYLE blocks and cue identifiers are skipped.
func ParseVTT(content string) []RawSegment {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	var segments []RawSegment
	var current *RawSegment
	skipBlock := false

	flush := func() {
		if current != nil && strings.TrimSpace(current.Text) != "" {
			segments = append(segments, *current)
		}
		current = nil
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)

		if line == "" {
			flush()
			skipBlock = false
			continue
		}
		if skipBlock {
			continue
		}
		if strings.HasPrefix(line, "WEBVTT") {
			continue
		}
		if current == nil && (strings.HasPrefix(line, "NOTE") || line == "STYLE" || line == "REGION") {
			skipBlock = true
			continue
		}

		if m := cueTimingRe.FindStringSubmatch(line); len(m) == 3 {
			flush()
			current = &RawSegment{
				Start: parseCueTimestamp(m[1]),
				End:   parseCueTimestamp(m[2]),
			}
			continue
		}

		if current == nil {
			// cue identifier
			continue
		}
		if current.Text != "" {
			current.Text += " "
		}
		current.Text += line
	}
	flush()

	return segments
}

func parseCueTimestamp(ts string) float64 {
	ts = strings.Replace(ts, ",", ".", 1)
	parts := strings.Split(ts, ":")
	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0
		}
		total = total*60 + v
	}
	return total
}

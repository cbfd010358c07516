package subtitle

import (
	"fmt"
	"math"
	"strings"
)

const (
	// UnknownSpeaker is the raw label for segments no turn overlaps.
	UnknownSpeaker = "UNKNOWN"
	// UnknownLabel is the display label for unattributed speech.
	UnknownLabel = "Desconhecido"
	// SpeakerLabelPrefix is prepended to the 1-based speaker ordinal.
	SpeakerLabelPrefix = "Interlocutor"
)

// Fuse assigns each recognized segment to the diarization speaker whose turns
// overlap it the most, then renames speakers to stable display labels in
// order of first appearance.
//
// Accumulated overlap ties resolve to the speaker whose turn was seen first in
// turns order, so callers that want a different tie-break must reorder turns.
func Fuse(raw []RawSegment, turns []Turn) []Subtitle {
	out := make([]Subtitle, 0, len(raw))
	if len(raw) == 0 {
		return out
	}

	if len(turns) == 0 {
		for _, seg := range raw {
			out = append(out, newSubtitle(seg, UnknownLabel))
		}
		return out
	}

	for _, seg := range raw {
		out = append(out, newSubtitle(seg, dominantSpeaker(seg, turns)))
	}
	remapSpeakers(out)
	return out
}

func newSubtitle(seg RawSegment, speaker string) Subtitle {
	return Subtitle{
		Start:   round3(seg.Start),
		End:     round3(seg.End),
		Text:    strings.TrimSpace(seg.Text),
		Speaker: speaker,
	}
}

func dominantSpeaker(seg RawSegment, turns []Turn) string {
	var order []string
	overlap := make(map[string]float64)

	for _, t := range turns {
		d := math.Min(seg.End, t.End) - math.Max(seg.Start, t.Start)
		if d <= 0 {
			continue
		}
		if _, seen := overlap[t.SpeakerID]; !seen {
			order = append(order, t.SpeakerID)
		}
		overlap[t.SpeakerID] += d
	}

	best, bestOverlap := UnknownSpeaker, 0.0
	for _, id := range order {
		if overlap[id] > bestOverlap {
			best, bestOverlap = id, overlap[id]
		}
	}
	return best
}

// remapSpeakers rewrites raw diarization ids in place.
func remapSpeakers(subs []Subtitle) {
	labels := make(map[string]string)
	for i := range subs {
		raw := subs[i].Speaker
		if raw == UnknownSpeaker {
			subs[i].Speaker = UnknownLabel
			continue
		}
		label, ok := labels[raw]
		if !ok {
			label = fmt.Sprintf("%s %d", SpeakerLabelPrefix, len(labels)+1)
			labels[raw] = label
		}
		subs[i].Speaker = label
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

package subtitle_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/video-stream/captioner/internal/subtitle"
)

var _ = Describe("Fuse", func() {
	segments := []subtitle.RawSegment{
		{Start: 0.0, End: 2.0, Text: "  Olá  "},
		{Start: 2.0, End: 4.0, Text: "Tudo bem?"},
		{Start: 4.0, End: 6.0, Text: "Sim"},
	}

	It("returns an empty slice for no segments", func() {
		out := subtitle.Fuse(nil, []subtitle.Turn{{Start: 0, End: 1, SpeakerID: "A"}})
		Expect(out).NotTo(BeNil())
		Expect(out).To(BeEmpty())
	})

	It("labels everything as unknown when diarization is empty", func() {
		out := subtitle.Fuse(segments, nil)
		Expect(out).To(HaveLen(3))
		for _, s := range out {
			Expect(s.Speaker).To(Equal(subtitle.UnknownLabel))
		}
		Expect(out[0].Text).To(Equal("Olá"))
	})

	It("assigns distinct labels in first-appearance order", func() {
		turns := []subtitle.Turn{
			{Start: 0.0, End: 2.0, SpeakerID: "SPEAKER_07"},
			{Start: 2.0, End: 4.0, SpeakerID: "SPEAKER_02"},
			{Start: 4.0, End: 6.0, SpeakerID: "SPEAKER_07"},
		}
		out := subtitle.Fuse(segments, turns)
		Expect(out[0].Speaker).To(Equal("Interlocutor 1"))
		Expect(out[1].Speaker).To(Equal("Interlocutor 2"))
		Expect(out[2].Speaker).To(Equal("Interlocutor 1"))
	})

	It("picks the speaker with the greatest accumulated overlap", func() {
		turns := []subtitle.Turn{
			{Start: 0.0, End: 0.5, SpeakerID: "A"},
			{Start: 0.5, End: 1.0, SpeakerID: "A"},
			{Start: 1.0, End: 2.0, SpeakerID: "B"},
			{Start: 1.2, End: 1.4, SpeakerID: "A"},
		}
		out := subtitle.Fuse(segments[:1], turns)
		Expect(out[0].Speaker).To(Equal("Interlocutor 1"))
	})

	It("resolves equal overlap to the first speaker in turn order", func() {
		raw := []subtitle.RawSegment{
			{Start: 0.0, End: 2.0, Text: "empate"},
			{Start: 3.0, End: 4.0, Text: "só B"},
		}
		a := subtitle.Turn{Start: 0.0, End: 1.0, SpeakerID: "A"}
		b := subtitle.Turn{Start: 1.0, End: 2.0, SpeakerID: "B"}
		bOnly := subtitle.Turn{Start: 3.0, End: 4.0, SpeakerID: "B"}

		out := subtitle.Fuse(raw, []subtitle.Turn{a, b, bOnly})
		Expect(out[0].Speaker).To(Equal("Interlocutor 1"))
		Expect(out[1].Speaker).To(Equal("Interlocutor 2"))

		reversed := subtitle.Fuse(raw, []subtitle.Turn{b, a, bOnly})
		Expect(reversed[0].Speaker).To(Equal("Interlocutor 1"))
		Expect(reversed[1].Speaker).To(Equal(reversed[0].Speaker))
	})

	It("marks segments without overlap as unknown and does not count them as speakers", func() {
		turns := []subtitle.Turn{
			{Start: 2.5, End: 3.5, SpeakerID: "B"},
		}
		out := subtitle.Fuse(segments, turns)
		Expect(out[0].Speaker).To(Equal(subtitle.UnknownLabel))
		Expect(out[1].Speaker).To(Equal("Interlocutor 1"))
		Expect(out[2].Speaker).To(Equal(subtitle.UnknownLabel))
	})

	It("treats touching intervals as zero overlap", func() {
		out := subtitle.Fuse(
			[]subtitle.RawSegment{{Start: 1, End: 2, Text: "x"}},
			[]subtitle.Turn{{Start: 0, End: 1, SpeakerID: "A"}, {Start: 2, End: 3, SpeakerID: "B"}},
		)
		Expect(out[0].Speaker).To(Equal(subtitle.UnknownLabel))
	})

	It("is unaffected by duplicated turns", func() {
		turns := []subtitle.Turn{
			{Start: 0.0, End: 1.2, SpeakerID: "A"},
			{Start: 1.2, End: 6.0, SpeakerID: "B"},
		}
		doubled := append(append([]subtitle.Turn{}, turns...), turns...)
		Expect(subtitle.Fuse(segments, doubled)).To(Equal(subtitle.Fuse(segments, turns)))
	})

	It("is deterministic", func() {
		turns := []subtitle.Turn{
			{Start: 0.0, End: 3.0, SpeakerID: "A"},
			{Start: 3.0, End: 6.0, SpeakerID: "B"},
		}
		first := subtitle.Fuse(segments, turns)
		for i := 0; i < 10; i++ {
			Expect(subtitle.Fuse(segments, turns)).To(Equal(first))
		}
	})

	It("rounds times to milliseconds", func() {
		out := subtitle.Fuse([]subtitle.RawSegment{{Start: 1.23456, End: 2.98765, Text: "a"}}, nil)
		Expect(out[0].Start).To(Equal(1.235))
		Expect(out[0].End).To(Equal(2.988))
	})
})

package ffmpeg_test

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/video-stream/captioner/internal/ffmpeg"
)

// fakeFFmpeg answers -filters, logs its arguments and the track contents,
// then either writes the output file or fails like a broken encode.
const fakeFFmpeg = `#!/bin/sh
if [ "$2" = "-filters" ]; then
  echo " T.. null              V->V       Pass the source unchanged to the output."
  if [ -z "$NO_ASS" ]; then
    echo " ... ass               V->V       Render ASS subtitles onto input video using the libass library."
  fi
  exit 0
fi
echo "$@" > "$ARGS_LOG"
prev=""
for a in "$@"; do
  case "$prev" in
    -vf) track=$(echo "$a" | sed -e 's/^ass=//' -e 's/,format.*//') ;;
  esac
  prev="$a"
  out="$a"
done
cp "$track" "$TRACK_COPY"
if [ -n "$FAIL" ]; then
  echo "partial" > "$out"
  echo "Error opening output file: invalid argument" >&2
  exit 1
fi
echo "rendered" > "$out"
`

var _ = Describe("Burner", func() {
	var (
		ctx    context.Context
		dir    string
		binary string
		video  string
		output string
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		binary = filepath.Join(dir, "ffmpeg")
		Expect(os.WriteFile(binary, []byte(fakeFFmpeg), 0o755)).To(Succeed())
		video = filepath.Join(dir, "in.mp4")
		Expect(os.WriteFile(video, []byte("video"), 0o644)).To(Succeed())
		output = filepath.Join(dir, "out.mp4")

		GinkgoT().Setenv("ARGS_LOG", filepath.Join(dir, "args.log"))
		GinkgoT().Setenv("TRACK_COPY", filepath.Join(dir, "track.ass"))
		GinkgoT().Setenv("FAIL", "")
		GinkgoT().Setenv("NO_ASS", "")
	})

	newBurner := func() *ffmpeg.Burner {
		b, err := ffmpeg.NewBurner(ctx, ffmpeg.BurnOptions{Binary: binary, TempDir: dir})
		Expect(err).NotTo(HaveOccurred())
		return b
	}

	It("renders with libx264 and removes the temporary track", func() {
		b := newBurner()
		Expect(b.Encoder().Encoder).To(Equal("libx264"))

		Expect(b.Burn(ctx, video, "[Events]\n", output)).To(Succeed())
		Expect(output).To(BeAnExistingFile())

		args, err := os.ReadFile(filepath.Join(dir, "args.log"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(args)).To(ContainSubstring("-c:v libx264 -crf 23 -preset fast -c:a copy -y " + output))

		copied, err := os.ReadFile(filepath.Join(dir, "track.ass"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(copied)).To(Equal("[Events]\n"))

		tracks, _ := filepath.Glob(filepath.Join(dir, "captioner-*.ass"))
		Expect(tracks).To(BeEmpty())
	})

	It("captures stderr and deletes partial output on failure", func() {
		b := newBurner()
		GinkgoT().Setenv("FAIL", "1")

		err := b.Burn(ctx, video, "[Events]\n", output)
		Expect(err).To(MatchError(ContainSubstring("Error opening output file")))
		Expect(output).NotTo(BeAnExistingFile())
		Expect(video).To(BeAnExistingFile())

		tracks, _ := filepath.Glob(filepath.Join(dir, "captioner-*.ass"))
		Expect(tracks).To(BeEmpty())
	})

	It("refuses ffmpeg builds without libass", func() {
		GinkgoT().Setenv("NO_ASS", "1")
		_, err := ffmpeg.NewBurner(ctx, ffmpeg.BurnOptions{Binary: binary})
		Expect(err).To(MatchError(ContainSubstring("ass filter")))
	})

	It("fails when the binary does not exist", func() {
		_, err := ffmpeg.NewBurner(ctx, ffmpeg.BurnOptions{Binary: filepath.Join(dir, "nope")})
		Expect(err).To(HaveOccurred())
	})

	It("passes the temporary track path to the ass filter", func() {
		Expect(newBurner().Burn(ctx, video, "x", output)).To(Succeed())
		args, _ := os.ReadFile(filepath.Join(dir, "args.log"))
		Expect(string(args)).To(MatchRegexp(`-vf ass=` + regexp.QuoteMeta(dir) + `/captioner-\d+\.ass`))
	})
})

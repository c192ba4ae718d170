package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrFFmpegNotFound   = errors.New("ffmpeg not found")
	ErrConversionFailed = errors.New("audio conversion failed")
)

// Segment is one synthesized chunk on disk.
type Segment struct {
	Path   string
	Format string
}

type Metadata struct {
	Title  string
	Track  int
	Album  string
	Artist string
}

// ConcatJob joins Segments in order with Silence between neighbours and encodes Output.
// Normalize levels every segment to the same loudness and Limit compresses peaks, so chunks
// from separate synthesis calls play back at an even volume.
type ConcatJob struct {
	Segments  []Segment
	Silence   time.Duration
	Output    string
	Format    string
	Metadata  Metadata
	Normalize bool
	Limit     bool
}

// AudioTool is the external encoder. The assembler never touches samples itself.
type AudioTool interface {
	Concat(ctx context.Context, job ConcatJob) error
}

var codecs = map[string]string{
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"flac": "flac",
	"opus": "libopus",
	"wav":  "pcm_s16le",
}

func SupportedFormat(format string) bool {
	_, ok := codecs[format]
	return ok
}

// rawPCMRate is the sample rate of headerless "pcm" segments from OpenAI-compatible backends.
const rawPCMRate = 24000

const (
	// Speech segments are levelled to -20 LUFS with a -2 dBTP ceiling.
	normalizeFilter = "loudnorm=I=-20:TP=-2:LRA=11"
	// Soft limiter: 4:1 above -12 dB with a fast attack.
	limiterFilter = "acompressor=threshold=-12dB:ratio=4:attack=5:release=50"
)

type FFmpeg struct {
	path       string
	bitrate    string
	sampleRate int
	log        *slog.Logger
}

// NewFFmpeg resolves the binary (name or path) up front so a missing encoder is reported before
// any synthesis is paid for.
func NewFFmpeg(binary, bitrate string, sampleRate int, logger *slog.Logger) (*FFmpeg, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFFmpegNotFound, binary)
	}
	if sampleRate <= 0 {
		sampleRate = rawPCMRate
	}
	return &FFmpeg{path: path, bitrate: bitrate, sampleRate: sampleRate, log: logger}, nil
}

func (f *FFmpeg) Concat(ctx context.Context, job ConcatJob) error {
	args, err := f.args(job)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, f.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v: %s", ErrConversionFailed, err, strings.TrimSpace(stderr.String()))
	}
	f.log.Debug("ffmpeg finished",
		slog.String("output", job.Output),
		slog.Int("segments", len(job.Segments)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (f *FFmpeg) args(job ConcatJob) ([]string, error) {
	if len(job.Segments) == 0 {
		return nil, errors.New("no segments to concatenate")
	}
	codec, ok := codecs[job.Format]
	if !ok {
		return nil, fmt.Errorf("unsupported output format %q", job.Format)
	}
	rate := strconv.Itoa(f.sampleRate)

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	// speech[i] is false for generated silence inputs.
	var speech []bool
	for i, seg := range job.Segments {
		if i > 0 && job.Silence > 0 {
			args = append(args,
				"-f", "lavfi",
				"-t", strconv.FormatFloat(job.Silence.Seconds(), 'f', 3, 64),
				"-i", "anullsrc=r="+rate+":cl=mono")
			speech = append(speech, false)
		}
		if seg.Format == "pcm" {
			args = append(args, "-f", "s16le", "-ar", strconv.Itoa(rawPCMRate), "-ac", "1")
		}
		args = append(args, "-i", seg.Path)
		speech = append(speech, true)
	}
	inputs := len(speech)

	var filter strings.Builder
	for i, isSpeech := range speech {
		fmt.Fprintf(&filter, "[%d:a]", i)
		if isSpeech && job.Normalize {
			filter.WriteString(normalizeFilter + ",")
		}
		if isSpeech && job.Limit {
			filter.WriteString(limiterFilter + ",")
		}
		// loudnorm upsamples internally, so resampling comes after it.
		fmt.Fprintf(&filter, "aresample=%s,aformat=sample_fmts=s16:channel_layouts=mono[a%d];", rate, i)
	}
	for i := 0; i < inputs; i++ {
		fmt.Fprintf(&filter, "[a%d]", i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=0:a=1[out]", inputs)

	args = append(args, "-filter_complex", filter.String(), "-map", "[out]", "-c:a", codec, "-ar", rate)
	if f.bitrate != "" && job.Format != "wav" && job.Format != "flac" {
		args = append(args, "-b:a", f.bitrate)
	}
	md := job.Metadata
	if md.Title != "" {
		args = append(args, "-metadata", "title="+md.Title)
	}
	if md.Track > 0 {
		args = append(args, "-metadata", "track="+strconv.Itoa(md.Track))
	}
	if md.Album != "" {
		args = append(args, "-metadata", "album="+md.Album)
	}
	if md.Artist != "" {
		args = append(args, "-metadata", "artist="+md.Artist)
	}
	return append(args, job.Output), nil
}

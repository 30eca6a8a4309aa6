package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Constants for quality validation limits.
const (
	MAX_SAMPLE_RATE = 192000
	MAX_CHANNELS    = 8
	MAX_VOLUME      = 10.0
)

// Constants for error messages and formats.
const (
	ERR_FMT_SAMPLE_RATE_RANGE = "%w: sample rate must be between 0 and %d Hz"
	ERR_FMT_CHANNELS_RANGE    = "%w: channels must be between 0 and %d"
	ERR_FMT_VOLUME_RANGE      = "%w: volume must be between 0.0 and %.1f"
	ERR_FMT_UNKNOWN_FORMAT    = "%w: %q"
)

const defaultFfmpegBinary = "ffmpeg"

var (
	// ErrInvalidQuality is returned for out-of-range transcoding settings.
	ErrInvalidQuality = errors.New("invalid quality settings")
	// ErrUnsupportedFormat is returned for output formats the service does not produce.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Format represents supported audio formats.
type Format string

const (
	FORMAT_WAV  Format = "wav"
	FORMAT_MP3  Format = "mp3"
	FORMAT_FLAC Format = "flac"
	FORMAT_OGG  Format = "ogg"
)

// Extension returns the file extension for the format, including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the HTTP media type for the format.
func (f Format) ContentType() string {
	switch f {
	case FORMAT_MP3:
		return "audio/mpeg"
	case FORMAT_FLAC:
		return "audio/flac"
	case FORMAT_OGG:
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}

func (f Format) codec() string {
	switch f {
	case FORMAT_MP3:
		return "libmp3lame"
	case FORMAT_FLAC:
		return "flac"
	case FORMAT_OGG:
		return "libvorbis"
	default:
		return "pcm_s16le"
	}
}

// ParseFormat maps a user supplied name to a Format. Empty means WAV.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case "", FORMAT_WAV:
		return FORMAT_WAV, nil
	case FORMAT_MP3:
		return FORMAT_MP3, nil
	case FORMAT_FLAC:
		return FORMAT_FLAC, nil
	case FORMAT_OGG, "oga":
		return FORMAT_OGG, nil
	default:
		return "", fmt.Errorf(ERR_FMT_UNKNOWN_FORMAT, ErrUnsupportedFormat, name)
	}
}

// Quality represents output settings. Zero sample rate or channels keep the source values.
type Quality struct {
	Format     Format  `json:"format"`
	Bitrate    string  `json:"bitrate,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	Volume     float64 `json:"volume"`
}

// NewDefaultQuality returns settings that only change the container.
func NewDefaultQuality(format Format) Quality {
	return Quality{
		Format: format,
		Volume: 1.0,
	}
}

// Validate checks if quality settings are within reasonable bounds.
func (q *Quality) Validate() error {
	if q.SampleRate < 0 || q.SampleRate > MAX_SAMPLE_RATE {
		return fmt.Errorf(ERR_FMT_SAMPLE_RATE_RANGE, ErrInvalidQuality, MAX_SAMPLE_RATE)
	}

	if q.Channels < 0 || q.Channels > MAX_CHANNELS {
		return fmt.Errorf(ERR_FMT_CHANNELS_RANGE, ErrInvalidQuality, MAX_CHANNELS)
	}

	if q.Volume < 0.0 || q.Volume > MAX_VOLUME {
		return fmt.Errorf(ERR_FMT_VOLUME_RANGE, ErrInvalidQuality, MAX_VOLUME)
	}

	_, err := ParseFormat(string(q.Format))

	return err
}

// outputArgs builds the ffmpeg output keyword arguments for the settings.
func (q *Quality) outputArgs() ffmpeg.KwArgs {
	args := ffmpeg.KwArgs{"c:a": q.Format.codec()}

	if q.SampleRate > 0 {
		args["ar"] = strconv.Itoa(q.SampleRate)
	}

	if q.Channels > 0 {
		args["ac"] = strconv.Itoa(q.Channels)
	}

	if q.Bitrate != "" && q.Format != FORMAT_WAV && q.Format != FORMAT_FLAC {
		args["b:a"] = q.Bitrate
	}

	if q.Volume != 1.0 {
		args["filter:a"] = "volume=" + strconv.FormatFloat(q.Volume, 'f', 2, 64)
	}

	return args
}

// Transcoder converts WAV output into other containers through the ffmpeg binary.
type Transcoder struct {
	binary string
	log    *logger.Logger
}

// NewTranscoder creates a Transcoder. An empty binary means "ffmpeg" on PATH.
func NewTranscoder(binary string, log *logger.Logger) *Transcoder {
	if binary == "" {
		binary = defaultFfmpegBinary
	}

	return &Transcoder{binary: binary, log: log}
}

// Args returns the ffmpeg command line for converting src to dst.
func (t *Transcoder) Args(src, dst string, quality Quality) []string {
	return ffmpeg.Input(src).
		Output(dst, quality.outputArgs()).
		OverWriteOutput().
		GetArgs()
}

// Transcode converts src to dst according to quality.
func (t *Transcoder) Transcode(ctx context.Context, src, dst string, quality Quality) error {
	err := quality.Validate()
	if err != nil {
		return err
	}

	args := t.Args(src, dst, quality)

	// #nosec G204 -- src and dst are allocated by the storage workspace
	cmd := exec.CommandContext(ctx, t.binary, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg execution failed: %w - output: %s", err, string(output))
	}

	if t.log != nil {
		t.log.Info("Transcoded %s to %s (%s)", src, dst, quality.Format)
	}

	return nil
}

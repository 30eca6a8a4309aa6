package tts

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/kaztts-service/internal/core"
	"github.com/book-expert/kaztts-service/internal/storage"
	"github.com/book-expert/kaztts-service/internal/tts/audio"
	"github.com/book-expert/kaztts-service/internal/tts/text"
	"github.com/book-expert/logger"
)

const (
	ttsOutputPrefix = "output"
	rvcOutputPrefix = "converted"
	wavExtension    = ".wav"
)

var (
	// ErrSynthesisFailed wraps every failure of the TTS step.
	ErrSynthesisFailed = errors.New("TTS synthesis failed")
	// ErrConversionFailed wraps every failure of the RVC step.
	ErrConversionFailed = errors.New("voice conversion failed")
	// ErrInputNotFound is returned when the audio to convert does not exist.
	ErrInputNotFound = errors.New("input audio not found")
)

// Pipeline chains the synthesis and conversion steps over the storage workspace.
type Pipeline struct {
	synthesizer core.Synthesizer
	converter   core.VoiceConverter
	workspace   *storage.Workspace
	normalizer  *text.Normalizer
	slots       chan struct{}
	log         *logger.Logger
}

// NewPipeline creates a Pipeline that runs at most maxJobs steps at once.
func NewPipeline(
	synthesizer core.Synthesizer,
	converter core.VoiceConverter,
	workspace *storage.Workspace,
	normalizer *text.Normalizer,
	maxJobs int,
	log *logger.Logger,
) *Pipeline {
	if maxJobs <= 0 {
		maxJobs = 1
	}

	return &Pipeline{
		synthesizer: synthesizer,
		converter:   converter,
		workspace:   workspace,
		normalizer:  normalizer,
		slots:       make(chan struct{}, maxJobs),
		log:         log,
	}
}

// Workspace returns the storage workspace outputs are written to.
func (p *Pipeline) Workspace() *storage.Workspace {
	return p.workspace
}

// Capacity returns how many steps may run concurrently.
func (p *Pipeline) Capacity() int {
	return cap(p.slots)
}

// InUse returns how many steps are running right now.
func (p *Pipeline) InUse() int {
	return len(p.slots)
}

// Synthesize turns text into a WAV file in the workspace.
func (p *Pipeline) Synthesize(ctx context.Context, input string) (*core.AudioResult, error) {
	normalized, err := p.normalizer.Normalize(input)
	if err != nil {
		return nil, err
	}

	return p.synthesize(ctx, normalized)
}

// ConvertVoice runs voice conversion over a file inside the workspace.
func (p *Pipeline) ConvertVoice(ctx context.Context, inputPath string) (*core.AudioResult, error) {
	resolved, err := p.workspace.Resolve(inputPath)
	if err != nil {
		return nil, err
	}

	_, err = os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInputNotFound, p.workspace.Name(resolved))
	}

	return p.convert(ctx, resolved)
}

// SynthesizeAndConvert synthesises text and then converts the voice of the result.
// The intermediate TTS file is removed once conversion has finished.
func (p *Pipeline) SynthesizeAndConvert(ctx context.Context, input string) (*core.AudioResult, error) {
	normalized, err := p.normalizer.Normalize(input)
	if err != nil {
		return nil, err
	}

	spoken, err := p.synthesize(ctx, normalized)
	if err != nil {
		return nil, err
	}
	defer p.workspace.Remove(spoken.Path)

	return p.convert(ctx, spoken.Path)
}

func (p *Pipeline) synthesize(ctx context.Context, normalized string) (*core.AudioResult, error) {
	outputPath := p.workspace.NewOutputPath(ttsOutputPrefix, wavExtension)

	err := p.withSlot(ctx, func() error {
		return p.synthesizer.Synthesize(ctx, normalized, outputPath)
	})
	if err != nil {
		p.workspace.Remove(outputPath)

		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	result, err := p.result(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	return result, nil
}

func (p *Pipeline) convert(ctx context.Context, inputPath string) (*core.AudioResult, error) {
	outputPath := p.workspace.NewOutputPath(rvcOutputPrefix, wavExtension)

	err := p.withSlot(ctx, func() error {
		return p.converter.Convert(ctx, inputPath, outputPath)
	})
	if err != nil {
		p.workspace.Remove(outputPath)

		return nil, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}

	result, err := p.result(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}

	return result, nil
}

// withSlot runs step while holding one of the pipeline's job slots.
func (p *Pipeline) withSlot(ctx context.Context, step func() error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for a job slot: %w", ctx.Err())
	}

	defer func() { <-p.slots }()

	return step()
}

// result validates the file a step produced.
func (p *Pipeline) result(outputPath string) (*core.AudioResult, error) {
	info, err := audio.ReadInfo(outputPath)
	if err != nil {
		p.workspace.Remove(outputPath)

		return nil, fmt.Errorf("step produced no valid WAV: %w", err)
	}

	name := p.workspace.Name(outputPath)

	if p.log != nil {
		p.log.Info("Generated audio: %s (%s, %s, %d Hz)", name,
			storage.FormatFileSize(info.DataBytes), storage.FormatDuration(info.Duration.Seconds()), info.SampleRate)
	}

	return &core.AudioResult{Path: outputPath, Name: name, Info: info}, nil
}

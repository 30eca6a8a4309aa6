// Package tts runs the speech synthesis and voice conversion scripts and
// chains them into the operations served by the transports.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/kaztts-service/internal/config"
	"github.com/book-expert/logger"
)

var (
	// ErrOutputPathEmpty is returned when a step is asked to write nowhere.
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	// ErrInputPathEmpty is returned when voice conversion gets no source file.
	ErrInputPathEmpty = errors.New("input path cannot be empty")
)

// ScriptSynthesizer implements core.Synthesizer by invoking the TTS script as
// `<interpreter> <script> <text> <output>`.
type ScriptSynthesizer struct {
	runner *ScriptRunner
}

// NewSynthesizer creates a ScriptSynthesizer for the [tts] step.
func NewSynthesizer(step config.StepConfig, log *logger.Logger) *ScriptSynthesizer {
	return &ScriptSynthesizer{runner: NewScriptRunner("tts", step, false, log)}
}

// Synthesize writes the speech for text into outputPath.
func (s *ScriptSynthesizer) Synthesize(ctx context.Context, text, outputPath string) error {
	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	err := s.runner.Run(ctx, text, outputPath)
	if err != nil {
		return fmt.Errorf("synthesis to %s: %w", outputPath, err)
	}

	return nil
}

// Runner exposes the underlying script runner.
func (s *ScriptSynthesizer) Runner() *ScriptRunner {
	return s.runner
}

// ScriptConverter implements core.VoiceConverter by invoking the RVC script as
// `<interpreter> <script> <input> <output>` with its directory on PYTHONPATH.
type ScriptConverter struct {
	runner *ScriptRunner
}

// NewConverter creates a ScriptConverter for the [rvc] step.
func NewConverter(step config.StepConfig, log *logger.Logger) *ScriptConverter {
	return &ScriptConverter{runner: NewScriptRunner("rvc", step, true, log)}
}

// Convert writes the voice-converted version of inputPath into outputPath.
func (c *ScriptConverter) Convert(ctx context.Context, inputPath, outputPath string) error {
	if inputPath == "" {
		return ErrInputPathEmpty
	}

	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	err := c.runner.Run(ctx, inputPath, outputPath)
	if err != nil {
		return fmt.Errorf("conversion of %s: %w", inputPath, err)
	}

	return nil
}

// Runner exposes the underlying script runner.
func (c *ScriptConverter) Runner() *ScriptRunner {
	return c.runner
}

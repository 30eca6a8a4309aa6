// Package core defines the shared types and interfaces for the kaztts-service.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// AudioInfo describes the header of a produced audio file.
type AudioInfo struct {
	Format        string
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int64
	Duration      time.Duration
}

// AudioResult is the outcome of one pipeline operation: a file on disk.
type AudioResult struct {
	// Path is the absolute location of the file.
	Path string
	// Name is the file name relative to the static directory.
	Name string
	Info AudioInfo
}

// Synthesizer turns text into a WAV file written at outputPath.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outputPath string) error
}

// VoiceConverter converts the voice of inputPath into a WAV file written at outputPath.
type VoiceConverter interface {
	Convert(ctx context.Context, inputPath, outputPath string) error
}

// AudioPipeline is the set of operations exposed to the transports.
type AudioPipeline interface {
	Synthesize(ctx context.Context, text string) (*AudioResult, error)
	ConvertVoice(ctx context.Context, inputPath string) (*AudioResult, error)
	SynthesizeAndConvert(ctx context.Context, text string) (*AudioResult, error)
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
)

const (
	// HealthCheckTimeout bounds the health check made before a batch.
	HealthCheckTimeout = 10 * time.Second

	filePermissions = 0o600
	dirPermissions  = 0o750

	defaultWorkers    = 2
	defaultRetryDelay = time.Second
)

var (
	ErrChunksPathEmpty = errors.New("chunks path cannot be empty")
	ErrOutputDirEmpty  = errors.New("output directory cannot be empty")
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	ErrNoChunksFound   = errors.New("no chunks found")
)

const (
	errFmtHealthCheckFailed     = "kaztts service health check failed: %w"
	logFmtServiceHealthy        = "kaztts service is healthy, processing %d chunks"
	logFmtGeneratedAudio        = "Generated audio: %s (%d bytes, %s)"
	outputFileFormat            = "chunk_%04d%s"
	errFmtChunkFailed           = "chunk %d failed: %w"
	logFmtChunkProcessingFailed = "Failed to process chunk %d: %v"
	logFmtChunkProcessed        = "Processed chunk %d/%d"
	logFmtRateLimited           = "Rate limited on chunk %d, retrying in %s (%d/%d)"
)

// ChunkOptions controls batch processing.
type ChunkOptions struct {
	// Workers is the number of requests in flight at once.
	Workers int
	// Format is the requested output container; empty means WAV.
	Format string
	// Convert runs synthesize_and_convert instead of synthesize.
	Convert bool
	// Retries is how many times a rate-limited chunk is retried.
	Retries    int
	RetryDelay time.Duration
}

// ChunkEngine sends batches of texts to the service with a bounded worker pool
// and writes one audio file per text.
type ChunkEngine struct {
	client   *HTTPClient
	options  ChunkOptions
	logger   *logger.Logger
	progress func(done, total int)
}

// NewChunkEngine creates a ChunkEngine. Zero options fall back to the defaults.
func NewChunkEngine(client *HTTPClient, options ChunkOptions, log *logger.Logger) *ChunkEngine {
	if options.Workers <= 0 {
		options.Workers = defaultWorkers
	}

	if options.RetryDelay <= 0 {
		options.RetryDelay = defaultRetryDelay
	}

	return &ChunkEngine{
		client:  client,
		options: options,
		logger:  log,
	}
}

// OnProgress registers a callback invoked after every finished chunk.
func (e *ChunkEngine) OnProgress(progress func(done, total int)) {
	e.progress = progress
}

// ProcessChunks reads a JSON array of texts from chunksPath and writes
// chunk_0001.<ext>, chunk_0002.<ext>, ... into outputDir. Failed chunks do not
// stop the others; their errors are joined into the result.
func (e *ChunkEngine) ProcessChunks(ctx context.Context, chunksPath, outputDir string) error {
	if chunksPath == "" {
		return ErrChunksPathEmpty
	}

	if outputDir == "" {
		return ErrOutputDirEmpty
	}

	chunks, err := ReadChunksFile(chunksPath)
	if err != nil {
		return fmt.Errorf("failed to read chunks: %w", err)
	}

	err = os.MkdirAll(outputDir, dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	healthCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	_, err = e.client.HealthCheck(healthCtx)
	if err != nil {
		return fmt.Errorf(errFmtHealthCheckFailed, err)
	}

	e.logger.Info(logFmtServiceHealthy, len(chunks))

	return e.processChunksParallel(ctx, chunks, outputDir)
}

// ProcessSingleChunk generates audio for text and writes it to outputPath.
func (e *ChunkEngine) ProcessSingleChunk(ctx context.Context, text, outputPath string) error {
	if strings.TrimSpace(text) == "" {
		return ErrTextEmpty
	}

	if outputPath == "" {
		return ErrOutputPathEmpty
	}

	err := os.MkdirAll(filepath.Dir(outputPath), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	generated, err := e.generate(ctx, text, 0)
	if err != nil {
		return err
	}

	err = os.WriteFile(outputPath, generated.Data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	e.logger.Info(logFmtGeneratedAudio, outputPath, len(generated.Data), generated.Duration)

	return nil
}

// Extension returns the file extension matching the configured format.
func (e *ChunkEngine) Extension() string {
	format := strings.ToLower(strings.TrimSpace(e.options.Format))
	if format == "" {
		return ".wav"
	}

	return "." + format
}

func (e *ChunkEngine) generate(ctx context.Context, text string, index int) (*Audio, error) {
	for attempt := 0; ; attempt++ {
		var (
			generated *Audio
			err       error
		)

		if e.options.Convert {
			generated, err = e.client.SynthesizeAndConvert(ctx, text, e.options.Format)
		} else {
			generated, err = e.client.Synthesize(ctx, text, e.options.Format)
		}

		if err == nil {
			return generated, nil
		}

		if !errors.Is(err, ErrRateLimited) || attempt >= e.options.Retries {
			return nil, fmt.Errorf("failed to generate speech: %w", err)
		}

		delay := e.options.RetryDelay * time.Duration(attempt+1)
		e.logger.Warn(logFmtRateLimited, index+1, delay, attempt+1, e.options.Retries)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to generate speech: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// ReadChunksFile parses a JSON array of strings. An empty array is an error.
func ReadChunksFile(chunksPath string) ([]string, error) {
	data, err := os.ReadFile(chunksPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var chunks []string

	err = json.Unmarshal(data, &chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse chunks JSON: %w", err)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoChunksFound, chunksPath)
	}

	return chunks, nil
}

// processChunksParallel runs at most Workers chunks at once.
func (e *ChunkEngine) processChunksParallel(ctx context.Context, chunks []string, outputDir string) error {
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		errs      []error
		done      int
	)

	workerPool := make(chan struct{}, e.options.Workers)
	extension := e.Extension()

	for chunkIndex, chunk := range chunks {
		waitGroup.Add(1)

		go func(index int, text string) {
			defer waitGroup.Done()

			workerPool <- struct{}{}

			defer func() { <-workerPool }()

			outputPath := filepath.Join(outputDir, fmt.Sprintf(outputFileFormat, index+1, extension))

			err := e.processChunk(ctx, text, outputPath, index)

			mutex.Lock()
			defer mutex.Unlock()

			done++

			if err != nil {
				errs = append(errs, fmt.Errorf(errFmtChunkFailed, index+1, err))
				e.logger.Error(logFmtChunkProcessingFailed, index+1, err)
			} else {
				e.logger.Info(logFmtChunkProcessed, index+1, len(chunks))
			}

			if e.progress != nil {
				e.progress(done, len(chunks))
			}
		}(chunkIndex, chunk)
	}

	waitGroup.Wait()

	return errors.Join(errs...)
}

func (e *ChunkEngine) processChunk(ctx context.Context, text, outputPath string, index int) error {
	if strings.TrimSpace(text) == "" {
		return ErrTextEmpty
	}

	generated, err := e.generate(ctx, text, index)
	if err != nil {
		return err
	}

	err = os.WriteFile(outputPath, generated.Data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write audio file: %w", err)
	}

	e.logger.Info(logFmtGeneratedAudio, outputPath, len(generated.Data), generated.Duration)

	return nil
}

package client_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/kaztts-service/internal/client"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "client-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	return testLogger
}

func writeChunks(t *testing.T, chunks []string) string {
	t.Helper()

	data, err := json.Marshal(chunks)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "chunks.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// fakeService answers /health and echoes the text back as the audio body.
type fakeService struct {
	inFlight   atomic.Int32
	peak       atomic.Int32
	rateLimits atomic.Int32
	mu         sync.Mutex
	paths      []string
}

func (f *fakeService) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.paths...)
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok"}`)

		return
	}

	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()

	if f.rateLimits.Load() > 0 {
		f.rateLimits.Add(-1)
		writeDetail(w, http.StatusTooManyRequests, "Too many requests, try again later")

		return
	}

	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	time.Sleep(20 * time.Millisecond)

	text := r.FormValue("text")
	if text == "fail" {
		writeDetail(w, http.StatusInternalServerError, "TTS synthesis failed")

		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	_, _ = io.WriteString(w, "RIFF:"+text)
}

func TestChunkEngine_ProcessChunks(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	server := httptest.NewServer(service)
	defer server.Close()

	chunks := []string{"бір", "екі", "үш", "төрт", "бес"}
	outputDir := filepath.Join(t.TempDir(), "out")

	engine := client.NewChunkEngine(client.NewHTTPClient(server.URL, 5*time.Second),
		client.ChunkOptions{Workers: 2}, newTestLogger(t))

	var (
		progressMu sync.Mutex
		progress   []int
	)

	engine.OnProgress(func(done, total int) {
		progressMu.Lock()
		defer progressMu.Unlock()

		assert.Equal(t, len(chunks), total)
		progress = append(progress, done)
	})

	require.NoError(t, engine.ProcessChunks(context.Background(), writeChunks(t, chunks), outputDir))

	for index, chunk := range chunks {
		data, err := os.ReadFile(filepath.Join(outputDir, "chunk_000"+string(rune('1'+index))+".wav"))
		require.NoError(t, err)
		assert.Equal(t, "RIFF:"+chunk, string(data))
	}

	assert.LessOrEqual(t, service.peak.Load(), int32(2))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)
}

func TestChunkEngine_ConvertAndFormat(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	server := httptest.NewServer(service)
	defer server.Close()

	outputDir := t.TempDir()

	engine := client.NewChunkEngine(client.NewHTTPClient(server.URL, 5*time.Second),
		client.ChunkOptions{Workers: 1, Convert: true, Format: "OGG"}, newTestLogger(t))
	assert.Equal(t, ".ogg", engine.Extension())

	require.NoError(t, engine.ProcessChunks(context.Background(), writeChunks(t, []string{"сәлем"}), outputDir))

	assert.FileExists(t, filepath.Join(outputDir, "chunk_0001.ogg"))
	assert.Equal(t, []string{"/synthesize_and_convert/"}, service.requests())
}

func TestChunkEngine_PartialFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(&fakeService{})
	defer server.Close()

	outputDir := t.TempDir()

	engine := client.NewChunkEngine(client.NewHTTPClient(server.URL, 5*time.Second),
		client.ChunkOptions{Workers: 3}, newTestLogger(t))

	err := engine.ProcessChunks(context.Background(), writeChunks(t, []string{"бір", "fail", "үш", ""}), outputDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 2 failed")
	assert.Contains(t, err.Error(), "TTS synthesis failed")
	require.ErrorIs(t, err, client.ErrTextEmpty)

	assert.FileExists(t, filepath.Join(outputDir, "chunk_0001.wav"))
	assert.NoFileExists(t, filepath.Join(outputDir, "chunk_0002.wav"))
	assert.FileExists(t, filepath.Join(outputDir, "chunk_0003.wav"))
}

func TestChunkEngine_RetriesRateLimited(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	service.rateLimits.Store(2)

	server := httptest.NewServer(service)
	defer server.Close()

	outputPath := filepath.Join(t.TempDir(), "nested", "one.wav")

	engine := client.NewChunkEngine(client.NewHTTPClient(server.URL, 5*time.Second),
		client.ChunkOptions{Retries: 2, RetryDelay: time.Millisecond}, newTestLogger(t))

	require.NoError(t, engine.ProcessSingleChunk(context.Background(), "сәлем", outputPath))
	assert.FileExists(t, outputPath)
	assert.Len(t, service.requests(), 3)
}

func TestChunkEngine_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	service.rateLimits.Store(5)

	server := httptest.NewServer(service)
	defer server.Close()

	engine := client.NewChunkEngine(client.NewHTTPClient(server.URL, 5*time.Second),
		client.ChunkOptions{Retries: 1, RetryDelay: time.Millisecond}, newTestLogger(t))

	err := engine.ProcessSingleChunk(context.Background(), "сәлем", filepath.Join(t.TempDir(), "one.wav"))
	require.ErrorIs(t, err, client.ErrRateLimited)
	assert.Len(t, service.requests(), 2)
}

func TestChunkEngine_InputErrors(t *testing.T) {
	t.Parallel()

	engine := client.NewChunkEngine(client.NewHTTPClient("http://127.0.0.1:1", time.Second),
		client.ChunkOptions{}, newTestLogger(t))

	require.ErrorIs(t, engine.ProcessChunks(context.Background(), "", "out"), client.ErrChunksPathEmpty)
	require.ErrorIs(t, engine.ProcessChunks(context.Background(), "chunks.json", ""), client.ErrOutputDirEmpty)
	require.ErrorIs(t, engine.ProcessSingleChunk(context.Background(), "", "out.wav"), client.ErrTextEmpty)
	require.ErrorIs(t, engine.ProcessSingleChunk(context.Background(), "text", ""), client.ErrOutputPathEmpty)

	err := engine.ProcessChunks(context.Background(), writeChunks(t, []string{}), t.TempDir())
	require.ErrorIs(t, err, client.ErrNoChunksFound)

	err = engine.ProcessChunks(context.Background(), writeChunks(t, []string{"сәлем"}), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
}

func TestReadChunksFile_InvalidJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chunks.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not": "an array"}`), 0o600))

	_, err := client.ReadChunksFile(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to parse chunks JSON"))
}

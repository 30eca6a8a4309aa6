package tts_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/kaztts-service/internal/storage"
	"github.com/book-expert/kaztts-service/internal/tts"
	"github.com/book-expert/kaztts-service/internal/tts/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockStep = errors.New("mock step error")

func newPipeline(t *testing.T, ttsEnv, rvcEnv fakeEnv, maxJobs int) *tts.Pipeline {
	t.Helper()

	workspace, err := storage.NewWorkspace(filepath.Join(t.TempDir(), "static"), nil)
	require.NoError(t, err)

	return tts.NewPipeline(
		tts.NewSynthesizer(ttsEnv.step, nil),
		tts.NewConverter(rvcEnv.step, nil),
		workspace,
		text.NewNormalizer(100),
		maxJobs,
		nil,
	)
}

func TestPipeline_Synthesize(t *testing.T) {
	t.Parallel()

	ttsEnv := newTTSEnv(t)
	pipeline := newPipeline(t, ttsEnv, newRVCEnv(t), 1)

	result, err := pipeline.Synthesize(context.Background(), "Сәлем, ӘЛЕМ!")
	require.NoError(t, err)

	assert.FileExists(t, result.Path)
	assert.True(t, strings.HasPrefix(result.Name, "output-"))
	assert.Equal(t, ttsSampleRate, result.Info.SampleRate)
	assert.Equal(t, "сәлем, әлем!\n"+result.Path, ttsEnv.lastArgs(t))
}

func TestPipeline_SynthesizeUniqueOutputs(t *testing.T) {
	t.Parallel()

	pipeline := newPipeline(t, newTTSEnv(t), newRVCEnv(t), 2)

	first, err := pipeline.Synthesize(context.Background(), "бір")
	require.NoError(t, err)

	second, err := pipeline.Synthesize(context.Background(), "екі")
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	assert.FileExists(t, first.Path)
	assert.FileExists(t, second.Path)
}

func TestPipeline_SynthesizeRejectsEmptyText(t *testing.T) {
	t.Parallel()

	pipeline := newPipeline(t, newTTSEnv(t), newRVCEnv(t), 1)

	_, err := pipeline.Synthesize(context.Background(), "   ")
	require.ErrorIs(t, err, text.ErrTextEmpty)
	assert.NotErrorIs(t, err, tts.ErrSynthesisFailed)
}

func TestPipeline_SynthesizeFailure(t *testing.T) {
	t.Parallel()

	pipeline := newPipeline(t, newFailingEnv(t), newRVCEnv(t), 1)

	_, err := pipeline.Synthesize(context.Background(), "сәлем")
	require.ErrorIs(t, err, tts.ErrSynthesisFailed)

	entries, readErr := os.ReadDir(pipeline.Workspace().Root())
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestPipeline_SynthesizeInvalidOutput(t *testing.T) {
	t.Parallel()

	env := newFakeEnv(t, ttsSampleRate, `echo "not a wav" > "$2"`)
	pipeline := newPipeline(t, env, newRVCEnv(t), 1)

	_, err := pipeline.Synthesize(context.Background(), "сәлем")
	require.ErrorIs(t, err, tts.ErrSynthesisFailed)

	entries, readErr := os.ReadDir(pipeline.Workspace().Root())
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestPipeline_ConvertVoice(t *testing.T) {
	t.Parallel()

	rvcEnv := newRVCEnv(t)
	pipeline := newPipeline(t, newTTSEnv(t), rvcEnv, 1)

	input := filepath.Join(pipeline.Workspace().Root(), "speech.wav")
	writeWAVFixture(t, input, ttsSampleRate)

	result, err := pipeline.ConvertVoice(context.Background(), "/static/speech.wav")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.Name, "converted-"))
	assert.Equal(t, rvcSampleRate, result.Info.SampleRate)
	assert.Equal(t, input+"\n"+result.Path, rvcEnv.lastArgs(t))
}

func TestPipeline_ConvertVoiceInputErrors(t *testing.T) {
	t.Parallel()

	pipeline := newPipeline(t, newTTSEnv(t), newRVCEnv(t), 1)

	_, err := pipeline.ConvertVoice(context.Background(), "../../etc/passwd")
	require.ErrorIs(t, err, storage.ErrOutsideWorkspace)

	_, err = pipeline.ConvertVoice(context.Background(), "missing.wav")
	require.ErrorIs(t, err, tts.ErrInputNotFound)
}

func TestPipeline_SynthesizeAndConvert(t *testing.T) {
	t.Parallel()

	ttsEnv := newTTSEnv(t)
	rvcEnv := newRVCEnv(t)
	pipeline := newPipeline(t, ttsEnv, rvcEnv, 1)

	result, err := pipeline.SynthesizeAndConvert(context.Background(), "Қайырлы таң")
	require.NoError(t, err)

	assert.Equal(t, rvcSampleRate, result.Info.SampleRate)

	intermediate := strings.SplitN(rvcEnv.lastArgs(t), "\n", 2)[0]
	assert.True(t, strings.HasPrefix(filepath.Base(intermediate), "output-"))
	assert.NoFileExists(t, intermediate, "intermediate TTS output is removed")
	assert.FileExists(t, result.Path)
}

func TestPipeline_SynthesizeAndConvertStopsOnTTSFailure(t *testing.T) {
	t.Parallel()

	rvcEnv := newRVCEnv(t)
	pipeline := newPipeline(t, newFailingEnv(t), rvcEnv, 1)

	_, err := pipeline.SynthesizeAndConvert(context.Background(), "сәлем")
	require.ErrorIs(t, err, tts.ErrSynthesisFailed)
	assert.NoFileExists(t, filepath.Join(rvcEnv.dir, "last_args"), "conversion must not run")
}

func TestPipeline_SynthesizeAndConvertConversionFailure(t *testing.T) {
	t.Parallel()

	pipeline := newPipeline(t, newTTSEnv(t), newFailingEnv(t), 1)

	_, err := pipeline.SynthesizeAndConvert(context.Background(), "сәлем")
	require.ErrorIs(t, err, tts.ErrConversionFailed)
	assert.NotErrorIs(t, err, tts.ErrSynthesisFailed)
}

// blockingSynthesizer records the peak number of concurrent calls.
type blockingSynthesizer struct {
	running atomic.Int32
	peak    atomic.Int32
	release chan struct{}
	fixture string
}

func (b *blockingSynthesizer) Synthesize(_ context.Context, _, outputPath string) error {
	current := b.running.Add(1)
	defer b.running.Add(-1)

	for {
		peak := b.peak.Load()
		if current <= peak || b.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	<-b.release

	data, err := os.ReadFile(b.fixture)
	if err != nil {
		return err
	}

	return os.WriteFile(outputPath, data, 0o600)
}

type failingConverter struct{}

func (failingConverter) Convert(context.Context, string, string) error {
	return errMockStep
}

func TestPipeline_LimitsConcurrentJobs(t *testing.T) {
	t.Parallel()

	fixture := filepath.Join(t.TempDir(), "fixture.wav")
	writeWAVFixture(t, fixture, ttsSampleRate)

	synthesizer := &blockingSynthesizer{release: make(chan struct{}), fixture: fixture}

	workspace, err := storage.NewWorkspace(filepath.Join(t.TempDir(), "static"), nil)
	require.NoError(t, err)

	pipeline := tts.NewPipeline(synthesizer, failingConverter{}, workspace, text.NewNormalizer(0), 2, nil)
	assert.Equal(t, 2, pipeline.Capacity())

	var waitGroup sync.WaitGroup

	for range 5 {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			_, synthErr := pipeline.Synthesize(context.Background(), "сәлем")
			assert.NoError(t, synthErr)
		}()
	}

	require.Eventually(t, func() bool { return pipeline.InUse() == 2 }, 2*time.Second, 10*time.Millisecond)
	close(synthesizer.release)
	waitGroup.Wait()

	assert.Equal(t, int32(2), synthesizer.peak.Load())
	assert.Equal(t, 0, pipeline.InUse())
}

func TestPipeline_SlotWaitHonoursContext(t *testing.T) {
	t.Parallel()

	fixture := filepath.Join(t.TempDir(), "fixture.wav")
	writeWAVFixture(t, fixture, ttsSampleRate)

	synthesizer := &blockingSynthesizer{release: make(chan struct{}), fixture: fixture}

	workspace, err := storage.NewWorkspace(filepath.Join(t.TempDir(), "static"), nil)
	require.NoError(t, err)

	pipeline := tts.NewPipeline(synthesizer, failingConverter{}, workspace, text.NewNormalizer(0), 1, nil)

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = pipeline.Synthesize(context.Background(), "бірінші")
	}()

	require.Eventually(t, func() bool { return pipeline.InUse() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = pipeline.Synthesize(ctx, "екінші")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, tts.ErrSynthesisFailed)

	close(synthesizer.release)
	<-done
}

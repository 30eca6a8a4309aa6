// Package worker serves the speech pipeline over NATS request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/kaztts-service/internal/core"
	"github.com/book-expert/kaztts-service/internal/objectstore"
	"github.com/book-expert/kaztts-service/internal/storage"
	"github.com/book-expert/kaztts-service/internal/tts"
	"github.com/book-expert/kaztts-service/internal/tts/text"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Reply headers used when a job fails.
const (
	HeaderError     = "Nats-Service-Error"
	HeaderErrorCode = "Nats-Service-Error-Code"
)

// Voices accepted in TextProcessedEvent.Voice.
const (
	VoiceDefault = "default"
	VoiceRVC     = "rvc"
)

const (
	defaultJobTimeout = 5 * time.Minute
	audioKeyExtension = ".wav"
)

var (
	// ErrUnsupportedVoice indicates that the requested voice is not served.
	ErrUnsupportedVoice = errors.New("unsupported voice")
	// ErrTextKeyEmpty indicates an event that points at no text.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrInvalidEvent indicates a request body that is not a TextProcessedEvent.
	ErrInvalidEvent = errors.New("invalid event")
)

// Pipeline is what the worker needs from the tts pipeline.
type Pipeline interface {
	core.AudioPipeline
	Workspace() *storage.Workspace
}

// NatsWorker listens for TextProcessedEvent requests and answers with
// AudioChunkCreatedEvent replies.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	textStore      core.ObjectStore
	audioStore     core.ObjectStore
	pipeline       Pipeline
	jobTimeout     time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a worker. jobTimeout <= 0 uses a five minute default.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	textStore core.ObjectStore,
	audioStore core.ObjectStore,
	pipeline Pipeline,
	jobTimeout time.Duration,
	log *logger.Logger,
) *NatsWorker {
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		textStore:      textStore,
		audioStore:     audioStore,
		pipeline:       pipeline,
		jobTimeout:     jobTimeout,
		log:            log,
	}
}

// Run subscribes and blocks until ctx is cancelled, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for synthesis jobs on subject: %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.jobTimeout)
	defer cancel()

	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		w.log.Error("Failed to unmarshal event: %v", err)
		w.respondError(msg, fmt.Errorf("%w: %w", ErrInvalidEvent, err))

		return
	}

	audioKey, err := w.processJob(ctx, &event)
	if err != nil {
		w.log.Error("Failed to process synthesis job for workflow %s: %v", event.Header.WorkflowID, err)
		w.respondError(msg, err)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob downloads the text, runs the pipeline and uploads the audio.
func (w *NatsWorker) processJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	if event.TextKey == "" {
		return "", ErrTextKeyEmpty
	}

	operation, err := w.operationFor(event.Voice)
	if err != nil {
		return "", err
	}

	textData, err := w.textStore.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	result, err := operation(ctx, string(textData))
	if err != nil {
		return "", err
	}
	defer w.pipeline.Workspace().Remove(result.Path)

	audioData, err := os.ReadFile(result.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read generated audio %s: %w", result.Name, err)
	}

	audioKey := uuid.NewString() + audioKeyExtension

	err = w.audioStore.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	w.log.Info("Workflow %s page %d/%d: uploaded %s (%d Hz, %s)", event.Header.WorkflowID,
		event.PageNumber, event.TotalPages, audioKey, result.Info.SampleRate, result.Info.Duration)

	return audioKey, nil
}

func (w *NatsWorker) operationFor(voice string) (func(context.Context, string) (*core.AudioResult, error), error) {
	switch strings.ToLower(strings.TrimSpace(voice)) {
	case "", VoiceDefault:
		return w.pipeline.Synthesize, nil
	case VoiceRVC:
		return w.pipeline.SynthesizeAndConvert, nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedVoice, voice)
	}
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

// respondError answers a request with an empty body and error headers, so
// requesters fail fast instead of timing out.
func (w *NatsWorker) respondError(msg *nats.Msg, jobErr error) {
	if msg.Reply == "" {
		return
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(HeaderError, jobErr.Error())
	reply.Header.Set(HeaderErrorCode, strconv.Itoa(errorCode(jobErr)))

	err := msg.RespondMsg(reply)
	if err != nil {
		w.log.Error("Failed to publish error reply: %v", err)
	}
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		return 404
	case errors.Is(err, ErrUnsupportedVoice),
		errors.Is(err, ErrTextKeyEmpty),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, text.ErrTextEmpty),
		errors.Is(err, text.ErrTextTooLong):
		return 400
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, tts.ErrStepTimeout):
		return 504
	default:
		return 500
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/kaztts-service/internal/core"
	"github.com/book-expert/kaztts-service/internal/storage"
	"github.com/book-expert/kaztts-service/internal/tts"
	"github.com/book-expert/kaztts-service/internal/tts/audio"
	"github.com/book-expert/kaztts-service/internal/tts/text"
)

// Form fields.
const (
	fieldText      = "text"
	fieldAudioPath = "audio_path"
	fieldAudio     = "audio"
	fieldFormat    = "format"
)

// Response headers.
const (
	headerAudioURL        = "X-Audio-URL"
	headerSampleRate      = "X-Sample-Rate"
	headerDurationSeconds = "X-Duration-Seconds"
	headerContentType     = "Content-Type"
	staticURLPrefix       = "/static/"
	contentTypeJSON       = "application/json"
)

// Error details returned to clients.
const (
	detailSynthesisFailed  = "TTS synthesis failed"
	detailConversionFailed = "Voice conversion failed"
	detailTranscodeFailed  = "Audio transcoding failed"
	detailRateLimited      = "Too many requests, try again later"
	detailInternal         = "Internal server error"
	detailTemplateFailed   = "Failed to render page"
)

var (
	// ErrFieldRequired is returned when a mandatory form field is missing.
	ErrFieldRequired = errors.New("field required")
	// ErrInvalidForm is returned when the request body cannot be parsed as a form.
	ErrInvalidForm = errors.New("invalid form")
)

type errorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	JobsInUse  int               `json:"jobs_in_use"`
	MaxJobs    int               `json:"max_jobs"`
	Transcoder bool              `json:"transcoder"`
}

type indexData struct {
	MaxTextRunes int
	Formats      []audio.Format
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	formats := []audio.Format{audio.FORMAT_WAV}
	if s.transcoder != nil {
		formats = append(formats, audio.FORMAT_MP3, audio.FORMAT_OGG, audio.FORMAT_FLAC)
	}

	w.Header().Set(headerContentType, "text/html; charset=utf-8")

	err := s.index.Execute(w, indexData{MaxTextRunes: s.maxTextRunes, Formats: formats})
	if err != nil {
		s.log.Error("Failed to render index page: %v", err)
		http.Error(w, detailTemplateFailed, http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{
		Status:     "ok",
		Checks:     make(map[string]string, len(s.checks)),
		JobsInUse:  s.pipeline.InUse(),
		MaxJobs:    s.pipeline.Capacity(),
		Transcoder: s.transcoder != nil,
	}

	for _, check := range s.checks {
		err := check.Check()
		if err != nil {
			response.Status = "degraded"
			response.Checks[check.Name()] = err.Error()

			continue
		}

		response.Checks[check.Name()] = "ok"
	}

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	s.runTextOperation(w, r, s.pipeline.Synthesize)
}

func (s *Server) handleSynthesizeAndConvert(w http.ResponseWriter, r *http.Request) {
	s.runTextOperation(w, r, s.pipeline.SynthesizeAndConvert)
}

type textOperation func(ctx context.Context, input string) (*core.AudioResult, error)

func (s *Server) runTextOperation(w http.ResponseWriter, r *http.Request, operation textOperation) {
	err := s.parseForm(w, r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	format, err := audio.ParseFormat(r.FormValue(fieldFormat))
	if err != nil {
		s.writeError(w, err)

		return
	}

	input := r.FormValue(fieldText)
	if strings.TrimSpace(input) == "" {
		s.writeError(w, fmt.Errorf("%w: %s", ErrFieldRequired, fieldText))

		return
	}

	ctx, cancel := s.jobContext(r)
	defer cancel()

	result, err := operation(ctx, input)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeAudio(w, r, result, format)
}

func (s *Server) handleConvertVoice(w http.ResponseWriter, r *http.Request) {
	err := s.parseForm(w, r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	format, err := audio.ParseFormat(r.FormValue(fieldFormat))
	if err != nil {
		s.writeError(w, err)

		return
	}

	inputPath, cleanup, err := s.conversionInput(r)
	if err != nil {
		s.writeError(w, err)

		return
	}
	defer cleanup()

	ctx, cancel := s.jobContext(r)
	defer cancel()

	result, err := s.pipeline.ConvertVoice(ctx, inputPath)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeAudio(w, r, result, format)
}

// jobContext derives the context of one pipeline job, including the time
// spent waiting for a job slot.
func (s *Server) jobContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.jobTimeout <= 0 {
		return context.WithCancel(r.Context())
	}

	return context.WithTimeout(r.Context(), s.jobTimeout)
}

// conversionInput returns the file to convert: an uploaded "audio" part when
// present, otherwise the "audio_path" field.
func (s *Server) conversionInput(r *http.Request) (string, func(), error) {
	workspace := s.pipeline.Workspace()

	file, header, err := r.FormFile(fieldAudio)
	if err == nil {
		defer file.Close()

		saved, saveErr := workspace.SaveUpload(file, header.Filename, s.maxFormBytes)
		if saveErr != nil {
			return "", func() {}, saveErr
		}

		return saved, func() { workspace.Remove(saved) }, nil
	}

	audioPath := strings.TrimSpace(r.FormValue(fieldAudioPath))
	if audioPath == "" {
		return "", func() {}, fmt.Errorf("%w: %s or %s", ErrFieldRequired, fieldAudioPath, fieldAudio)
	}

	return audioPath, func() {}, nil
}

// parseForm accepts both urlencoded and multipart bodies up to the configured limit.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	if s.maxFormBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxFormBytes)
	}

	err := r.ParseMultipartForm(multipartMemory)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return fmt.Errorf("%w: %w", ErrInvalidForm, err)
	}

	return nil
}

// writeAudio streams result, transcoding it first when a non-WAV format was requested.
func (s *Server) writeAudio(w http.ResponseWriter, r *http.Request, result *core.AudioResult, format audio.Format) {
	path := result.Path
	name := result.Name

	if format != audio.FORMAT_WAV {
		if s.transcoder == nil {
			s.writeError(w, fmt.Errorf("%w: %s (transcoding disabled)", audio.ErrUnsupportedFormat, format))

			return
		}

		path = strings.TrimSuffix(result.Path, filepath.Ext(result.Path)) + format.Extension()

		err := s.transcoder.Transcode(r.Context(), result.Path, path, audio.NewDefaultQuality(format))
		if err != nil {
			s.log.Error("Failed to transcode %s to %s: %v", result.Name, format, err)
			s.pipeline.Workspace().Remove(path)
			writeDetail(w, http.StatusInternalServerError, detailTranscodeFailed)

			return
		}

		name = s.pipeline.Workspace().Name(path)
	}

	file, err := os.Open(path)
	if err != nil {
		s.log.Error("Failed to open generated audio %s: %v", name, err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)

		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		s.log.Error("Failed to stat generated audio %s: %v", name, err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)

		return
	}

	header := w.Header()
	header.Set(headerContentType, format.ContentType())
	header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(path)))
	header.Set(headerAudioURL, staticURLPrefix+name)
	header.Set(headerSampleRate, strconv.Itoa(result.Info.SampleRate))
	header.Set(headerDurationSeconds, strconv.FormatFloat(result.Info.Duration.Seconds(), 'f', 3, 64))

	http.ServeContent(w, r, filepath.Base(path), stat.ModTime(), file)
}

// writeError maps pipeline errors onto HTTP statuses and JSON details.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, detail := classify(err)

	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed: %v", err)
	} else {
		s.log.Warn("Rejected request: %v", err)
	}

	writeDetail(w, status, detail)
}

func classify(err error) (int, string) {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, storage.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, ErrFieldRequired),
		errors.Is(err, ErrInvalidForm),
		errors.Is(err, text.ErrTextEmpty),
		errors.Is(err, text.ErrTextTooLong),
		errors.Is(err, storage.ErrOutsideWorkspace),
		errors.Is(err, storage.ErrNotAudioFile),
		errors.Is(err, tts.ErrInputNotFound),
		errors.Is(err, audio.ErrUnsupportedFormat):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tts.ErrConversionFailed):
		return http.StatusInternalServerError, detailConversionFailed
	case errors.Is(err, tts.ErrSynthesisFailed):
		return http.StatusInternalServerError, detailSynthesisFailed
	default:
		return http.StatusInternalServerError, detailInternal
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

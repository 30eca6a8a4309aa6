// Package client is a Go client for the kaztts HTTP service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// API endpoints and paths.
const (
	apiSynthesize           = "/synthesize/"
	apiConvertVoice         = "/convert_voice/"
	apiSynthesizeAndConvert = "/synthesize_and_convert/"
	apiHealth               = "/health"
)

// HTTP headers.
const (
	headerContentType     = "Content-Type"
	headerAudioURL        = "X-Audio-URL"
	headerSampleRate      = "X-Sample-Rate"
	headerDurationSeconds = "X-Duration-Seconds"
	contentTypeForm       = "application/x-www-form-urlencoded"
	contentTypeAudio      = "audio/"
)

// Error messages.
const (
	errFmtServiceError     = "kaztts service error (%s): %s"
	errFmtServiceNonOK     = "kaztts service returned non-OK status: %s, body: %s"
	errFmtUnexpectedType   = "%w: expected audio/*, got %q"
	errFmtSendRequest      = "failed to send request to kaztts service at %s: %w"
	errFmtCreateRequest    = "failed to create request: %w"
	errFmtReadAudio        = "failed to read audio data: %w"
	errFmtHealthCheckFails = "health check failed for service at %s: %w"
)

var (
	// ErrTextEmpty is returned before sending a request with no text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrAudioPathEmpty is returned before sending a conversion request with no input.
	ErrAudioPathEmpty = errors.New("audio path cannot be empty")
	// ErrEmptyAudio is returned when the service answered 200 with no body.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrUnexpectedContentType is returned when the service did not answer with audio.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrRateLimited is returned for 429 responses.
	ErrRateLimited = errors.New("rate limited by kaztts service")
	// ErrServiceUnhealthy is returned when /health does not report ok.
	ErrServiceUnhealthy = errors.New("kaztts service is unhealthy")
)

// HTTPClient talks to one kaztts service instance.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// Audio is a generated file returned by the service.
type Audio struct {
	Data        []byte
	ContentType string
	// URL is the /static path the service keeps the file under.
	URL        string
	SampleRate int
	Duration   time.Duration
}

// ErrorResponse is the JSON body the service sends with failed requests.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthStatus is the decoded body of GET /health.
type HealthStatus struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	JobsInUse  int               `json:"jobs_in_use"`
	MaxJobs    int               `json:"max_jobs"`
	Transcoder bool              `json:"transcoder"`
}

// NewHTTPClient creates a client for the service at baseURL, e.g. "http://localhost:8000".
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize turns text into speech. An empty format means WAV.
func (c *HTTPClient) Synthesize(ctx context.Context, text, format string) (*Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextEmpty
	}

	return c.postForm(ctx, apiSynthesize, url.Values{"text": {text}, "format": {format}})
}

// SynthesizeAndConvert synthesises text and converts the result to the RVC voice.
func (c *HTTPClient) SynthesizeAndConvert(ctx context.Context, text, format string) (*Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextEmpty
	}

	return c.postForm(ctx, apiSynthesizeAndConvert, url.Values{"text": {text}, "format": {format}})
}

// ConvertVoice converts a file that already lives in the service's static directory.
func (c *HTTPClient) ConvertVoice(ctx context.Context, audioPath, format string) (*Audio, error) {
	if strings.TrimSpace(audioPath) == "" {
		return nil, ErrAudioPathEmpty
	}

	return c.postForm(ctx, apiConvertVoice, url.Values{"audio_path": {audioPath}, "format": {format}})
}

// ConvertFile uploads a local audio file and converts it.
func (c *HTTPClient) ConvertFile(ctx context.Context, localPath, format string) (*Audio, error) {
	if localPath == "" {
		return nil, ErrAudioPathEmpty
	}

	file, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	err = writer.WriteField("format", format)
	if err != nil {
		return nil, fmt.Errorf("failed to write form: %w", err)
	}

	part, err := writer.CreateFormFile("audio", filepath.Base(localPath))
	if err != nil {
		return nil, fmt.Errorf("failed to write form: %w", err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return nil, fmt.Errorf("failed to copy %s into request: %w", localPath, err)
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to write form: %w", err)
	}

	return c.post(ctx, apiConvertVoice, writer.FormDataContentType(), &body)
}

// HealthCheck fetches /health and returns ErrServiceUnhealthy unless the status is ok.
func (c *HTTPClient) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errFmtHealthCheckFails, c.baseURL, err)
	}
	defer resp.Body.Close()

	var status HealthStatus

	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return nil, fmt.Errorf("health check failed with status %s: %w", resp.Status, err)
	}

	if resp.StatusCode != http.StatusOK || status.Status != "ok" {
		return &status, fmt.Errorf("%w: %s", ErrServiceUnhealthy, resp.Status)
	}

	return &status, nil
}

func (c *HTTPClient) postForm(ctx context.Context, path string, values url.Values) (*Audio, error) {
	if values.Get("format") == "" {
		values.Del("format")
	}

	return c.post(ctx, path, contentTypeForm, strings.NewReader(values.Encode()))
}

func (c *HTTPClient) post(ctx context.Context, path, contentType string, body io.Reader) (*Audio, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateRequest, err)
	}

	req.Header.Set(headerContentType, contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	mediaType := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(mediaType, contentTypeAudio) {
		return nil, fmt.Errorf(errFmtUnexpectedType, ErrUnexpectedContentType, mediaType)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf(errFmtReadAudio, err)
	}

	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	return &Audio{
		Data:        data,
		ContentType: mediaType,
		URL:         resp.Header.Get(headerAudioURL),
		SampleRate:  headerInt(resp.Header, headerSampleRate),
		Duration:    headerSeconds(resp.Header, headerDurationSeconds),
	}, nil
}

// parseErrorResponse decodes the {"detail": ...} body, falling back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var sentinel error
	if resp.StatusCode == http.StatusTooManyRequests {
		sentinel = ErrRateLimited
	}

	var errorResp ErrorResponse

	err := json.Unmarshal(raw, &errorResp)
	if err == nil && errorResp.Detail != "" {
		err = fmt.Errorf(errFmtServiceError, resp.Status, errorResp.Detail)
	} else {
		err = fmt.Errorf(errFmtServiceNonOK, resp.Status, strings.TrimSpace(string(raw)))
	}

	if sentinel != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}

	return err
}

func headerInt(header http.Header, key string) int {
	value, err := strconv.Atoi(header.Get(key))
	if err != nil {
		return 0
	}

	return value
}

func headerSeconds(header http.Header, key string) time.Duration {
	value, err := strconv.ParseFloat(header.Get(key), 64)
	if err != nil {
		return 0
	}

	return time.Duration(value * float64(time.Second))
}

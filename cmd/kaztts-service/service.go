package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/book-expert/kaztts-service/internal/config"
	"github.com/book-expert/kaztts-service/internal/objectstore"
	"github.com/book-expert/kaztts-service/internal/server"
	"github.com/book-expert/kaztts-service/internal/storage"
	"github.com/book-expert/kaztts-service/internal/tts"
	"github.com/book-expert/kaztts-service/internal/tts/audio"
	"github.com/book-expert/kaztts-service/internal/tts/text"
	"github.com/book-expert/kaztts-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

const (
	bootstrapLogFile = "kaztts-service-bootstrap.log"
	serviceLogFile   = "kaztts-service.log"
	ffmpegBinary     = "ffmpeg"
	shutdownTimeout  = 30 * time.Second
	natsClientName   = "kaztts-service"
)

var errServerStopped = errors.New("http server stopped unexpectedly")

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func loadConfig(configPath string, log *logger.Logger) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}

	return config.Load(log)
}

// run boots the service and blocks until ctx is cancelled or the HTTP server
// fails. A nil listener makes the server listen on the configured address.
func run(ctx context.Context, configPath string, listener net.Listener) error {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, err := loadConfig(configPath, bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	err = cfg.EnsureDirectories()
	if err != nil {
		bootstrapLog.Error("Failed to create service directories: %v", err)

		return err
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	svc, err := newService(cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to initialise service: %v", err)

		return err
	}
	defer svc.close()

	return svc.serve(ctx, listener)
}

// service holds the wired components of one running process.
type service struct {
	cfg            *config.Config
	pipeline       *tts.Pipeline
	httpServer     *server.Server
	natsWorker     *worker.NatsWorker
	natsConnection *nats.Conn
	log            *logger.Logger
}

func newService(cfg *config.Config, log *logger.Logger) (*service, error) {
	workspace, err := storage.NewWorkspace(cfg.Paths.StaticDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare static dir: %w", err)
	}

	synthesizer := tts.NewSynthesizer(cfg.TTS, log)
	converter := tts.NewConverter(cfg.RVC, log)
	normalizer := text.NewNormalizer(cfg.TTS.MaxTextRunes)
	pipeline := tts.NewPipeline(synthesizer, converter, workspace, normalizer, cfg.Limits.MaxConcurrentJobs, log)

	checks := []server.ReadinessCheck{synthesizer.Runner(), converter.Runner()}
	for _, check := range checks {
		checkErr := check.Check()
		if checkErr != nil {
			log.Warn("Model environment %s is not ready: %v", check.Name(), checkErr)
		}
	}

	httpServer, err := server.New(cfg, pipeline, newTranscoder(log), checks, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP server: %w", err)
	}

	svc := &service{
		cfg:        cfg,
		pipeline:   pipeline,
		httpServer: httpServer,
		log:        log,
	}

	if cfg.NATS.Enabled() {
		err = svc.connectWorker()
		if err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// newTranscoder returns nil when ffmpeg is not installed, which limits the
// server to WAV output.
func newTranscoder(log *logger.Logger) server.Transcoder {
	binary, err := exec.LookPath(ffmpegBinary)
	if err != nil {
		log.Warn("ffmpeg not found on PATH, only WAV output is available: %v", err)

		return nil
	}

	return audio.NewTranscoder(binary, log)
}

func (s *service) connectWorker() error {
	natsConnection, err := nats.Connect(s.cfg.NATS.URL, nats.Name(natsClientName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	textStore, err := objectstore.New(jetstreamContext, s.cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return err
	}

	audioStore, err := objectstore.New(jetstreamContext, s.cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return err
	}

	jobTimeout := s.cfg.TTS.Timeout() + s.cfg.RVC.Timeout()

	s.natsConnection = natsConnection
	s.natsWorker = worker.NewNatsWorker(natsConnection, s.cfg.NATS.SynthesizeSubject,
		textStore, audioStore, s.pipeline, jobTimeout, s.log)

	return nil
}

// serve runs the HTTP server, the janitor and the optional NATS worker until
// ctx is cancelled, then shuts them down.
func (s *service) serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var waitGroup sync.WaitGroup

	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()

		s.pipeline.Workspace().RunJanitor(ctx, s.cfg.Retention.SweepInterval(), s.cfg.Retention.MaxAge())
	}()

	workerErr := make(chan error, 1)

	if s.natsWorker != nil {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			workerErr <- s.natsWorker.Run(ctx)
		}()
	}

	serveErr := make(chan error, 1)

	go func() {
		if listener != nil {
			serveErr <- s.httpServer.Serve(listener)

			return
		}

		serveErr <- s.httpServer.ListenAndServe()
	}()

	s.log.System("KazTTS service started on %s", s.httpServer.Addr())

	var (
		runErr       error
		workerExited bool
	)

	select {
	case <-ctx.Done():
		s.log.Info("Shutdown signal received, stopping service...")
	case runErr = <-serveErr:
		if runErr == nil {
			runErr = errServerStopped
		}
	case err := <-workerErr:
		workerExited = true

		if err != nil {
			s.log.Error("NATS worker stopped with error: %v", err)
			runErr = fmt.Errorf("nats worker failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownErr := s.httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		s.log.Error("Error during HTTP shutdown: %v", shutdownErr)
	}

	cancel()
	waitGroup.Wait()

	if s.natsWorker != nil && !workerExited {
		drainErr := <-workerErr
		if drainErr != nil {
			s.log.Error("NATS worker stopped with error: %v", drainErr)
		}
	}

	s.log.System("KazTTS service stopped")

	return runErr
}

func (s *service) close() {
	if s.natsConnection != nil {
		s.natsConnection.Close()
	}
}

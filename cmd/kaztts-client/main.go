// main package for the kaztts-client
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/book-expert/kaztts-service/internal/client"
	"github.com/book-expert/logger"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Flag names.
const (
	flagServer    = "server"
	flagTimeout   = "timeout"
	flagLogDir    = "log-dir"
	flagOutput    = "output"
	flagOutputDir = "output-dir"
	flagFormat    = "format"
	flagConvert   = "convert"
	flagFile      = "file"
	flagWorkers   = "workers"
	flagRetries   = "retries"
)

// Flag defaults.
const (
	defaultServerURL  = "http://localhost:8000"
	defaultTimeout    = 5 * time.Minute
	defaultOutputStem = "output"
	defaultOutputDir  = "audio"
	defaultWorkers    = 2
	defaultRetries    = 3
	logFileName       = "kaztts-client.log"
)

// app carries the state shared by every subcommand.
type app struct {
	serverURL string
	timeout   time.Duration
	logDir    string

	client *client.HTTPClient
	log    *logger.Logger

	success *color.Color
	failure *color.Color
	info    *color.Color
}

func newApp() *app {
	return &app{
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed),
		info:    color.New(color.FgCyan),
	}
}

func (a *app) setup(*cobra.Command, []string) error {
	log, err := logger.New(a.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.log = log
	a.client = client.NewHTTPClient(a.serverURL, a.timeout)
	a.log.Info("kaztts client initialized (server: %s)", a.serverURL)

	return nil
}

func (a *app) teardown(*cobra.Command, []string) {
	if a.log != nil {
		_ = a.log.Close()
	}
}

func (a *app) printSuccess(out io.Writer, format string, args ...any) {
	_, _ = a.success.Fprintf(out, format+"\n", args...)
}

func (a *app) printFailure(out io.Writer, format string, args ...any) {
	_, _ = a.failure.Fprintf(out, format+"\n", args...)
}

func (a *app) printInfo(out io.Writer, format string, args ...any) {
	_, _ = a.info.Fprintf(out, format+"\n", args...)
}

func newRootCommand() *cobra.Command {
	state := newApp()

	root := &cobra.Command{
		Use:   "kaztts-client",
		Short: "Command line client for the kaztts service",
		Long: `kaztts-client sends text and audio to a running kaztts service and
stores the returned audio locally.

Examples:
  kaztts-client synthesize "Сәлеметсіз бе" -o hello.wav
  kaztts-client synthesize --convert --format mp3 "Қайырлы таң"
  kaztts-client convert --file recording.wav -o converted.wav
  kaztts-client chunks chapter.json --output-dir audio --workers 4
  kaztts-client health`,
		SilenceUsage:      true,
		PersistentPreRunE: state.setup,
		PersistentPostRun: state.teardown,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&state.serverURL, flagServer, defaultServerURL, "base URL of the kaztts service")
	flags.DurationVar(&state.timeout, flagTimeout, defaultTimeout, "HTTP timeout per request")
	flags.StringVar(&state.logDir, flagLogDir, os.TempDir(), "directory for the client log file")

	root.AddCommand(
		newSynthesizeCommand(state),
		newConvertCommand(state),
		newChunksCommand(state),
		newHealthCommand(state),
	)

	return root
}

func main() {
	err := newRootCommand().ExecuteContext(context.Background())
	if err != nil {
		os.Exit(1)
	}
}

package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/book-expert/kaztts-service/internal/client"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Messages.
const (
	msgGenerated       = "Generated: %s"
	msgConverted       = "Converted: %s (%d Hz, %s)"
	msgChunksDone      = "Generated %d audio files in: %s"
	msgChunksFailed    = "Some chunks failed: %v"
	msgHealthy         = "kaztts service is healthy (jobs %d/%d, transcoder: %t)"
	msgUnhealthy       = "kaztts service is not healthy: %v"
	msgCheck           = "  %s: %s"
	progressDesc       = "Synthesizing"
	errFmtWriteAudio   = "failed to write audio file: %w"
	errFmtCreateOutDir = "failed to create output directory: %w"
)

var (
	errTextArgRequired  = errors.New("text argument is required")
	errConvertInput     = errors.New("exactly one of an audio path argument or --file is required")
	errChunksArgMissing = errors.New("chunks file argument is required")
)

func newSynthesizeCommand(state *app) *cobra.Command {
	var (
		output  string
		format  string
		convert bool
		retries int
	)

	cmd := &cobra.Command{
		Use:   "synthesize <text>",
		Short: "Synthesize speech for a text",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 || strings.TrimSpace(strings.Join(args, " ")) == "" {
				return errTextArgRequired
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := client.NewChunkEngine(state.client, client.ChunkOptions{
				Format:  format,
				Convert: convert,
				Retries: retries,
			}, state.log)

			if output == "" {
				output = defaultOutputStem + engine.Extension()
			}

			err := engine.ProcessSingleChunk(cmd.Context(), strings.Join(args, " "), output)
			if err != nil {
				state.log.Error("Failed to process text: %v", err)
				state.printFailure(cmd.ErrOrStderr(), "%v", err)

				return err
			}

			state.printSuccess(cmd.OutOrStdout(), msgGenerated, output)

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, flagOutput, "o", "", "output file (default output.<format>)")
	cmd.Flags().StringVarP(&format, flagFormat, "f", "", "output format: wav, mp3, ogg or flac")
	cmd.Flags().BoolVar(&convert, flagConvert, false, "run voice conversion after synthesis")
	cmd.Flags().IntVar(&retries, flagRetries, defaultRetries, "retries when the service is rate limiting")

	return cmd
}

func newConvertCommand(state *app) *cobra.Command {
	var (
		output    string
		format    string
		localFile string
	)

	cmd := &cobra.Command{
		Use:   "convert [audio_path]",
		Short: "Convert the voice of a file on the service, or of a local file with --file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (localFile != "") {
				return errConvertInput
			}

			var (
				converted *client.Audio
				err       error
			)

			if localFile != "" {
				converted, err = state.client.ConvertFile(cmd.Context(), localFile, format)
			} else {
				converted, err = state.client.ConvertVoice(cmd.Context(), args[0], format)
			}

			if err != nil {
				state.log.Error("Voice conversion failed: %v", err)
				state.printFailure(cmd.ErrOrStderr(), "%v", err)

				return err
			}

			if output == "" {
				output = "converted" + extensionFor(format)
			}

			err = writeAudio(output, converted.Data)
			if err != nil {
				return err
			}

			state.log.Info("Converted audio saved to %s (service copy: %s)", output, converted.URL)
			state.printSuccess(cmd.OutOrStdout(), msgConverted, output, converted.SampleRate, converted.Duration)

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, flagOutput, "o", "", "output file (default converted.<format>)")
	cmd.Flags().StringVarP(&format, flagFormat, "f", "", "output format: wav, mp3, ogg or flac")
	cmd.Flags().StringVar(&localFile, flagFile, "", "local audio file to upload instead of a service path")

	return cmd
}

func newChunksCommand(state *app) *cobra.Command {
	var (
		outputDir string
		options   client.ChunkOptions
	)

	cmd := &cobra.Command{
		Use:   "chunks <chunks.json>",
		Short: "Synthesize every text of a JSON array into numbered audio files",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errChunksArgMissing
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := client.NewChunkEngine(state.client, options, state.log)

			chunks, err := client.ReadChunksFile(args[0])
			if err != nil {
				state.printFailure(cmd.ErrOrStderr(), "%v", err)

				return err
			}

			bar := progressbar.NewOptions(len(chunks),
				progressbar.OptionSetDescription(progressDesc),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(30),
				progressbar.OptionClearOnFinish(),
			)

			engine.OnProgress(func(done, _ int) {
				_ = bar.Set(done)
			})

			state.printInfo(cmd.OutOrStdout(), "Processing %d chunks from %s", len(chunks), args[0])

			err = engine.ProcessChunks(cmd.Context(), args[0], outputDir)
			_ = bar.Finish()

			if err != nil {
				state.log.Error("Failed to process chunks: %v", err)
				state.printFailure(cmd.ErrOrStderr(), msgChunksFailed, err)

				return err
			}

			state.printSuccess(cmd.OutOrStdout(), msgChunksDone, len(chunks), outputDir)

			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, flagOutputDir, "o", defaultOutputDir, "directory for the generated files")
	cmd.Flags().IntVarP(&options.Workers, flagWorkers, "w", defaultWorkers, "requests in flight at once")
	cmd.Flags().StringVarP(&options.Format, flagFormat, "f", "", "output format: wav, mp3, ogg or flac")
	cmd.Flags().BoolVar(&options.Convert, flagConvert, false, "run voice conversion after synthesis")
	cmd.Flags().IntVar(&options.Retries, flagRetries, defaultRetries, "retries when the service is rate limiting")

	return cmd
}

func newHealthCommand(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the service and its model environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := state.client.HealthCheck(cmd.Context())
			if status != nil {
				for _, name := range slices.Sorted(maps.Keys(status.Checks)) {
					state.printInfo(cmd.OutOrStdout(), msgCheck, name, status.Checks[name])
				}
			}

			if err != nil {
				state.log.Error("Health check failed: %v", err)
				state.printFailure(cmd.ErrOrStderr(), msgUnhealthy, err)

				return err
			}

			state.printSuccess(cmd.OutOrStdout(), msgHealthy, status.JobsInUse, status.MaxJobs, status.Transcoder)

			return nil
		},
	}
}

func extensionFor(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return ".wav"
	}

	return "." + format
}

func writeAudio(path string, data []byte) error {
	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return fmt.Errorf(errFmtCreateOutDir, err)
	}

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return fmt.Errorf(errFmtWriteAudio, err)
	}

	return nil
}

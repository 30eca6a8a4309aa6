package tts_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/kaztts-service/internal/config"
	"github.com/book-expert/kaztts-service/internal/tts/audio"
	"github.com/stretchr/testify/require"
)

const (
	ttsSampleRate = 22050
	rvcSampleRate = 40000
)

// fakeEnv is a stand-in for a Python virtualenv: an activation script that
// exports a marker variable and a shell "model" script run through sh.
type fakeEnv struct {
	dir  string
	step config.StepConfig
}

func (e fakeEnv) lastArgs(t *testing.T) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(e.dir, "last_args"))
	require.NoError(t, err)

	return string(data)
}

func writeWAVFixture(t *testing.T, path string, sampleRate int) {
	t.Helper()

	data, err := audio.EncodePCM16(make([]int16, sampleRate/10), 1, sampleRate)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

// newFakeEnv creates a step whose script body is body. Inside body, $1 and $2
// are the script arguments and FIXTURE points at a valid WAV file.
func newFakeEnv(t *testing.T, sampleRate int, body string) fakeEnv {
	t.Helper()

	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.wav")
	writeWAVFixture(t, fixture, sampleRate)

	activate := filepath.Join(dir, "activate")
	require.NoError(t, os.WriteFile(activate, []byte("export KAZTTS_ACTIVATED=1\n"), 0o600))

	script := fmt.Sprintf(`#!/bin/sh
[ "$KAZTTS_ACTIVATED" = 1 ] || { echo "environment not activated" >&2; exit 3; }
FIXTURE=%q
printf '%%s\n%%s' "$1" "$2" > last_args
%s
`, fixture, body)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.sh"), []byte(script), 0o600))

	return fakeEnv{
		dir: dir,
		step: config.StepConfig{
			Activate:       activate,
			Interpreter:    "sh",
			Script:         "model.sh",
			Dir:            dir,
			TimeoutSeconds: 10,
		},
	}
}

func newTTSEnv(t *testing.T) fakeEnv {
	t.Helper()

	return newFakeEnv(t, ttsSampleRate, `cat "$FIXTURE" > "$2"`)
}

func newRVCEnv(t *testing.T) fakeEnv {
	t.Helper()

	return newFakeEnv(t, rvcSampleRate, `case ":$PYTHONPATH:" in
  *":$(pwd):"*) ;;
  *) echo "step dir missing from PYTHONPATH" >&2; exit 4 ;;
esac
[ -f "$1" ] || { echo "no input $1" >&2; exit 5; }
cat "$FIXTURE" > "$2"`)
}

func newFailingEnv(t *testing.T) fakeEnv {
	t.Helper()

	return newFakeEnv(t, ttsSampleRate, `echo "CUDA out of memory" >&2; exit 1`)
}

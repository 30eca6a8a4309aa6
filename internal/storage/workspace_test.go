package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/kaztts-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) *storage.Workspace {
	t.Helper()

	workspace, err := storage.NewWorkspace(filepath.Join(t.TempDir(), "static"), nil)
	require.NoError(t, err)

	return workspace
}

func TestNewOutputPath_Unique(t *testing.T) {
	t.Parallel()

	workspace := newWorkspace(t)

	first := workspace.NewOutputPath("output", ".wav")
	second := workspace.NewOutputPath("output", ".wav")

	assert.NotEqual(t, first, second)
	assert.Equal(t, workspace.Root(), filepath.Dir(first))
	assert.True(t, strings.HasPrefix(filepath.Base(first), "output-"))
	assert.Equal(t, ".wav", filepath.Ext(first))
	assert.Equal(t, filepath.Base(first), workspace.Name(first))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	workspace := newWorkspace(t)
	root := workspace.Root()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "relative", input: "output.wav", want: filepath.Join(root, "output.wav")},
		{name: "url prefix", input: "/static/output.wav", want: filepath.Join(root, "output.wav")},
		{name: "absolute inside", input: filepath.Join(root, "a", "b.wav"), want: filepath.Join(root, "a", "b.wav")},
		{name: "traversal", input: "../etc/passwd", wantErr: true},
		{name: "absolute outside", input: "/etc/passwd", wantErr: true},
		{name: "root itself", input: root, wantErr: true},
		{name: "empty", input: "  ", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := workspace.Resolve(testCase.input)
			if testCase.wantErr {
				require.ErrorIs(t, err, storage.ErrOutsideWorkspace)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestSaveUpload(t *testing.T) {
	t.Parallel()

	workspace := newWorkspace(t)

	path, err := workspace.SaveUpload(strings.NewReader("RIFF-data"), "voice sample.WAV", 100)
	require.NoError(t, err)
	assert.Equal(t, ".wav", filepath.Ext(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF-data", string(data))

	_, err = workspace.SaveUpload(strings.NewReader("x"), "notes.txt", 100)
	require.ErrorIs(t, err, storage.ErrNotAudioFile)

	_, err = workspace.SaveUpload(strings.NewReader("0123456789"), "big.wav", 4)
	require.ErrorIs(t, err, storage.ErrUploadTooLarge)

	entries, err := os.ReadDir(workspace.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "oversized upload must not be left behind")
}

func TestSweep(t *testing.T) {
	t.Parallel()

	workspace := newWorkspace(t)
	now := time.Now()

	oldFile := filepath.Join(workspace.Root(), "old.wav")
	newFile := filepath.Join(workspace.Root(), "new.wav")

	require.NoError(t, os.WriteFile(oldFile, []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(newFile, []byte("b"), 0o600))
	require.NoError(t, os.Chtimes(oldFile, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Mkdir(filepath.Join(workspace.Root(), "subdir"), 0o750))

	removed, err := workspace.Sweep(time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, oldFile)
	assert.FileExists(t, newFile)
	assert.DirExists(t, filepath.Join(workspace.Root(), "subdir"))
}

func TestRunJanitor(t *testing.T) {
	t.Parallel()

	workspace := newWorkspace(t)
	past := time.Now().Add(-2 * time.Hour)

	oldFile := filepath.Join(workspace.Root(), "old.wav")
	newFile := filepath.Join(workspace.Root(), "new.wav")

	require.NoError(t, os.WriteFile(oldFile, []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(newFile, []byte("b"), 0o600))
	require.NoError(t, os.Chtimes(oldFile, past, past))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		workspace.RunJanitor(ctx, 10*time.Millisecond, time.Hour)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(oldFile)

		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	assert.FileExists(t, newFile)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}
}

func TestRunJanitor_DisabledReturnsImmediately(t *testing.T) {
	t.Parallel()

	workspace := newWorkspace(t)
	done := make(chan struct{})

	go func() {
		defer close(done)

		workspace.RunJanitor(context.Background(), 0, time.Hour)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor with a zero interval should not run")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	workspace := newWorkspace(t)
	path := filepath.Join(workspace.Root(), "gone.wav")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	workspace.Remove(path)
	assert.NoFileExists(t, path)

	workspace.Remove(path)

	outside := filepath.Join(t.TempDir(), "keep.wav")
	require.NoError(t, os.WriteFile(outside, []byte("a"), 0o600))

	workspace.Remove(outside)
	assert.FileExists(t, outside)
}

func TestHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", storage.FormatFileSize(512))
	assert.Equal(t, "1.5 KB", storage.FormatFileSize(1536))
	assert.Equal(t, "2.0 MB", storage.FormatFileSize(2*1024*1024))
	assert.Equal(t, "45.2s", storage.FormatDuration(45.2))
	assert.Equal(t, "2m 5.0s", storage.FormatDuration(125))

	assert.True(t, storage.IsAudioFile("a.WAV"))
	assert.False(t, storage.IsAudioFile("a.txt"))

	assert.Equal(t, "passwd", storage.SanitizeFilename("../../etc/passwd"))
	assert.Equal(t, "a_b_c.wav", storage.SanitizeFilename("a b|c.wav"))
	assert.Empty(t, storage.SanitizeFilename(""))
}

// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-news-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "uploads")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.Equal(t, dir, store.Root())
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
			_ = os.Chmod(tempDir, 0o700)
		})

		_, err := local.New(local.Config{BaseDir: tempDir})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("ValidPut", func(t *testing.T) {
		path := "attachments/1760000000123_附件一.pdf"
		data := []byte("%PDF-1.7")
		uri, err := store.PutObject(context.Background(), path, "application/pdf", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("ExistingNameGetsSuffix", func(t *testing.T) {
		path := "attachments/1760000000123_调整表.pdf"
		first, err := store.PutObject(context.Background(), path, "application/pdf", bytes.NewReader([]byte("first")))
		require.NoError(t, err)
		second, err := store.PutObject(context.Background(), path, "application/pdf", bytes.NewReader([]byte("second")))
		require.NoError(t, err)
		third, err := store.PutObject(context.Background(), path, "application/pdf", bytes.NewReader([]byte("third")))
		require.NoError(t, err)

		assert.Equal(t, "file://"+filepath.Join(tempDir, path), first)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "attachments/1760000000123_调整表_1.pdf"), second)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "attachments/1760000000123_调整表_2.pdf"), third)

		// #nosec G304 -- test reads from the controlled temp directory.
		kept, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, "first", string(kept))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.txt", "text/plain", bytes.NewReader([]byte("x")))
		assert.ErrorContains(t, err, "path traversal")
	})

	t.Run("CanceledContextRemovesPartialFile", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		path := "attachments/canceled.pdf"
		_, err := store.PutObject(ctx, path, "application/pdf", bytes.NewReader([]byte("data")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.NoFileExists(t, filepath.Join(tempDir, path))
	})
}

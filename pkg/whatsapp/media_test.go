package whatsapp

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

func TestNewMessageMedia(t *testing.T) {
	media, err := NewMessageMedia("", pngHeader, "dot.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", media.MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pngHeader), media.Data)
	assert.Equal(t, int64(len(pngHeader)), media.FileSize)
	assert.Equal(t, "dot.png", media.Filename)

	media, err = NewMessageMedia("application/pdf", []byte("%PDF-1.4 not really"), "")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", media.MimeType, "an explicit type is kept")

	_, err = NewMessageMedia("", nil, "empty.bin")
	assert.ErrorIs(t, err, ErrEmptyMedia)
}

func TestMessageMediaFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("Detects Type From Content", func(t *testing.T) {
		path := filepath.Join(dir, "photo.png")
		require.NoError(t, os.WriteFile(path, pngHeader, 0o600))

		media, err := MessageMediaFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "photo.png", media.Filename)
		assert.Equal(t, "image/png", media.MimeType)

		decoded, err := base64.StdEncoding.DecodeString(media.Data)
		require.NoError(t, err)
		assert.Equal(t, pngHeader, decoded)
	})

	t.Run("Text", func(t *testing.T) {
		path := filepath.Join(dir, "notes.txt")
		require.NoError(t, os.WriteFile(path, []byte("meeting at noon\n"), 0o600))

		media, err := MessageMediaFromFile(path)
		require.NoError(t, err)
		assert.Contains(t, media.MimeType, "text/plain")
		assert.Equal(t, int64(16), media.FileSize)
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := MessageMediaFromFile(filepath.Join(dir, "missing.jpg"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Directory", func(t *testing.T) {
		_, err := MessageMediaFromFile(dir)
		assert.Error(t, err)
	})

	t.Run("Empty File", func(t *testing.T) {
		path := filepath.Join(dir, "empty.bin")
		require.NoError(t, os.WriteFile(path, nil, 0o600))
		_, err := MessageMediaFromFile(path)
		assert.ErrorIs(t, err, ErrEmptyMedia)
	})
}

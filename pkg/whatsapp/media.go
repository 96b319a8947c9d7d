// pkg/whatsapp/media.go
package whatsapp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// ErrEmptyMedia is returned for an attachment without content.
var ErrEmptyMedia = errors.New("media has no content")

// MessageMedia is a file sent with a message. Data holds the base64 encoded content,
// which is the form the page expects.
type MessageMedia struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
	FileSize int64  `json:"filesize,omitempty"`
}

// NewMessageMedia wraps content as an attachment. An empty mimeType is detected from
// the content.
func NewMessageMedia(mimeType string, content []byte, filename string) (*MessageMedia, error) {
	if len(content) == 0 {
		return nil, ErrEmptyMedia
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(content).String()
	}
	return &MessageMedia{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(content),
		Filename: filename,
		FileSize: int64(len(content)),
	}, nil
}

// MessageMediaFromFile reads path into an attachment named after the file. The MIME
// type is detected from the file content, falling back to application/octet-stream.
func MessageMediaFromFile(path string) (*MessageMedia, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read media file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("media path '%s' is a directory", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read media file: %w", err)
	}
	return NewMessageMedia("", content, filepath.Base(path))
}

func (m *MessageMedia) validate() error {
	if m.Data == "" {
		return ErrEmptyMedia
	}
	if m.MimeType == "" {
		return errors.New("media mimetype is required")
	}
	return nil
}

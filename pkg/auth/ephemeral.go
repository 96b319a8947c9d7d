// pkg/auth/ephemeral.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const (
	sessionFileName = "session.json"
	profileDirName  = "browser_data"
)

// EphemeralStore serializes the credential blob to <root>/<name>/session.json. The
// browser profile used alongside it lives in <root>/<name>/browser_data.
type EphemeralStore struct {
	root   string
	logger *zap.Logger
}

var _ Store = (*EphemeralStore)(nil)

// NewEphemeralStore creates a store rooted at root (DefaultDataPath when empty).
func NewEphemeralStore(root string, opts ...Option) (*EphemeralStore, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &EphemeralStore{
		root:   resolved,
		logger: o.logger.Named("auth").With(zap.String("strategy", string(KindEphemeral))),
	}, nil
}

func (s *EphemeralStore) Kind() Kind { return KindEphemeral }

// Root returns the resolved storage root.
func (s *EphemeralStore) Root() string { return s.root }

func (s *EphemeralStore) sessionDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *EphemeralStore) sessionFile(name string) string {
	return filepath.Join(s.root, name, sessionFileName)
}

// ProfileDir creates and returns the browser profile directory for name.
func (s *EphemeralStore) ProfileDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.sessionDir(name), profileDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", &StorageError{Op: "mkdir", Name: name, Err: err}
	}
	return dir, nil
}

// Load reads the stored session. A missing or unreadable file yields (nil, nil).
func (s *EphemeralStore) Load(ctx context.Context, name string) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.sessionFile(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Could not read stored session; starting fresh.", zap.String("session", name), zap.String("path", path), zap.Error(err))
		}
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("Stored session is corrupt; treating as absent.", zap.String("session", name), zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	if sess.Name != name {
		s.logger.Warn("Stored session belongs to a different name; treating as absent.",
			zap.String("session", name), zap.String("stored_name", sess.Name))
		return nil, nil
	}
	sess.Kind = KindEphemeral
	sess.ProfileDir = filepath.Join(s.sessionDir(name), profileDirName)
	return &sess, nil
}

// Save atomically replaces the stored session for name.
func (s *EphemeralStore) Save(ctx context.Context, name string, sess *Session) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("cannot save nil session '%s'", name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := *sess
	record.Name = name
	record.Kind = KindEphemeral
	if record.SavedAt.IsZero() {
		record.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return &StorageError{Op: "encode", Name: name, Err: err}
	}

	dir := s.sessionDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &StorageError{Op: "mkdir", Name: name, Err: err}
	}
	if err := writeFileAtomic(dir, sessionFileName, data); err != nil {
		return &StorageError{Op: "write", Name: name, Err: err}
	}
	s.logger.Debug("Saved session.", zap.String("session", name), zap.Int("blob_bytes", len(record.CredentialBlob)))
	return nil
}

// Clear removes the whole session directory, profile included.
func (s *EphemeralStore) Clear(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(name)); err != nil {
		return &StorageError{Op: "clear", Name: name, Err: err}
	}
	s.logger.Info("Cleared stored session.", zap.String("session", name))
	return nil
}

// writeFileAtomic writes data to a temp file in dir and renames it over name.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}

// pkg/auth/profile.go
package auth

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// profileMarker is written on Save so a profile the browser never populated still loads.
const profileMarker = ".wweb-session"

// ProfileStore treats the browser profile directory <root>/<name> as the credential
// material. Load and Save only make sure the directory exists.
type ProfileStore struct {
	root   string
	logger *zap.Logger
}

var _ Store = (*ProfileStore)(nil)

// NewProfileStore creates a store rooted at root (DefaultDataPath when empty).
func NewProfileStore(root string, opts ...Option) (*ProfileStore, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &ProfileStore{
		root:   resolved,
		logger: o.logger.Named("auth").With(zap.String("strategy", string(KindProfile))),
	}, nil
}

func (s *ProfileStore) Kind() Kind { return KindProfile }

// Root returns the resolved storage root.
func (s *ProfileStore) Root() string { return s.root }

func (s *ProfileStore) ProfileDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", &StorageError{Op: "mkdir", Name: name, Err: err}
	}
	return dir, nil
}

// Load reports a session when the profile directory exists and is non-empty.
func (s *ProfileStore) Load(ctx context.Context, name string) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Could not inspect profile directory; starting fresh.", zap.String("session", name), zap.Error(err))
		}
		return nil, nil
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &Session{Name: name, Kind: KindProfile, ProfileDir: dir}, nil
}

// Save ensures the profile directory exists and stamps it with a marker file. The
// browser itself writes the credentials.
func (s *ProfileStore) Save(ctx context.Context, name string, _ *Session) error {
	dir, err := s.ProfileDir(name)
	if err != nil {
		return err
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := writeFileAtomic(dir, profileMarker, stamp); err != nil {
		return &StorageError{Op: "write", Name: name, Err: err}
	}
	return nil
}

func (s *ProfileStore) Clear(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
		return &StorageError{Op: "clear", Name: name, Err: err}
	}
	s.logger.Info("Removed browser profile.", zap.String("session", name))
	return nil
}

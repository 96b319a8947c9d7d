// pkg/auth/store.go

// Package auth persists the credential material that lets a WhatsApp Web client
// reconnect without scanning a new QR code.
package auth

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
)

// Kind identifies a storage strategy.
type Kind string

const (
	// KindEphemeral keeps an opaque serialized blob in a file next to the profile.
	KindEphemeral Kind = "EPHEMERAL"
	// KindProfile relies on the browser's own on-disk profile directory.
	KindProfile Kind = "PERSISTENT_PROFILE"
)

// DefaultDataPath is the storage root used when none is configured.
const DefaultDataPath = "~/.cache/wweb-go"

// ErrInvalidSessionName is returned for names that cannot safely key a directory.
var ErrInvalidSessionName = errors.New("invalid session name")

// Session is the persisted credential material of one named client.
type Session struct {
	Name           string    `json:"session_name"`
	Kind           Kind      `json:"kind"`
	CredentialBlob []byte    `json:"credential_blob,omitempty"`
	ProfileDir     string    `json:"profile_dir,omitempty"`
	SavedAt        time.Time `json:"saved_at"`
}

// Store loads, saves and clears sessions keyed by name.
//
// Load returns (nil, nil) when no usable session exists. Two clients must not use the
// same name against the same root at the same time; this is not enforced.
type Store interface {
	Kind() Kind
	// ProfileDir is the browser profile directory for name. Both strategies use one.
	ProfileDir(name string) (string, error)
	Load(ctx context.Context, name string) (*Session, error)
	Save(ctx context.Context, name string, s *Session) error
	Clear(ctx context.Context, name string) error
}

// StorageError reports a filesystem failure in a Store.
type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session storage %s '%s' failed: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ValidateName rejects names that are empty, contain a path separator or would escape
// the storage root.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidSessionName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: '%s'", ErrInvalidSessionName, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, filepath.Separator):
		return fmt.Errorf("%w: '%s' contains a path separator", ErrInvalidSessionName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: name contains a NUL byte", ErrInvalidSessionName)
	}
	return nil
}

// ResolveRoot expands a leading ~ and makes root absolute. An empty root resolves to
// DefaultDataPath.
func ResolveRoot(root string) (string, error) {
	if root == "" {
		root = DefaultDataPath
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return "", fmt.Errorf("could not resolve session data path '%s': %w", root, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not resolve session data path '%s': %w", root, err)
	}
	return abs, nil
}

// New returns the store for kind rooted at root.
func New(kind Kind, root string, opts ...Option) (Store, error) {
	switch kind {
	case KindEphemeral:
		return NewEphemeralStore(root, opts...)
	case KindProfile:
		return NewProfileStore(root, opts...)
	default:
		return nil, fmt.Errorf("unknown session strategy '%s'", kind)
	}
}

// ParseKind maps the configuration spelling of a strategy to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ephemeral", strings.ToLower(string(KindEphemeral)):
		return KindEphemeral, nil
	case "profile", "persistent", strings.ToLower(string(KindProfile)):
		return KindProfile, nil
	default:
		return "", fmt.Errorf("unknown session strategy '%s' (want 'ephemeral' or 'profile')", s)
	}
}

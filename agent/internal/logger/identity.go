package logger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// IdentityProvider supplies the install identifier sent with every record.
type IdentityProvider interface {
	InstallID() string
}

// StaticIdentity is a fixed install identifier.
type StaticIdentity string

func (s StaticIdentity) InstallID() string { return string(s) }

// NewRandomIdentity returns a fresh random identifier that lives as long as
// the process.
func NewRandomIdentity() StaticIdentity {
	return StaticIdentity(strings.ToUpper(uuid.NewString()))
}

// FileIdentity returns the identifier stored at path, creating the file
// with a new random identifier on first use so the value survives restarts.
func FileIdentity(path string) (StaticIdentity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := uuid.ParseBytes([]byte(strings.TrimSpace(string(data))))
		if perr == nil {
			return StaticIdentity(strings.ToUpper(id.String())), nil
		}
		// Unreadable content is replaced rather than sent.
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("logger: read install id: %w", err)
	}

	id := NewRandomIdentity()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("logger: create install id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(string(id)+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("logger: write install id: %w", err)
	}
	return id, nil
}

// DeviceInfo describes the device that produced a record.
type DeviceInfo interface {
	Model() string
}

// StaticDevice is a fixed device model.
type StaticDevice string

func (s StaticDevice) Model() string { return string(s) }

// HostDevice reports the operating system and architecture of the running
// binary, e.g. "linux-amd64".
type HostDevice struct{}

func (HostDevice) Model() string { return runtime.GOOS + "-" + runtime.GOARCH }

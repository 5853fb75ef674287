package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// InstallationID returns the identifier stored at path, generating and
// atomically persisting a random one, if the file is missing or invalid.
func InstallationID(path string) (string, error) {
	if path == "" {
		return "", errors.New("config: empty installation id path")
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id, err := uuid.Parse(strings.TrimSpace(string(b))); err == nil {
			return id.String(), nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("config: read installation id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("config: write installation id: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("config: write installation id: %w", err)
	}
	return id, nil
}

package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// defaultDocumentTemplate is written verbatim the first time minipx starts
// against a config path that does not yet exist.
//
//go:embed default_config.json
var defaultDocumentTemplate []byte

// FileExists reports whether path names an existing file.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateDefaultConfig writes the embedded default document to path,
// creating any missing parent directories first.
func CreateDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IoError{Cause: fmt.Errorf("create config directory: %w", err)}
	}
	if err := os.WriteFile(path, defaultDocumentTemplate, 0o644); err != nil {
		return &IoError{Cause: fmt.Errorf("write default config: %w", err)}
	}
	return nil
}

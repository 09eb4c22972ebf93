package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/starkbot/internal/defaults"
)

// runInit initializes a Starkbot working directory with the bundled
// config and persona. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Starkbot workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}

	// The config carries API keys and possibly a private key.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	personaPath := filepath.Join(dir, "persona.md")
	if err := writeIfMissing(personaPath, defaults.PersonaMD, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", personaPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set your API keys, and RPC endpoint.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Package sidecar persists per-screen phase artifacts beside the screen's
// source file. Every screen gets its own hidden directory, so concurrent
// workers never touch the same file and no locking is needed.
package sidecar

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifact names written by the pipeline phases.
const (
	ArtifactAnalysis     = "analysis.json"
	ArtifactDecision     = "decision.json"
	ArtifactHardened     = "hardened.json"
	ArtifactVerification = "verification.json"
)

// DefaultPrefix names the hidden sidecar directory: <prefix><file stem>/.
const DefaultPrefix = ".temper-"

// Store derives sidecar directories from screen source locations and
// performs artifact IO inside them.
type Store struct {
	prefix string
}

// NewStore builds a store. An empty prefix falls back to DefaultPrefix.
func NewStore(prefix string) *Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return &Store{prefix: prefix}
}

// Dir returns the sidecar directory for the screen at fullPath: a hidden
// directory next to the source file, keyed by the file stem.
func (s *Store) Dir(fullPath string) string {
	base := filepath.Base(fullPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(fullPath), s.prefix+stem)
}

// PreviewName returns the artifact name used for the verbatim hardened
// source preview, preserving the screen's original extension.
func (s *Store) PreviewName(fullPath string) string {
	ext := filepath.Ext(fullPath)
	return "preview" + ext
}

// Write stores content under the screen's sidecar directory, creating the
// directory (and parents) as needed. The original source file is never
// touched.
func (s *Store) Write(fullPath, artifact string, content []byte) error {
	dir := s.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sidecar: ensure %s: %w", dir, err)
	}
	path := filepath.Join(dir, artifact)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("sidecar: write %s: %w", path, err)
	}
	return nil
}

// Read returns a previously written artifact.
func (s *Store) Read(fullPath, artifact string) ([]byte, error) {
	path := filepath.Join(s.Dir(fullPath), artifact)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sidecar: read %s: %w", path, err)
	}
	return data, nil
}

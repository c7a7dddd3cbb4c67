// Package cache persists generated script artifacts on disk, one
// directory per fingerprint:
//
//	<root>/<fingerprint>/manifest.json
//	<root>/<fingerprint>/<entry>          (the script, e.g. script.py)
//	<root>/<fingerprint>/requirements.txt (only when the artifact has deps)
//	<root>/<fingerprint>/README.md
//
// A lookup is a hit only when the manifest parses and the entry script is
// readable; anything else is treated as a miss so a corrupted entry is
// regenerated rather than executed. Concurrent writers to the same
// fingerprint race last-writer-wins; both write the same fingerprint's
// content, so the surviving entry is always internally consistent.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kvothesson/capibara/internal/domain"
)

const (
	manifestFile     = "manifest.json"
	requirementsFile = "requirements.txt"
	readmeFile       = "README.md"

	// quarantineSuffix marks entries the integrity sweep pulled out of
	// service. Renamed entries are invisible to Get and List.
	quarantineSuffix = ".quarantined"
)

// Store is a directory-backed artifact cache keyed by fingerprint.
type Store struct {
	root    string
	logger  *slog.Logger
	metrics *Metrics // nil = metrics disabled
}

// NewStore creates a Store rooted at dir. The directory is created if missing.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", dir, err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// WithMetrics attaches cache metrics. Returns the store for chaining.
func (s *Store) WithMetrics(m *Metrics) *Store {
	s.metrics = m
	return s
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// EntryDir returns the directory for a fingerprint.
func (s *Store) EntryDir(fingerprint string) string {
	return filepath.Join(s.root, fingerprint)
}

// Get loads the artifact for fingerprint. The second return value is
// false on a miss — including when the directory exists but the manifest
// is unreadable, unparseable, or the entry script is gone.
func (s *Store) Get(fingerprint string) (*domain.Artifact, bool) {
	dir := s.EntryDir(fingerprint)

	manifest, err := readManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("cache entry unreadable, treating as miss",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
		}
		s.countLookup(false)
		return nil, false
	}

	entry := manifest.Entry
	if entry == "" {
		entry = domain.DefaultEntry
	}
	script, err := os.ReadFile(filepath.Join(dir, entry))
	if err != nil {
		s.logger.Warn("cache entry missing script, treating as miss",
			slog.String("fingerprint", fingerprint),
			slog.String("entry", entry),
		)
		s.countLookup(false)
		return nil, false
	}

	art := &domain.Artifact{
		Manifest: *manifest,
		Script:   string(script),
	}
	if b, err := os.ReadFile(filepath.Join(dir, requirementsFile)); err == nil {
		art.Requirements = string(b)
	}
	if b, err := os.ReadFile(filepath.Join(dir, readmeFile)); err == nil {
		art.Readme = string(b)
	}

	s.countLookup(true)
	return art, true
}

// Put writes the artifact under its manifest fingerprint, creating or
// overwriting the entry. Files are written individually; two concurrent
// Puts for the same fingerprint race last-writer-wins per file.
func (s *Store) Put(art *domain.Artifact) error {
	fp := art.Manifest.Fingerprint
	if fp == "" {
		return errors.New("artifact manifest has no fingerprint")
	}
	dir := s.EntryDir(fp)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating cache entry %s: %w", fp, err)
	}

	entry := art.Manifest.Entry
	if entry == "" {
		entry = domain.DefaultEntry
	}
	if err := os.WriteFile(filepath.Join(dir, entry), []byte(art.Script), 0640); err != nil {
		return fmt.Errorf("writing script for %s: %w", fp, err)
	}

	manifestJSON, err := json.MarshalIndent(art.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest for %s: %w", fp, err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), manifestJSON, 0640); err != nil {
		return fmt.Errorf("writing manifest for %s: %w", fp, err)
	}

	if art.Requirements != "" {
		if err := os.WriteFile(filepath.Join(dir, requirementsFile), []byte(art.Requirements), 0640); err != nil {
			return fmt.Errorf("writing requirements for %s: %w", fp, err)
		}
	}
	if art.Readme != "" {
		if err := os.WriteFile(filepath.Join(dir, readmeFile), []byte(art.Readme), 0640); err != nil {
			return fmt.Errorf("writing readme for %s: %w", fp, err)
		}
	}

	s.logger.Info("artifact cached",
		slog.String("fingerprint", fp),
		slog.Int("deps", len(art.Manifest.Deps)),
	)
	if s.metrics != nil {
		s.metrics.Writes.Inc()
	}
	return nil
}

// List returns the manifests of all readable entries, sorted by
// fingerprint. Entries with unparseable manifests are skipped, not fatal.
func (s *Store) List() ([]domain.Manifest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading cache root: %w", err)
	}

	var manifests []domain.Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), quarantineSuffix) {
			continue
		}
		m, err := readManifest(filepath.Join(s.root, e.Name(), manifestFile))
		if err != nil {
			s.logger.Warn("skipping cache entry with bad manifest",
				slog.String("dir", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		manifests = append(manifests, *m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Fingerprint < manifests[j].Fingerprint
	})
	return manifests, nil
}

// Delete removes a single cache entry. Removing a missing entry is not an error.
func (s *Store) Delete(fingerprint string) error {
	if err := os.RemoveAll(s.EntryDir(fingerprint)); err != nil {
		return fmt.Errorf("deleting cache entry %s: %w", fingerprint, err)
	}
	return nil
}

// Quarantine renames an entry out of service. A quarantined entry is
// invisible to Get and List but kept on disk for inspection.
func (s *Store) Quarantine(fingerprint string) error {
	src := s.EntryDir(fingerprint)
	dst := src + quarantineSuffix
	_ = os.RemoveAll(dst)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("quarantining cache entry %s: %w", fingerprint, err)
	}
	s.logger.Warn("cache entry quarantined", slog.String("fingerprint", fingerprint))
	return nil
}

// Clear deletes every entry by removing and recreating the cache root.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("clearing cache root: %w", err)
	}
	if err := os.MkdirAll(s.root, 0750); err != nil {
		return fmt.Errorf("recreating cache root: %w", err)
	}
	s.logger.Info("cache cleared", slog.String("root", s.root))
	return nil
}

func (s *Store) countLookup(hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.Hits.Inc()
	} else {
		s.metrics.Misses.Inc()
	}
}

func readManifest(path string) (*domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m domain.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &m, nil
}

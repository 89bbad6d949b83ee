package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/sirupsen/logrus"
)

const (
	currentFile    = "CURRENT"
	artifactPrefix = "model-"
	artifactSuffix = ".json"
)

// Store keeps model artifacts as immutable, versioned files in one directory
// and publishes the current version through the CURRENT pointer file.
//
// Publish writes the artifact to a temporary file, fsyncs it, links it to its
// final versioned name and only then atomically renames a new CURRENT into
// place. A reader resolving CURRENT therefore always finds a complete file.
//
// Thread Safety: Publish and Prune serialize on a mutex; Load never blocks on them.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens (creating if needed) the artifact directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: model directory is required", canary.ErrPersistence)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating model directory %s: %v", canary.ErrPersistence, dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string { return s.dir }

func artifactName(version uint64) string {
	return fmt.Sprintf("%s%06d%s", artifactPrefix, version, artifactSuffix)
}

func parseArtifactName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, artifactPrefix) || !strings.HasSuffix(name, artifactSuffix) {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, artifactPrefix), artifactSuffix), 10, 64)
	return v, err == nil
}

// Versions returns all published versions in ascending order.
func (s *Store) Versions() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", canary.ErrPersistence, s.dir, err)
	}
	var versions []uint64
	for _, e := range entries {
		if v, ok := parseArtifactName(e.Name()); ok && !e.IsDir() {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	return versions, nil
}

// Publish assigns m the next version, writes it and makes it current.
// On error the previously current version stays current. If another process
// has meanwhile published a higher version, the artifact is kept but CURRENT
// is left on (or moved to) the highest version.
func (s *Store) Publish(m *Model) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.Versions()
	if err != nil {
		return 0, err
	}
	next := uint64(1)
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	// Another process may publish concurrently; link fails on an existing
	// name, so retry with the following version.
	for attempt := 0; attempt < 8; attempt++ {
		m.Version = next
		data, err := Encode(m)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", canary.ErrPersistence, err)
		}
		tmp, err := s.writeTemp(".model-*.tmp", data)
		if err != nil {
			return 0, err
		}
		err = os.Link(tmp, filepath.Join(s.dir, artifactName(next)))
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrExist) {
			next++
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: linking artifact %d: %v", canary.ErrPersistence, next, err)
		}
		cur, err := s.advanceCurrent()
		if err != nil {
			return 0, err
		}
		if cur != next {
			logrus.WithFields(logrus.Fields{
				"version": next,
				"current": cur,
			}).Info("newer model already current; published artifact without repointing")
			return next, nil
		}
		logrus.WithFields(logrus.Fields{
			"version":   next,
			"algorithm": m.Algorithm,
			"records":   m.Records,
		}).Info("published model artifact")
		return next, nil
	}
	return 0, fmt.Errorf("%w: could not claim a version after %d", canary.ErrPersistence, next)
}

// Load decodes the current model. It returns canary.ErrModelUnavailable when
// nothing has been published yet.
//
// An artifact pruned between resolving CURRENT and reading it is retried
// against the new CURRENT.
func (s *Store) Load() (*Model, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var m *Model
		m, err = s.loadCurrent()
		if !errors.Is(err, fs.ErrNotExist) {
			return m, err
		}
	}
	return nil, err
}

func (s *Store) loadCurrent() (*Model, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, canary.ErrModelUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", canary.ErrPersistence, currentFile, err)
	}
	name := strings.TrimSpace(string(data))
	version, ok := parseArtifactName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s points at %q", ErrIncompatibleArtifact, currentFile, name)
	}
	return s.LoadVersion(version)
}

// LoadVersion decodes a specific published version.
func (s *Store) LoadVersion(version uint64) (*Model, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, artifactName(version)))
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact %d: %w", canary.ErrPersistence, version, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if m.Version != version {
		return nil, fmt.Errorf("%w: file for version %d holds version %d", ErrIncompatibleArtifact, version, m.Version)
	}
	return m, nil
}

// Prune removes all but the newest keep versions. The current version is never removed.
func (s *Store) Prune(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.Versions()
	if err != nil {
		return err
	}
	if keep < 1 {
		keep = 1
	}
	if len(versions) <= keep {
		return nil
	}
	current, _ := os.ReadFile(filepath.Join(s.dir, currentFile))
	var errs []error
	for _, v := range versions[:len(versions)-keep] {
		name := artifactName(v)
		if strings.TrimSpace(string(current)) == name {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: pruning: %w", canary.ErrPersistence, errors.Join(errs...))
	}
	return nil
}

// currentVersion reports the version CURRENT points at, if any.
func (s *Store) currentVersion() (uint64, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if err != nil {
		return 0, false
	}
	return parseArtifactName(strings.TrimSpace(string(data)))
}

// advanceCurrent points CURRENT at the highest published version unless it
// already points there or higher, and returns the version it ends on.
// Re-checking after every rename lets concurrent publishers converge on the
// highest version.
func (s *Store) advanceCurrent() (uint64, error) {
	for {
		versions, err := s.Versions()
		if err != nil {
			return 0, err
		}
		if len(versions) == 0 {
			return 0, nil
		}
		top := versions[len(versions)-1]
		if cur, ok := s.currentVersion(); ok && cur >= top {
			return cur, nil
		}
		if err := s.setCurrent(artifactName(top)); err != nil {
			return 0, err
		}
	}
}

// setCurrent atomically repoints CURRENT at name.
func (s *Store) setCurrent(name string) error {
	tmp, err := s.writeTemp(".CURRENT-*.tmp", []byte(name+"\n"))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, currentFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: publishing %s: %v", canary.ErrPersistence, currentFile, err)
	}
	s.syncDir()
	return nil
}

// writeTemp writes data to a new fsynced temporary file in the store directory.
func (s *Store) writeTemp(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return "", fmt.Errorf("%w: creating temp file: %v", canary.ErrPersistence, err)
	}
	name := f.Name()
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("%w: writing %s: %v", canary.ErrPersistence, name, werr)
	}
	return name, nil
}

// syncDir flushes directory entries so a rename survives a crash. Best effort.
func (s *Store) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logrus.Debugf("syncing model directory %s: %v", s.dir, err)
	}
}

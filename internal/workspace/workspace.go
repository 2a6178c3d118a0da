// Package workspace allocates per-job scratch paths under a shared storage
// root. Every name starts with "{job_id}_{attempt}_" so concurrent jobs, and
// successive attempts of one job, never touch the same file.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sweepBatch bounds how many directory entries are read per step of a sweep
const sweepBatch = 256

// Manager owns the storage root
type Manager struct {
	root string
	log  *logrus.Entry

	mu     sync.Mutex
	active map[string]int
}

// NewManager creates the root directory if it doesn't exist
func NewManager(root string, logger *logrus.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	logger.Infof("Workspace root ready: %s", root)
	return &Manager{
		root:   root,
		log:    logger.WithField("component", "workspace"),
		active: make(map[string]int),
	}, nil
}

// Root returns the storage root
func (m *Manager) Root() string {
	return m.root
}

// PathFor returns the first-attempt path for role
func (m *Manager) PathFor(jobID, role string) string {
	return m.Scope(jobID, 0).Path(role)
}

// Scope returns the namespace for one attempt of a job
func (m *Manager) Scope(jobID string, attempt int) *Scope {
	return &Scope{
		root:   m.root,
		prefix: jobID + "_" + strconv.Itoa(attempt) + "_",
	}
}

// Activate marks a job as running so sweeps leave its files alone.
// Calls nest; each Activate needs a matching Deactivate.
func (m *Manager) Activate(jobID string) {
	m.mu.Lock()
	m.active[jobID]++
	m.mu.Unlock()
}

// Deactivate undoes one Activate
func (m *Manager) Deactivate(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[jobID] <= 1 {
		delete(m.active, jobID)
		return
	}
	m.active[jobID]--
}

func (m *Manager) isActive(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[jobID] > 0
}

// Cleanup removes every path of every attempt of jobID
func (m *Manager) Cleanup(jobID string) error {
	return removeGlob(filepath.Join(m.root, jobID+"_*"))
}

// SweepStats summarises one sweep
type SweepStats struct {
	Scanned int
	Deleted int
	Bytes   int64
}

// Sweep deletes entries older than ttl, skipping active jobs. It reads the
// root in batches and stops early when ctx is done.
func (m *Manager) Sweep(ctx context.Context, ttl time.Duration) (SweepStats, error) {
	var stats SweepStats

	dir, err := os.Open(m.root)
	if err != nil {
		return stats, fmt.Errorf("failed to open workspace root: %w", err)
	}
	defer dir.Close()

	cutoff := time.Now().Add(-ttl)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		entries, err := dir.ReadDir(sweepBatch)
		for _, entry := range entries {
			stats.Scanned++
			// Entries not named {job_id}_... belong to someone else, e.g. outputs
			jobID, ok := jobOf(entry.Name())
			if !ok || m.isActive(jobID) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				// Skip files we can't access
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}

			path := filepath.Join(m.root, entry.Name())
			size := info.Size()
			if err := os.RemoveAll(path); err != nil {
				m.log.WithError(err).Warnf("Failed to delete old file %s", path)
				continue
			}
			stats.Deleted++
			stats.Bytes += size
			m.log.Debugf("Deleted old temp file: %s (age: %s)", entry.Name(), time.Since(info.ModTime()).Round(time.Second))
		}

		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read workspace root: %w", err)
		}
	}
}

// jobOf extracts the job id from a workspace entry name
func jobOf(name string) (string, bool) {
	id, _, ok := strings.Cut(name, "_")
	return id, ok && id != ""
}

// Scope is the set of paths one attempt of one job may use
type Scope struct {
	root   string
	prefix string
}

// Path returns the file path for role, e.g. "input.mp4" or "output.mp3".
// Path separators in role are flattened.
func (s *Scope) Path(role string) string {
	return filepath.Join(s.root, s.prefix+sanitizeRole(role))
}

// Dir creates and returns a directory for role, for tools that write
// several files (whisper, ffmpeg segmenters).
func (s *Scope) Dir(role string) (string, error) {
	dir := s.Path(role)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace dir: %w", err)
	}
	return dir, nil
}

// Cleanup removes everything this attempt created
func (s *Scope) Cleanup() error {
	return removeGlob(filepath.Join(s.root, s.prefix+"*"))
}

func sanitizeRole(role string) string {
	role = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(role)
	if role == "" {
		role = "file"
	}
	return role
}

func removeGlob(pattern string) error {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	var errs []error
	for _, path := range matches {
		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

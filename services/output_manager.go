package services

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
)

// Job directory layout under the output root
const (
	artifactsDir = "artifacts"
	tempDir      = "tmp"
	metadataDir  = "metadata"
	cookiesFile  = "cookies.txt"
)

// DiskUsage is the used and free byte count of a filesystem
type DiskUsage struct {
	Used uint64 `json:"used"`
	Free uint64 `json:"free"`
}

// DiskStater reports usage of the filesystem holding path
type DiskStater interface {
	DiskUsage(path string) (DiskUsage, error)
}

// DiskStaterFunc adapts a function to DiskStater
type DiskStaterFunc func(path string) (DiskUsage, error)

func (f DiskStaterFunc) DiskUsage(path string) (DiskUsage, error) { return f(path) }

// OutputManager owns the per-job directories under the output root and
// keeps enough free space for new jobs by evicting the oldest ones. It does
// no locking around eviction; callers must not request space for the same
// job concurrently.
type OutputManager struct {
	root  string
	disk  DiskStater
	clock Clock

	mu        sync.Mutex
	protected map[string]int
}

// OutputOption configures an OutputManager
type OutputOption func(*OutputManager)

// WithDiskStater replaces the filesystem statistics source
func WithDiskStater(d DiskStater) OutputOption {
	return func(m *OutputManager) {
		m.disk = d
	}
}

// WithOutputClock replaces time.Now for age calculations
func WithOutputClock(clock Clock) OutputOption {
	return func(m *OutputManager) {
		m.clock = clock
	}
}

// NewOutputManager creates root if needed
func NewOutputManager(root string, opts ...OutputOption) (*OutputManager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output root %s: %w", root, err)
	}
	m := &OutputManager{
		root:      root,
		disk:      systemDisk{},
		clock:     time.Now,
		protected: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *OutputManager) Root() string {
	return m.root
}

func (m *OutputManager) JobRoot(jobID string) string {
	return filepath.Join(m.root, jobID)
}

func (m *OutputManager) TempDir(jobID string) string {
	return filepath.Join(m.root, jobID, tempDir)
}

func (m *OutputManager) ArtifactPath(jobID, filename string) string {
	return filepath.Join(m.root, jobID, artifactsDir, filepath.Base(filename))
}

func (m *OutputManager) TempPath(jobID, filename string) string {
	return filepath.Join(m.root, jobID, tempDir, filepath.Base(filename))
}

func (m *OutputManager) MetadataPath(jobID, filename string) string {
	return filepath.Join(m.root, jobID, metadataDir, filepath.Base(filename))
}

// PrepareJob creates the artifacts, tmp and metadata directories of a job
func (m *OutputManager) PrepareJob(jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	root := m.JobRoot(jobID)
	for _, sub := range []string{artifactsDir, tempDir, metadataDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return "", fmt.Errorf("prepare job %s: %w", jobID, err)
		}
	}
	return root, nil
}

// WriteMetadata stores v as indented JSON under the job's metadata directory
func (m *OutputManager) WriteMetadata(jobID, filename string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata %s: %w", filename, err)
	}
	path := m.MetadataPath(jobID, filename)
	if err := writeFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// WriteCookies stores an opaque cookie blob for the fetch tool, unmodified
func (m *OutputManager) WriteCookies(jobID string, content []byte) (string, error) {
	path := m.TempPath(jobID, cookiesFile)
	if err := writeFileAtomic(path, content, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// CleanupJob deletes the whole job directory
func (m *OutputManager) CleanupJob(jobID string) error {
	if err := validateJobID(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(m.JobRoot(jobID)); err != nil {
		return fmt.Errorf("cleanup job %s: %w", jobID, err)
	}
	return nil
}

// CleanupAll deletes every job directory, collecting failures
func (m *OutputManager) CleanupAll() error {
	jobs, err := m.ListJobs()
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, dir := range jobs {
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ListJobs returns the job directories under the root, sorted by name
func (m *OutputManager) ListJobs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read output root %s: %w", m.root, err)
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(m.root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Protect excludes a job directory from eviction and pruning until the
// matching Unprotect.
func (m *OutputManager) Protect(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protected[jobID]++
}

func (m *OutputManager) Unprotect(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.protected[jobID] <= 1 {
		delete(m.protected, jobID)
		return
	}
	m.protected[jobID]--
}

func (m *OutputManager) isProtected(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protected[jobID] > 0
}

// OldestJob returns the unprotected job directory with the oldest
// modification time. The second result is false when there is none.
func (m *OutputManager) OldestJob() (string, bool, error) {
	jobs, err := m.ListJobs()
	if err != nil {
		return "", false, err
	}
	var oldest string
	var oldestTime time.Time
	for _, dir := range jobs {
		if m.isProtected(filepath.Base(dir)) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if oldest == "" || info.ModTime().Before(oldestTime) {
			oldest = dir
			oldestTime = info.ModTime()
		}
	}
	return oldest, oldest != "", nil
}

// GetDiskUsage reports used and free bytes on the filesystem of the root
func (m *OutputManager) GetDiskUsage() (used, free uint64, err error) {
	usage, err := m.disk.DiskUsage(m.root)
	if err != nil {
		return 0, 0, fmt.Errorf("disk usage of %s: %w", m.root, err)
	}
	return usage.Used, usage.Free, nil
}

// EnsureFreeSpace makes sure requiredBytes plus minFreeBytes are available,
// deleting the oldest job directories one at a time until they are. It
// returns false and a remediation message when that is not possible.
func (m *OutputManager) EnsureFreeSpace(requiredBytes, minFreeBytes uint64) (bool, string) {
	_, free, err := m.GetDiskUsage()
	if err != nil {
		return false, fmt.Sprintf("Unable to check free disk space: %v", err)
	}
	needed := requiredBytes + minFreeBytes
	if free >= needed {
		return true, ""
	}

	var freed uint64
	for free+freed < needed {
		oldest, ok, err := m.OldestJob()
		if err != nil {
			return false, fmt.Sprintf("Unable to list job directories: %v", err)
		}
		if !ok {
			return false, fmt.Sprintf(
				"Insufficient disk space: %s free, %s required. Clear files manually or increase disk space.",
				humanize.Bytes(free+freed), humanize.Bytes(requiredBytes))
		}
		size, err := dirSize(oldest)
		if err != nil {
			log.Warnf("measuring %s: %v", oldest, err)
		}
		if err := os.RemoveAll(oldest); err != nil {
			return false, fmt.Sprintf("Unable to evict %s: %v. Clear files manually.", filepath.Base(oldest), err)
		}
		freed += size
		log.Infof("evicted job %s, freed %s", filepath.Base(oldest), humanize.Bytes(size))
	}
	return true, ""
}

// PruneResult summarizes a PruneOlderThan pass
type PruneResult struct {
	Removed []string
	Freed   uint64
}

// PruneOlderThan deletes unprotected job directories not modified within maxAge
func (m *OutputManager) PruneOlderThan(maxAge time.Duration) (PruneResult, error) {
	var res PruneResult
	jobs, err := m.ListJobs()
	if err != nil {
		return res, err
	}
	now := m.clock()
	var errs *multierror.Error
	for _, dir := range jobs {
		jobID := filepath.Base(dir)
		if m.isProtected(jobID) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		size, err := dirSize(dir)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		res.Removed = append(res.Removed, jobID)
		res.Freed += size
	}
	return res, errs.ErrorOrNil()
}

func dirSize(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}

func validateJobID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".mg-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

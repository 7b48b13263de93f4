package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeJobDir creates a job directory holding size bytes, last modified age ago
func makeJobDir(t *testing.T, m *OutputManager, jobID string, size int, age time.Duration) {
	t.Helper()
	_, err := m.PrepareJob(jobID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.ArtifactPath(jobID, "media.mp4"), make([]byte, size), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(m.JobRoot(jobID), mtime, mtime))
}

func TestEnsureFreeSpaceWithRoom(t *testing.T) {
	m, err := NewOutputManager(t.TempDir(), WithDiskStater(fixedDisk(1<<30)))
	require.NoError(t, err)
	makeJobDir(t, m, "keep", 10, time.Hour)

	ok, msg := m.EnsureFreeSpace(1<<20, 1<<20)
	assert.True(t, ok)
	assert.Empty(t, msg)
	assert.DirExists(t, m.JobRoot("keep"))
}

func TestEnsureFreeSpaceNothingToEvict(t *testing.T) {
	m, err := NewOutputManager(t.TempDir(), WithDiskStater(fixedDisk(0)))
	require.NoError(t, err)

	ok, msg := m.EnsureFreeSpace(1<<20, 0)
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(msg, "Insufficient disk space:"), msg)
	assert.Contains(t, msg, "1.0 MB required")
}

func TestEnsureFreeSpaceEvictsOldestFirst(t *testing.T) {
	m, err := NewOutputManager(t.TempDir(), WithDiskStater(fixedDisk(0)))
	require.NoError(t, err)
	makeJobDir(t, m, "old", 60, 2*time.Hour)
	makeJobDir(t, m, "new", 60, time.Hour)

	ok, msg := m.EnsureFreeSpace(50, 0)
	require.True(t, ok, msg)
	assert.NoDirExists(t, m.JobRoot("old"))
	assert.DirExists(t, m.JobRoot("new"))

	ok, _ = m.EnsureFreeSpace(50, 0)
	assert.True(t, ok)
	assert.NoDirExists(t, m.JobRoot("new"))
}

func TestEnsureFreeSpaceSkipsProtectedJobs(t *testing.T) {
	m, err := NewOutputManager(t.TempDir(), WithDiskStater(fixedDisk(0)))
	require.NoError(t, err)
	makeJobDir(t, m, "running", 100, 3*time.Hour)
	makeJobDir(t, m, "done", 100, time.Hour)

	m.Protect("running")
	ok, _ := m.EnsureFreeSpace(150, 0)
	assert.False(t, ok)
	assert.DirExists(t, m.JobRoot("running"))
	assert.NoDirExists(t, m.JobRoot("done"))

	m.Unprotect("running")
	ok, _ = m.EnsureFreeSpace(50, 0)
	assert.True(t, ok)
	assert.NoDirExists(t, m.JobRoot("running"))
}

func TestProtectIsCounted(t *testing.T) {
	m, err := NewOutputManager(t.TempDir())
	require.NoError(t, err)

	m.Protect("a")
	m.Protect("a")
	m.Unprotect("a")
	assert.True(t, m.isProtected("a"))
	m.Unprotect("a")
	assert.False(t, m.isProtected("a"))
}

func TestPrepareJobLayout(t *testing.T) {
	m, err := NewOutputManager(t.TempDir())
	require.NoError(t, err)

	root, err := m.PrepareJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, m.JobRoot("job-1"), root)
	for _, sub := range []string{artifactsDir, tempDir, metadataDir} {
		assert.DirExists(t, filepath.Join(root, sub))
	}

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := m.PrepareJob(bad)
		assert.Error(t, err, "job id %q", bad)
	}
}

func TestPathHelpersStripDirectories(t *testing.T) {
	m, err := NewOutputManager(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.Root(), "j", artifactsDir, "x.mp4"), m.ArtifactPath("j", "../../x.mp4"))
	assert.Equal(t, filepath.Join(m.Root(), "j", tempDir, "x.part"), m.TempPath("j", "/etc/x.part"))
}

func TestWriteMetadataAndCookies(t *testing.T) {
	m, err := NewOutputManager(t.TempDir())
	require.NoError(t, err)
	_, err = m.PrepareJob("job")
	require.NoError(t, err)

	path, err := m.WriteMetadata("job", "job.json", map[string]string{"title": "x"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"x"}`, string(data))

	cookies := []byte("# Netscape HTTP Cookie File\n")
	path, err = m.WriteCookies("job", cookies)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cookies, got)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(m.MetadataPath("job", ""), ".mg-tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestCleanupJobAndAll(t *testing.T) {
	m, err := NewOutputManager(t.TempDir())
	require.NoError(t, err)
	makeJobDir(t, m, "a", 1, 0)
	makeJobDir(t, m, "b", 1, 0)
	makeJobDir(t, m, "c", 1, 0)

	require.NoError(t, m.CleanupJob("a"))
	jobs, err := m.ListJobs()
	require.NoError(t, err)
	assert.Equal(t, []string{m.JobRoot("b"), m.JobRoot("c")}, jobs)

	require.NoError(t, m.CleanupAll())
	jobs, err = m.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)

	assert.Error(t, m.CleanupJob(".."))
}

func TestPruneOlderThan(t *testing.T) {
	m, err := NewOutputManager(t.TempDir())
	require.NoError(t, err)
	makeJobDir(t, m, "stale", 100, 48*time.Hour)
	makeJobDir(t, m, "busy", 100, 48*time.Hour)
	makeJobDir(t, m, "fresh", 100, time.Hour)
	m.Protect("busy")

	res, err := m.PruneOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, res.Removed)
	assert.Equal(t, uint64(100), res.Freed)
	assert.DirExists(t, m.JobRoot("busy"))
	assert.DirExists(t, m.JobRoot("fresh"))
}

func TestPruneOlderThanUsesClock(t *testing.T) {
	clock := newFakeClock()
	clock.now = time.Now().Add(72 * time.Hour)
	m, err := NewOutputManager(t.TempDir(), WithOutputClock(clock.Now))
	require.NoError(t, err)
	makeJobDir(t, m, "job", 10, 0)

	res, err := m.PruneOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"job"}, res.Removed)
}

func TestGetDiskUsage(t *testing.T) {
	m, err := NewOutputManager(t.TempDir(), WithDiskStater(fixedDisk(42)))
	require.NoError(t, err)

	used, free, err := m.GetDiskUsage()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), used)
	assert.Equal(t, uint64(42), free)
}

func TestSystemDiskReportsFreeSpace(t *testing.T) {
	usage, err := systemDisk{}.DiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, usage.Free+usage.Used, uint64(0))
}

package archive

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steelcutops/userctl/userctl/audit"
	"github.com/steelcutops/userctl/userctl/errdefs"
	um "github.com/steelcutops/userctl/userctl/usermanager"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	log, _ := test.NewNullLogger()
	return New(filepath.Join(t.TempDir(), "reports"), log)
}

func reportAt(t time.Time) audit.Report {
	return audit.Report{
		Timestamp: t,
		Sections:  []audit.Section{audit.SectionUsers},
		Content:   map[audit.Section]string{audit.SectionUsers: "Human accounts: 0"},
	}
}

func TestListNewestFirst(t *testing.T) {
	a := newTestArchive(t)
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Second)

	for _, ts := range []time.Time{t2, t3, t1} {
		_, err := a.Store(reportAt(ts))
		require.NoError(t, err)
	}

	entries, err := a.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, t3.Equal(entries[0].CreatedAt))
	assert.True(t, t2.Equal(entries[1].CreatedAt))
	assert.True(t, t1.Equal(entries[2].CreatedAt))

	latest, err := a.Latest()
	require.NoError(t, err)
	assert.Equal(t, entries[0], latest)
}

func TestStoreCollision(t *testing.T) {
	a := newTestArchive(t)
	r := reportAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local))

	first, err := a.Store(r)
	require.NoError(t, err)

	r.Content[audit.SectionUsers] = "changed"
	_, err = a.Store(r)
	assert.ErrorIs(t, err, errdefs.ErrCollision)

	body, err := a.Read(first.Name)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Human accounts: 0")
}

func TestStorePermissions(t *testing.T) {
	a := newTestArchive(t)
	entry, err := a.Store(reportAt(time.Now()))
	require.NoError(t, err)

	info, err := os.Stat(entry.Path)
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&^0640)
	assert.Equal(t, int64(len(reportAt(entry.CreatedAt).Render())), entry.SizeBytes)
}

func TestEmptyArchive(t *testing.T) {
	a := newTestArchive(t)

	entries, err := a.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = a.Latest()
	assert.ErrorIs(t, err, errdefs.ErrNoReportsAvailable)

	_, err = a.Read("audit_report_20240301_090000.txt")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestListIgnoresOtherFilesAndFallsBackToModTime(t *testing.T) {
	a := newTestArchive(t)
	_, err := a.Store(reportAt(time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local)))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(a.Root, "notes.txt"), []byte("x"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(a.Root, "audit_report_dir.txt"), 0700))
	manual := filepath.Join(a.Root, "audit_report_manual.txt")
	require.NoError(t, os.WriteFile(manual, []byte("manual"), 0600))
	mtime := time.Date(2022, 6, 1, 12, 0, 0, 0, time.Local)
	require.NoError(t, os.Chtimes(manual, mtime, mtime))

	entries, err := a.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "audit_report_manual.txt", entries[0].Name)
	assert.True(t, mtime.Equal(entries[0].CreatedAt))
}

func TestReadRejectsPathsOutsideRoot(t *testing.T) {
	a := newTestArchive(t)
	entry, err := a.Store(reportAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)))
	require.NoError(t, err)

	outside := filepath.Join(filepath.Dir(a.Root), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0600))
	require.NoError(t, os.Symlink(outside, filepath.Join(a.Root, "audit_report_link.txt")))

	for _, path := range []string{
		"../secret.txt",
		outside,
		"audit_report_link.txt",
		"/etc/passwd",
		".",
		a.Root,
	} {
		_, err := a.Read(path)
		assert.ErrorIs(t, err, errdefs.ErrNotFound, path)
	}

	body, err := a.Read(entry.Path)
	require.NoError(t, err)
	assert.NotEmpty(t, body)

	body, err = a.Read(entry.Name)
	require.NoError(t, err)
	assert.NotEmpty(t, body)
}

func TestEntryDisplay(t *testing.T) {
	e := Entry{CreatedAt: time.Date(2024, 3, 1, 14, 30, 5, 0, time.Local), SizeBytes: 2048}
	assert.Equal(t, "2024-03-01", e.Date())
	assert.Equal(t, "14:30:05", e.Time())
	assert.Equal(t, "2KiB", e.Size())
}

func TestGenerateStoreList(t *testing.T) {
	log, _ := test.NewNullLogger()
	manager := um.NewManager(um.NewMemoryBackend(1000), um.WithLogger(log))
	_, err := manager.Create(context.Background(), um.CreateRequest{Username: "jdoe", Role: um.RoleStudent, Password: "pw", PasswordConfirm: "pw"})
	require.NoError(t, err)

	generator := audit.NewGenerator(map[audit.Section]audit.Collector{
		audit.SectionUsers:    audit.UsersCollector{Accounts: manager},
		audit.SectionSecurity: audit.SecurityCollector{Accounts: manager, Policy: manager.Policy()},
	}, log)
	a := newTestArchive(t)

	before, err := a.List()
	require.NoError(t, err)

	report, err := generator.Generate(context.Background(), []audit.Section{audit.SectionUsers, audit.SectionSecurity})
	require.NoError(t, err)
	_, err = a.Store(report)
	require.NoError(t, err)

	after, err := a.List()
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	assert.Regexp(t, regexp.MustCompile(`^audit_report_\d{8}_\d{6}\.txt$`), after[0].Name)
	assert.Equal(t, report.Filename(), after[0].Name)

	body, err := a.Read(after[0].Name)
	require.NoError(t, err)
	assert.Contains(t, string(body), "jdoe")
}

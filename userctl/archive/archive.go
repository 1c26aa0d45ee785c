package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/steelcutops/userctl/userctl/audit"
	"github.com/steelcutops/userctl/userctl/errdefs"
)

const (
	dirMode  = 0750
	fileMode = 0640
)

// Entry describes one stored report.
type Entry struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

func (e Entry) Date() string { return e.CreatedAt.Format(time.DateOnly) }
func (e Entry) Time() string { return e.CreatedAt.Format(time.TimeOnly) }
func (e Entry) Size() string { return units.BytesSize(float64(e.SizeBytes)) }

// Archive keeps reports as files directly under Root. There is no index; the
// directory listing is the archive.
type Archive struct {
	Root string
	Log  logrus.FieldLogger
}

func New(root string, log logrus.FieldLogger) *Archive {
	return &Archive{Root: root, Log: log}
}

// Store writes a report under its timestamp name. An existing file of that
// name is never replaced.
func (a *Archive) Store(report audit.Report) (Entry, error) {
	if err := os.MkdirAll(a.Root, dirMode); err != nil {
		return Entry{}, fmt.Errorf("creating archive root: %w", err)
	}

	path := filepath.Join(a.Root, report.Filename())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if errors.Is(err, fs.ErrExist) {
		return Entry{}, fmt.Errorf("%s: %w", report.Filename(), errdefs.ErrCollision)
	}
	if err != nil {
		return Entry{}, err
	}

	body := report.Render()
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return Entry{}, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Entry{}, fmt.Errorf("writing %s: %w", path, err)
	}

	entry := Entry{Path: path, Name: report.Filename(), CreatedAt: report.Timestamp, SizeBytes: int64(len(body))}
	a.logger().WithFields(logrus.Fields{"path": path, "size": entry.SizeBytes}).Info("Stored audit report")
	return entry, nil
}

// List returns every report, newest first. A missing root is an empty
// archive.
func (a *Archive) List() ([]Entry, error) {
	dirents, err := os.ReadDir(a.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	entries := []Entry{}
	for _, d := range dirents {
		name := d.Name()
		if !d.Type().IsRegular() || !strings.HasPrefix(name, audit.FilenamePrefix) || !strings.HasSuffix(name, audit.FilenameSuffix) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		created, ok := audit.ParseFilename(name)
		if !ok {
			created = info.ModTime()
		}
		entries = append(entries, Entry{
			Path:      filepath.Join(a.Root, name),
			Name:      name,
			CreatedAt: created,
			SizeBytes: info.Size(),
		})
	}

	slices.SortFunc(entries, func(x, y Entry) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(y.Path, x.Path)
	})
	return entries, nil
}

// Latest returns the newest report or ErrNoReportsAvailable.
func (a *Archive) Latest() (Entry, error) {
	entries, err := a.List()
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, errdefs.ErrNoReportsAvailable
	}
	return entries[0], nil
}

// Read returns the content of a stored report.
func (a *Archive) Read(path string) ([]byte, error) {
	resolved, err := a.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// Resolve maps a report name or path to a regular file inside Root. Relative
// paths are taken from Root. Anything that resolves outside Root, symlinks
// included, is reported as not found.
func (a *Archive) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty report path: %w", errdefs.ErrNotFound)
	}
	root, err := filepath.Abs(a.Root)
	if err != nil {
		return "", err
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(a.Root, target)
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return "", err
	}
	target, err = filepath.EvalSymlinks(target)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: outside the archive: %w", path, errdefs.ErrNotFound)
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
	}
	return target, nil
}

func (a *Archive) logger() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger()
	}
	return a.Log
}

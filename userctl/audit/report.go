package audit

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

type Section string

const (
	SectionSystem   Section = "system"
	SectionMemory   Section = "memory"
	SectionNetwork  Section = "network"
	SectionUsers    Section = "users"
	SectionSecurity Section = "security"
)

// Sections lists every section in its canonical order.
var Sections = []Section{SectionSystem, SectionMemory, SectionNetwork, SectionUsers, SectionSecurity}

const (
	FilenamePrefix  = "audit_report_"
	FilenameSuffix  = ".txt"
	TimestampLayout = "20060102_150405"
)

// Report is one generated audit. Its identity is its timestamp.
type Report struct {
	Timestamp time.Time          `json:"timestamp"`
	Sections  []Section          `json:"sections"`
	Content   map[Section]string `json:"content"`
}

// Filename returns audit_report_<YYYYMMDD_HHMMSS>.txt for the report's
// timestamp.
func (r Report) Filename() string {
	return FilenameFor(r.Timestamp)
}

func FilenameFor(t time.Time) string {
	return FilenamePrefix + t.Format(TimestampLayout) + FilenameSuffix
}

// ParseFilename extracts the generation time from a report file name.
func ParseFilename(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, FilenamePrefix) || !strings.HasSuffix(name, FilenameSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, FilenamePrefix), FilenameSuffix)
	t, err := time.ParseInLocation(TimestampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Render produces the report file body.
func (r Report) Render() []byte {
	var buf bytes.Buffer
	names := make([]string, 0, len(r.Sections))
	for _, s := range r.Sections {
		names = append(names, string(s))
	}

	fmt.Fprintln(&buf, "System Audit Report")
	fmt.Fprintf(&buf, "Generated: %s\n", r.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&buf, "Sections: %s\n", strings.Join(names, ", "))
	for _, s := range r.Sections {
		fmt.Fprintf(&buf, "\n=== %s ===\n", strings.ToUpper(string(s)))
		body := strings.TrimRight(r.Content[s], "\n")
		if body != "" {
			fmt.Fprintln(&buf, body)
		}
	}
	return buf.Bytes()
}

func (r Report) SizeBytes() int {
	return len(r.Render())
}

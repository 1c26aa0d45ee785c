package audit

import (
	"context"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steelcutops/userctl/userctl/errdefs"
)

// Collector produces the text of one report section.
type Collector interface {
	Collect(ctx context.Context) (string, error)
}

type CollectorFunc func(ctx context.Context) (string, error)

func (f CollectorFunc) Collect(ctx context.Context) (string, error) {
	return f(ctx)
}

// SkippedCancelled marks sections not collected because the request was
// cancelled.
const SkippedCancelled = "SKIPPED: cancelled"

type Generator struct {
	Collectors map[Section]Collector
	Log        logrus.FieldLogger
	Now        func() time.Time
}

func NewGenerator(collectors map[Section]Collector, log logrus.FieldLogger) *Generator {
	return &Generator{Collectors: collectors, Log: log, Now: time.Now}
}

// ParseSections checks a requested section list: non-empty, known names,
// no repeats.
func ParseSections(names []string) ([]Section, error) {
	errs := &errdefs.ValidationError{}
	if len(names) == 0 {
		errs.Add("sections", "at least one section is required")
	}
	out := make([]Section, 0, len(names))
	for _, name := range names {
		s := Section(name)
		switch {
		case !slices.Contains(Sections, s):
			errs.Add("sections", "unknown section %q", name)
		case slices.Contains(out, s):
			errs.Add("sections", "section %q requested twice", name)
		default:
			out = append(out, s)
		}
	}
	if err := errs.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// Generate collects the requested sections in order under one timestamp. A
// failing collector only spoils its own section. When ctx ends, the sections
// not yet collected are marked skipped and the partial report is returned
// together with ctx's error.
func (g *Generator) Generate(ctx context.Context, sections []Section) (Report, error) {
	names := make([]string, 0, len(sections))
	for _, s := range sections {
		names = append(names, string(s))
	}
	if _, err := ParseSections(names); err != nil {
		return Report{}, err
	}

	report := Report{
		Timestamp: g.now().Truncate(time.Second),
		Sections:  slices.Clone(sections),
		Content:   make(map[Section]string, len(sections)),
	}
	log := g.logger().WithField("report", report.Filename())

	for i, s := range sections {
		if err := ctx.Err(); err != nil {
			for _, rest := range sections[i:] {
				report.Content[rest] = SkippedCancelled
			}
			log.WithField("section", s).Warn("Audit cancelled")
			return report, err
		}
		report.Content[s] = g.collect(ctx, log, s)
	}

	log.WithField("sections", names).Info("Generated audit report")
	return report, nil
}

func (g *Generator) collect(ctx context.Context, log logrus.FieldLogger, s Section) string {
	c, ok := g.Collectors[s]
	if !ok {
		return "ERROR: no collector configured"
	}
	text, err := c.Collect(ctx)
	if err != nil {
		log.WithField("section", s).WithError(err).Warn("Audit section failed")
		return "ERROR: " + err.Error()
	}
	return text
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func (g *Generator) logger() logrus.FieldLogger {
	if g.Log == nil {
		return logrus.StandardLogger()
	}
	return g.Log
}

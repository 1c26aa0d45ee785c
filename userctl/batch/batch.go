package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	um "github.com/steelcutops/userctl/userctl/usermanager"
	"github.com/steelcutops/userctl/userctl/validator"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ReasonDryRun is the skip reason of every valid row in a dry run.
const ReasonDryRun = "would apply (dry run)"

type RowResult struct {
	Line     int     `json:"line"`
	Username string  `json:"username"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`

	err error
}

// Result is the outcome of one bulk job. Rows keep input order; a cancelled
// job has fewer rows than its input.
type Result struct {
	JobID     string      `json:"jobId"`
	DryRun    bool        `json:"dryRun"`
	Rows      []RowResult `json:"rows"`
	Applied   int         `json:"applied"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Cancelled bool        `json:"cancelled"`
	Started   time.Time   `json:"started"`
	Finished  time.Time   `json:"finished"`
}

// Err returns the per-row failures combined, or nil when no row failed.
func (r *Result) Err() error {
	var result *multierror.Error
	for _, row := range r.Rows {
		if row.Outcome != OutcomeFailed {
			continue
		}
		err := row.err
		if err == nil {
			err = errors.New(row.Reason)
		}
		result = multierror.Append(result, fmt.Errorf("line %d (%s): %w", row.Line, row.Username, err))
	}
	return result.ErrorOrNil()
}

func (r *Result) record(row RowResult) {
	r.Rows = append(r.Rows, row)
	switch row.Outcome {
	case OutcomeApplied:
		r.Applied++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

// Creator is the part of the account store a bulk job needs.
type Creator interface {
	Create(ctx context.Context, req um.CreateRequest) (um.Account, error)
}

// Provisioner creates accounts row by row. Each row is its own store
// operation; a failed row is recorded and the job moves on.
type Provisioner struct {
	Validator *validator.Validator
	Store     Creator
	Log       logrus.FieldLogger
	// OnRow, if set, is called after every processed row.
	OnRow func(RowResult)
}

// Run processes rows under a fresh job ID.
func (p *Provisioner) Run(ctx context.Context, rows []Row, dryRun bool) *Result {
	return p.RunJob(ctx, uuid.NewString(), rows, dryRun)
}

// RunJob processes rows in order. Once ctx is done no further row is
// started; rows already applied stay applied.
func (p *Provisioner) RunJob(ctx context.Context, jobID string, rows []Row, dryRun bool) *Result {
	log := p.logger().WithFields(logrus.Fields{"job": jobID, "dry_run": dryRun})
	result := &Result{JobID: jobID, DryRun: dryRun, Rows: []RowResult{}, Started: time.Now()}

	log.WithField("rows", len(rows)).Info("Starting bulk job")
	for _, row := range rows {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		rr := p.process(ctx, row, dryRun)
		result.record(rr)

		entry := log.WithFields(logrus.Fields{"line": rr.Line, "username": rr.Username, "outcome": rr.Outcome})
		if rr.Outcome == OutcomeFailed {
			entry.Warn(rr.Reason)
		} else {
			entry.Debug("Processed row")
		}
		if p.OnRow != nil {
			p.OnRow(rr)
		}
	}
	result.Finished = time.Now()

	log.WithFields(logrus.Fields{
		"applied":   result.Applied,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
		"cancelled": result.Cancelled,
	}).Info("Finished bulk job")
	return result
}

func (p *Provisioner) process(ctx context.Context, row Row, dryRun bool) RowResult {
	rr := RowResult{Line: row.Line, Username: row.Username}

	if row.malformed != "" {
		rr.Outcome, rr.Reason = OutcomeFailed, "malformed line: "+row.malformed
		return rr
	}
	req := row.createRequest()
	if err := p.Validator.ValidateCreate(req); err != nil {
		rr.Outcome, rr.Reason, rr.err = OutcomeFailed, err.Error(), err
		return rr
	}
	if dryRun {
		rr.Outcome, rr.Reason = OutcomeSkipped, ReasonDryRun
		return rr
	}
	if _, err := p.Store.Create(ctx, req); err != nil {
		rr.Outcome, rr.Reason, rr.err = OutcomeFailed, err.Error(), err
		return rr
	}
	rr.Outcome = OutcomeApplied
	return rr
}

func (p *Provisioner) logger() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.StandardLogger()
	}
	return p.Log
}

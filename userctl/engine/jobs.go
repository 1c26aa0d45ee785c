package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/steelcutops/userctl/userctl/audit"
	"github.com/steelcutops/userctl/userctl/batch"
	"github.com/steelcutops/userctl/userctl/errdefs"
)

type JobKind string

const (
	JobBulk  JobKind = "bulk"
	JobAudit JobKind = "audit"
)

type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Job is a snapshot of a background operation.
type Job struct {
	ID        string    `json:"id"`
	Kind      JobKind   `json:"kind"`
	State     JobState  `json:"state"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitzero"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (j Job) Done() bool {
	return j.State != JobRunning
}

type jobEntry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// registry tracks background jobs. Finished jobs stay readable for the
// life of the process.
type registry struct {
	sync.RWMutex
	jobs map[string]*jobEntry
}

func (r *registry) add(kind JobKind, total int, cancel context.CancelFunc) Job {
	r.Lock()
	defer r.Unlock()
	if r.jobs == nil {
		r.jobs = map[string]*jobEntry{}
	}
	entry := &jobEntry{
		job:    Job{ID: uuid.NewString(), Kind: kind, State: JobRunning, Started: time.Now(), Total: total},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.jobs[entry.job.ID] = entry
	return entry.job
}

func (r *registry) get(id string) (Job, bool) {
	r.RLock()
	defer r.RUnlock()
	entry, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return entry.job, true
}

func (r *registry) list() []Job {
	r.RLock()
	defer r.RUnlock()
	out := make([]Job, 0, len(r.jobs))
	for _, entry := range r.jobs {
		out = append(out, entry.job)
	}
	slices.SortFunc(out, func(a, b Job) int {
		if c := b.Started.Compare(a.Started); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r *registry) progress(id string) {
	r.Lock()
	defer r.Unlock()
	if entry, ok := r.jobs[id]; ok {
		entry.job.Processed++
	}
}

func (r *registry) finish(id string, state JobState, result any, err error) {
	r.Lock()
	defer r.Unlock()
	entry, ok := r.jobs[id]
	if !ok || entry.job.Done() {
		return
	}
	entry.job.State = state
	entry.job.Finished = time.Now()
	entry.job.Result = result
	if err != nil {
		entry.job.Error = err.Error()
	}
	entry.cancel()
	close(entry.done)
}

// cancel asks a running job to stop. It reports whether the job exists.
func (r *registry) cancel(id string) (Job, bool) {
	r.RLock()
	defer r.RUnlock()
	entry, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	if !entry.job.Done() {
		entry.cancel()
	}
	return entry.job, true
}

func (r *registry) wait(ctx context.Context, id string) (Job, error) {
	r.RLock()
	entry, ok := r.jobs[id]
	r.RUnlock()
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound)
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	job, _ := r.get(id)
	return job, nil
}

// StartBatch parses a bulk file and provisions it in the background. The job
// outlives the request that started it.
func (e *Engine) StartBatch(req BulkRequest) Response {
	rows, err := batch.ParseCSV(strings.NewReader(req.CSV))
	if err != nil {
		return failure(errdefs.Invalid("csv", "%v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := e.jobs.add(JobBulk, len(rows), cancel)
	log := e.logger().WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind})

	go func() {
		p := e.provisioner(func(batch.RowResult) { e.jobs.progress(job.ID) })
		result := p.RunJob(ctx, job.ID, rows, req.DryRun)

		state := JobCompleted
		switch {
		case result.Cancelled:
			state = JobCancelled
		case result.Failed > 0:
			state = JobFailed
		}
		e.jobs.finish(job.ID, state, result, result.Err())
		log.WithField("state", state).Info("Job finished")
	}()

	return success(job, "Bulk job %s started", job.ID)
}

// StartAudit generates and stores a report in the background. A cancelled
// audit still stores the sections collected so far.
func (e *Engine) StartAudit(req AuditRequest) Response {
	sections, err := audit.ParseSections(req.Sections)
	if err != nil {
		return failure(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := e.jobs.add(JobAudit, len(sections), cancel)
	log := e.logger().WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind})

	go func() {
		result, genErr := e.generateAndStore(ctx, sections)
		if genErr != nil && !cancelled(genErr) {
			e.jobs.finish(job.ID, JobFailed, nil, genErr)
			log.WithError(genErr).Error("Job failed")
			return
		}

		state := JobCompleted
		if genErr != nil {
			state = JobCancelled
		}
		e.jobs.finish(job.ID, state, result, genErr)
		log.WithFields(logrus.Fields{"state": state, "report": result.Filename}).Info("Job finished")
	}()

	return success(job, "Audit job %s started", job.ID)
}

func (e *Engine) Job(id string) Response {
	job, ok := e.jobs.get(id)
	if !ok {
		return failure(fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound))
	}
	return success(job, "Job %s is %s", id, job.State)
}

func (e *Engine) Jobs() Response {
	jobs := e.jobs.list()
	return success(jobs, "%d jobs", len(jobs))
}

// Cancel stops a running job. Work the job already committed stays.
func (e *Engine) Cancel(id string) Response {
	job, ok := e.jobs.cancel(id)
	if !ok {
		return failure(fmt.Errorf("job %s: %w", id, errdefs.ErrNotFound))
	}
	if job.Done() {
		return success(job, "Job %s already %s", id, job.State)
	}
	e.logger().WithField("job", id).Info("Cancellation requested")
	return success(job, "Cancellation requested for job %s", id)
}

// Wait blocks until a job finishes or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (Job, error) {
	return e.jobs.wait(ctx, id)
}

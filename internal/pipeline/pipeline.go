package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reid/internal/layout"
	"reid/internal/logging"
	"reid/internal/metrics"
	"reid/internal/scans"
	"reid/internal/storage"
	"reid/internal/tasks"
)

// Stage names a batch step.
type Stage string

const (
	StageConvert    Stage = "convert"
	StageSkullStrip Stage = "skullstrip"
	StageLinear     Stage = "register"
	StageNonlinear  Stage = "nonlinear"
)

// Status is the per-subject result of a stage.
type Status string

const (
	StatusDone     Status = "done"
	StatusSkipped  Status = "skipped"
	StatusRetried  Status = "retried"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// Outcome is what happened to one subject in one stage run.
type Outcome struct {
	Subject  string
	Scan     string
	Status   Status
	Outputs  []string
	Err      error
	Duration time.Duration
}

// Report aggregates the outcomes of one stage run.
type Report struct {
	RunID     string
	Stage     Stage
	Target    string
	Method    string
	Outcomes  []Outcome
	Selection scans.Report
}

// Counts tallies outcomes by status.
func (r Report) Counts() map[string]int {
	counts := make(map[string]int)
	for _, o := range r.Outcomes {
		counts[string(o.Status)]++
	}
	return counts
}

// Failed reports whether any subject failed or hit a conflict.
func (r Report) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed || o.Status == StatusConflict {
			return true
		}
	}
	return false
}

// Completed returns the sorted subjects whose outputs exist after the run.
func (r Report) Completed() []string {
	var subjects []string
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusDone, StatusSkipped, StatusRetried:
			subjects = append(subjects, o.Subject)
		}
	}
	sort.Strings(subjects)
	return subjects
}

// EventKind distinguishes run lifecycle events from subject outcomes.
type EventKind string

const (
	EventRunStarted  EventKind = "run_started"
	EventOutcome     EventKind = "outcome"
	EventRunFinished EventKind = "run_finished"
)

// Event is broadcast to subscribers for every run transition.
type Event struct {
	Kind     EventKind      `json:"kind"`
	RunID    string         `json:"run_id"`
	Stage    Stage          `json:"stage"`
	Target   string         `json:"target,omitempty"`
	Method   string         `json:"method,omitempty"`
	Subject  string         `json:"subject,omitempty"`
	Status   Status         `json:"status,omitempty"`
	Error    string         `json:"error,omitempty"`
	Counts   map[string]int `json:"counts,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

// Runner executes stages over subject batches. Tools are injected so that
// tests can substitute stubs; a nil tool makes its stage return an error.
type Runner struct {
	Resolver  *layout.Resolver
	Stripper  tasks.SkullStripper
	Linear    tasks.LinearRegistrar
	Nonlinear tasks.NonlinearRegistrar
	Converter tasks.SeriesConverter

	log     *slog.Logger
	store   *storage.Store
	metrics *metrics.Recorder

	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New creates a Runner. store and recorder may be nil.
func New(resolver *layout.Resolver, logger *slog.Logger, store *storage.Store, recorder *metrics.Recorder) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Resolver: resolver,
		log:      logger,
		store:    store,
		metrics:  recorder,
		subs:     make(map[int]chan Event),
	}
}

// Subscribe returns a channel for receiving run events and an unsubscribe function.
func (r *Runner) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Event, 32)
	r.subs[id] = ch
	unsub := func() {
		r.mu.Lock()
		if c, ok := r.subs[id]; ok {
			close(c)
			delete(r.subs, id)
		}
		r.mu.Unlock()
	}
	return ch, unsub
}

// Close drops every subscriber.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}

func (r *Runner) broadcast(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.Warn("event channel full", "subscriber", id, "run", ev.RunID)
		}
	}
}

// run tracks one stage invocation in the ledger, metrics and event stream.
type run struct {
	r      *Runner
	report Report
	start  time.Time
}

func (r *Runner) begin(stage Stage, target, method string, params map[string]string, subjects int) *run {
	rn := &run{
		r:      r,
		report: Report{RunID: uuid.NewString(), Stage: stage, Target: target, Method: method},
		start:  time.Now(),
	}
	if err := r.store.RecordRunStart(storage.RunRecord{
		ID:        rn.report.RunID,
		Stage:     string(stage),
		Target:    target,
		Method:    method,
		Params:    params,
		StartedAt: rn.start.UTC(),
	}); err != nil {
		r.log.Warn("ledger write failed", "run", rn.report.RunID, "error", err)
	}
	logging.LogStageStart(r.log, string(stage), rn.report.RunID, target, method, subjects)
	r.broadcast(Event{Kind: EventRunStarted, RunID: rn.report.RunID, Stage: stage, Target: target, Method: method})
	return rn
}

func (rn *run) record(o Outcome) {
	r := rn.r
	rn.report.Outcomes = append(rn.report.Outcomes, o)

	logging.LogSubjectOutcome(r.log, string(rn.report.Stage), o.Subject, string(o.Status), o.Duration, o.Err)
	r.metrics.ObserveOutcome(string(rn.report.Stage), string(o.Status))
	if err := r.store.RecordOutcome(storage.OutcomeRecord{
		RunID:      rn.report.RunID,
		Subject:    o.Subject,
		Scan:       o.Scan,
		Status:     string(o.Status),
		Outputs:    o.Outputs,
		Error:      errString(o.Err),
		DurationMS: o.Duration.Milliseconds(),
	}); err != nil {
		r.log.Warn("ledger write failed", "run", rn.report.RunID, "subject", o.Subject, "error", err)
	}
	r.broadcast(Event{
		Kind:     EventOutcome,
		RunID:    rn.report.RunID,
		Stage:    rn.report.Stage,
		Target:   rn.report.Target,
		Method:   rn.report.Method,
		Subject:  o.Subject,
		Status:   o.Status,
		Error:    errString(o.Err),
		Duration: o.Duration,
	})
}

// finish closes the run. err is the batch-level error, if any.
func (rn *run) finish(err error) (Report, error) {
	r := rn.r
	counts := rn.report.Counts()
	status := "completed"
	switch {
	case errors.Is(err, context.Canceled):
		status = "canceled"
	case err != nil:
		status = "failed"
	case rn.report.Failed():
		status = "partial"
	}
	duration := time.Since(rn.start)
	if lerr := r.store.RecordRunResult(rn.report.RunID, status, counts, errString(err)); lerr != nil {
		r.log.Warn("ledger write failed", "run", rn.report.RunID, "error", lerr)
	}
	logging.LogStageComplete(r.log, string(rn.report.Stage), rn.report.RunID, duration, counts)
	r.broadcast(Event{
		Kind:     EventRunFinished,
		RunID:    rn.report.RunID,
		Stage:    rn.report.Stage,
		Target:   rn.report.Target,
		Method:   rn.report.Method,
		Status:   Status(status),
		Error:    errString(err),
		Counts:   counts,
		Duration: duration,
	})
	return rn.report, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

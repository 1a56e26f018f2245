package triage

import (
	"time"

	"go.uber.org/zap"
)

// RunReport summarizes a triage run.
type RunReport struct {
	StartTime time.Time
	EndTime   time.Time

	// Seen is the number of open pull requests that were listed.
	Seen uint
	// Filtered is the number of pull requests that did not match the
	// filter.
	Filtered uint
	// States counts the classified pull requests per State, including
	// pull requests that were excluded because of a terminal label.
	States map[State]uint

	Acted    uint
	Noop     uint
	Skipped  uint
	Deferred uint

	// FailedTransient counts pull requests whose processing failed with
	// an error that is expected to disappear in a later run.
	FailedTransient uint
	FailedPermanent uint
	// RepositoryFailures counts repositories whose pull requests could
	// not be listed completely.
	RepositoryFailures uint
}

func newRunReport() *RunReport {
	return &RunReport{
		StartTime: time.Now(),
		States:    map[State]uint{},
	}
}

func (r *RunReport) recordOutcome(o *Outcome) {
	switch o.Result {
	case ResultActed:
		r.Acted++
	case ResultNoop:
		r.Noop++
	case ResultSkipped:
		r.Skipped++
	case ResultDeferred:
		r.Deferred++
	}
}

// Failed returns the number of pull requests whose processing failed.
func (r *RunReport) Failed() uint {
	return r.FailedTransient + r.FailedPermanent
}

func (r *RunReport) LogFields() []zap.Field {
	fields := []zap.Field{
		zap.Duration("run_duration", r.EndTime.Sub(r.StartTime)),
		zap.Uint("triage.seen", r.Seen),
		zap.Uint("triage.filtered", r.Filtered),
		zap.Uint("triage.acted", r.Acted),
		zap.Uint("triage.noop", r.Noop),
		zap.Uint("triage.skipped", r.Skipped),
		zap.Uint("triage.deferred", r.Deferred),
		zap.Uint("triage.failed_transient", r.FailedTransient),
		zap.Uint("triage.failed_permanent", r.FailedPermanent),
		zap.Uint("triage.repository_failures", r.RepositoryFailures),
	}

	for _, s := range States {
		if cnt := r.States[s]; cnt > 0 {
			fields = append(fields, zap.Uint("triage.state."+string(s), cnt))
		}
	}

	return fields
}

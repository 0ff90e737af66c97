package poller

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jo-hoe/meshforge/internal/extract"
	"github.com/jo-hoe/meshforge/internal/gateway"
)

// State is the poller's position in a job's lifecycle.
type State string

const (
	StateCreated    State = "created"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// Update is an observable snapshot emitted whenever the poller's view of
// the job changes. Progress is advisory only; while the job is in flight
// it is a bounded pseudo-random estimate, not a measurement.
type Update struct {
	State        State
	JobHandle    string
	RemoteStatus string
	Progress     int
}

// Outcome is the result of a successfully completed job.
type Outcome struct {
	JobHandle   string
	ArtifactURL string
	RawStatus   string
}

// Poller drives exactly one submitted job from creation to a terminal
// state with a fixed poll interval and an overall deadline.
type Poller struct {
	Gateway  gateway.Client
	Interval time.Duration // wait between status checks
	Deadline time.Duration // overall polling budget per job
	Suffix   string        // required artifact file-type suffix, e.g. ".glb"
	Log      *slog.Logger
}

// Run submits the job and polls until terminal. observe may be nil. On
// failure the returned error is one of the taxonomy types in errors.go, or
// the context's error when the caller cancels; the job handle captured at
// submission is reported through observe either way.
func (p *Poller) Run(ctx context.Context, model string, input map[string]any, observe func(Update)) (Outcome, error) {
	notify := func(u Update) {
		if observe != nil {
			observe(u)
		}
	}

	notify(Update{State: StateSubmitting, Progress: 10})

	pred, err := p.Gateway.CreatePrediction(ctx, model, input)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, &SubmissionError{Err: err}
	}
	handle := pred.ID
	if p.Log != nil {
		p.Log.Debug("job submitted", "job_handle", handle, "model", model)
	}
	notify(Update{State: StatePolling, JobHandle: handle, RemoteStatus: pred.Status, Progress: 20})

	start := time.Now()
	for {
		if time.Since(start) > p.Deadline {
			notify(Update{State: StateTimedOut, JobHandle: handle, Progress: 0})
			return Outcome{}, &TimeoutError{Deadline: p.Deadline}
		}

		if err := sleep(ctx, p.Interval); err != nil {
			return Outcome{}, err
		}

		status, err := p.Gateway.GetPrediction(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			notify(Update{State: StateFailed, JobHandle: handle, Progress: 0})
			return Outcome{}, &TransportError{Err: err}
		}
		if p.Log != nil {
			p.Log.Debug("poll status", "job_handle", handle, "status", status.Status)
		}

		switch status.Status {
		case gateway.StatusSucceeded:
			artifact, ok := extract.FindArtifact(status.Output, p.Suffix)
			if !ok {
				notify(Update{State: StateFailed, JobHandle: handle, RemoteStatus: status.Status, Progress: 0})
				return Outcome{}, &ExtractionError{RawOutput: string(status.Output)}
			}
			notify(Update{State: StateSucceeded, JobHandle: handle, RemoteStatus: status.Status, Progress: 100})
			return Outcome{JobHandle: handle, ArtifactURL: artifact, RawStatus: status.Status}, nil

		case gateway.StatusFailed, gateway.StatusCanceled:
			notify(Update{State: StateFailed, JobHandle: handle, RemoteStatus: status.Status, Progress: 0})
			return Outcome{}, &RemoteFailure{Status: status.Status, Message: status.Error}

		default:
			// Still in flight. The estimate stays inside the processing
			// window so the UI shows movement without claiming accuracy.
			notify(Update{
				State:        StatePolling,
				JobHandle:    handle,
				RemoteStatus: status.Status,
				Progress:     30 + rand.IntN(51),
			})
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

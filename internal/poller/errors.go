package poller

import (
	"fmt"
	"time"
)

// The poller distinguishes failure classes so callers can tell the user
// whether to retry, fix their input, or report a gateway problem.

// SubmissionError means the gateway rejected job creation.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("job submission rejected: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransportError means a status-check call failed below the protocol level.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("status check failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteFailure means the gateway reported the job as failed or canceled.
type RemoteFailure struct {
	Status  string
	Message string
}

func (e *RemoteFailure) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "generation failed"
}

// ExtractionError means the job succeeded but no artifact reference could
// be found in the output. RawOutput carries the payload for diagnosis.
type ExtractionError struct {
	RawOutput string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("generation succeeded but no artifact found in: %s", e.RawOutput)
}

// TimeoutError means the polling deadline elapsed before a terminal status.
// Distinct from RemoteFailure so the user is told to retry rather than that
// their input was invalid.
type TimeoutError struct {
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation timed out after %s, please try again", e.Deadline)
}

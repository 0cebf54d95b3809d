package resumux

import (
	"context"
	"time"

	"github.com/aleksikoho/resumux/internal/retry"
)

// terminate issues DELETE against the stored URL with the standard
// protocol header. A 204 is success; anything else
// is wrapped in the usual *HttpError*/*TransportError* taxonomy. When a
// retry schedule is configured, a retryable failure waits the first delay
// and recurses against the schedule's tail; exhausting it re-raises.
// Termination never mutates the URL-store itself — callers do that on
// success (deletePersistedRecord).
func (d *Driver) terminate(ctx context.Context) error {
	return d.terminateWithSchedule(ctx, d.req.RetryDelays)
}

func (d *Driver) terminateWithSchedule(ctx context.Context, delays []time.Duration) error {
	req, err := d.newRequest("DELETE", d.state.URL)
	if err != nil {
		return err
	}

	// Abort marks the driver aborted before terminating, and send refuses to
	// dispatch once aborted, so the DELETE goes straight to the Transport;
	// the before/after hooks are not invoked for it.
	var sendErr error

	resp, err := req.Send(ctx, nil)

	switch {
	case err != nil:
		sendErr = &TransportError{Cause: err, Request: req}
	case resp.StatusCode() != 204:
		sendErr = &HttpError{Status: resp.StatusCode(), Body: resp.Body(), Request: req, Response: resp}
	}

	if sendErr == nil {
		return nil
	}

	if len(delays) == 0 {
		return sendErr
	}

	if !d.retry.ShouldRetry(sendErr, 0) {
		return sendErr
	}

	if err := retry.Sleep(ctx, delays[0]); err != nil {
		return err
	}

	return d.terminateWithSchedule(ctx, delays[1:])
}

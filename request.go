package resumux

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/aleksikoho/resumux/internal/protocol"
)

// newRequest builds a transport Request with the protocol-mandated
// headers, then the user-supplied headers, then an optional
// X-Request-ID, in that order.
func (d *Driver) newRequest(method, url string) (Request, error) {
	req, err := d.req.Transport.NewRequest(method, url)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}

	setVersionHeader(req, d.req.Protocol)

	for k, v := range d.req.Headers {
		req.SetHeader(k, v)
	}

	if d.req.AddRequestID {
		req.SetHeader(protocol.HeaderRequestID, uuid.NewString())
	}

	return req, nil
}

// setVersionHeader is the Request-flavored counterpart of
// protocol.SetVersionHeader (which targets *http.Request directly for the
// net/http reference Transport's own internal use).
func setVersionHeader(req Request, v protocol.Version) {
	name, value := protocol.VersionHeader(v)
	req.SetHeader(name, value)
}

// send runs the before/after hooks around a transport round trip and
// classifies the outcome into the driver's error taxonomy. A non-2xx response is
// returned alongside an *HttpError so callers can still inspect headers
// (e.g. Upload-Offset on a 409) before deciding how to proceed — matching
// the source's habit of reading response state even on error paths during
// resume reconciliation.
func (d *Driver) send(ctx context.Context, req Request, body io.Reader) (Response, error) {
	if d.isAborted() {
		return nil, ErrAborted
	}

	if d.req.OnBeforeRequest != nil {
		if err := d.req.OnBeforeRequest(ctx, req); err != nil {
			return nil, &TransportError{Cause: err, Request: req}
		}
	}

	d.setActiveRequest(req)

	resp, err := req.Send(ctx, body)

	d.setActiveRequest(nil)

	if d.isAborted() {
		return nil, ErrAborted
	}

	if err != nil {
		return nil, &TransportError{Cause: err, Request: req}
	}

	if d.req.OnAfterResponse != nil {
		if hookErr := d.req.OnAfterResponse(ctx, req, resp); hookErr != nil {
			return resp, &TransportError{Cause: hookErr, Request: req}
		}
	}

	class := protocol.Classify(resp.StatusCode())
	if class != protocol.ClassSuccess {
		return resp, &HttpError{Status: resp.StatusCode(), Body: resp.Body(), Request: req, Response: resp}
	}

	return resp, nil
}
